package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/gemini-relay/internal/proxy/dispatch"
	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/proxy/stream"
	"github.com/pysugar/gemini-relay/internal/providers/catalog"
	"github.com/pysugar/gemini-relay/internal/util"
)

// OpenAIChatHandler handles /v1/chat/completions
func OpenAIChatHandler(engine *dispatch.Engine, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestId := GetOrGenerateRequestID(r)

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if util.IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /v1/chat/completions Raw request:\n%s", requestId, util.TruncateBytes(bodyBytes))
		}

		req, err := mappers.ParseOpenAIChat(bodyBytes)
		if err != nil {
			log.Printf("⚠️ [%s] OpenAI parse error: %v", requestId, err)
			status := writeRelayError(w, err, writeOpenAIError)
			logOutcome(mon, r, start, status, "", "", err.Error(), nil)
			return
		}

		if req.Stream {
			handleOpenAIStreaming(w, r, engine, mon, req, start, requestId)
			return
		}

		outcome, err := engine.Execute(r.Context(), req)
		if err != nil {
			log.Printf("❌ [%s] OpenAI dispatch failed: %v", requestId, err)
			status := writeRelayError(w, err, writeOpenAIError)
			logOutcome(mon, r, start, status, req.Model, "", err.Error(), nil)
			return
		}

		body, err := mappers.FormatOpenAIResponse(outcome.Response, req.Model)
		if err != nil {
			writeOpenAIError(w, "Response conversion error", http.StatusInternalServerError)
			logOutcome(mon, r, start, http.StatusInternalServerError, req.Model, outcome.Account, err.Error(), nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, "", &outcome.Response.Usage)
	}
}

func handleOpenAIStreaming(w http.ResponseWriter, r *http.Request, engine *dispatch.Engine, mon *monitor.Monitor, req *mappers.Request, start time.Time, requestId string) {
	outcome, err := engine.ExecuteStream(r.Context(), req)
	if err != nil {
		log.Printf("❌ [%s] OpenAI stream dispatch failed: %v", requestId, err)
		status := writeRelayError(w, err, writeOpenAIError)
		logOutcome(mon, r, start, status, req.Model, "", err.Error(), nil)
		return
	}
	defer outcome.Stream.Close()

	SetSSEHeaders(w)
	emit, err := writeSSE(w)
	if err != nil {
		writeOpenAIError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	framer := stream.NewOpenAIFramer("chatcmpl-"+uuid.NewString(), req.Model)
	if err := stream.Transcode(r.Context(), outcome.Stream, framer, emit); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		log.Printf("⚠️ [%s] OpenAI stream aborted: %v", requestId, err)
		logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, err.Error(), nil)
		return
	}
	logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, "", nil)
}

// OpenAIModelsHandler handles GET /v1/models
func OpenAIModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type modelEntry struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		}
		var data []modelEntry
		for _, id := range catalog.GenerationModelIDs() {
			data = append(data, modelEntry{
				ID:      id,
				Object:  "model",
				Created: time.Now().Unix(),
				OwnedBy: "google",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

func writeOpenAIError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
	})
}
