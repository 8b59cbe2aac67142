package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/gemini-relay/internal/proxy/dispatch"
	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/proxy/stream"
	"github.com/pysugar/gemini-relay/internal/providers/catalog"
	"github.com/pysugar/gemini-relay/internal/util"
)

// ClaudeMessagesHandler handles /anthropic/v1/messages
func ClaudeMessagesHandler(engine *dispatch.Engine, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestId := GetOrGenerateRequestID(r)

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeClaudeError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if util.IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /anthropic/v1/messages Raw request:\n%s", requestId, util.TruncateBytes(bodyBytes))
		}

		req, err := mappers.ParseClaudeMessages(bodyBytes)
		if err != nil {
			log.Printf("⚠️ [%s] Claude parse error: %v", requestId, err)
			status := writeRelayError(w, err, writeClaudeError)
			logOutcome(mon, r, start, status, "", "", err.Error(), nil)
			return
		}

		if req.Stream {
			handleClaudeStreaming(w, r, engine, mon, req, start, requestId)
			return
		}

		outcome, err := engine.Execute(r.Context(), req)
		if err != nil {
			log.Printf("❌ [%s] Claude dispatch failed: %v", requestId, err)
			status := writeRelayError(w, err, writeClaudeError)
			logOutcome(mon, r, start, status, req.Model, "", err.Error(), nil)
			return
		}

		body, err := mappers.FormatClaudeResponse(outcome.Response, req.Model)
		if err != nil {
			writeClaudeError(w, "Response conversion error", http.StatusInternalServerError)
			logOutcome(mon, r, start, http.StatusInternalServerError, req.Model, outcome.Account, err.Error(), nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, "", &outcome.Response.Usage)
	}
}

func handleClaudeStreaming(w http.ResponseWriter, r *http.Request, engine *dispatch.Engine, mon *monitor.Monitor, req *mappers.Request, start time.Time, requestId string) {
	outcome, err := engine.ExecuteStream(r.Context(), req)
	if err != nil {
		log.Printf("❌ [%s] Claude stream dispatch failed: %v", requestId, err)
		status := writeRelayError(w, err, writeClaudeError)
		logOutcome(mon, r, start, status, req.Model, "", err.Error(), nil)
		return
	}
	defer outcome.Stream.Close()

	SetSSEHeaders(w)
	emit, err := writeSSE(w)
	if err != nil {
		writeClaudeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	framer := stream.NewClaudeFramer("msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""), req.Model)
	if err := stream.Transcode(r.Context(), outcome.Stream, framer, emit); err != nil {
		log.Printf("⚠️ [%s] Claude stream aborted: %v", requestId, err)
		logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, err.Error(), nil)
		return
	}
	logOutcome(mon, r, start, http.StatusOK, req.Model, outcome.Account, "", nil)
}

// ClaudeModelsHandler handles GET /anthropic/v1/models
func ClaudeModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type modelEntry struct {
			ID          string `json:"id"`
			Type        string `json:"type"`
			DisplayName string `json:"display_name"`
		}
		var data []modelEntry
		for _, id := range catalog.GenerationModelIDs() {
			data = append(data, modelEntry{ID: id, Type: "model", DisplayName: id})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":     data,
			"has_more": false,
		})
	}
}

func writeClaudeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "api_error",
			"message": message,
		},
	})
}
