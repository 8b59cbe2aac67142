package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/gemini-relay/internal/proxy/dispatch"
	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/proxy/stream"
	"github.com/pysugar/gemini-relay/internal/providers/catalog"
	"github.com/pysugar/gemini-relay/internal/util"
)

// GeminiGenerateHandler handles POST /v1beta/models/{model}:generateContent
func GeminiGenerateHandler(engine *dispatch.Engine, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		model := chi.URLParam(r, "model")
		requestId := GetOrGenerateRequestID(r)

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeGeminiError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if util.IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] %s:generateContent Raw request:\n%s", requestId, model, util.TruncateBytes(bodyBytes))
		}

		req, err := mappers.ParseGeminiRequest(bodyBytes, model, false)
		if err != nil {
			status := writeRelayError(w, err, writeGeminiError)
			logOutcome(mon, r, start, status, model, "", err.Error(), nil)
			return
		}

		outcome, err := engine.Execute(r.Context(), req)
		if err != nil {
			log.Printf("❌ [%s] Gemini dispatch failed: %v", requestId, err)
			status := writeRelayError(w, err, writeGeminiError)
			logOutcome(mon, r, start, status, model, "", err.Error(), nil)
			return
		}

		body, err := mappers.FormatGeminiResponse(outcome.Response)
		if err != nil {
			writeGeminiError(w, "Response conversion error", http.StatusInternalServerError)
			logOutcome(mon, r, start, http.StatusInternalServerError, model, outcome.Account, err.Error(), nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		logOutcome(mon, r, start, http.StatusOK, model, outcome.Account, "", &outcome.Response.Usage)
	}
}

// GeminiStreamHandler handles POST /v1beta/models/{model}:streamGenerateContent
func GeminiStreamHandler(engine *dispatch.Engine, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		model := chi.URLParam(r, "model")
		requestId := GetOrGenerateRequestID(r)

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeGeminiError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		req, err := mappers.ParseGeminiRequest(bodyBytes, model, true)
		if err != nil {
			status := writeRelayError(w, err, writeGeminiError)
			logOutcome(mon, r, start, status, model, "", err.Error(), nil)
			return
		}

		outcome, err := engine.ExecuteStream(r.Context(), req)
		if err != nil {
			log.Printf("❌ [%s] Gemini stream dispatch failed: %v", requestId, err)
			status := writeRelayError(w, err, writeGeminiError)
			logOutcome(mon, r, start, status, model, "", err.Error(), nil)
			return
		}
		defer outcome.Stream.Close()

		SetSSEHeaders(w)
		emit, err := writeSSE(w)
		if err != nil {
			writeGeminiError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := stream.Transcode(r.Context(), outcome.Stream, stream.NewGeminiFramer(), emit); err != nil {
			log.Printf("⚠️ [%s] Gemini stream aborted: %v", requestId, err)
			logOutcome(mon, r, start, http.StatusOK, model, outcome.Account, err.Error(), nil)
			return
		}
		logOutcome(mon, r, start, http.StatusOK, model, outcome.Account, "", nil)
	}
}

// GeminiCountTokensHandler handles POST /v1beta/models/{model}:countTokens
func GeminiCountTokensHandler(engine *dispatch.Engine, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		model := chi.URLParam(r, "model")

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeGeminiError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		var req struct {
			Contents json.RawMessage `json:"contents"`
		}
		if err := json.Unmarshal(bodyBytes, &req); err != nil || len(req.Contents) == 0 {
			writeGeminiError(w, "Request must carry a contents array", http.StatusBadRequest)
			logOutcome(mon, r, start, http.StatusBadRequest, model, "", "missing contents", nil)
			return
		}

		result, err := engine.CountTokens(r.Context(), model, req.Contents)
		if err != nil {
			status := writeRelayError(w, err, writeGeminiError)
			logOutcome(mon, r, start, status, model, "", err.Error(), nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
		logOutcome(mon, r, start, http.StatusOK, model, "", "", nil)
	}
}

// GeminiModelsListHandler handles GET /v1beta/models
func GeminiModelsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": catalog.Models(),
		})
	}
}

// GeminiGetModelHandler handles GET /v1beta/models/{model}
func GeminiGetModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		entry, ok := catalog.Lookup(model)
		if !ok {
			writeGeminiError(w, "Model not found: "+model, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entry)
	}
}

func writeGeminiError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
			"status":  "ERROR",
		},
	})
}
