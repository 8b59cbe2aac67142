package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/upstream"
)

// openAIEmbeddingRequest is the /v1/embeddings request body. Input is a
// string or an array of strings.
type openAIEmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// OpenAIEmbeddingsHandler handles /v1/embeddings via the public Gemini
// embedding API. Embeddings bypass the OAuth pool and use a static API key.
func OpenAIEmbeddingsHandler(client *upstream.Client, apiKey string, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if apiKey == "" {
			writeOpenAIError(w, "The server is not configured to handle embedding requests", http.StatusInternalServerError)
			return
		}

		var req openAIEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, "Field model is required", http.StatusBadRequest)
			return
		}

		inputs, err := embeddingInputs(req.Input)
		if err != nil {
			writeOpenAIError(w, err.Error(), http.StatusBadRequest)
			return
		}

		model := strings.TrimPrefix(req.Model, "models/")
		batch := map[string]interface{}{}
		requests := make([]map[string]interface{}, 0, len(inputs))
		for _, text := range inputs {
			requests = append(requests, map[string]interface{}{
				"model":   "models/" + model,
				"content": map[string]interface{}{"parts": []map[string]string{{"text": text}}},
			})
		}
		batch["requests"] = requests
		body, _ := json.Marshal(batch)

		resp, err := client.BatchEmbedContents(r.Context(), apiKey, model, body)
		if err != nil {
			log.Printf("❌ Embedding request failed: %v", err)
			writeOpenAIError(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
			logOutcome(mon, r, start, http.StatusBadGateway, model, "", err.Error(), nil)
			return
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.StatusCode)
			w.Write(respBody)
			logOutcome(mon, r, start, resp.StatusCode, model, "", "upstream embedding error", nil)
			return
		}

		var parsed struct {
			Embeddings []struct {
				Values []float64 `json:"values"`
			} `json:"embeddings"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			writeOpenAIError(w, "Response conversion error", http.StatusInternalServerError)
			return
		}

		type embeddingData struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]embeddingData, 0, len(parsed.Embeddings))
		for i, e := range parsed.Embeddings {
			data = append(data, embeddingData{Object: "embedding", Index: i, Embedding: e.Values})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage": map[string]int{
				"prompt_tokens": 0,
				"total_tokens":  0,
			},
		})
		logOutcome(mon, r, start, http.StatusOK, model, "", "", nil)
	}
}

// GeminiEmbedContentHandler handles POST /v1beta/models/{model}:embedContent
// as a passthrough to the public API.
func GeminiEmbedContentHandler(client *upstream.Client, apiKey string, mon *monitor.Monitor) http.HandlerFunc {
	return embedPassthrough(apiKey, mon, func(r *http.Request, model string, body []byte) (*http.Response, error) {
		return client.EmbedContent(r.Context(), apiKey, model, body)
	})
}

// GeminiBatchEmbedHandler handles POST /v1beta/models/{model}:batchEmbedContents.
func GeminiBatchEmbedHandler(client *upstream.Client, apiKey string, mon *monitor.Monitor) http.HandlerFunc {
	return embedPassthrough(apiKey, mon, func(r *http.Request, model string, body []byte) (*http.Response, error) {
		return client.BatchEmbedContents(r.Context(), apiKey, model, body)
	})
}

func embedPassthrough(apiKey string, mon *monitor.Monitor, call func(r *http.Request, model string, body []byte) (*http.Response, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		model := chi.URLParam(r, "model")

		if apiKey == "" {
			writeGeminiError(w, "The server is not configured to handle embedding requests", http.StatusInternalServerError)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeGeminiError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		resp, err := call(r, model, body)
		if err != nil {
			writeGeminiError(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
			logOutcome(mon, r, start, http.StatusBadGateway, model, "", err.Error(), nil)
			return
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		logOutcome(mon, r, start, resp.StatusCode, model, "", "", nil)
	}
}

// embeddingInputs flattens the string-or-array input field.
func embeddingInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errInputRequired
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, errInputRequired
		}
		return many, nil
	}
	return nil, errInputInvalid
}

var (
	errInputRequired = &embeddingInputError{"Field input is required"}
	errInputInvalid  = &embeddingInputError{"Field input must be a string or an array of strings"}
)

type embeddingInputError struct{ msg string }

func (e *embeddingInputError) Error() string { return e.msg }
