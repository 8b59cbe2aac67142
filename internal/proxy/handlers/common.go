// Package handlers implements the relay's HTTP surfaces: OpenAI, Claude
// and native Gemini wire formats, all served from the same dispatch engine.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/gemini-relay/internal/auth/credential"
	"github.com/pysugar/gemini-relay/internal/db/models"
	"github.com/pysugar/gemini-relay/internal/logging"
	"github.com/pysugar/gemini-relay/internal/proxy/dispatch"
	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/proxy/stream"
)

// GetOrGenerateRequestID retrieves the request id from the context or the
// X-Request-ID header, generating one as a last resort.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestId := logging.GetRequestID(r.Context()); requestId != "" {
		return requestId
	}
	if requestId := r.Header.Get("X-Request-ID"); requestId != "" {
		return requestId
	}
	return "relay-" + uuid.New().String()
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// errorWriter renders an error message in one wire format.
type errorWriter func(w http.ResponseWriter, message string, status int)

// classifyError maps the relay's error taxonomy onto HTTP statuses.
func classifyError(err error) (int, string) {
	var schemaErr *mappers.SchemaError
	if errors.As(err, &schemaErr) {
		return http.StatusBadRequest, schemaErr.Error()
	}
	if errors.Is(err, credential.ErrNoCredentialsConfigured) {
		return http.StatusInternalServerError, "no credentials configured"
	}
	if errors.Is(err, credential.ErrNoCredentialAvailable) {
		return http.StatusServiceUnavailable, "no valid credential available"
	}
	var authErr *dispatch.UpstreamAuthError
	if errors.As(err, &authErr) {
		return http.StatusBadGateway, authErr.Error()
	}
	var unavailErr *dispatch.UpstreamUnavailableError
	if errors.As(err, &unavailErr) {
		return http.StatusBadGateway, unavailErr.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// writeRelayError renders a dispatch/mapping error. Non-auth upstream error
// bodies pass through verbatim with their original status; everything else
// maps through classifyError into the given wire format.
func writeRelayError(w http.ResponseWriter, err error, write errorWriter) int {
	var upstreamErr *dispatch.UpstreamError
	if errors.As(err, &upstreamErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstreamErr.StatusCode)
		w.Write(upstreamErr.Body)
		return upstreamErr.StatusCode
	}
	status, message := classifyError(err)
	write(w, message, status)
	return status
}

// writeSSE streams events in text/event-stream framing, flushing per event.
func writeSSE(w http.ResponseWriter) (func(stream.Event) error, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	return func(ev stream.Event) error {
		if ev.Name != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, nil
}

// logOutcome records a completed request with the monitor.
func logOutcome(mon *monitor.Monitor, r *http.Request, start time.Time, status int, model, account, errMsg string, usage *mappers.Usage) {
	if mon == nil {
		return
	}
	entry := models.RequestLog{
		Method:       r.Method,
		URL:          r.URL.Path,
		Status:       status,
		Duration:     time.Since(start).Milliseconds(),
		Model:        model,
		AccountEmail: account,
		Error:        errMsg,
	}
	if usage != nil {
		entry.InputTokens = usage.PromptTokens
		entry.OutputTokens = usage.CompletionTokens
	}
	mon.LogRequest(entry)
}
