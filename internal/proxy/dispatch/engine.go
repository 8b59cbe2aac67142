// Package dispatch executes canonical requests against the Cloud Code
// upstream, rotating across the credential pool and translating failures
// into the relay's error taxonomy.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/pysugar/gemini-relay/internal/auth/credential"
	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
	"github.com/pysugar/gemini-relay/internal/upstream"
)

// envelope is the wire wrapper the v1internal API expects.
type envelope struct {
	Model   string      `json:"model"`
	Project string      `json:"project,omitempty"`
	Request interface{} `json:"request"`
}

// Outcome is a successful dispatch: exactly one of Response (non-streaming)
// or Stream (streaming, caller closes) is set. Account names the credential
// that served the request.
type Outcome struct {
	Response *mappers.Response
	Stream   io.ReadCloser
	Account  string
}

// Engine ties the credential pool to the upstream client.
type Engine struct {
	pool           *credential.Pool
	client         *upstream.Client
	requireProject bool
}

// NewEngine builds a dispatch engine. When requireProject is set, a failed
// project discovery fails the request instead of falling back to an
// unscoped call.
func NewEngine(pool *credential.Pool, client *upstream.Client, requireProject bool) *Engine {
	return &Engine{pool: pool, client: client, requireProject: requireProject}
}

// Execute runs a non-streaming generation and returns the canonical
// response.
func (e *Engine) Execute(ctx context.Context, req *mappers.Request) (*Outcome, error) {
	payload, err := mappers.CanonicalToGemini(req)
	if err != nil {
		return nil, err
	}
	resp, email, err := e.callWithRotation(ctx, req.Model, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamUnavailableError{Err: fmt.Errorf("read response: %w", err)}
	}
	canonical, err := mappers.GeminiToCanonical(unwrapResponse(body), req.Model)
	if err != nil {
		return nil, &UpstreamUnavailableError{Err: err}
	}
	return &Outcome{Response: canonical, Account: email}, nil
}

// ExecuteStream runs a streaming generation. The returned Outcome carries
// the raw SSE body; the caller is responsible for closing it.
func (e *Engine) ExecuteStream(ctx context.Context, req *mappers.Request) (*Outcome, error) {
	payload, err := mappers.CanonicalToGemini(req)
	if err != nil {
		return nil, err
	}
	resp, email, err := e.callWithRotation(ctx, req.Model, payload, true)
	if err != nil {
		return nil, err
	}
	return &Outcome{Stream: resp.Body, Account: email}, nil
}

// CountTokens proxies a countTokens call and returns the raw upstream JSON.
func (e *Engine) CountTokens(ctx context.Context, model string, contents json.RawMessage) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"request": map[string]interface{}{
			"model":    "models/" + model,
			"contents": contents,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal countTokens request: %w", err)
	}

	rec, token, err := e.acquireFresh(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.CountTokens(ctx, token, body)
	if err != nil {
		return nil, &UpstreamUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		e.pool.Invalidate(rec)
		return nil, &UpstreamAuthError{Attempts: 1}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamUnavailableError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: data}
	}
	return unwrapResponse(data), nil
}

// callWithRotation tries credentials round-robin until one serves the
// request. Auth rejections invalidate the credential and advance to the
// next one; the loop is bounded by the pool size.
func (e *Engine) callWithRotation(ctx context.Context, model string, payload *mappers.GeminiRequestPayload, stream bool) (*http.Response, string, error) {
	attempts := e.pool.Size()
	if attempts == 0 {
		return nil, "", credential.ErrNoCredentialsConfigured
	}

	authFailures := 0
	for i := 0; i < attempts; i++ {
		rec, err := e.pool.Acquire()
		if err != nil {
			return nil, "", err
		}

		token, err := e.freshToken(ctx, rec)
		if err != nil {
			var transient *credential.TransientRefreshError
			if errors.As(err, &transient) {
				return nil, "", &UpstreamUnavailableError{Err: err}
			}
			// Permanent refresh failure: the record is already
			// invalid, move on to the next credential.
			log.Printf("⚠️ Skipping credential %s: %v", rec.ID(), err)
			continue
		}

		project := e.resolveProject(ctx, rec)
		if e.requireProject && project == "" {
			return nil, "", fmt.Errorf("project discovery failed for credential %s", rec.ID())
		}
		body, err := json.Marshal(envelope{Model: model, Project: project, Request: payload})
		if err != nil {
			return nil, "", fmt.Errorf("marshal upstream envelope: %w", err)
		}

		var resp *http.Response
		if stream {
			resp, err = e.client.StreamGenerateContent(ctx, token, body)
		} else {
			resp, err = e.client.GenerateContent(ctx, token, body)
		}
		if err != nil {
			return nil, "", &UpstreamUnavailableError{Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, rec.Email(), nil
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			authFailures++
			log.Printf("🔒 Upstream rejected credential %s (401), rotating", rec.ID())
			e.pool.Invalidate(rec)
			continue
		default:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			return nil, "", &UpstreamError{StatusCode: resp.StatusCode, Body: data}
		}
	}

	if authFailures > 0 {
		return nil, "", &UpstreamAuthError{Attempts: authFailures}
	}
	return nil, "", credential.ErrNoCredentialAvailable
}

// freshToken ensures the record's token is usable, retrying one transient
// refresh failure before giving up.
func (e *Engine) freshToken(ctx context.Context, rec *credential.Record) (string, error) {
	err := e.pool.EnsureFresh(ctx, rec)
	if err != nil {
		var transient *credential.TransientRefreshError
		if errors.As(err, &transient) {
			log.Printf("⏳ Retrying token refresh for %s", rec.ID())
			err = e.pool.EnsureFresh(ctx, rec)
		}
	}
	if err != nil {
		return "", err
	}
	token, _ := rec.AccessToken()
	return token, nil
}

// acquireFresh picks one usable credential without the full rotation loop.
func (e *Engine) acquireFresh(ctx context.Context) (*credential.Record, string, error) {
	rec, err := e.pool.Acquire()
	if err != nil {
		return nil, "", err
	}
	token, err := e.freshToken(ctx, rec)
	if err != nil {
		var transient *credential.TransientRefreshError
		if errors.As(err, &transient) {
			return nil, "", &UpstreamUnavailableError{Err: err}
		}
		return nil, "", err
	}
	return rec, token, nil
}

func (e *Engine) resolveProject(ctx context.Context, rec *credential.Record) string {
	project, err := e.pool.DiscoverProject(ctx, rec, e.client)
	if err != nil {
		log.Printf("⚠️ Project discovery failed for %s: %v", rec.ID(), err)
		return ""
	}
	return project
}

// unwrapResponse strips the {"response": ...} wrapper the v1internal API
// puts around payloads.
func unwrapResponse(data []byte) []byte {
	var wrapper struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Response) > 0 {
		return wrapper.Response
	}
	return data
}
