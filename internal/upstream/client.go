// Package upstream talks to the Google Cloud Code private API
// (v1internal) and, for embeddings, the public Generative Language API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pysugar/gemini-relay/internal/util"
)

// Default endpoints.
const (
	DefaultBaseURL   = "https://cloudcode-pa.googleapis.com/v1internal"
	DefaultPublicURL = "https://generativelanguage.googleapis.com"

	// UserAgent matches what the Gemini CLI sends.
	UserAgent = "GeminiCLI/0.22.0 (linux; amd64)"
)

// clientMetadata accompanies loadCodeAssist and onboardUser calls.
var clientMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// onboardMaxAttempts bounds the onboardUser operation poll.
const onboardMaxAttempts = 5

// Client issues requests against the Cloud Code API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	publicURL    string
	pollInterval time.Duration
}

// Option tweaks a Client.
type Option func(*Client)

// WithBaseURL overrides the Cloud Code endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithPublicURL overrides the Generative Language endpoint used for
// embeddings.
func WithPublicURL(url string) Option {
	return func(c *Client) { c.publicURL = url }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithPollInterval sets the base delay between onboardUser operation polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient builds a Cloud Code client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // long timeout for streaming
		},
		baseURL:      DefaultBaseURL,
		publicURL:    DefaultPublicURL,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateContent calls v1internal:generateContent with the given envelope
// ({"model":..., "project":..., "request":...}).
func (c *Client) GenerateContent(ctx context.Context, accessToken string, envelope []byte) (*http.Response, error) {
	return c.post(ctx, c.baseURL+":generateContent", accessToken, envelope)
}

// StreamGenerateContent calls v1internal:streamGenerateContent with SSE
// framing. The caller owns the response body.
func (c *Client) StreamGenerateContent(ctx context.Context, accessToken string, envelope []byte) (*http.Response, error) {
	return c.post(ctx, c.baseURL+":streamGenerateContent?alt=sse", accessToken, envelope)
}

// CountTokens calls v1internal:countTokens.
func (c *Client) CountTokens(ctx context.Context, accessToken string, envelope []byte) (*http.Response, error) {
	return c.post(ctx, c.baseURL+":countTokens", accessToken, envelope)
}

// EmbedContent calls the public embedContent endpoint with a static API key.
func (c *Client) EmbedContent(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s", c.publicURL, model, apiKey)
	return c.postPublic(ctx, url, body)
}

// BatchEmbedContents calls the public batchEmbedContents endpoint.
func (c *Client) BatchEmbedContents(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", c.publicURL, model, apiKey)
	return c.postPublic(ctx, url, body)
}

func (c *Client) postPublic(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// LoadProject calls v1internal:loadCodeAssist and reports the project the
// account is attached to, plus whether the account has a tier assigned
// already (no onboarding needed).
func (c *Client) LoadProject(ctx context.Context, accessToken string) (string, bool, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"metadata": clientMetadata,
	})
	resp, err := c.post(ctx, c.baseURL+":loadCodeAssist", accessToken, payload)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, readAPIError("loadCodeAssist", resp)
	}

	var result struct {
		Project     string `json:"cloudaicompanionProject"`
		CurrentTier *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("decode loadCodeAssist response: %w", err)
	}
	return result.Project, result.CurrentTier != nil, nil
}

// Onboard runs the v1internal:onboardUser long-running operation until it
// completes, polling at most onboardMaxAttempts times, and returns the
// project id the account ends up on. An empty projectID lets the API pick
// one.
func (c *Client) Onboard(ctx context.Context, accessToken, projectID string) (string, error) {
	body := map[string]interface{}{
		"tierId":   "free-tier",
		"metadata": clientMetadata,
	}
	if projectID != "" {
		body["cloudaicompanionProject"] = projectID
	}
	payload, _ := json.Marshal(body)

	for attempt := 1; ; attempt++ {
		resp, err := c.post(ctx, c.baseURL+":onboardUser", accessToken, payload)
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return "", readAPIError("onboardUser", resp)
		}

		var op struct {
			Done     bool `json:"done"`
			Response struct {
				Project struct {
					ID string `json:"id"`
				} `json:"cloudaicompanionProject"`
			} `json:"response"`
		}
		err = json.NewDecoder(resp.Body).Decode(&op)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("decode onboardUser response: %w", err)
		}

		if op.Done {
			if op.Response.Project.ID != "" {
				return op.Response.Project.ID, nil
			}
			return projectID, nil
		}
		if attempt >= onboardMaxAttempts {
			return "", fmt.Errorf("onboardUser operation still pending after %d attempts", onboardMaxAttempts)
		}

		// Linear backoff between polls.
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * c.pollInterval):
		}
	}
}

func (c *Client) post(ctx context.Context, url, accessToken string, payload []byte) (*http.Response, error) {
	if util.IsVerbose() {
		log.Printf("🔄 [VERBOSE] Upstream request to %s:\n%s", url, util.TruncateLog(string(payload), 2000))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readAPIError drains an error response into a descriptive error.
func readAPIError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s returned %d: %s", op, resp.StatusCode, util.TruncateLog(string(body), 500))
}
