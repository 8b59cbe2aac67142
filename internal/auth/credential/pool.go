package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/pysugar/gemini-relay/internal/auth/google"
)

// ErrNoCredentialsConfigured means the pool was built with zero credentials;
// this is a deployment problem, not a runtime one.
var ErrNoCredentialsConfigured = errors.New("no credentials configured")

// ErrNoCredentialAvailable means every credential in the pool is invalid.
var ErrNoCredentialAvailable = errors.New("no valid credential available")

// TransientRefreshError wraps a refresh failure that may succeed on retry.
type TransientRefreshError struct {
	Err error
}

func (e *TransientRefreshError) Error() string {
	return fmt.Sprintf("transient token refresh failure: %v", e.Err)
}

func (e *TransientRefreshError) Unwrap() error { return e.Err }

// ProjectDiscoverer resolves the Cloud project backing a credential.
// LoadProject reports the project the account is attached to and whether it
// already completed onboarding; Onboard runs the onboarding operation and
// returns the final project id.
type ProjectDiscoverer interface {
	LoadProject(ctx context.Context, accessToken string) (projectID string, onboarded bool, err error)
	Onboard(ctx context.Context, accessToken, projectID string) (string, error)
}

// Pool rotates across credentials round-robin, skipping invalid ones.
type Pool struct {
	mu      sync.Mutex
	records []*Record
	cursor  int

	store  Persister
	margin time.Duration

	// tokenURL overrides the Google token endpoint when set.
	tokenURL string

	// clientID/clientSecret back credentials whose files carry no OAuth
	// client of their own.
	clientID     string
	clientSecret string
}

// PoolOption tweaks a Pool.
type PoolOption func(*Pool)

// WithTokenEndpoint overrides the Google token endpoint used for refresh.
func WithTokenEndpoint(url string) PoolOption {
	return func(p *Pool) { p.tokenURL = url }
}

// WithOAuthClient sets the OAuth client used for records that do not carry
// their own client_id. Empty values fall through to the Gemini CLI default.
func WithOAuthClient(clientID, clientSecret string) PoolOption {
	return func(p *Pool) {
		p.clientID = clientID
		p.clientSecret = clientSecret
	}
}

// NewPool builds a pool over the given records. margin is how long before
// expiry a token is considered stale.
func NewPool(records []*Record, store Persister, margin time.Duration, opts ...PoolOption) *Pool {
	p := &Pool{records: records, store: store, margin: margin}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the total number of credentials, valid or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Acquire returns the next non-invalid credential in rotation order. The
// cursor advances past the returned record, so consecutive calls spread load
// across accounts. Selection only inspects status flags and never waits on a
// refresh in flight.
func (p *Pool) Acquire() (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) == 0 {
		return nil, ErrNoCredentialsConfigured
	}
	for i := 0; i < len(p.records); i++ {
		rec := p.records[p.cursor%len(p.records)]
		p.cursor = (p.cursor + 1) % len(p.records)
		if rec.Status() == StatusInvalid {
			continue
		}
		return rec, nil
	}
	return nil, ErrNoCredentialAvailable
}

// EnsureFresh guarantees the record carries an access token valid for at
// least the pool's margin. Concurrent callers on the same record coalesce:
// whoever wins the refresh lock performs the network call, the rest observe
// its result.
func (p *Pool) EnsureFresh(ctx context.Context, rec *Record) error {
	deadline := time.Now().Add(p.margin)
	if rec.freshUntil(deadline) {
		return nil
	}

	rec.refreshMu.Lock()
	defer rec.refreshMu.Unlock()

	// A concurrent caller may have refreshed while we waited for the lock.
	if rec.freshUntil(time.Now().Add(p.margin)) {
		return nil
	}
	if rec.Status() == StatusInvalid {
		return ErrNoCredentialAvailable
	}
	return p.refresh(ctx, rec)
}

func (p *Pool) refresh(ctx context.Context, rec *Record) error {
	clientID, clientSecret := rec.clientID, rec.clientSecret
	if clientID == "" {
		clientID, clientSecret = p.clientID, p.clientSecret
	}
	config := google.OAuthConfig(clientID, clientSecret)
	if p.tokenURL != "" {
		config.Endpoint = oauth2.Endpoint{TokenURL: p.tokenURL}
	}

	refreshToken := rec.refreshTokenValue()
	source := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("🔒 Credential %s permanently rejected, marking invalid: %v", rec.id, err)
			p.Invalidate(rec)
			return fmt.Errorf("refresh token rejected for %s: %w", rec.id, err)
		}
		log.Printf("⏳ Transient refresh failure for %s: %v", rec.id, err)
		return &TransientRefreshError{Err: err}
	}

	rec.UpdateToken(newToken.AccessToken, newToken.Expiry)
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		log.Printf("🔄 Rotating refresh token for credential %s", rec.id)
		rec.setRefreshToken(newToken.RefreshToken)
	}
	if err := p.persist(rec); err != nil {
		log.Printf("⚠️ Failed to persist refreshed token for %s: %v", rec.id, err)
	}
	log.Printf("✅ Refreshed token for credential %s (expires %s)", rec.id, newToken.Expiry.Format(time.RFC3339))
	return nil
}

// Invalidate marks the record unusable and persists the change. Subsequent
// Acquire calls skip it.
func (p *Pool) Invalidate(rec *Record) {
	rec.setInvalid()
	if err := p.persist(rec); err != nil {
		log.Printf("⚠️ Failed to persist invalidation of %s: %v", rec.id, err)
	}
}

// DiscoverProject resolves and caches the Cloud project for the record,
// onboarding the account if it has not been onboarded yet. The record must
// already hold a fresh access token.
func (p *Pool) DiscoverProject(ctx context.Context, rec *Record, d ProjectDiscoverer) (string, error) {
	if pid := rec.ProjectID(); pid != "" && rec.Onboarded() {
		return pid, nil
	}

	rec.refreshMu.Lock()
	defer rec.refreshMu.Unlock()

	if pid := rec.ProjectID(); pid != "" && rec.Onboarded() {
		return pid, nil
	}

	token, _ := rec.AccessToken()
	projectID := rec.ProjectID()
	onboarded := rec.Onboarded()
	if projectID == "" {
		pid, done, err := d.LoadProject(ctx, token)
		if err != nil {
			return "", fmt.Errorf("discover project for %s: %w", rec.id, err)
		}
		projectID, onboarded = pid, done
		rec.setProject(projectID, onboarded)
		log.Printf("🔍 Discovered project %q for credential %s", projectID, rec.id)
	}

	if !onboarded {
		final, err := d.Onboard(ctx, token, projectID)
		if err != nil {
			return "", fmt.Errorf("onboard %s: %w", rec.id, err)
		}
		projectID = final
		rec.setProject(projectID, true)
		log.Printf("🚀 Onboarded credential %s on project %s", rec.id, projectID)
	}

	if err := p.persist(rec); err != nil {
		log.Printf("⚠️ Failed to persist project for %s: %v", rec.id, err)
	}
	return projectID, nil
}

func (p *Pool) persist(rec *Record) error {
	if p.store == nil {
		return nil
	}
	return p.store.Save(rec)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
