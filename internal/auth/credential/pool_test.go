package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func freshRecord(name string) *Record {
	rec := NewRecord("cid", "secret", "refresh-"+name)
	rec.UpdateToken("token-"+name, time.Now().Add(time.Hour))
	return rec
}

func TestAcquireEmptyPool(t *testing.T) {
	p := NewPool(nil, nil, time.Minute)
	if _, err := p.Acquire(); !errors.Is(err, ErrNoCredentialsConfigured) {
		t.Fatalf("expected ErrNoCredentialsConfigured, got %v", err)
	}
}

func TestAcquireAllInvalid(t *testing.T) {
	a := freshRecord("a")
	b := freshRecord("b")
	a.setInvalid()
	b.setInvalid()

	p := NewPool([]*Record{a, b}, nil, time.Minute)
	if _, err := p.Acquire(); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected ErrNoCredentialAvailable, got %v", err)
	}
}

func TestAcquireSkipsInvalid(t *testing.T) {
	a := freshRecord("a")
	b := freshRecord("b")
	c := freshRecord("c")
	b.setInvalid()

	p := NewPool([]*Record{a, b, c}, nil, time.Minute)

	want := []string{a.ID(), c.ID(), a.ID(), c.ID()}
	for i, id := range want {
		rec, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if rec.ID() != id {
			t.Errorf("Acquire %d: got %s, want %s", i, rec.ID(), id)
		}
	}
}

func TestAcquireSingleValidRepeats(t *testing.T) {
	a := freshRecord("a")
	b := freshRecord("b")
	b.setInvalid()

	p := NewPool([]*Record{a, b}, nil, time.Minute)
	for i := 0; i < 3; i++ {
		rec, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if rec.ID() != a.ID() {
			t.Errorf("Acquire %d: got %s, want %s", i, rec.ID(), a.ID())
		}
	}
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	rec := freshRecord("a")
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := NewPool([]*Record{rec}, nil, time.Minute, WithTokenEndpoint(srv.URL))
	if err := p.EnsureFresh(context.Background(), rec); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("token endpoint hit %d times for a fresh token", n)
	}
}

func TestEnsureFreshCoalesces(t *testing.T) {
	rec := NewRecord("cid", "secret", "refresh-stale")

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	p := NewPool([]*Record{rec}, nil, time.Minute, WithTokenEndpoint(srv.URL))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.EnsureFresh(context.Background(), rec)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
	token, _ := rec.AccessToken()
	if token != "fresh-token" {
		t.Errorf("access token = %q, want fresh-token", token)
	}
	if rec.Status() != StatusValid {
		t.Errorf("status = %q, want valid", rec.Status())
	}
}

func TestEnsureFreshPermanentFailure(t *testing.T) {
	rec := NewRecord("cid", "secret", "refresh-revoked")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	}))
	defer srv.Close()

	p := NewPool([]*Record{rec}, nil, time.Minute, WithTokenEndpoint(srv.URL))

	err := p.EnsureFresh(context.Background(), rec)
	if err == nil {
		t.Fatal("expected error for revoked refresh token")
	}
	var transient *TransientRefreshError
	if errors.As(err, &transient) {
		t.Fatalf("permanent failure classified as transient: %v", err)
	}
	if rec.Status() != StatusInvalid {
		t.Errorf("status = %q, want invalid", rec.Status())
	}
}

func TestEnsureFreshTransientFailure(t *testing.T) {
	rec := NewRecord("cid", "secret", "refresh-flaky")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "backend error")
	}))
	defer srv.Close()

	p := NewPool([]*Record{rec}, nil, time.Minute, WithTokenEndpoint(srv.URL))

	err := p.EnsureFresh(context.Background(), rec)
	var transient *TransientRefreshError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientRefreshError, got %v", err)
	}
	if rec.Status() == StatusInvalid {
		t.Error("transient failure must not invalidate the credential")
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	cases := []struct {
		msg       string
		permanent bool
	}{
		{`oauth2: "invalid_grant" "Bad Request"`, true},
		{`oauth2: "unauthorized_client"`, true},
		{"Token has been expired or revoked.", true},
		{"connection reset by peer", false},
		{"oauth2: cannot fetch token: 500 Internal Server Error", false},
	}
	for _, tc := range cases {
		if got := isPermanentRefreshError(errors.New(tc.msg)); got != tc.permanent {
			t.Errorf("isPermanentRefreshError(%q) = %v, want %v", tc.msg, got, tc.permanent)
		}
	}
}

type fakeDiscoverer struct {
	loadProject string
	onboarded   bool
	loadErr     error

	loadCalls    int32
	onboardCalls int32
}

func (d *fakeDiscoverer) LoadProject(ctx context.Context, accessToken string) (string, bool, error) {
	atomic.AddInt32(&d.loadCalls, 1)
	return d.loadProject, d.onboarded, d.loadErr
}

func (d *fakeDiscoverer) Onboard(ctx context.Context, accessToken, projectID string) (string, error) {
	atomic.AddInt32(&d.onboardCalls, 1)
	return strings.TrimSpace(projectID), nil
}

func TestDiscoverProjectCaches(t *testing.T) {
	rec := freshRecord("a")
	p := NewPool([]*Record{rec}, nil, time.Minute)
	d := &fakeDiscoverer{loadProject: "proj-1", onboarded: true}

	for i := 0; i < 3; i++ {
		pid, err := p.DiscoverProject(context.Background(), rec, d)
		if err != nil {
			t.Fatalf("DiscoverProject %d: %v", i, err)
		}
		if pid != "proj-1" {
			t.Errorf("DiscoverProject %d = %q, want proj-1", i, pid)
		}
	}
	if n := atomic.LoadInt32(&d.loadCalls); n != 1 {
		t.Errorf("LoadProject called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&d.onboardCalls); n != 0 {
		t.Errorf("Onboard called %d times, want 0", n)
	}
}

func TestDiscoverProjectOnboards(t *testing.T) {
	rec := freshRecord("a")
	p := NewPool([]*Record{rec}, nil, time.Minute)
	d := &fakeDiscoverer{loadProject: "proj-2", onboarded: false}

	pid, err := p.DiscoverProject(context.Background(), rec, d)
	if err != nil {
		t.Fatalf("DiscoverProject: %v", err)
	}
	if pid != "proj-2" {
		t.Errorf("project = %q, want proj-2", pid)
	}
	if n := atomic.LoadInt32(&d.onboardCalls); n != 1 {
		t.Errorf("Onboard called %d times, want 1", n)
	}
	if !rec.Onboarded() {
		t.Error("record not marked onboarded")
	}
}

type capturingPersister struct {
	mu   sync.Mutex
	last string
}

func (c *capturingPersister) Save(rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = rec.refreshTokenValue()
	return nil
}

func (c *capturingPersister) lastRefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func TestEnsureFreshRotatesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"rotated-rt"}`))
	}))
	defer srv.Close()

	rec := NewRecord("cid", "secret", "stale-rt")
	saved := &capturingPersister{}
	p := NewPool([]*Record{rec}, saved, time.Minute, WithTokenEndpoint(srv.URL))

	if err := p.EnsureFresh(context.Background(), rec); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got := rec.refreshTokenValue(); got != "rotated-rt" {
		t.Errorf("record refresh token = %q, want rotated-rt", got)
	}
	if got := saved.lastRefreshToken(); got != "rotated-rt" {
		t.Errorf("persisted refresh token = %q, want rotated-rt", got)
	}
}

// tokenClientID extracts the OAuth client id however the token request
// carries it (basic auth or form field).
func tokenClientID(r *http.Request) string {
	if id, _, ok := r.BasicAuth(); ok {
		return id
	}
	r.ParseForm()
	return r.FormValue("client_id")
}

func TestEnsureFreshUsesConfiguredOAuthClient(t *testing.T) {
	var gotClient atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClient.Store(tokenClientID(r))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	rec := NewRecord("", "", "rt-noclient")
	p := NewPool([]*Record{rec}, nil, time.Minute,
		WithTokenEndpoint(srv.URL), WithOAuthClient("relay-client", "relay-secret"))
	if err := p.EnsureFresh(context.Background(), rec); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got, _ := gotClient.Load().(string); got != "relay-client" {
		t.Errorf("token request used client_id %q, want the configured relay-client", got)
	}
}

func TestEnsureFreshPrefersRecordOAuthClient(t *testing.T) {
	var gotClient atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClient.Store(tokenClientID(r))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	rec := NewRecord("file-client", "file-secret", "rt-own")
	p := NewPool([]*Record{rec}, nil, time.Minute,
		WithTokenEndpoint(srv.URL), WithOAuthClient("relay-client", "relay-secret"))
	if err := p.EnsureFresh(context.Background(), rec); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got, _ := gotClient.Load().(string); got != "file-client" {
		t.Errorf("token request used client_id %q, want the record's own file-client", got)
	}
}
