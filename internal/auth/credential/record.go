// Package credential manages the pool of Google OAuth credentials that back
// upstream calls: loading them from disk or the environment, refreshing
// access tokens, and rotating across accounts.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Credential lifecycle states.
const (
	StatusUnverified = "unverified"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Record is one OAuth credential in the pool.
//
// Two locks guard a record. refreshMu is held for the duration of a token
// refresh, including the network call, so concurrent callers needing the same
// credential coalesce onto a single refresh. stateMu guards the plain fields
// and is only ever held briefly, so pool rotation never waits behind a
// refresh in flight.
type Record struct {
	refreshMu sync.Mutex
	stateMu   sync.Mutex

	id           string
	clientID     string
	clientSecret string
	refreshToken string

	accessToken string
	expiry      time.Time
	projectID   string
	email       string
	status      string
	onboarded   bool
}

// Fingerprint derives the stable identifier for a refresh token.
func Fingerprint(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])[:16]
}

// NewRecord builds an unverified record from raw credential material.
func NewRecord(clientID, clientSecret, refreshToken string) *Record {
	return &Record{
		id:           Fingerprint(refreshToken),
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		status:       StatusUnverified,
	}
}

// ID returns the record's fingerprint identifier.
func (r *Record) ID() string { return r.id }

// Email returns the account email, if known.
func (r *Record) Email() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.email
}

// Status returns the current lifecycle state.
func (r *Record) Status() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.status
}

// ProjectID returns the cached Cloud project id, empty if undiscovered.
func (r *Record) ProjectID() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.projectID
}

// Onboarded reports whether the account has completed Cloud Code onboarding.
func (r *Record) Onboarded() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.onboarded
}

// AccessToken returns the current bearer token and its expiry.
func (r *Record) AccessToken() (string, time.Time) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.accessToken, r.expiry
}

// refreshTokenValue returns the current refresh token. It can change when
// the token endpoint rotates it, so reads go through stateMu like every
// other mutable field.
func (r *Record) refreshTokenValue() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.refreshToken
}

func (r *Record) setRefreshToken(token string) {
	r.stateMu.Lock()
	r.refreshToken = token
	r.stateMu.Unlock()
}

// UpdateToken installs a fresh access token and marks the record valid.
func (r *Record) UpdateToken(token string, expiry time.Time) {
	r.stateMu.Lock()
	r.accessToken = token
	r.expiry = expiry
	r.status = StatusValid
	r.stateMu.Unlock()
}

func (r *Record) setInvalid() {
	r.stateMu.Lock()
	r.status = StatusInvalid
	r.stateMu.Unlock()
}

func (r *Record) setProject(projectID string, onboarded bool) {
	r.stateMu.Lock()
	r.projectID = projectID
	r.onboarded = onboarded
	r.stateMu.Unlock()
}

// freshUntil reports whether the access token is usable at least until the
// given instant.
func (r *Record) freshUntil(t time.Time) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.accessToken != "" && r.expiry.After(t)
}
