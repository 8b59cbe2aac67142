package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth validates the relay password on every proxied request. Clients
// may present it as a Bearer token, HTTP basic password, x-api-key or
// x-goog-api-key header, or a ?key= query parameter.
func APIKeyAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				// No password configured, allow all requests.
				next.ServeHTTP(w, r)
				return
			}

			if credentialMatches(r, password) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func credentialMatches(r *http.Request, password string) bool {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		if equal(strings.TrimPrefix(authHeader, "Bearer "), password) {
			return true
		}
	}
	if _, pass, ok := r.BasicAuth(); ok && equal(pass, password) {
		return true
	}
	if equal(r.Header.Get("x-api-key"), password) {
		return true
	}
	if equal(r.Header.Get("x-goog-api-key"), password) {
		return true
	}
	if queryKey := r.URL.Query().Get("key"); queryKey != "" && equal(queryKey, password) {
		return true
	}
	return false
}

func equal(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
