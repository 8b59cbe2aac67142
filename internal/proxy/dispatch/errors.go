package dispatch

import "fmt"

// UpstreamAuthError means the upstream rejected every credential we tried
// with an authentication failure.
type UpstreamAuthError struct {
	Attempts int
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream rejected all %d credentials", e.Attempts)
}

// UpstreamUnavailableError means we could not reach the upstream or it
// failed in a way that is not the caller's fault.
type UpstreamUnavailableError struct {
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// UpstreamError carries a non-auth upstream error response through to the
// client verbatim.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}
