package issuer

import (
	"errors"
	"fmt"

	"github.com/antoniostano/voicerelay/internal/reliability"
)

var (
	ErrConfigurationInvalid = errors.New("issuer configuration invalid")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamRejected     = errors.New("upstream rejected session request")
	ErrMalformedResponse    = errors.New("malformed upstream response")
)

// RejectedError carries the upstream status and (redacted) body of a
// non-success session-creation response.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream rejected session request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream rejected session request: status %d: %s", e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error { return ErrUpstreamRejected }

// Retryable reports whether a caller-side retry could plausibly succeed.
func (e *RejectedError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}
