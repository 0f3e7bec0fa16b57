package edgelink

import (
	"errors"
	"fmt"
	"time"
)

// ErrHTTP is a non-2xx backend response. RetryAfter is populated from the
// Retry-After header on 429.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrValidation is a rejected command or send. Reason is a stable string
// reported verbatim in the ack; validation failures are never retried.
type ErrValidation struct {
	Reason string
}

func (e *ErrValidation) Error() string {
	return "validation: " + e.Reason
}

// ErrRateLimited is the distinguished local rate-limit rejection from the
// transport. It is a soft failure: the send queue retries on the next
// drain tick.
var ErrRateLimited = errors.New("rate limited")

// ErrAuth is a 401 from the backend or the command channel. Fatal for the
// request; the secret is injected out of band, so no re-registration is
// attempted.
var ErrAuth = errors.New("authentication rejected")

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var e *ErrValidation
	return errors.As(err, &e)
}

// HTTPStatus extracts the status code from an ErrHTTP, or 0.
func HTTPStatus(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// RetryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
