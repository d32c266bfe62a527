package infra

import (
	"errors"
	"fmt"
	"time"
)

// AuthError is returned for 401/403. Never retried; demotes the source.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("govapi: authentication failed (status %d)", e.Status)
}

// NotFoundError is returned for 404. Typed operations translate it to a nil result.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("govapi: resource not found: %s", e.Path)
}

// RateLimitError is returned for 429. RetryAfter is the upstream hint (0 if absent).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("govapi: rate limit exceeded (retry after %s)", e.RetryAfter)
}

// ServerError is returned for 5xx after retries are exhausted.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("govapi: upstream returned %d", e.Status)
	}
	return fmt.Sprintf("govapi: upstream returned %d: %s", e.Status, e.Body)
}

// TransportError wraps network failures, timeouts, undecodable bodies and
// unexpected statuses.
type TransportError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("govapi: unexpected status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("govapi: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrRateLimitExhausted is returned without calling upstream when the last
// known RateLimitState says the quota is spent.
var ErrRateLimitExhausted = errors.New("govapi: rate limit quota exhausted")

// IsDemoting reports whether err should pin the coordinator to the
// persistent store: auth failures, server errors and transport failures.
// Rate-limit and not-found errors never demote.
func IsDemoting(err error) bool {
	var (
		authErr      *AuthError
		serverErr    *ServerError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &serverErr), errors.As(err, &transportErr):
		return true
	default:
		return false
	}
}
