package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a package or version does not exist upstream.
	ErrNotFound = errors.New("package not found")

	// ErrRateLimited is returned when the registry rate limits requests.
	ErrRateLimited = errors.New("rate limited by registry")

	// ErrUpstreamDown is returned on 5xx responses from the registry.
	ErrUpstreamDown = errors.New("registry unavailable")

	// ErrFeedClosed is returned by the change feed after reconnect attempts
	// are exhausted. The stream cannot be resumed; the caller must restart
	// from its last observed sequence.
	ErrFeedClosed = errors.New("change feed closed")
)

// HTTPError represents an unexpected HTTP response from the registry.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsNotFound returns true if the error represents a 404 response.
func (e *HTTPError) IsNotFound() bool {
	return e.StatusCode == 404
}

// NotFoundError wraps ErrNotFound with package context.
type NotFoundError struct {
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("package %s version %s not found", e.Name, e.Version)
	}
	return fmt.Sprintf("package %s not found", e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Transient reports whether an error is worth retrying. Not-found and other
// permanent conditions return false; rate limits, 5xx responses and network
// failures return true.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	// Network-level failures (dial, reset, timeout) arrive wrapped.
	return true
}
