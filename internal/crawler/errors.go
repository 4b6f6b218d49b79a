package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for the harvesting taxonomy.
var (
	// ErrInvalidInput is returned before any network activity for malformed
	// URLs or impossible retry settings.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFetchExhausted is returned when every attempt of a fetch failed.
	ErrFetchExhausted = errors.New("fetch attempts exhausted")

	// ErrBoundaryResolution is fatal: no pagination work can proceed.
	ErrBoundaryResolution = errors.New("boundary resolution failed")

	// ErrListingPageUnreachable ends (or skips) a listing page.
	ErrListingPageUnreachable = errors.New("listing page unreachable")

	// ErrDetailFetch is an isolated per-link fetch failure.
	ErrDetailFetch = errors.New("detail fetch failed")

	// ErrExtraction is an isolated per-link extraction failure.
	ErrExtraction = errors.New("extraction failed")
)

// ErrorKind classifies transport failures for diagnostics. It never changes
// the retry policy.
type ErrorKind string

// Transport failure kinds.
const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindUnknown    ErrorKind = "unknown"
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// FetchError is the terminal failure of a fetch once retries are exhausted.
type FetchError struct {
	URL      string
	Kind     ErrorKind
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s) (%s): %v", e.URL, e.Attempts, e.Kind, e.Err)
}

// Unwrap exposes the last transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches ErrFetchExhausted.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchExhausted
}

// ExtractionError reports malformed or unexpected detail page content.
type ExtractionError struct {
	URL    string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("extract %s: field %q: %s", e.URL, e.Field, e.Reason)
}

// Is matches ErrExtraction.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

// Classify maps a transport error to its diagnostic kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindHTTPStatus
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}
