package crawler

import (
	"errors"
	"fmt"
)

// Store and scheduler sentinels.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("status conflict")
	ErrNoJobs     = errors.New("no queued jobs")
	ErrInvalidURL = errors.New("invalid url")
	ErrParse      = errors.New("parse html")
)

// Fetch failure sentinels, matched through FetchError.Is.
var (
	ErrNetwork          = errors.New("network error")
	ErrTimeout          = errors.New("timeout")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrNonSuccessStatus = errors.New("non-success status")
	ErrDisallowed       = errors.New("disallowed by robots.txt")
)

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrorNetwork          FetchErrorKind = "network"
	FetchErrorTimeout          FetchErrorKind = "timeout"
	FetchErrorTooManyRedirects FetchErrorKind = "too_many_redirects"
	FetchErrorNonSuccessStatus FetchErrorKind = "non_success_status"
	FetchErrorCanceled         FetchErrorKind = "canceled"
	FetchErrorDisallowed       FetchErrorKind = "disallowed"
)

// FetchError describes why a fetch failed. A NonSuccessStatus error still
// carries the response so callers can record the status.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Response   *FetchResponse
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchErrorNonSuccessStatus:
		return fmt.Sprintf("HTTP error: %d", e.StatusCode)
	case FetchErrorTimeout:
		return fmt.Sprintf("fetch %s: timeout: %v", e.URL, e.Err)
	case FetchErrorDisallowed:
		return fmt.Sprintf("fetch %s: disallowed by robots.txt", e.URL)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

// Unwrap exposes the underlying transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is maps the kind onto the package sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == FetchErrorNetwork
	case ErrTimeout:
		return e.Kind == FetchErrorTimeout
	case ErrTooManyRedirects:
		return e.Kind == FetchErrorTooManyRedirects
	case ErrNonSuccessStatus:
		return e.Kind == FetchErrorNonSuccessStatus
	case ErrDisallowed:
		return e.Kind == FetchErrorDisallowed
	default:
		return false
	}
}

// Transient reports whether retrying the fetch later could succeed.
func (e *FetchError) Transient() bool {
	return e.Kind == FetchErrorNetwork || e.Kind == FetchErrorTimeout
}

// IsTransient reports whether err wraps a transient fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

func errInvalidResult(msg string) error {
	return fmt.Errorf("invalid result: %s", msg)
}
