package keysearch

import (
	"errors"
	"fmt"
)

// Status is the terminal result of a search.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartialSuccess
	StatusNotFound
	StatusNoBackendConfigured
	StatusNoBackendAvailable
	StatusInvalidPattern
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusPartialSuccess:      "partial_success",
	StatusNotFound:            "not_found",
	StatusNoBackendConfigured: "no_backend_configured",
	StatusNoBackendAvailable:  "no_backend_available",
	StatusInvalidPattern:      "invalid_pattern",
	StatusCancelled:           "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ExitCode maps the status to a process exit code. Only Success is zero.
func (s Status) ExitCode() int {
	return int(s)
}

// Sentinel errors wrapped by SearchError, one per failing status; match them with errors.Is.
var (
	ErrInvalidPattern      = errors.New("invalid search pattern")
	ErrNoBackendConfigured = errors.New("no keyserver backend configured")
	ErrNoBackendAvailable  = errors.New("no keyserver backend available")
	ErrNotFound            = errors.New("no matching keys found")
	ErrCancelled           = errors.New("search cancelled")
)

var statusErrors = map[Status]error{
	StatusNotFound:            ErrNotFound,
	StatusNoBackendConfigured: ErrNoBackendConfigured,
	StatusNoBackendAvailable:  ErrNoBackendAvailable,
	StatusInvalidPattern:      ErrInvalidPattern,
	StatusCancelled:           ErrCancelled,
}

// SearchError is returned for every terminal status other than success
// and partial success.
type SearchError struct {
	Status Status
	Err    error
}

// NewSearchError wraps cause with the sentinel belonging to status.
// A nil cause yields the bare sentinel.
func NewSearchError(status Status, cause error) *SearchError {
	sentinel := statusErrors[status]
	err := sentinel
	if cause != nil && !errors.Is(cause, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	} else if cause != nil {
		err = cause
	}
	return &SearchError{Status: status, Err: err}
}

func (e *SearchError) Error() string {
	return e.Err.Error()
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the search status carried by err. A nil error is success.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *SearchError
	if errors.As(err, &se) {
		return se.Status
	}
	for status, sentinel := range statusErrors {
		if errors.Is(err, sentinel) {
			return status
		}
	}
	return StatusNoBackendAvailable
}
