package interceptor

import (
	"errors"
	"net/http"
)

// Sentinel errors for the core interceptors.
var (
	// ErrNoRule is returned when an exchange reaches a stage that needs a
	// rule without one.
	ErrNoRule = errors.New("exchange has no rule")

	// ErrNoDestination is returned when the HTTP client runs without a
	// destination.
	ErrNoDestination = errors.New("exchange has no destination")

	// ErrInternalLoop is returned when internal routing nests too deep.
	ErrInternalLoop = errors.New("internal routing depth exceeded")

	// ErrUnknownType is returned for an interceptor type the registry does
	// not know.
	ErrUnknownType = errors.New("unknown interceptor type")
)

// StatusError carries the status the client should see for a failure.
type StatusError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return http.StatusText(e.Code) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the client-facing status.
func (e *StatusError) StatusCode() int {
	return e.Code
}
