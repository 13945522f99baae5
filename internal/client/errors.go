package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/retry"
)

// Sentinel errors for backend sends.
var (
	// ErrNoDestination is returned when Send gets no destination.
	ErrNoDestination = errors.New("no destination")

	// ErrBadDestination is returned for a destination that is not an
	// absolute http or https URI.
	ErrBadDestination = errors.New("invalid destination")
)

// SendError describes a send that failed after all attempts.
type SendError struct {
	Destination string
	Attempts    int
	// BodyStarted is set when part of the request body reached the
	// backend in the final attempt.
	BodyStarted bool
	Err         error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Err
}

// StatusCode maps the failure to the status the client should see.
func (e *SendError) StatusCode() int {
	var se *message.SourceError
	switch {
	case errors.As(e.Err, &se):
		return http.StatusBadRequest
	case errors.Is(e.Err, gobreaker.ErrOpenState), errors.Is(e.Err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case retry.IsTimeout(e.Err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// attemptError carries the write progress of a failed attempt.
type attemptError struct {
	progress message.WriteProgress
	// afterSend marks failures that happened while waiting for the
	// response, after the request was fully written.
	afterSend bool
	err       error
}

func (e *attemptError) Error() string { return e.err.Error() }

func (e *attemptError) Unwrap() error { return e.err }
