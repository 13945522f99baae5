package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport operations.
var (
	// ErrClosed is returned when opening a port on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrNoResponse marks an exchange whose handler produced no response.
	ErrNoResponse = errors.New("handler produced no response")
)

// PortOccupiedError reports that a port could not be bound because
// something else is listening on it.
type PortOccupiedError struct {
	Port int
	Err  error
}

// Error implements the error interface.
func (e *PortOccupiedError) Error() string {
	return fmt.Sprintf("port %d is already in use: %v", e.Port, e.Err)
}

// Unwrap returns the underlying error.
func (e *PortOccupiedError) Unwrap() error {
	return e.Err
}
