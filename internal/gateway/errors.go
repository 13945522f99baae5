package gateway

import "errors"

var (
	// ErrGatewayNotStopped is returned by Start unless the gateway is stopped.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")

	// ErrGatewayNotRunning is returned by Stop unless the gateway is running.
	ErrGatewayNotRunning = errors.New("gateway is not running")

	// ErrNilConfig rejects a nil configuration.
	ErrNilConfig = errors.New("configuration is required")

	// ErrInvalidConfig wraps validation failures from New and Reload.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoListeners means rules name ports but none of them could be bound.
	ErrNoListeners = errors.New("no listener could be opened")
)
