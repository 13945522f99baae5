package client

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// BreakerConfig configures the per-destination circuit breakers.
type BreakerConfig struct {
	Enabled bool
	// Threshold is the number of consecutive failures that opens the
	// circuit.
	Threshold int
	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration
}

// breakerRegistry lazily creates one breaker per backend endpoint.
type breakerRegistry struct {
	cfg     BreakerConfig
	logger  observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(cfg BreakerConfig, logger observability.Logger, m *observability.Metrics) *breakerRegistry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &breakerRegistry{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for name, or nil when breakers are disabled.
func (r *breakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	if !r.cfg.Enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := safeIntToUint32(r.cfg.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			r.metrics.SetCircuitBreakerState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			// A client that stopped sending its body says nothing about
			// the backend.
			var se *message.SourceError
			return err == nil || errors.As(err, &se)
		},
	})
	r.breakers[name] = cb
	return cb
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
