package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/store"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Status is the outcome of a check, ordered healthy < degraded < unhealthy.
type Status string

// Check statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// worst returns the more severe of a and b.
func worst(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check is one named check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// CheckFunc evaluates one dependency. It should honour ctx.
type CheckFunc func(ctx context.Context) Check

// Checker aggregates named checks for the admin endpoints.
type Checker struct {
	version string
	started time.Time
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker reporting version.
func NewChecker(version string) *Checker {
	return &Checker{
		version: version,
		started: time.Now(),
		timeout: DefaultCheckTimeout,
		checks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck adds or replaces the check called name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// UnregisterCheck removes the check called name.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	delete(c.checks, name)
	c.mu.Unlock()
}

// Health reports process liveness with version and uptime.
func (c *Checker) Health() HealthResponse {
	return HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every check concurrently and reports the worst status. A
// check still running when the timeout expires counts as unhealthy.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		name  string
		check Check
	}
	results := make(chan result, len(checks))
	for name, fn := range checks {
		go func() {
			start := time.Now()
			check := fn(ctx)
			check.Latency = time.Since(start).Round(time.Microsecond).String()
			results <- result{name: name, check: check}
		}()
	}

	resp := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(checks)),
		Timestamp: time.Now(),
	}
	for range checks {
		select {
		case r := <-results:
			resp.Checks[r.name] = r.check
			resp.Status = worst(resp.Status, r.check.Status)
		case <-ctx.Done():
			for name := range checks {
				if _, ok := resp.Checks[name]; !ok {
					resp.Checks[name] = Check{Status: StatusUnhealthy, Message: "check timed out"}
				}
			}
			resp.Status = StatusUnhealthy
			return resp
		}
	}
	return resp
}

// HealthHandler serves Health as JSON.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Health())
	}
}

// ReadinessHandler serves Readiness; unhealthy maps to 503.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := c.Readiness(r.Context())
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process can serve HTTP.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenerCheck is unhealthy while no port is accepting connections.
func ListenerCheck(ports func() []int) CheckFunc {
	return func(context.Context) Check {
		n := len(ports())
		if n == 0 {
			return Check{Status: StatusUnhealthy, Message: "no listening ports"}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d listening ports", n)}
	}
}

// StoreCheck lists one record from s. A failing store degrades the proxy
// without taking it out of rotation.
func StoreCheck(s store.Store) CheckFunc {
	return func(ctx context.Context) Check {
		if _, err := s.List(ctx, 1); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
