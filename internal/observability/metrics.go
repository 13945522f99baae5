package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRule is the label value used for exchanges that did not match
// any configured rule, keeping label cardinality bounded.
const unmatchedRule = "unmatched"

// Metrics holds all Prometheus metrics for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	exchangesTotal    *prometheus.CounterVec
	exchangeDuration  *prometheus.HistogramVec
	flowOutcomes      *prometheus.CounterVec
	backendAttempts   *prometheus.CounterVec
	backendDuration   *prometheus.HistogramVec
	poolIdle          *prometheus.GaugeVec
	poolEvents        *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	rejectedConns     *prometheus.CounterVec
	storeDropped      prometheus.Counter
	circuitBreaker    *prometheus.GaugeVec
	buildInfo         *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avaproxy"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total number of completed exchanges",
		},
		[]string{"rule", "method", "status", "state"},
	)

	m.exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from request received to response written",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"rule"},
	)

	m.flowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_outcomes_total",
			Help:      "Request-direction flow terminations by outcome",
		},
		[]string{"outcome"},
	)

	m.backendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "attempts_total",
			Help:      "Outbound send attempts by result",
		},
		[]string{"destination", "result"},
	)

	m.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "response_duration_seconds",
			Help:      "Time from first request byte sent to response headers received",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	m.poolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle pooled connections per backend",
		},
		[]string{"backend"},
	)

	m.poolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Pool events (dial, reuse, evict, discard)",
		},
		[]string{"event"},
	)

	m.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "active_connections",
			Help:      "Inbound connections currently being handled",
		},
		[]string{"port"},
	)

	m.rejectedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "rejected_connections_total",
			Help:      "Inbound connections closed without handling",
		},
		[]string{"port", "reason"},
	)

	m.storeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dropped_records_total",
			Help:      "Exchange records dropped because the store queue was full",
		},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"destination"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit"},
	)

	m.registry.MustRegister(
		m.exchangesTotal,
		m.exchangeDuration,
		m.flowOutcomes,
		m.backendAttempts,
		m.backendDuration,
		m.poolIdle,
		m.poolEvents,
		m.activeConnections,
		m.rejectedConns,
		m.storeDropped,
		m.circuitBreaker,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordExchange records a finished exchange.
func (m *Metrics) RecordExchange(rule, method string, status int, state string, d time.Duration) {
	if m == nil {
		return
	}
	if rule == "" {
		rule = unmatchedRule
	}
	m.exchangesTotal.WithLabelValues(rule, method, strconv.Itoa(status), state).Inc()
	m.exchangeDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// RecordFlowOutcome records how a request-direction walk ended.
func (m *Metrics) RecordFlowOutcome(outcome string) {
	if m == nil {
		return
	}
	m.flowOutcomes.WithLabelValues(outcome).Inc()
}

// RecordBackendAttempt records a single outbound send attempt.
func (m *Metrics) RecordBackendAttempt(destination, result string) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(destination, result).Inc()
}

// ObserveBackendDuration records backend response latency.
func (m *Metrics) ObserveBackendDuration(destination string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(destination).Observe(d.Seconds())
}

// SetPoolIdle sets the number of idle connections for a backend.
func (m *Metrics) SetPoolIdle(backend string, n int) {
	if m == nil {
		return
	}
	m.poolIdle.WithLabelValues(backend).Set(float64(n))
}

// RecordPoolEvent counts a pool event.
func (m *Metrics) RecordPoolEvent(event string) {
	if m == nil {
		return
	}
	m.poolEvents.WithLabelValues(event).Inc()
}

// ConnectionOpened increments the active connection gauge for a port.
func (m *Metrics) ConnectionOpened(port int) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(strconv.Itoa(port)).Inc()
}

// ConnectionClosed decrements the active connection gauge for a port.
func (m *Metrics) ConnectionClosed(port int) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(strconv.Itoa(port)).Dec()
}

// RecordRejectedConnection counts an inbound connection closed on accept.
func (m *Metrics) RecordRejectedConnection(port int, reason string) {
	if m == nil {
		return
	}
	m.rejectedConns.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

// RecordStoreDrop counts an exchange record dropped by the async store.
func (m *Metrics) RecordStoreDrop() {
	if m == nil {
		return
	}
	m.storeDropped.Inc()
}

// SetCircuitBreakerState records a breaker state (0=closed, 1=half-open, 2=open).
func (m *Metrics) SetCircuitBreakerState(destination string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(destination).Set(float64(state))
}

// SetBuildInfo publishes build information.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
