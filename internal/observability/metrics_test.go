package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gather returns the metric family called name from m's registry.
func gather(t *testing.T, m *Metrics, name string) *io_prometheus_client.MetricFamily {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labels(m *io_prometheus_client.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestNewMetrics_DefaultNamespace(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.SetBuildInfo("1.0.0", "abc")

	f := gather(t, m, "avaproxy_build_info")
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, map[string]string{"version": "1.0.0", "commit": "abc"}, labels(f.GetMetric()[0]))
}

func TestMetrics_RecordExchange(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_exchange")
	m.RecordExchange("api", "GET", 200, "completed", 20*time.Millisecond)
	m.RecordExchange("", "POST", 404, "completed", time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(m.exchangesTotal.WithLabelValues("api", "GET", "200", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.exchangesTotal.WithLabelValues(unmatchedRule, "POST", "404", "completed")), 0)

	f := gather(t, m, "test_exchange_exchange_duration_seconds")
	assert.Equal(t, io_prometheus_client.MetricType_HISTOGRAM, f.GetType())
	for _, metric := range f.GetMetric() {
		assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
	}
}

func TestMetrics_Recorders(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_recorders")

	m.RecordFlowOutcome("return")
	m.RecordBackendAttempt("http://b:80", "success")
	m.ObserveBackendDuration("http://b:80", 5*time.Millisecond)
	m.SetPoolIdle("b:80", 3)
	m.RecordPoolEvent("dial")
	m.ConnectionOpened(8080)
	m.ConnectionOpened(8080)
	m.ConnectionClosed(8080)
	m.RecordRejectedConnection(8080, "per_ip_limit")
	m.RecordStoreDrop()
	m.SetCircuitBreakerState("http://b:80", 2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.flowOutcomes.WithLabelValues("return")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.backendAttempts.WithLabelValues("http://b:80", "success")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.poolIdle.WithLabelValues("b:80")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.poolEvents.WithLabelValues("dial")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.activeConnections.WithLabelValues("8080")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejectedConns.WithLabelValues("8080", "per_ip_limit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.storeDropped), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.circuitBreaker.WithLabelValues("http://b:80")), 0)

	f := gather(t, m, "test_recorders_backend_response_duration_seconds")
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordExchange("r", "GET", 200, "completed", time.Second)
		m.RecordFlowOutcome("abort")
		m.RecordBackendAttempt("d", "error")
		m.ObserveBackendDuration("d", time.Second)
		m.SetPoolIdle("b", 1)
		m.RecordPoolEvent("evict")
		m.ConnectionOpened(1)
		m.ConnectionClosed(1)
		m.RecordRejectedConnection(1, "closing")
		m.RecordStoreDrop()
		m.SetCircuitBreakerState("d", 0)
		m.SetBuildInfo("v", "c")
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_handler")
	m.RecordFlowOutcome("continue")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_handler_flow_outcomes_total{outcome="continue"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
