package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/avaproxy/internal/client"
	"github.com/vyrodovalexey/avaproxy/internal/config"
)

func TestClientConfig(t *testing.T) {
	t.Parallel()

	def := client.DefaultConfig()
	assert.Equal(t, def, clientConfig(config.ClientConfig{}))

	got := clientConfig(config.ClientConfig{
		MaxRetries:       3,
		ConnectTimeout:   config.Duration(time.Second),
		ReadTimeout:      config.Duration(2 * time.Second),
		KeepAliveTimeout: config.Duration(3 * time.Second),
		MaxIdlePerHost:   4,
		Backoff: config.BackoffConfig{
			Initial: config.Duration(10 * time.Millisecond),
			Max:     config.Duration(time.Second),
			Jitter:  0.5,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:   true,
			Threshold: 5,
			Timeout:   config.Duration(30 * time.Second),
		},
	})

	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, 3, got.Backoff.MaxAttempts)
	assert.Equal(t, time.Second, got.ConnectTimeout)
	assert.Equal(t, 2*time.Second, got.ReadTimeout)
	assert.Equal(t, 3*time.Second, got.KeepAliveTimeout)
	assert.Equal(t, 4, got.MaxIdlePerHost)
	assert.Equal(t, 10*time.Millisecond, got.Backoff.InitialBackoff)
	assert.Equal(t, time.Second, got.Backoff.MaxBackoff)
	assert.InDelta(t, 0.5, got.Backoff.JitterFactor, 1e-9)
	assert.Equal(t, client.BreakerConfig{Enabled: true, Threshold: 5, Timeout: 30 * time.Second}, got.CircuitBreaker)
	assert.Equal(t, def.BufferLimit, got.BufferLimit)
}

func TestTransportAndStoreConfig(t *testing.T) {
	t.Parallel()

	tc := transportConfig(config.TransportConfig{
		MaxConnectionsPerIP: 8,
		ReverseDNS:          true,
		ReadTimeout:         config.Duration(time.Second),
		MaxHeaderBytes:      1024,
	})
	assert.Equal(t, 8, tc.MaxConnectionsPerIP)
	assert.True(t, tc.ReverseDNS)
	assert.Equal(t, time.Second, tc.ReadTimeout)
	assert.Zero(t, tc.WriteTimeout)
	assert.Equal(t, 1024, tc.MaxHeaderBytes)

	sc := storeConfig(config.StoreConfig{Type: "redis", Address: "localhost:6379", DB: 2, Key: "k"})
	assert.Equal(t, "redis", sc.Type)
	assert.Equal(t, "localhost:6379", sc.Address)
	assert.Equal(t, 2, sc.DB)
	assert.Equal(t, "k", sc.Key)

	specs := interceptorSpecs([]config.InterceptorConfig{{Type: "log", Name: "access", Params: map[string]string{"level": "debug"}}})
	assert.Len(t, specs, 1)
	assert.Equal(t, "access", specs[0].Name)
	assert.Equal(t, "debug", specs[0].Params.String("level", ""))
}
