package gateway

import (
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/client"
	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/interceptor"
	"github.com/vyrodovalexey/avaproxy/internal/store"
	"github.com/vyrodovalexey/avaproxy/internal/transport"
)

// transportConfig maps the listener settings; zero values fall back to
// the transport defaults.
func transportConfig(c config.TransportConfig) transport.Config {
	return transport.Config{
		MaxConnectionsPerIP: c.MaxConnectionsPerIP,
		ReverseDNS:          c.ReverseDNS,
		AcceptTimeout:       time.Duration(c.AcceptTimeout),
		ReadTimeout:         time.Duration(c.ReadTimeout),
		WriteTimeout:        time.Duration(c.WriteTimeout),
		IdleTimeout:         time.Duration(c.IdleTimeout),
		MaxHeaderBytes:      c.MaxHeaderBytes,
	}
}

// clientConfig overlays the configured backend settings on the client
// defaults.
func clientConfig(c config.ClientConfig) client.Config {
	cfg := client.DefaultConfig()
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
		cfg.Backoff.MaxAttempts = c.MaxRetries
	}
	if c.ConnectTimeout > 0 {
		cfg.ConnectTimeout = time.Duration(c.ConnectTimeout)
	}
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = time.Duration(c.ReadTimeout)
	}
	if c.KeepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = time.Duration(c.KeepAliveTimeout)
	}
	if c.MaxIdlePerHost > 0 {
		cfg.MaxIdlePerHost = c.MaxIdlePerHost
	}
	if c.Backoff.Initial > 0 {
		cfg.Backoff.InitialBackoff = time.Duration(c.Backoff.Initial)
	}
	if c.Backoff.Max > 0 {
		cfg.Backoff.MaxBackoff = time.Duration(c.Backoff.Max)
	}
	if c.Backoff.Jitter > 0 {
		cfg.Backoff.JitterFactor = c.Backoff.Jitter
	}
	cfg.CircuitBreaker = client.BreakerConfig{
		Enabled:   c.CircuitBreaker.Enabled,
		Threshold: c.CircuitBreaker.Threshold,
		Timeout:   time.Duration(c.CircuitBreaker.Timeout),
	}
	return cfg
}

func storeConfig(c config.StoreConfig) store.Config {
	return store.Config{
		Type:      c.Type,
		Capacity:  c.Capacity,
		Path:      c.Path,
		Address:   c.Address,
		Password:  c.Password,
		DB:        c.DB,
		Key:       c.Key,
		QueueSize: c.QueueSize,
	}
}

func interceptorSpecs(ics []config.InterceptorConfig) []interceptor.Spec {
	specs := make([]interceptor.Spec, 0, len(ics))
	for _, ic := range ics {
		specs = append(specs, interceptor.Spec{
			Type:   ic.Type,
			Name:   ic.Name,
			Params: interceptor.Params(ic.Params),
		})
	}
	return specs
}
