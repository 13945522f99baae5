package config

import (
	"fmt"
	"regexp"

	"github.com/vyrodovalexey/avaproxy/internal/core"
)

// Config is the root of the proxy configuration.
type Config struct {
	Transport     TransportConfig     `yaml:"transport"`
	Client        ClientConfig        `yaml:"client"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
	// Interceptors run for every rule, ahead of the rule's own.
	Interceptors []InterceptorConfig `yaml:"interceptors,omitempty"`
	Rules        []RuleConfig        `yaml:"rules"`
}

// TransportConfig configures the inbound listeners.
type TransportConfig struct {
	// Bind is the address every rule port is opened on. Empty binds all
	// interfaces.
	Bind                string   `yaml:"bind,omitempty"`
	MaxConnectionsPerIP int      `yaml:"maxConnectionsPerIP,omitempty"`
	ReverseDNS          bool     `yaml:"reverseDNS,omitempty"`
	AcceptTimeout       Duration `yaml:"acceptTimeout,omitempty"`
	ReadTimeout         Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout        Duration `yaml:"writeTimeout,omitempty"`
	IdleTimeout         Duration `yaml:"idleTimeout,omitempty"`
	MaxHeaderBytes      int      `yaml:"maxHeaderBytes,omitempty"`
	ShutdownTimeout     Duration `yaml:"shutdownTimeout,omitempty"`
}

// ClientConfig configures backend connections.
type ClientConfig struct {
	MaxRetries       int                  `yaml:"maxRetries,omitempty"`
	ConnectTimeout   Duration             `yaml:"connectTimeout,omitempty"`
	ReadTimeout      Duration             `yaml:"readTimeout,omitempty"`
	KeepAliveTimeout Duration             `yaml:"keepAliveTimeout,omitempty"`
	MaxIdlePerHost   int                  `yaml:"maxIdlePerHost,omitempty"`
	Backoff          BackoffConfig        `yaml:"backoff,omitempty"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
	// ForwardedHeaders adds X-Forwarded-* headers. Defaults to true.
	ForwardedHeaders *bool `yaml:"forwardedHeaders,omitempty"`
	// CAFile adds PEM certificates to the roots trusted for TLS backends.
	CAFile string `yaml:"caFile,omitempty"`
	// TLSProfiles are named backend TLS settings that rule targets select
	// with tlsProfile.
	TLSProfiles map[string]TLSProfileConfig `yaml:"tlsProfiles,omitempty"`
}

// TLSProfileConfig is one set of backend TLS settings.
type TLSProfileConfig struct {
	// CAFile replaces the trusted roots with the PEM certificates it holds.
	CAFile string `yaml:"caFile,omitempty"`
	// CertFile and KeyFile hold the client certificate presented to the
	// backend.
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
	// ServerName overrides the name verified against the backend
	// certificate.
	ServerName string `yaml:"serverName,omitempty"`
}

// ForwardedHeadersEnabled reports whether X-Forwarded-* headers are added.
func (c ClientConfig) ForwardedHeadersEnabled() bool {
	return c.ForwardedHeaders == nil || *c.ForwardedHeaders
}

// BackoffConfig configures the wait between attempts.
type BackoffConfig struct {
	Initial Duration `yaml:"initial,omitempty"`
	Max     Duration `yaml:"max,omitempty"`
	Jitter  float64  `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig configures per-destination circuit breakers.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// StoreConfig selects where exchange records go.
type StoreConfig struct {
	// Type is memory, sqlite, redis or none. Empty means none.
	Type      string `yaml:"type,omitempty"`
	Capacity  int    `yaml:"capacity,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	Key       string `yaml:"key,omitempty"`
	QueueSize int    `yaml:"queueSize,omitempty"`
}

// ObservabilityConfig configures metrics, tracing and logging.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output,omitempty"`
}

// InterceptorConfig describes one configured interceptor.
type InterceptorConfig struct {
	Type   string            `yaml:"type"`
	Name   string            `yaml:"name,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

// RuleConfig describes one routing rule.
type RuleConfig struct {
	Name         string              `yaml:"name"`
	Type         string              `yaml:"type,omitempty"`
	Port         int                 `yaml:"port,omitempty"`
	Match        MatchConfig         `yaml:"match,omitempty"`
	Target       TargetConfig        `yaml:"target,omitempty"`
	Rewrites     []RewriteConfig     `yaml:"rewrites,omitempty"`
	Interceptors []InterceptorConfig `yaml:"interceptors,omitempty"`
	Blocked      bool                `yaml:"blocked,omitempty"`
}

// MatchConfig is the inbound match key of a rule.
type MatchConfig struct {
	Host     string `yaml:"host,omitempty"`
	Method   string `yaml:"method,omitempty"`
	Path     string `yaml:"path,omitempty"`
	PathKind string `yaml:"pathKind,omitempty"`
}

// TargetConfig is the backend of a rule.
type TargetConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	TLS      bool   `yaml:"tls,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Strategy string `yaml:"strategy,omitempty"`
	// TLSProfile selects an entry of client.tlsProfiles.
	TLSProfile string `yaml:"tlsProfile,omitempty"`
}

// RewriteConfig maps paths matching From to the To template.
type RewriteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ToRule converts rc into a rule without interceptors.
func (rc RuleConfig) ToRule() (*core.Rule, error) {
	r := &core.Rule{
		Name: rc.Name,
		Type: core.RuleType(rc.Type),
		Key: core.RuleKey{
			Host:     rc.Match.Host,
			Method:   rc.Match.Method,
			Path:     rc.Match.Path,
			PathKind: core.PathKind(rc.Match.PathKind),
			Port:     rc.Port,
		},
		Target: core.Target{
			Host:       rc.Target.Host,
			Port:       rc.Target.Port,
			TLS:        rc.Target.TLS,
			TLSProfile: rc.Target.TLSProfile,
			URL:        rc.Target.URL,
			Strategy:   core.Strategy(rc.Target.Strategy),
		},
		Blocked: rc.Blocked,
	}
	if r.Type == "" {
		r.Type = core.RuleService
	}

	for i, rw := range rc.Rewrites {
		re, err := regexp.Compile(rw.From)
		if err != nil {
			return nil, fmt.Errorf("rewrites[%d].from: %w", i, err)
		}
		r.Rewrites = append(r.Rewrites, core.NewRewrite(re, rw.To))
	}
	return r, nil
}

// Ports returns the distinct listening ports referenced by non-internal
// rules, in configuration order.
func (c *Config) Ports() []int {
	seen := make(map[int]bool)
	var ports []int
	for _, r := range c.Rules {
		if core.RuleType(r.Type) == core.RuleInternal || seen[r.Port] {
			continue
		}
		seen[r.Port] = true
		ports = append(ports, r.Port)
	}
	return ports
}
