package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avaproxy/internal/core"
)

// validConfigYAML is a small but complete configuration.
const validConfigYAML = `
transport:
  maxConnectionsPerIP: 50
  reverseDNS: true
  readTimeout: 15s
  idleTimeout: 1m30s
client:
  maxRetries: 3
  connectTimeout: 2s
  backoff:
    initial: 50ms
    max: 1s
    jitter: 0.1
  circuitBreaker:
    enabled: true
    threshold: 5
    timeout: 30s
  forwardedHeaders: false
  tlsProfiles:
    partner:
      caFile: /etc/avaproxy/partner-ca.pem
      serverName: api.partner.example
store:
  type: memory
  capacity: 500
observability:
  metrics:
    enabled: true
  logging:
    level: debug
    format: console
interceptors:
  - type: log
rules:
  - name: shop
    port: 8080
    match:
      host: "*.example.com"
      method: GET,POST
      path: /shop/
    target:
      host: shop.internal
      port: 9000
    rewrites:
      - from: ^/shop/(.*)$
        to: /$1
    interceptors:
      - type: throttle
        params:
          rps: 10
          burst: 20
  - name: inner
    type: internal
    target:
      url: http://inner.internal:9100/
`

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validConfigYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg, "log", "throttle"))

	assert.Equal(t, 50, cfg.Transport.MaxConnectionsPerIP)
	assert.True(t, cfg.Transport.ReverseDNS)
	assert.Equal(t, 15*time.Second, cfg.Transport.ReadTimeout.Duration())
	assert.Equal(t, 90*time.Second, cfg.Transport.IdleTimeout.Duration())

	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.Backoff.Initial.Duration())
	assert.InDelta(t, 0.1, cfg.Client.Backoff.Jitter, 1e-9)
	assert.True(t, cfg.Client.CircuitBreaker.Enabled)
	assert.False(t, cfg.Client.ForwardedHeadersEnabled())
	require.Contains(t, cfg.Client.TLSProfiles, "partner")
	assert.Equal(t, "api.partner.example", cfg.Client.TLSProfiles["partner"].ServerName)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, DefaultMetricsAddress, cfg.Observability.Metrics.Address)
	assert.Equal(t, DefaultMetricsPath, cfg.Observability.Metrics.Path)
	assert.Equal(t, DefaultServiceName, cfg.Observability.Tracing.ServiceName)

	require.Len(t, cfg.Rules, 2)
	shop := cfg.Rules[0]
	assert.Equal(t, "GET,POST", shop.Match.Method)
	require.Len(t, shop.Interceptors, 1)
	assert.Equal(t, "10", shop.Interceptors[0].Params["rps"], "numeric params decode as strings")
	assert.Equal(t, []int{8080}, cfg.Ports())
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "transport:\n  maxConnectionPerIP: 3\n"},
		{"bad duration", "transport:\n  readTimeout: soon\n"},
		{"not yaml", "rules: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules)
	assert.True(t, cfg.Client.ForwardedHeadersEnabled())
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVAPROXY_TEST_HOST", "backend.internal")
	t.Setenv("AVAPROXY_TEST_EMPTY", "")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"set", "host: ${AVAPROXY_TEST_HOST}", "host: backend.internal"},
		{"default unused", "host: ${AVAPROXY_TEST_HOST:-other}", "host: backend.internal"},
		{"default used", "port: ${AVAPROXY_TEST_UNSET:-9000}", "port: 9000"},
		{"unset without default", "x: ${AVAPROXY_TEST_UNSET}", "x: "},
		{"set but empty", "x: ${AVAPROXY_TEST_EMPTY:-fallback}", "x: "},
		{"escaped", "price: $${AVAPROXY_TEST_HOST}", "price: ${AVAPROXY_TEST_HOST}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.in))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("AVAPROXY_TEST_PORT", "8181")

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: api
    port: ${AVAPROXY_TEST_PORT}
    target:
      host: localhost
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, 8181, cfg.Rules[0].Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = LoadFromReader(strings.NewReader("store:\n  type: none\n"))
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Store.Type)
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("..", "..", "configs", "avaproxy.yaml"))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, []int{8080, 3128}, cfg.Ports())
	assert.Equal(t, "0.0.0.0", cfg.Transport.Bind)
	assert.True(t, cfg.Client.ForwardedHeadersEnabled())
	assert.Equal(t, "250ms", cfg.Rules[0].Interceptors[0].Params["maxDelay"])
}

func TestRuleConfig_ToRule(t *testing.T) {
	t.Parallel()

	rc := RuleConfig{
		Name:    "shop",
		Port:    8080,
		Match:   MatchConfig{Host: "shop.example.com", Method: "GET", Path: "/shop/.*", PathKind: "regex"},
		Target:  TargetConfig{Host: "10.0.0.1", Port: 9000, TLS: true, Strategy: "dns", TLSProfile: "partner"},
		Blocked: true,
		Rewrites: []RewriteConfig{
			{From: "^/shop/(\\d+)$", To: "/items/$1"},
			{From: "^/cat/(\\d+)$", To: "/category/$1all"},
		},
	}

	r, err := rc.ToRule()
	require.NoError(t, err)
	assert.Equal(t, core.RuleService, r.Type, "empty type defaults to service")
	assert.Equal(t, core.PathRegex, r.Key.PathKind)
	assert.Equal(t, 8080, r.Key.Port)
	assert.Equal(t, core.StrategyDNS, r.Target.Strategy)
	assert.True(t, r.Target.TLS)
	assert.Equal(t, "partner", r.Target.TLSProfile)
	assert.True(t, r.Blocked)
	require.Len(t, r.Rewrites, 2)

	got, ok := r.Rewrites[0].Apply("/shop/42")
	assert.True(t, ok)
	assert.Equal(t, "/items/42", got)

	got, ok = r.Rewrites[1].Apply("/cat/7")
	assert.True(t, ok)
	assert.Equal(t, "/category/7all", got, "a group number followed by letters is still group 1")

	rc.Rewrites = []RewriteConfig{{From: "("}}
	_, err = rc.ToRule()
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	d := Duration(0)
	assert.Equal(t, 5*time.Second, d.Or(5*time.Second))
	d = Duration(time.Second)
	assert.Equal(t, time.Second, d.Or(5*time.Second))

	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1s", out)

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `""`, want: 0},
		{in: "0", want: 0},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "1m30s", want: 90 * time.Second},
		{in: "soon", wantErr: true},
		{in: "[1s]", wantErr: true},
	}
	for _, tt := range tests {
		var got Duration
		err := yaml.Unmarshal([]byte(tt.in), &got)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.Duration(), tt.in)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg, err := Parse([]byte(validConfigYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		types  []string
		path   string
	}{
		{
			name:   "duplicate rule name",
			mutate: func(c *Config) { c.Rules[1].Name = "shop" },
			path:   "rules[1].name",
		},
		{
			name: "conflicting service keys",
			mutate: func(c *Config) {
				dup := c.Rules[0]
				dup.Name = "shop2"
				dup.Interceptors = nil
				c.Rules = append(c.Rules, dup)
			},
			path: "rules",
		},
		{
			name:   "bad regex",
			mutate: func(c *Config) { c.Rules[0].Match = MatchConfig{Path: "(", PathKind: "regex"} },
			path:   "rules[0].match.path",
		},
		{
			name:   "unknown path kind",
			mutate: func(c *Config) { c.Rules[0].Match.PathKind = "fuzzy" },
			path:   "rules[0].match.pathKind",
		},
		{
			name:   "port out of range",
			mutate: func(c *Config) { c.Rules[0].Port = 70000 },
			path:   "rules[0].port",
		},
		{
			name:   "unknown rule type",
			mutate: func(c *Config) { c.Rules[0].Type = "mirror" },
			path:   "rules[0].type",
		},
		{
			name:   "unknown interceptor",
			mutate: func(c *Config) { c.Interceptors[0].Type = "oauth2" },
			types:  []string{"log", "throttle"},
			path:   "interceptors[0].type",
		},
		{
			name:   "unknown rule interceptor",
			mutate: func(c *Config) { c.Rules[0].Interceptors[0].Type = "jwt" },
			types:  []string{"log", "throttle"},
			path:   "rules[0].interceptors[0].type",
		},
		{
			name:   "unknown store",
			mutate: func(c *Config) { c.Store.Type = "mongo" },
			path:   "store.type",
		},
		{
			name:   "sqlite without path",
			mutate: func(c *Config) { c.Store.Type = "sqlite" },
			path:   "store.path",
		},
		{
			name:   "negative per-ip limit",
			mutate: func(c *Config) { c.Transport.MaxConnectionsPerIP = -1 },
			path:   "transport.maxConnectionsPerIP",
		},
		{
			name:   "sampling rate",
			mutate: func(c *Config) { c.Observability.Tracing.SamplingRate = 2 },
			path:   "observability.tracing.samplingRate",
		},
		{
			name:   "dns without host",
			mutate: func(c *Config) { c.Rules[0].Target = TargetConfig{Strategy: "dns"} },
			path:   "rules[0].target.host",
		},
		{
			name:   "unknown tls profile",
			mutate: func(c *Config) { c.Rules[0].Target.TLSProfile = "missing" },
			path:   "rules[0].target.tlsProfile",
		},
		{
			name: "client certificate without key",
			mutate: func(c *Config) {
				c.Client.TLSProfiles["partner"] = TLSProfileConfig{CertFile: "/etc/avaproxy/client.pem"}
			},
			path: "client.tlsProfiles.partner",
		},
		{
			name:   "relative target url",
			mutate: func(c *Config) { c.Rules[1].Target.URL = "/relative" },
			path:   "rules[1].target.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.mutate(cfg)

			err := Validate(cfg, tt.types...)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	t.Parallel()

	err := Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: bad", ValidationErrors{{Path: "a", Message: "bad"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "bad"}, {Message: "worse"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "2. worse")
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))

	var mu sync.Mutex
	var got []*Config
	var errs []error
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	},
		WithDebounceDelay(20*time.Millisecond),
		WithInterceptorTypes("log", "throttle"),
		WithErrorCallback(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()
	require.NotNil(t, w.LastConfig())

	// An invalid edit is reported and ignored.
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: x\n    port: 0\n"), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 50, w.LastConfig().Transport.MaxConnectionsPerIP)

	updated := strings.Replace(validConfigYAML, "maxConnectionsPerIP: 50", "maxConnectionsPerIP: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Transport.MaxConnectionsPerIP == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, w.LastConfig().Transport.MaxConnectionsPerIP)
}

func TestWatcher_StartRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: mongo\n"), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))

	calls := 0
	w, err := NewWatcher(path, func(*Config) { calls++ })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, w.ForceReload())
	assert.Equal(t, 1, calls)
	assert.NotNil(t, w.LastConfig())
}

func TestWatcher_IgnoresUnchangedContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*Config) { calls.Add(1) },
		WithDebounceDelay(10*time.Millisecond),
		WithInterceptorTypes("log", "throttle"),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, calls.Load())

	updated := strings.Replace(validConfigYAML, "maxConnectionsPerIP: 50", "maxConnectionsPerIP: 9", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "proxy.yaml"), nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
	assert.Nil(t, w.LastConfig())
}
