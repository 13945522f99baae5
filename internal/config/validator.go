package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/rule"
	"github.com/vyrodovalexey/avaproxy/internal/store"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates proxy configuration.
type Validator struct {
	// interceptorTypes lists the known interceptor types; nil skips the
	// check.
	interceptorTypes map[string]bool
	tlsProfiles      map[string]TLSProfileConfig
	errors           ValidationErrors
}

// NewValidator creates a validator. When interceptorTypes is non-empty,
// interceptors of any other type are rejected.
func NewValidator(interceptorTypes ...string) *Validator {
	v := &Validator{}
	if len(interceptorTypes) > 0 {
		v.interceptorTypes = make(map[string]bool, len(interceptorTypes))
		for _, t := range interceptorTypes {
			v.interceptorTypes[t] = true
		}
	}
	return v
}

// Validate validates cfg against the given interceptor types.
func Validate(cfg *Config, interceptorTypes ...string) error {
	return NewValidator(interceptorTypes...).Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}
	v.tlsProfiles = cfg.Client.TLSProfiles

	v.validateTransport(&cfg.Transport)
	v.validateClient(&cfg.Client)
	v.validateStore(&cfg.Store)
	v.validateObservability(&cfg.Observability)
	v.validateInterceptors(cfg.Interceptors, "interceptors")
	v.validateRules(cfg.Rules)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) nonNegative(path string, n int) {
	if n < 0 {
		v.addError(path, "must not be negative")
	}
}

func (v *Validator) nonNegativeDuration(path string, d Duration) {
	if d < 0 {
		v.addError(path, "must not be negative")
	}
}

func (v *Validator) validateTransport(t *TransportConfig) {
	v.nonNegative("transport.maxConnectionsPerIP", t.MaxConnectionsPerIP)
	v.nonNegative("transport.maxHeaderBytes", t.MaxHeaderBytes)
	v.nonNegativeDuration("transport.acceptTimeout", t.AcceptTimeout)
	v.nonNegativeDuration("transport.readTimeout", t.ReadTimeout)
	v.nonNegativeDuration("transport.writeTimeout", t.WriteTimeout)
	v.nonNegativeDuration("transport.idleTimeout", t.IdleTimeout)
	v.nonNegativeDuration("transport.shutdownTimeout", t.ShutdownTimeout)
}

func (v *Validator) validateClient(c *ClientConfig) {
	v.nonNegative("client.maxRetries", c.MaxRetries)
	v.nonNegative("client.maxIdlePerHost", c.MaxIdlePerHost)
	v.nonNegativeDuration("client.connectTimeout", c.ConnectTimeout)
	v.nonNegativeDuration("client.readTimeout", c.ReadTimeout)
	v.nonNegativeDuration("client.keepAliveTimeout", c.KeepAliveTimeout)
	v.nonNegativeDuration("client.backoff.initial", c.Backoff.Initial)
	v.nonNegativeDuration("client.backoff.max", c.Backoff.Max)
	if c.Backoff.Jitter > 1 {
		v.addError("client.backoff.jitter", "must be at most 1")
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.Threshold < 1 {
		v.addError("client.circuitBreaker.threshold", "must be at least 1 when the breaker is enabled")
	}
	v.nonNegativeDuration("client.circuitBreaker.timeout", c.CircuitBreaker.Timeout)

	for name, p := range c.TLSProfiles {
		path := "client.tlsProfiles." + name
		if name == "" {
			v.addError("client.tlsProfiles", "profile name must not be empty")
		}
		if (p.CertFile == "") != (p.KeyFile == "") {
			v.addError(path, "certFile and keyFile must be set together")
		}
	}
}

func (v *Validator) validateStore(s *StoreConfig) {
	switch s.Type {
	case "", store.TypeNone, store.TypeMemory:
	case store.TypeSQLite:
		if s.Path == "" {
			v.addError("store.path", "path is required for the sqlite store")
		}
	case store.TypeRedis:
		if s.Address == "" {
			v.addError("store.address", "address is required for the redis store")
		}
	default:
		v.addError("store.type", fmt.Sprintf("unknown store type %q", s.Type))
	}
	v.nonNegative("store.capacity", s.Capacity)
	v.nonNegative("store.queueSize", s.QueueSize)
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "must start with /")
	}
	switch strings.ToLower(o.Logging.Format) {
	case "", "json", "console":
	default:
		v.addError("observability.logging.format", fmt.Sprintf("unknown format %q", o.Logging.Format))
	}
}

func (v *Validator) validateInterceptors(ics []InterceptorConfig, path string) {
	for i, ic := range ics {
		p := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case ic.Type == "":
			v.addError(p+".type", "type is required")
		case v.interceptorTypes != nil && !v.interceptorTypes[ic.Type]:
			v.addError(p+".type", fmt.Sprintf("unknown interceptor type %q", ic.Type))
		}
	}
}

func (v *Validator) validateRules(rules []RuleConfig) {
	names := make(map[string]int, len(rules))
	converted := make([]*core.Rule, 0, len(rules))

	for i, rc := range rules {
		path := fmt.Sprintf("rules[%d]", i)

		if rc.Name == "" {
			v.addError(path+".name", "name is required")
		} else if j, dup := names[rc.Name]; dup {
			v.addError(path+".name", fmt.Sprintf("duplicate rule name %q (also rules[%d])", rc.Name, j))
		} else {
			names[rc.Name] = i
		}

		ok := v.validateRule(rc, path)
		v.validateInterceptors(rc.Interceptors, path+".interceptors")

		r, err := rc.ToRule()
		if err != nil {
			v.addError(path, err.Error())
			continue
		}
		if ok && rc.Name != "" {
			converted = append(converted, r)
		}
	}

	if v.errors.HasErrors() {
		return
	}
	// The table performs the exclusive key check for service rules.
	if _, err := rule.NewTable(converted...); err != nil {
		v.addError("rules", err.Error())
	}
}

// validateRule checks one rule and reports whether it is well formed.
func (v *Validator) validateRule(rc RuleConfig, path string) bool {
	before := len(v.errors)

	typ := core.RuleType(rc.Type)
	switch typ {
	case "", core.RuleService, core.RuleProxy, core.RuleInternal:
	default:
		v.addError(path+".type", fmt.Sprintf("unknown rule type %q", rc.Type))
	}

	if typ != core.RuleInternal && (rc.Port < 1 || rc.Port > 65535) {
		v.addError(path+".port", fmt.Sprintf("port %d out of range 1-65535", rc.Port))
	}

	switch core.PathKind(rc.Match.PathKind) {
	case "", core.PathPrefix, core.PathExact, core.PathGlob, core.PathRegex:
		if _, err := rule.NewPathMatcher(core.PathKind(rc.Match.PathKind), rc.Match.Path); err != nil {
			v.addError(path+".match.path", err.Error())
		}
	default:
		v.addError(path+".match.pathKind", fmt.Sprintf("unknown path kind %q", rc.Match.PathKind))
	}
	if _, err := rule.NewHostMatcher(rc.Match.Host); err != nil {
		v.addError(path+".match.host", err.Error())
	}

	v.validateTarget(rc, path+".target")
	return len(v.errors) == before
}

func (v *Validator) validateTarget(rc RuleConfig, path string) {
	t := rc.Target
	if t.Port < 0 || t.Port > 65535 {
		v.addError(path+".port", fmt.Sprintf("port %d out of range 0-65535", t.Port))
	}

	switch core.Strategy(t.Strategy) {
	case "", core.StrategyStatic:
	case core.StrategyDNS:
		if t.Host == "" {
			v.addError(path+".host", "host is required for the dns strategy")
		}
	default:
		v.addError(path+".strategy", fmt.Sprintf("unknown strategy %q", t.Strategy))
	}

	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			v.addError(path+".url", err.Error())
		} else if u.Scheme == "" || u.Host == "" {
			v.addError(path+".url", "url must be absolute")
		}
	}
	if t.URL != "" && t.Host != "" {
		v.addError(path, "url and host are mutually exclusive")
	}
	if t.TLSProfile != "" {
		if _, ok := v.tlsProfiles[t.TLSProfile]; !ok {
			v.addError(path+".tlsProfile", fmt.Sprintf("unknown TLS profile %q", t.TLSProfile))
		}
	}
}
