package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/client"
	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/flow"
	"github.com/vyrodovalexey/avaproxy/internal/interceptor"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/pool"
	"github.com/vyrodovalexey/avaproxy/internal/rule"
	"github.com/vyrodovalexey/avaproxy/internal/store"
	"github.com/vyrodovalexey/avaproxy/internal/transport"
)

// DefaultShutdownTimeout bounds Stop when the configuration sets none.
const DefaultShutdownTimeout = 30 * time.Second

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway is the assembled proxy.
type Gateway struct {
	config   *config.Config
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *interceptor.Registry
	resolver core.Resolver
	ssl      core.SSLProvider

	table     *rule.Table
	store     store.Store
	ownsStore bool
	client    *client.Client
	flow      *flow.Controller
	chain     atomic.Pointer[[]core.Interceptor]
	transport *transport.Transport

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics for the gateway and its components.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithTracer sets the tracer handed to interceptors.
func WithTracer(t *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = t
	}
}

// WithRegistry sets the interceptor registry configured interceptors are
// built from.
func WithRegistry(r *interceptor.Registry) Option {
	return func(g *Gateway) {
		g.registry = r
	}
}

// WithResolver sets the host and resource resolver.
func WithResolver(r core.Resolver) Option {
	return func(g *Gateway) {
		g.resolver = r
	}
}

// WithSSLProvider sets the provider of backend TLS settings. It overrides
// client.caFile and client.tlsProfiles.
func WithSSLProvider(p core.SSLProvider) Option {
	return func(g *Gateway) {
		g.ssl = p
	}
}

// WithStore sets the exchange store instead of building one from the
// configuration. The caller keeps ownership of it.
func WithStore(s store.Store) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// New assembles a gateway from cfg. The gateway does not listen until
// Start is called.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	g := &Gateway{
		logger:          observability.NopLogger(),
		tracer:          observability.NopTracer(),
		shutdownTimeout: time.Duration(cfg.Transport.ShutdownTimeout),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = interceptor.NewRegistry()
	}
	if g.resolver == nil {
		g.resolver = NewResolver(nil)
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = DefaultShutdownTimeout
	}

	if err := config.Validate(cfg, g.registry.Types()...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if g.ssl == nil {
		ssl, err := g.sslProvider(cfg.Client)
		if err != nil {
			return nil, err
		}
		g.ssl = ssl
	}

	if g.store == nil {
		s, err := store.New(storeConfig(cfg.Store), g.logger, g.metrics)
		if err != nil {
			return nil, fmt.Errorf("create exchange store: %w", err)
		}
		g.store = s
		g.ownsStore = true
	}

	g.client = client.New(clientConfig(cfg.Client),
		client.WithLogger(g.logger),
		client.WithMetrics(g.metrics),
		client.WithPoolOptions(pool.WithTLSConfig(g.ssl.ClientConfig)),
	)
	g.flow = flow.NewController(flow.WithLogger(g.logger), flow.WithMetrics(g.metrics))

	table, err := rule.NewTable()
	if err != nil {
		return nil, err
	}
	g.table = table

	if err := g.apply(cfg); err != nil {
		_ = g.Close()
		return nil, err
	}
	g.config = cfg

	return g, nil
}

func (g *Gateway) sslProvider(cc config.ClientConfig) (*SSLProvider, error) {
	ca, err := g.resource(cc.CAFile)
	if err != nil {
		return nil, fmt.Errorf("load client CA: %w", err)
	}
	ssl, err := NewSSLProvider(ca)
	if err != nil {
		return nil, err
	}

	for name, pc := range cc.TLSProfiles {
		var profile TLSProfile
		profile.ServerName = pc.ServerName
		if profile.CA, err = g.resource(pc.CAFile); err != nil {
			return nil, fmt.Errorf("load TLS profile %s: %w", name, err)
		}
		if profile.Cert, err = g.resource(pc.CertFile); err != nil {
			return nil, fmt.Errorf("load TLS profile %s: %w", name, err)
		}
		if profile.Key, err = g.resource(pc.KeyFile); err != nil {
			return nil, fmt.Errorf("load TLS profile %s: %w", name, err)
		}
		if err := ssl.AddProfile(name, profile); err != nil {
			return nil, err
		}
	}
	return ssl, nil
}

// resource reads location through the resolver; an empty location yields
// nothing.
func (g *Gateway) resource(location string) ([]byte, error) {
	if location == "" {
		return nil, nil
	}
	return g.resolver.Resource(context.Background(), location)
}

// apply builds the rules and the interceptor chain for cfg and publishes
// them. Nothing is published when any part fails.
func (g *Gateway) apply(cfg *config.Config) error {
	rules := make([]*core.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		r, err := rc.ToRule()
		if err != nil {
			return fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		// Profiles are loaded once, so a reload may not name a new one.
		if p := r.Target.TLSProfile; p != "" {
			if _, err := g.ssl.ClientConfig(p, r.Target.Host); err != nil {
				return fmt.Errorf("rule %s: %w", rc.Name, err)
			}
		}
		ics, err := g.registry.BuildAll(interceptorSpecs(rc.Interceptors))
		if err != nil {
			return fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		if err := interceptor.InitChain(g, ics); err != nil {
			return fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		r.Interceptors = ics
		rules = append(rules, r)
	}

	global, err := g.registry.BuildAll(interceptorSpecs(cfg.Interceptors))
	if err != nil {
		return err
	}
	chain := interceptor.DefaultChain(interceptor.Deps{
		Rules:            g.table,
		Store:            g.store,
		Client:           g.client,
		Flow:             g.flow,
		Global:           global,
		ForwardedHeaders: cfg.Client.ForwardedHeadersEnabled(),
	})
	if err := interceptor.InitChain(g, chain); err != nil {
		return err
	}

	if err := g.table.Replace(rules); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	g.chain.Store(&chain)
	return nil
}

// Handle runs exc through the current interceptor chain.
func (g *Gateway) Handle(exc *core.Exchange) core.Outcome {
	return g.flow.Invoke(exc, *g.chain.Load())
}

// Start opens a listener for every configured port. Ports that cannot be
// bound are logged and skipped; Start fails only when no port opens.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("starting gateway",
		observability.Int("rules", g.table.Len()),
	)

	g.transport = transport.New(transportConfig(g.config.Transport), g,
		transport.WithLogger(g.logger),
		transport.WithMetrics(g.metrics),
	)

	ports := g.config.Ports()
	opened := g.openPorts(ctx, g.config.Transport.Bind, ports)
	if len(ports) > 0 && opened == 0 {
		g.state.Store(int32(StateStopped))
		return ErrNoListeners
	}

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.Int("listeners", opened),
	)

	return nil
}

func (g *Gateway) openPorts(ctx context.Context, bind string, ports []int) int {
	opened := 0
	for _, port := range ports {
		if _, err := g.transport.Open(ctx, bind, port); err != nil {
			var occupied *transport.PortOccupiedError
			if errors.As(err, &occupied) {
				g.logger.Error("port is occupied",
					observability.Int("port", port),
					observability.Error(err),
				)
			} else {
				g.logger.Error("failed to open listener",
					observability.Int("port", port),
					observability.Error(err),
				)
			}
			continue
		}
		opened++
	}
	return opened
}

// Stop stops accepting connections and waits for in-flight exchanges up to
// the shutdown timeout. Connections still busy then are closed.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("stopping gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, g.shutdownTimeout)
	defer cancel()

	err := g.transport.CloseAll(shutdownCtx, true)
	if err != nil {
		g.logger.Warn("gateway shutdown did not drain all connections",
			observability.Error(err),
		)
	}

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	return err
}

// Close releases the backend connections and the exchange store. Call it
// after Stop.
func (g *Gateway) Close() error {
	var errs []error
	if g.client != nil {
		errs = append(errs, g.client.Close())
	}
	if g.store != nil && g.ownsStore {
		errs = append(errs, g.store.Close())
	}
	return errors.Join(errs...)
}

// Reload replaces the rules and interceptors with those of cfg. While
// running, ports no longer referenced are closed and new ones opened.
// Transport, client and store settings only take effect on restart.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := config.Validate(cfg, g.registry.Types()...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.apply(cfg); err != nil {
		return err
	}
	g.config = cfg

	if g.State() != StateRunning {
		g.logger.Info("configuration reloaded", observability.Int("rules", g.table.Len()))
		return nil
	}

	wanted := cfg.Ports()
	current := g.transport.Ports()
	for _, port := range current {
		if !slices.Contains(wanted, port) && g.transport.ClosePort(port) {
			g.logger.Info("closed listener", observability.Int("port", port))
		}
	}
	var added []int
	for _, port := range wanted {
		if !slices.Contains(current, port) {
			added = append(added, port)
		}
	}
	g.openPorts(ctx, cfg.Transport.Bind, added)

	g.logger.Info("configuration reloaded",
		observability.Int("rules", g.table.Len()),
		observability.Int("listeners", len(g.transport.Ports())),
	)
	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	if !g.IsRunning() {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.Since(g.startTime)
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Ports returns the ports currently listening.
func (g *Gateway) Ports() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.transport == nil {
		return nil
	}
	return g.transport.Ports()
}

// Rules returns the active rule table.
func (g *Gateway) Rules() *rule.Table {
	return g.table
}

// Store returns the exchange store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Logger implements core.Router.
func (g *Gateway) Logger() observability.Logger {
	return g.logger
}

// Metrics implements core.Router.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}

// Tracer implements core.Router.
func (g *Gateway) Tracer() *observability.Tracer {
	return g.tracer
}

// RuleByName implements core.Router.
func (g *Gateway) RuleByName(name string) (*core.Rule, bool) {
	return g.table.Get(name)
}

// Resolver implements core.Router.
func (g *Gateway) Resolver() core.Resolver {
	return g.resolver
}

// SSLProvider implements core.Router.
func (g *Gateway) SSLProvider() core.SSLProvider {
	return g.ssl
}
