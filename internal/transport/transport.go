package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// State represents the lifecycle state of a listening port.
type State int32

const (
	// StateClosed indicates the port is not bound.
	StateClosed State = iota
	// StateOpening indicates the port is being bound.
	StateOpening
	// StateOpen indicates the port is accepting connections.
	StateOpen
	// StateClosing indicates the port stopped accepting and is draining.
	StateClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Default settings.
const (
	DefaultAcceptTimeout = time.Second
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultIdleTimeout   = 120 * time.Second

	reverseDNSTimeout = 2 * time.Second
)

// Config holds the inbound connection settings.
type Config struct {
	// MaxConnectionsPerIP bounds concurrent connections from one source
	// address. Zero disables the limit.
	MaxConnectionsPerIP int
	// ReverseDNS resolves the peer name for each connection.
	ReverseDNS bool
	// AcceptTimeout bounds one accept call; the loop then re-checks its
	// state and accepts again.
	AcceptTimeout time.Duration
	// ReadTimeout and WriteTimeout bound each socket read and write.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout bounds the wait for the next request on a connection.
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		AcceptTimeout: DefaultAcceptTimeout,
		ReadTimeout:   DefaultReadTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// Handler processes one exchange. When Handle returns, exc.Response holds
// the response to write to the client.
type Handler interface {
	Handle(exc *core.Exchange) core.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(exc *core.Exchange) core.Outcome

// Handle calls f(exc).
func (f HandlerFunc) Handle(exc *core.Exchange) core.Outcome {
	return f(exc)
}

// AddrResolver reverse-resolves peer addresses. *net.Resolver satisfies it.
type AddrResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Transport owns the listening ports of the proxy.
type Transport struct {
	cfg      Config
	handler  Handler
	logger   observability.Logger
	metrics  *observability.Metrics
	resolver AddrResolver
	perIP    *ipLimiter

	mu       sync.Mutex
	ports    map[int]*portListener
	draining map[*portListener]struct{}
	closed   bool
}

// Option is a functional option for configuring a transport.
type Option func(*Transport)

// WithLogger sets the logger for the transport.
func WithLogger(logger observability.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics for the transport.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithAddrResolver sets the resolver used for reverse DNS.
func WithAddrResolver(r AddrResolver) Option {
	return func(t *Transport) {
		t.resolver = r
	}
}

// New creates a transport that hands every exchange to handler.
func New(cfg Config, handler Handler, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:      cfg,
		handler:  handler,
		logger:   observability.NopLogger(),
		resolver: net.DefaultResolver,
		perIP:    newIPLimiter(cfg.MaxConnectionsPerIP),
		ports:    make(map[int]*portListener),
		draining: make(map[*portListener]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open binds bind:port and starts accepting connections on it. It returns
// the bound port, which differs from port only when port is 0. Opening a
// port that is already open is a no-op.
func (t *Transport) Open(ctx context.Context, bind string, port int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if l, ok := t.ports[port]; ok && port != 0 {
		return l.port, nil
	}

	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	l := newPortListener(t, addr)
	l.state.Store(int32(StateOpening))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		l.state.Store(int32(StateClosed))
		if errors.Is(err, syscall.EADDRINUSE) {
			return 0, &PortOccupiedError{Port: port, Err: err}
		}
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l.ln = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		l.port = tcp.Port
	} else {
		l.port = port
	}
	l.state.Store(int32(StateOpen))
	t.ports[l.port] = l

	t.logger.Info("listener started",
		observability.Int("port", l.port),
		observability.String("address", ln.Addr().String()),
	)

	l.wg.Add(1)
	go l.acceptLoop()

	return l.port, nil
}

// ClosePort stops accepting on port and lets its connections finish in
// the background. It reports whether the port was open.
func (t *Transport) ClosePort(port int) bool {
	t.mu.Lock()
	l, ok := t.ports[port]
	if ok {
		delete(t.ports, port)
		t.draining[l] = struct{}{}
	}
	t.mu.Unlock()

	if ok {
		l.beginClose()
	}
	return ok
}

// CloseAll closes every port. With wait it blocks until all connections
// have finished or ctx is done; in the latter case the remaining sockets
// are closed hard and ctx.Err() is returned. Without wait it returns at
// once and connections finish asynchronously. The transport cannot be
// reopened afterwards.
func (t *Transport) CloseAll(ctx context.Context, wait bool) error {
	t.mu.Lock()
	t.closed = true
	listeners := make([]*portListener, 0, len(t.ports)+len(t.draining))
	for _, l := range t.ports {
		listeners = append(listeners, l)
		t.draining[l] = struct{}{}
	}
	for l := range t.draining {
		if !slices.Contains(listeners, l) {
			listeners = append(listeners, l)
		}
	}
	t.ports = make(map[int]*portListener)
	t.mu.Unlock()

	for _, l := range listeners {
		l.beginClose()
	}
	if !wait {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, l := range listeners {
			l.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.logger.Warn("shutdown deadline reached, closing connections",
			observability.Error(ctx.Err()),
		)
		for _, l := range listeners {
			l.closeConns()
		}
		return ctx.Err()
	}
}

// State returns the state of port.
func (t *Transport) State(port int) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.ports[port]; ok {
		return l.State()
	}
	for l := range t.draining {
		if l.port == port {
			return l.State()
		}
	}
	return StateClosed
}

// Ports returns the open ports in ascending order.
func (t *Transport) Ports() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ports := make([]int, 0, len(t.ports))
	for p := range t.ports {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// ActiveConnections returns the number of connections currently held by
// the source address ip.
func (t *Transport) ActiveConnections(ip string) int {
	return t.perIP.count(ip)
}

func (t *Transport) forget(l *portListener) {
	t.mu.Lock()
	delete(t.draining, l)
	t.mu.Unlock()
}

// lookupHost returns the reverse-resolved name of ip, or ip itself.
func (t *Transport) lookupHost(ip string) string {
	ctx, cancel := context.WithTimeout(context.Background(), reverseDNSTimeout)
	defer cancel()

	names, err := t.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		t.logger.Debug("reverse lookup failed",
			observability.String("remote_ip", ip),
			observability.Error(err),
		)
		return ip
	}
	return trimDot(names[0])
}

func trimDot(name string) string {
	if n := len(name); n > 0 && name[n-1] == '.' {
		return name[:n-1]
	}
	return name
}

// ipLimiter counts concurrent connections per source address.
type ipLimiter struct {
	max    int
	mu     sync.Mutex
	counts map[string]int
}

func newIPLimiter(max int) *ipLimiter {
	return &ipLimiter{max: max, counts: make(map[string]int)}
}

// acquire takes a slot for ip, failing when the limit is reached.
func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.counts[ip] - 1; n > 0 {
		l.counts[ip] = n
	} else {
		delete(l.counts, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}
