package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Config contains connection pool configuration.
type Config struct {
	// MaxIdlePerHost bounds the idle connections kept per key.
	MaxIdlePerHost int
	// IdleTimeout is how long an idle connection may wait for reuse.
	IdleTimeout time.Duration
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ProbeTimeout is how long the liveness probe waits for a read.
	ProbeTimeout time.Duration
	// SweepInterval is the period of the idle sweeper; zero derives it
	// from IdleTimeout.
	SweepInterval time.Duration
}

// DefaultConfig returns default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerHost: 16,
		IdleTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ProbeTimeout:   time.Millisecond,
	}
}

// DialFunc opens a TCP connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TLSConfigFunc returns the client TLS settings of a profile for a server
// name.
type TLSConfigFunc func(profile, serverName string) (*tls.Config, error)

type bucket struct {
	mu   sync.Mutex
	idle []*Conn
}

// Pool manages outbound connections keyed by endpoint.
type Pool struct {
	cfg       Config
	dial      DialFunc
	tlsConfig TLSConfigFunc
	logger    observability.Logger
	metrics   *observability.Metrics

	buckets sync.Map // Key -> *bucket
	closed  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option is a functional option for configuring the pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the pool.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

// WithTLSConfig sets the source of client TLS settings.
func WithTLSConfig(fn TLSConfigFunc) Option {
	return func(p *Pool) {
		p.tlsConfig = fn
	}
}

// New creates a pool and starts its idle sweeper.
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxIdlePerHost <= 0 {
		cfg.MaxIdlePerHost = def.MaxIdlePerHost
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = max(cfg.IdleTimeout/2, 10*time.Millisecond)
	}

	p := &Pool{
		cfg:    cfg,
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	p.dial = dialer.DialContext
	p.tlsConfig = func(_, serverName string) (*tls.Config, error) {
		return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}, nil
	}

	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

func (p *Pool) bucket(key Key) *bucket {
	if b, ok := p.buckets.Load(key); ok {
		return b.(*bucket)
	}
	b, _ := p.buckets.LoadOrStore(key, &bucket{})
	return b.(*bucket)
}

// Acquire returns an idle connection for key that passes the liveness
// probe, or dials a new one.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	if c := p.takeIdle(key); c != nil {
		p.metrics.RecordPoolEvent("reuse")
		return c, nil
	}

	c, err := p.open(ctx, key)
	if err != nil {
		p.metrics.RecordPoolEvent("dial_error")
		return nil, err
	}
	p.metrics.RecordPoolEvent("dial")
	c.inUse.Store(true)
	return c, nil
}

// takeIdle pops the most recently used live connection.
func (p *Pool) takeIdle(key Key) *Conn {
	b := p.bucket(key)
	now := time.Now()

	for {
		b.mu.Lock()
		n := len(b.idle)
		if n == 0 {
			b.mu.Unlock()
			return nil
		}
		c := b.idle[n-1]
		b.idle[n-1] = nil
		b.idle = b.idle[:n-1]
		p.metrics.SetPoolIdle(key.String(), len(b.idle))
		b.mu.Unlock()

		if now.Sub(c.idleSince) > p.cfg.IdleTimeout || !c.alive(p.cfg.ProbeTimeout) {
			p.metrics.RecordPoolEvent("stale")
			_ = c.Close()
			continue
		}
		if !c.inUse.CompareAndSwap(false, true) {
			// Never happens for connections taken from an idle list.
			p.logger.Error("idle connection already in use", observability.String("backend", key.String()))
			continue
		}
		c.reused = true
		return c
	}
}

func (p *Pool) open(ctx context.Context, key Key) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	raw, err := p.dial(dctx, "tcp", key.Address())
	if err != nil {
		return nil, &DialError{Key: key, Err: err}
	}

	if key.TLS {
		cfg, err := p.tlsConfig(key.Profile, key.Host)
		if err != nil {
			_ = raw.Close()
			return nil, &DialError{Key: key, Err: fmt.Errorf("tls config: %w", err)}
		}
		tc := tls.Client(raw, cfg)
		if err := tc.HandshakeContext(dctx); err != nil {
			_ = raw.Close()
			return nil, &DialError{Key: key, Err: fmt.Errorf("tls handshake: %w", err)}
		}
		raw = tc
	}

	p.logger.Debug("backend connection opened",
		observability.String("backend", key.String()),
		observability.String("local", raw.LocalAddr().String()),
	)
	return newConn(key, raw), nil
}

// Release returns c to the pool when reusable is true, and closes it
// otherwise. Releasing a connection that is not checked out is a no-op.
func (p *Pool) Release(c *Conn, reusable bool) {
	if c == nil || !c.inUse.CompareAndSwap(true, false) {
		return
	}
	if !reusable || p.closed.Load() || c.io.interrupted.Load() || c.Writer.Buffered() > 0 {
		p.metrics.RecordPoolEvent("close")
		_ = c.Close()
		return
	}

	c.SetIOTimeout(0)
	_ = c.raw.SetDeadline(time.Time{})
	c.idleSince = time.Now()

	b := p.bucket(c.key)
	b.mu.Lock()
	if len(b.idle) >= p.cfg.MaxIdlePerHost {
		b.mu.Unlock()
		p.metrics.RecordPoolEvent("overflow")
		_ = c.Close()
		return
	}
	b.idle = append(b.idle, c)
	p.metrics.SetPoolIdle(c.key.String(), len(b.idle))
	b.mu.Unlock()
	p.metrics.RecordPoolEvent("release")
}

// Discard closes a checked-out connection that failed.
func (p *Pool) Discard(c *Conn) {
	p.Release(c, false)
}

// Idle returns the number of idle connections for key.
func (p *Pool) Idle(key Key) int {
	v, ok := p.buckets.Load(key)
	if !ok {
		return 0
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.idle)
}

// CloseIdle closes every idle connection.
func (p *Pool) CloseIdle() {
	p.evict(func(*Conn) bool { return true })
}

// Close stops the sweeper and closes idle connections. Checked-out
// connections are closed when they are released.
func (p *Pool) Close() error {
	p.closed.Store(true)
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.CloseIdle()
	return nil
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts idle connections past the idle timeout. Only idle lists
// are visited, so checked-out connections are never touched.
func (p *Pool) sweep() {
	now := time.Now()
	n := p.evict(func(c *Conn) bool {
		return now.Sub(c.idleSince) > p.cfg.IdleTimeout
	})
	if n > 0 {
		p.logger.Debug("evicted idle backend connections", observability.Int("count", n))
	}
}

func (p *Pool) evict(expired func(*Conn) bool) int {
	evicted := 0
	p.buckets.Range(func(k, v any) bool {
		key := k.(Key)
		b := v.(*bucket)

		b.mu.Lock()
		kept := b.idle[:0]
		var victims []*Conn
		for _, c := range b.idle {
			if expired(c) {
				victims = append(victims, c)
				continue
			}
			kept = append(kept, c)
		}
		clear(b.idle[len(kept):])
		b.idle = kept
		p.metrics.SetPoolIdle(key.String(), len(kept))
		b.mu.Unlock()

		for _, c := range victims {
			_ = c.Close()
			p.metrics.RecordPoolEvent("evict")
		}
		evicted += len(victims)
		return true
	})
	return evicted
}

// DialError reports a failure to establish a backend connection. No
// request byte was sent, so the request is always safe to retry.
type DialError struct {
	Key Key
	Err error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Key.Address(), e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Err
}
