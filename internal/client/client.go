package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/pool"
	"github.com/vyrodovalexey/avaproxy/internal/retry"
)

// DefaultBufferLimit is the largest known-length streamed body that is
// buffered to keep the request retryable.
const DefaultBufferLimit = 64 << 10

// Config contains backend client configuration.
type Config struct {
	// MaxRetries is the total number of attempts per send.
	MaxRetries int
	// ConnectTimeout bounds dialing a backend.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each socket read and write on a backend
	// connection.
	ReadTimeout time.Duration
	// KeepAliveTimeout is how long an idle backend connection is kept.
	KeepAliveTimeout time.Duration
	// MaxIdlePerHost bounds idle connections per backend.
	MaxIdlePerHost int
	Backoff        retry.Config
	BufferLimit    int64
	CircuitBreaker BreakerConfig
	Limits         message.Limits
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       retry.DefaultMaxAttempts,
		ConnectTimeout:   10 * time.Second,
		ReadTimeout:      60 * time.Second,
		KeepAliveTimeout: 30 * time.Second,
		MaxIdlePerHost:   16,
		Backoff:          *retry.DefaultConfig(),
		BufferLimit:      DefaultBufferLimit,
		Limits:           message.DefaultLimits(),
	}
}

// Client sends requests to backends.
type Client struct {
	cfg      Config
	pool     *pool.Pool
	ownsPool bool
	poolOpts []pool.Option
	breakers *breakerRegistry
	logger   observability.Logger
	metrics  *observability.Metrics
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the client.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithPool makes the client use an existing pool, which it will not close.
func WithPool(p *pool.Pool) Option {
	return func(c *Client) {
		c.pool = p
	}
}

// WithPoolOptions passes options to the pool the client creates.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(c *Client) {
		c.poolOpts = append(c.poolOpts, opts...)
	}
}

// New creates a backend client.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BufferLimit == 0 {
		cfg.BufferLimit = def.BufferLimit
	}

	c := &Client{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.pool == nil {
		poolOpts := append([]pool.Option{
			pool.WithLogger(c.logger),
			pool.WithMetrics(c.metrics),
		}, c.poolOpts...)
		c.pool = pool.New(pool.Config{
			MaxIdlePerHost: cfg.MaxIdlePerHost,
			IdleTimeout:    cfg.KeepAliveTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
		}, poolOpts...)
		c.ownsPool = true
	}
	c.breakers = newBreakerRegistry(cfg.CircuitBreaker, c.logger, c.metrics)

	return c
}

// Pool returns the connection pool.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Close releases the pool when the client created it.
func (c *Client) Close() error {
	if c.ownsPool {
		return c.pool.Close()
	}
	return nil
}

// Send delivers req to the first destination that answers and returns its
// response with the body still streaming. The request's URI and Host
// header are rewritten for each attempt. https destinations use the TLS
// profile carried by ctx (see core.ContextWithTLSProfile). On failure the
// error is a *SendError.
func (c *Client) Send(ctx context.Context, destinations []string, req *message.Request) (*message.Response, error) {
	if len(destinations) == 0 {
		return nil, &SendError{Err: ErrNoDestination}
	}
	if req.Body == nil {
		req.Body = message.EmptyBody()
	}

	if err := c.prepareBody(req.Body); err != nil {
		return nil, &SendError{Destination: destinations[0], Err: &message.SourceError{Err: err}}
	}
	attempts := c.cfg.MaxRetries
	if req.Body.IsStreaming() {
		attempts = 1
	}

	var (
		resp     *message.Response
		dest     string
		attempt  int
		lastProg message.WriteProgress
	)
	err := retry.Do(ctx, &c.cfg.Backoff, func(i int) error {
		attempt = i + 1
		dest = destinations[i%len(destinations)]

		start := time.Now()
		r, err := c.sendOnce(ctx, dest, req)
		if err != nil {
			var ae *attemptError
			if errors.As(err, &ae) {
				lastProg = ae.progress
			}
			c.metrics.RecordBackendAttempt(dest, "failure")
			c.logger.Debug("backend attempt failed",
				observability.String("destination", dest),
				observability.Int("attempt", attempt),
				observability.Error(err),
			)
			return err
		}
		c.metrics.RecordBackendAttempt(dest, "success")
		c.metrics.ObserveBackendDuration(dest, time.Since(start))
		resp = r
		return nil
	}, &retry.Options{
		MaxAttempts: attempts,
		ShouldRetry: func(err error) bool {
			return ctx.Err() == nil && retryable(err, req.Body)
		},
		OnRetry: func(next int, err error, backoff time.Duration) {
			c.logger.Warn("retrying backend request",
				observability.String("destination", dest),
				observability.Int("attempt", next+1),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		return nil, &SendError{
			Destination: dest,
			Attempts:    attempt,
			BodyStarted: lastProg.BodyStarted(),
			Err:         err,
		}
	}
	return resp, nil
}

// prepareBody buffers small streamed bodies of known length.
func (c *Client) prepareBody(body *message.Body) error {
	if !body.IsStreaming() || body.Consumed() {
		return nil
	}
	if n := body.Length(); n >= 0 && c.cfg.BufferLimit > 0 && n <= c.cfg.BufferLimit {
		return body.Buffer()
	}
	return nil
}

// retryable reports whether a failed attempt may be repeated without
// risking a duplicate, partially delivered body.
func retryable(err error, body *message.Body) bool {
	var de *pool.DialError
	if errors.As(err, &de) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, ErrBadDestination) {
		return false
	}
	var se *message.SourceError
	if errors.As(err, &se) {
		return false
	}

	var ae *attemptError
	if !errors.As(err, &ae) {
		return retry.IsNetworkError(err)
	}
	p := ae.progress
	if p.BodyStarted() && !(p.BodyComplete && body.Replayable()) {
		return false
	}
	if ae.afterSend && retry.IsTimeout(ae.err) {
		return false
	}
	return true
}

func (c *Client) sendOnce(ctx context.Context, dest string, req *message.Request) (*message.Response, error) {
	u, key, err := parseDestination(dest, core.TLSProfileFromContext(ctx))
	if err != nil {
		return nil, err
	}

	cb := c.breakers.get(key.String())
	if cb == nil {
		return c.roundTrip(ctx, key, u, req)
	}
	v, err := cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, key, u, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*message.Response), nil
}

func (c *Client) roundTrip(ctx context.Context, key pool.Key, u *url.URL, req *message.Request) (*message.Response, error) {
	conn, err := c.pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	conn.SetIOTimeout(c.cfg.ReadTimeout)
	stop := context.AfterFunc(ctx, conn.Interrupt)

	req.URI = u.RequestURI()
	req.Version = message.HTTP11
	req.Header.Set(message.HeaderHost, u.Host)

	var progress message.WriteProgress
	if err := message.WriteRequest(conn.Writer, req, &progress); err != nil {
		stop()
		c.pool.Discard(conn)
		return nil, &attemptError{progress: progress, err: err}
	}

	release := func(reusable bool) {
		stop()
		c.pool.Release(conn, reusable)
	}

	for {
		var (
			resp          *message.Response
			earlyDone     bool
			earlyComplete bool
		)
		resp, err = message.ReadResponse(conn.Reader, req.Method, c.cfg.Limits, func(complete bool) {
			if resp == nil {
				earlyDone, earlyComplete = true, complete
				return
			}
			release(complete && resp.KeepAlive())
		})
		if err != nil {
			stop()
			c.pool.Discard(conn)
			return nil, &attemptError{progress: progress, afterSend: true, err: err}
		}

		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != 101 {
			// Interim responses precede the final one on the same connection.
			continue
		}
		if earlyDone {
			release(earlyComplete && resp.KeepAlive() && resp.StatusCode != 101)
		}
		return resp, nil
	}
}

// parseDestination validates an absolute http(s) URI and derives its
// pool key. The TLS profile only applies to https destinations.
func parseDestination(dest, profile string) (*url.URL, pool.Key, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, pool.Key{}, fmt.Errorf("%w: %s: %v", ErrBadDestination, dest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, pool.Key{}, fmt.Errorf("%w: %s", ErrBadDestination, dest)
	}

	port := core.DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, pool.Key{}, fmt.Errorf("%w: bad port in %s", ErrBadDestination, dest)
		}
		port = n
	}
	key := pool.Key{Host: u.Hostname(), Port: port, TLS: u.Scheme == "https"}
	if key.TLS {
		key.Profile = profile
	}
	return u, key, nil
}
