package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultJitterFactor   = 0.25

	// MaxJitterFactor caps JitterFactor.
	MaxJitterFactor = 1.0
)

// Config describes how many backend attempts are made and how long to wait
// between them. Zero fields take the package defaults.
type Config struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Each further
	// wait doubles until MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JitterFactor adds up to this fraction of the wait at random.
	// Negative disables jitter.
	JitterFactor float64
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// effective returns a copy of c with defaults filled in and the jitter
// clamped to [0, MaxJitterFactor]. A nil receiver yields the defaults.
func (c *Config) effective() Config {
	if c == nil {
		return *DefaultConfig()
	}
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	switch {
	case out.JitterFactor == 0:
		out.JitterFactor = DefaultJitterFactor
	case out.JitterFactor < 0:
		out.JitterFactor = 0
	case out.JitterFactor > MaxJitterFactor:
		out.JitterFactor = MaxJitterFactor
	}
	return out
}

// Delay returns the wait that follows the given zero-based attempt.
func (c *Config) Delay(attempt int) time.Duration {
	e := c.effective()
	return backoff(attempt, e.InitialBackoff, e.MaxBackoff, e.JitterFactor)
}

// AttemptFunc performs one attempt. attempt counts from 0 and callers use
// it to rotate through destinations.
type AttemptFunc func(attempt int) error

// Options tune a single Do call.
type Options struct {
	// ShouldRetry vetoes a retry. Nil retries every error.
	ShouldRetry func(error) bool

	// OnRetry runs before the wait that precedes attempt next (one-based).
	OnRetry func(next int, err error, wait time.Duration)

	// MaxAttempts, when positive, replaces Config.MaxAttempts.
	MaxAttempts int
}

func (o *Options) attempts(def int) int {
	if o != nil && o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return def
}

func (o *Options) retry(err error) bool {
	return o == nil || o.ShouldRetry == nil || o.ShouldRetry(err)
}

// Do calls fn until it succeeds, the attempt budget is spent, ShouldRetry
// vetoes the error or ctx ends. The result is the last error from fn; the
// context error is returned only when ctx ended before the first attempt.
func Do(ctx context.Context, cfg *Config, fn AttemptFunc, opts *Options) error {
	e := cfg.effective()
	limit := opts.attempts(e.MaxAttempts)

	var last error
	for attempt := range limit {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return last
		}

		if last = fn(attempt); last == nil {
			return nil
		}
		if attempt == limit-1 || !opts.retry(last) {
			return last
		}

		wait := backoff(attempt, e.InitialBackoff, e.MaxBackoff, e.JitterFactor)
		if opts != nil && opts.OnRetry != nil {
			opts.OnRetry(attempt+1, last, wait)
		}
		if !sleep(ctx, wait) {
			return last
		}
	}
	return last
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoff doubles initial per attempt, adds jitter and caps the result.
func backoff(attempt int, initial, limit time.Duration, jitter float64) time.Duration {
	d := float64(initial) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: retry jitter is not security-sensitive
	d += d * jitter * rand.Float64()
	if d > float64(limit) {
		d = float64(limit)
	}
	return time.Duration(d)
}
