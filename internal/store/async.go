package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// saveTimeout bounds one write to the wrapped store.
const saveTimeout = 5 * time.Second

// Async queues records and writes them to the wrapped store from a
// single goroutine. Save never blocks.
type Async struct {
	inner   Store
	queue   chan Record
	logger  observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// AsyncOption is a functional option for configuring the async store.
type AsyncOption func(*Async)

// WithLogger sets the logger for the async store.
func WithLogger(logger observability.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the async store.
func WithMetrics(m *observability.Metrics) AsyncOption {
	return func(a *Async) {
		a.metrics = m
	}
}

// NewAsync wraps inner with a queue of queueSize records.
func NewAsync(inner Store, queueSize int, opts ...AsyncOption) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		inner:  inner,
		queue:  make(chan Record, queueSize),
		logger: observability.NopLogger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Save queues rec. When the queue is full the record is dropped.
func (a *Async) Save(_ context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		a.metrics.RecordStoreDrop()
		a.logger.Debug("exchange store queue full, record dropped",
			observability.String("exchange_id", rec.ID),
		)
	}
	return nil
}

// List reads from the wrapped store. Queued records may not be visible
// yet.
func (a *Async) List(ctx context.Context, limit int) ([]Record, error) {
	return a.inner.List(ctx, limit)
}

// Dropped returns the number of records dropped so far.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records, flushes the queue and closes the
// wrapped store.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}

func (a *Async) run() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := a.inner.Save(ctx, rec); err != nil {
			a.logger.Warn("failed to record exchange",
				observability.String("exchange_id", rec.ID),
				observability.Error(err),
			)
		}
		cancel()
	}
}
