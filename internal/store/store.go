package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Store types.
const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

// Default settings.
const (
	DefaultCapacity  = 1000
	DefaultQueueSize = 1024
	DefaultRedisKey  = "avaproxy:exchanges"
)

// ErrClosed is returned by a store that was closed.
var ErrClosed = errors.New("store closed")

// Record is the persisted view of an exchange.
type Record struct {
	ID          string        `json:"id"`
	Rule        string        `json:"rule,omitempty"`
	Method      string        `json:"method"`
	URI         string        `json:"uri"`
	Host        string        `json:"host,omitempty"`
	RemoteIP    string        `json:"remoteIp,omitempty"`
	RemoteHost  string        `json:"remoteHost,omitempty"`
	Destination string        `json:"destination,omitempty"`
	StatusCode  int           `json:"statusCode,omitempty"`
	State       string        `json:"state"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// NewRecord captures the current state of exc.
func NewRecord(exc *core.Exchange) Record {
	rec := Record{
		ID:         exc.ID,
		Rule:       exc.RuleName(),
		URI:        exc.OriginalURI,
		Host:       exc.OriginalHost,
		RemoteIP:   exc.RemoteIP,
		RemoteHost: exc.RemoteHost,
		StatusCode: exc.StatusCode(),
		State:      exc.Status().String(),
		ReceivedAt: exc.ReceivedAt,
		Duration:   exc.Duration(),
	}
	if exc.Request != nil {
		rec.Method = exc.Request.Method
	}
	if len(exc.Destinations) > 0 {
		rec.Destination = exc.Destinations[0]
	}
	if exc.Err != nil {
		rec.Error = exc.Err.Error()
	}
	return rec
}

// Store persists exchange records.
type Store interface {
	// Save inserts rec or replaces the record with the same ID.
	Save(ctx context.Context, rec Record) error
	// List returns up to limit records, newest first. A limit <= 0
	// returns every record.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Type      string
	Capacity  int
	Path      string
	Address   string
	Password  string
	DB        int
	Key       string
	QueueSize int
}

// New creates the store selected by cfg wrapped in an Async queue. A
// "none" or empty type yields a store that discards everything.
func New(cfg Config, logger observability.Logger, metrics *observability.Metrics) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	var (
		backend Store
		err     error
	)
	switch cfg.Type {
	case "", TypeNone:
		return Nop{}, nil
	case TypeMemory:
		backend = NewMemory(cfg.Capacity)
	case TypeSQLite:
		backend, err = NewSQLite(SQLiteConfig{Path: cfg.Path, Capacity: cfg.Capacity})
	case TypeRedis:
		backend, err = NewRedis(RedisConfig{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
			Key:      cfg.Key,
			Capacity: cfg.Capacity,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("exchange store initialized", observability.String("type", cfg.Type))
	return NewAsync(backend, cfg.QueueSize, WithLogger(logger), WithMetrics(metrics)), nil
}

// Nop discards records.
type Nop struct{}

// Save does nothing.
func (Nop) Save(context.Context, Record) error { return nil }

// List returns nothing.
func (Nop) List(context.Context, int) ([]Record, error) { return nil, nil }

// Close does nothing.
func (Nop) Close() error { return nil }
