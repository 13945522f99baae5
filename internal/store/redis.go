package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Key prefixes the index and record keys.
	Key string
	// Capacity bounds the number of records kept; 0 keeps everything.
	Capacity int
	// DialTimeout bounds connecting to Redis.
	// Default: 5 seconds
	DialTimeout time.Duration
}

// Redis stores records as JSON in a hash, ordered by a sorted-set index
// scored by receipt time.
type Redis struct {
	client   *redis.Client
	index    string
	records  string
	capacity int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis store: address cannot be empty")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: failed to connect to %s: %w", cfg.Address, err)
	}

	return NewRedisFromClient(client, cfg.Key, cfg.Capacity), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, key string, capacity int) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{
		client:   client,
		index:    key + ":index",
		records:  key + ":records",
		capacity: capacity,
	}
}

// Save inserts or replaces rec. The index entry of an existing record is
// left untouched so replacement keeps its position.
func (r *Redis) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis store: failed to encode %s: %w", rec.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.records, rec.ID, data)
		pipe.ZAddNX(ctx, r.index, redis.Z{
			Score:  float64(rec.ReceivedAt.UnixMicro()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: failed to save %s: %w", rec.ID, err)
	}

	if r.capacity > 0 {
		return r.trim(ctx)
	}
	return nil
}

func (r *Redis) trim(ctx context.Context) error {
	n, err := r.client.ZCard(ctx, r.index).Result()
	if err != nil {
		return fmt.Errorf("redis store: failed to count: %w", err)
	}
	excess := n - int64(r.capacity)
	if excess <= 0 {
		return nil
	}

	ids, err := r.client.ZRange(ctx, r.index, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("redis store: failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.index, members...)
		pipe.HDel(ctx, r.records, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: failed to trim: %w", err)
	}
	return nil
}

// List returns records newest first.
func (r *Redis) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.records, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: failed to read records: %w", err)
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("redis store: failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
