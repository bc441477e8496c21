// Package redis provides a cache backend shared across worker processes.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Backend stores cache entries in redis.
type Backend struct {
	client goredis.UniversalClient
}

// New connects a client from cfg.
func New(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache.redis.addr is required")
	}
	return NewWithClient(goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient) *Backend {
	return &Backend{client: client}
}

// GetMulti issues one MGET.
func (b *Backend) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// SetMulti pipelines one SET per item.
func (b *Backend) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, v := range items {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete issues one DEL.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
