// Package cache provides the advisory dedup and access caches. Every exported
// operation fails open: backend errors are logged and counted, reads degrade
// to misses, and writes are dropped. A cache miss never implies that a durable
// fact is absent.
package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/metrics"
)

// ErrUnavailable is returned by backends that cannot serve a request.
var ErrUnavailable = errors.New("cache unavailable")

// Backend is a byte-level key/value store with per-entry TTL.
type Backend interface {
	// GetMulti returns the values of the keys that are present.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetMulti stores all items with the same TTL.
	SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// Disabled is a Backend that is always unavailable. It exercises the same
// degraded path a crashed cache server would.
type Disabled struct{}

// GetMulti implements Backend.
func (Disabled) GetMulti(context.Context, []string) (map[string][]byte, error) {
	return nil, ErrUnavailable
}

// SetMulti implements Backend.
func (Disabled) SetMulti(context.Context, map[string][]byte, time.Duration) error {
	return ErrUnavailable
}

// Delete implements Backend.
func (Disabled) Delete(context.Context, ...string) error {
	return ErrUnavailable
}

const keyPrefix = "sharedpages:"

// failOpen wraps a Backend and swallows its errors.
type failOpen struct {
	backend Backend
	ttl     time.Duration
	space   string
	logger  *zap.Logger
}

func newFailOpen(backend Backend, ttl time.Duration, space string, logger *zap.Logger) failOpen {
	if backend == nil {
		backend = Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return failOpen{backend: backend, ttl: ttl, space: space, logger: logger.Named("cache").With(zap.String("space", space))}
}

func (f failOpen) get(ctx context.Context, keys []string) map[string][]byte {
	if len(keys) == 0 {
		return nil
	}
	values, err := f.backend.GetMulti(ctx, keys)
	if err != nil {
		f.fail("get", err)
		metrics.ObserveCacheLookup(f.space, 0, len(keys))
		return nil
	}
	metrics.ObserveCacheLookup(f.space, len(values), len(keys)-len(values))
	return values
}

func (f failOpen) set(ctx context.Context, items map[string][]byte) {
	if len(items) == 0 {
		return
	}
	if err := f.backend.SetMulti(ctx, items, f.ttl); err != nil {
		f.fail("set", err)
	}
}

func (f failOpen) del(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := f.backend.Delete(ctx, keys...); err != nil {
		f.fail("delete", err)
	}
}

func (f failOpen) fail(op string, err error) {
	metrics.ObserveCacheError(op)
	f.logger.Debug("cache operation failed; continuing without cache", zap.String("op", op), zap.Error(err))
}
