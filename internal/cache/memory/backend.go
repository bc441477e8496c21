// Package memory provides a process-local cache backend with TTL expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/clock/system"
	"github.com/JakeFAU/sharedpages/internal/pages"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Backend stores cache entries in a map guarded by a RWMutex.
type Backend struct {
	mu      sync.RWMutex
	clock   pages.Clock
	entries map[string]entry
}

// NewBackend constructs a Backend. A nil clock uses the system clock.
func NewBackend(clock pages.Clock) *Backend {
	if clock == nil {
		clock = system.New()
	}
	return &Backend{clock: clock, entries: make(map[string]entry)}
}

// GetMulti returns unexpired values. Expired entries it comes across are
// dropped.
func (b *Backend) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		e, ok := b.entries[k]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(b.entries, k)
			continue
		}
		out[k] = append([]byte(nil), e.value...)
	}
	return out, nil
}

// SetMulti stores items. A non-positive ttl never expires.
func (b *Backend) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = b.clock.Now().Add(ttl)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range items {
		b.entries[k] = entry{value: append([]byte(nil), v...), expiresAt: expiresAt}
	}
	return nil
}

// Delete removes keys.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.entries, k)
	}
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (b *Backend) Purge() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports how many entries are held, expired or not.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Run purges expired entries every interval until ctx is done.
func (b *Backend) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Purge(); n > 0 {
				logger.Debug("purged expired cache entries", zap.Int("removed", n), zap.Int("remaining", b.Len()))
			}
		}
	}
}
