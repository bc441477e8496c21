// Package registry implements the fetch registry state machine. The registry
// is the only coordination point between concurrent classifiers: ownership of
// a fetch is decided by insert-if-absent on the (url, timestamp) key, and
// every later change is a conditional transition on the expected state.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/clock/system"
	"github.com/JakeFAU/sharedpages/internal/logging"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// ErrInvalidTransition reports a transition that is not in the state table.
var ErrInvalidTransition = errors.New("invalid registry transition")

// Result describes the outcome of a transition. Applied is false when the
// entry was not in the expected state; Current then holds the observed state
// ("" when the key is not registered).
type Result struct {
	Applied bool
	Current pages.FetchStatus
	Entry   pages.RegistryEntry
}

// Registry coordinates fetch ownership over a store.RegistryStore.
type Registry struct {
	store  store.RegistryStore
	clock  pages.Clock
	logger *zap.Logger
}

// New constructs a Registry. Nil clock and logger fall back to defaults.
func New(st store.RegistryStore, clock pages.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, clock: clock, logger: logger.Named("registry")}
}

// Lookup returns the entries of the registered keys.
func (r *Registry) Lookup(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.RegistryEntry, error) {
	entries, err := r.store.LookupEntries(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}
	return entries, nil
}

// Register inserts pending entries for keys that are not yet registered. Won
// keys are owned by the caller, which must schedule their fetch; lost keys were
// registered by someone else first.
func (r *Registry) Register(
	ctx context.Context,
	keys []pages.Key,
	origin pages.Provenance,
) (won, lost []pages.Key, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	entries := make([]pages.RegistryEntry, len(keys))
	for i, k := range keys {
		entries[i] = pages.RegistryEntry{Key: k, Status: pages.StatusPending, Origin: origin}
	}
	inserted, err := r.store.InsertIfAbsent(ctx, entries)
	if err != nil {
		return nil, nil, fmt.Errorf("registry register: %w", err)
	}
	insertedSet := make(map[pages.Key]struct{}, len(inserted))
	for _, k := range inserted {
		insertedSet[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := insertedSet[k]; ok {
			won = append(won, k)
		} else {
			lost = append(lost, k)
		}
	}
	return won, lost, nil
}

// MarkStarted moves key from pending to in_progress.
func (r *Registry) MarkStarted(ctx context.Context, key pages.Key) (Result, error) {
	return r.transition(ctx, store.Transition{Key: key, From: pages.StatusPending, To: pages.StatusInProgress})
}

// MarkCompleted moves key from in_progress to completed and attaches pageID.
func (r *Registry) MarkCompleted(ctx context.Context, key pages.Key, pageID pages.PageID) (Result, error) {
	if pageID <= 0 {
		return Result{}, fmt.Errorf("%w: completed entries need a page id", ErrInvalidTransition)
	}
	return r.transition(ctx, store.Transition{
		Key: key, From: pages.StatusInProgress, To: pages.StatusCompleted, PageID: pageID,
	})
}

// MarkFailed moves key from in_progress to failed.
func (r *Registry) MarkFailed(ctx context.Context, key pages.Key, reason string) (Result, error) {
	return r.transition(ctx, store.Transition{
		Key: key, From: pages.StatusInProgress, To: pages.StatusFailed, Reason: reason,
	})
}

// Retry moves key from failed back to pending.
func (r *Registry) Retry(ctx context.Context, key pages.Key) (Result, error) {
	return r.transition(ctx, store.Transition{Key: key, From: pages.StatusFailed, To: pages.StatusPending})
}

// RetryAll moves every failed key back to pending in one store call and
// returns the keys this call moved. Keys another caller retried first, or
// that are no longer failed, are left out.
func (r *Registry) RetryAll(ctx context.Context, keys []pages.Key) ([]pages.Key, error) {
	return r.bulk(ctx, store.BulkTransition{Keys: keys, From: pages.StatusFailed, To: pages.StatusPending})
}

// MarkFailedAll moves every in_progress key to failed in one store call.
func (r *Registry) MarkFailedAll(ctx context.Context, keys []pages.Key, reason string) ([]pages.Key, error) {
	return r.bulk(ctx, store.BulkTransition{
		Keys: keys, From: pages.StatusInProgress, To: pages.StatusFailed, Reason: reason,
	})
}

// RefreshAll bumps the update time of pending entries without changing
// their state, so the sweeper does not resend them again right away.
func (r *Registry) RefreshAll(ctx context.Context, keys []pages.Key) ([]pages.Key, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	refreshed, err := r.store.ApplyTransitions(ctx, store.BulkTransition{
		Keys: keys, From: pages.StatusPending, To: pages.StatusPending, At: r.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("registry refresh: %w", err)
	}
	return refreshed, nil
}

func (r *Registry) bulk(ctx context.Context, t store.BulkTransition) ([]pages.Key, error) {
	if !pages.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if len(t.Keys) == 0 {
		return nil, nil
	}
	t.At = r.clock.Now()
	applied, err := r.store.ApplyTransitions(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("registry transition: %w", err)
	}
	metrics.ObserveTransitions(string(t.To), len(applied), len(t.Keys)-len(applied))
	if skipped := len(t.Keys) - len(applied); skipped > 0 {
		r.logger.Debug("stale registry transitions ignored",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.Int("skipped", skipped),
		)
	}
	return applied, nil
}

func (r *Registry) transition(ctx context.Context, t store.Transition) (Result, error) {
	if !pages.CanTransition(t.From, t.To) {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	t.At = r.clock.Now()
	applied, err := r.store.ApplyTransition(ctx, t)
	if err != nil {
		return Result{}, fmt.Errorf("registry transition: %w", err)
	}
	metrics.ObserveTransition(string(t.To), applied)

	entries, err := r.store.LookupEntries(ctx, []pages.Key{t.Key})
	if err != nil {
		return Result{Applied: applied}, fmt.Errorf("registry reload: %w", err)
	}
	entry, found := entries[t.Key]
	res := Result{Applied: applied, Current: entry.Status, Entry: entry}
	if !applied {
		fields := []zap.Field{
			logging.Key(t.Key),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("observed", string(entry.Status)),
		}
		if !found {
			fields = append(fields, zap.Bool("registered", false))
		}
		r.logger.Warn("stale registry transition ignored", fields...)
	}
	return res, nil
}

// AddWaiters records that project is waiting on each key.
func (r *Registry) AddWaiters(ctx context.Context, keys []pages.Key, who pages.Provenance) error {
	if len(keys) == 0 {
		return nil
	}
	waiters := make([]pages.Waiter, len(keys))
	for i, k := range keys {
		waiters[i] = pages.Waiter{Key: k, Provenance: who}
	}
	if err := r.store.AddWaiters(ctx, waiters); err != nil {
		return fmt.Errorf("registry add waiters: %w", err)
	}
	return nil
}

// Waiters lists projects waiting on key.
func (r *Registry) Waiters(ctx context.Context, key pages.Key) ([]pages.Waiter, error) {
	ws, err := r.store.Waiters(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry waiters: %w", err)
	}
	return ws, nil
}

// ClearWaiters drops the waiters of key once they have been linked.
func (r *Registry) ClearWaiters(ctx context.Context, key pages.Key) error {
	if err := r.store.ClearWaiters(ctx, key); err != nil {
		return fmt.Errorf("registry clear waiters: %w", err)
	}
	return nil
}
