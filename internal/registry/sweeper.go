package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/logging"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
)

// LivenessReason is recorded on entries failed by the sweeper.
const LivenessReason = "liveness timeout"

// Redispatcher re-sends fetch requests for pending entries whose dispatch was lost.
type Redispatcher func(ctx context.Context, entries []pages.RegistryEntry) error

// SweeperConfig tunes the liveness sweeper.
type SweeperConfig struct {
	// LivenessTimeout is how long an entry may sit in pending or in_progress
	// without an update before the sweeper acts on it.
	LivenessTimeout time.Duration
	// Interval is the delay between sweeps in Run.
	Interval time.Duration
	// BatchSize caps the entries handled per status per sweep.
	BatchSize int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Failed       int
	Redispatched int
}

// Sweeper recovers registry entries whose fetcher disappeared. Stale
// in_progress entries are failed, which makes the next classification retry
// them; stale pending entries are handed to the dispatcher again.
type Sweeper struct {
	registry   *Registry
	cfg        SweeperConfig
	redispatch Redispatcher
	logger     *zap.Logger
}

// NewSweeper constructs a Sweeper. A nil redispatch skips pending entries.
func NewSweeper(reg *Registry, cfg SweeperConfig, redispatch Redispatcher, logger *zap.Logger) *Sweeper {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{registry: reg, cfg: cfg, redispatch: redispatch, logger: logger.Named("sweeper")}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.registry.clock.Now().Add(-s.cfg.LivenessTimeout)

	stuck, err := s.registry.store.StaleEntries(ctx, pages.StatusInProgress, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale in_progress: %w", err)
	}
	failed, err := s.registry.MarkFailedAll(ctx, entryKeys(stuck), LivenessReason)
	if err != nil {
		return res, err
	}
	res.Failed = len(failed)
	for _, k := range failed {
		s.logger.Info("failed stalled fetch", logging.Key(k))
	}
	metrics.ObserveSweep("failed", res.Failed)

	if s.redispatch == nil {
		return res, nil
	}
	lost, err := s.registry.store.StaleEntries(ctx, pages.StatusPending, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale pending: %w", err)
	}
	if len(lost) == 0 {
		return res, nil
	}
	if err := s.redispatch(ctx, lost); err != nil {
		return res, fmt.Errorf("redispatch pending: %w", err)
	}
	if _, err := s.registry.RefreshAll(ctx, entryKeys(lost)); err != nil {
		return res, err
	}
	res.Redispatched = len(lost)
	metrics.ObserveSweep("redispatched", res.Redispatched)
	return res, nil
}

func entryKeys(entries []pages.RegistryEntry) []pages.Key {
	keys := make([]pages.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("liveness_timeout", s.cfg.LivenessTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if res.Failed > 0 || res.Redispatched > 0 {
				s.logger.Info("sweep finished", zap.Int("failed", res.Failed), zap.Int("redispatched", res.Redispatched))
			}
		}
	}
}
