package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/storage/memory"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// countingStore counts registry round trips.
type countingStore struct {
	*memory.Store
	single atomic.Int64
	bulk   atomic.Int64
}

func (s *countingStore) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	s.single.Add(1)
	return s.Store.ApplyTransition(ctx, t)
}

func (s *countingStore) ApplyTransitions(ctx context.Context, t store.BulkTransition) ([]pages.Key, error) {
	s.bulk.Add(1)
	return s.Store.ApplyTransitions(ctx, t)
}

func TestSweepFailsStalledInProgress(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := memory.NewStore(clk)
	reg := New(st, clk, nil)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, []pages.Key{key}, pages.Provenance{})
	require.NoError(t, err)
	_, err = reg.MarkStarted(ctx, key)
	require.NoError(t, err)

	sw := NewSweeper(reg, SweeperConfig{LivenessTimeout: 10 * time.Minute}, nil, nil)

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Failed, "entry is still fresh")

	clk.Advance(11 * time.Minute)
	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	entries, err := reg.Lookup(ctx, []pages.Key{key})
	require.NoError(t, err)
	require.Equal(t, pages.StatusFailed, entries[key].Status)
	require.Equal(t, LivenessReason, entries[key].FailureReason)
}

func TestSweepRedispatchesLostPending(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := memory.NewStore(clk)
	reg := New(st, clk, nil)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, []pages.Key{key}, pages.Provenance{ProjectID: 5})
	require.NoError(t, err)

	var got []pages.RegistryEntry
	sw := NewSweeper(reg, SweeperConfig{LivenessTimeout: time.Minute}, func(_ context.Context, es []pages.RegistryEntry) error {
		got = append(got, es...)
		return nil
	}, nil)

	clk.Advance(2 * time.Minute)
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Redispatched)
	require.Len(t, got, 1)
	require.Equal(t, pages.ProjectID(5), got[0].Origin.ProjectID)

	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Redispatched, "refreshed entries wait another timeout")

	entries, err := reg.Lookup(ctx, []pages.Key{key})
	require.NoError(t, err)
	require.Equal(t, pages.StatusPending, entries[key].Status)
}

func TestSweepTransitionsInBulk(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := &countingStore{Store: memory.NewStore(clk)}
	reg := New(st, clk, nil)
	ctx := context.Background()

	var stalled, queued []pages.Key
	for i := range 200 {
		stalled = append(stalled, pages.Key{URL: fmt.Sprintf("http://stalled.example/%d", i), Timestamp: "20200101000000"})
		queued = append(queued, pages.Key{URL: fmt.Sprintf("http://queued.example/%d", i), Timestamp: "20200101000000"})
	}
	_, _, err := reg.Register(ctx, append(slices.Clone(stalled), queued...), pages.Provenance{ProjectID: 1})
	require.NoError(t, err)
	for _, k := range stalled {
		_, err := reg.MarkStarted(ctx, k)
		require.NoError(t, err)
	}
	st.single.Store(0)

	var resent int
	sw := NewSweeper(reg, SweeperConfig{LivenessTimeout: time.Minute, BatchSize: 500}, func(_ context.Context, es []pages.RegistryEntry) error {
		resent += len(es)
		return nil
	}, nil)
	clk.Advance(time.Hour)

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, res.Failed)
	require.Equal(t, 200, res.Redispatched)
	require.Equal(t, 200, resent)
	require.Zero(t, st.single.Load())
	require.Equal(t, int64(2), st.bulk.Load())

	entries, err := reg.Lookup(ctx, []pages.Key{stalled[0], queued[0]})
	require.NoError(t, err)
	require.Equal(t, pages.StatusFailed, entries[stalled[0]].Status)
	require.Equal(t, clk.Now(), entries[queued[0]].UpdatedAt)
}

func TestSweepSurfacesRedispatchError(t *testing.T) {
	t.Parallel()

	clk := newClock()
	reg := New(memory.NewStore(clk), clk, nil)
	ctx := context.Background()
	_, _, err := reg.Register(ctx, []pages.Key{key}, pages.Provenance{})
	require.NoError(t, err)

	sw := NewSweeper(reg, SweeperConfig{LivenessTimeout: time.Minute}, func(context.Context, []pages.RegistryEntry) error {
		return errors.New("topic gone")
	}, nil)
	clk.Advance(time.Hour)
	_, err = sw.Sweep(ctx)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	reg := New(memory.NewStore(nil), nil, nil)
	sw := NewSweeper(reg, SweeperConfig{Interval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
