package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sharedpages/internal/cache"
	cachemem "github.com/JakeFAU/sharedpages/internal/cache/memory"
	"github.com/JakeFAU/sharedpages/internal/dispatch"
	dispmem "github.com/JakeFAU/sharedpages/internal/dispatch/memory"
	"github.com/JakeFAU/sharedpages/internal/linker"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/storage/memory"
	"github.com/JakeFAU/sharedpages/internal/store"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("req-%d", s.n.Add(1)), nil
}

type fixture struct {
	store  *memory.Store
	queue  *dispmem.Queue
	engine *Engine
}

func newFixture(t *testing.T, backend cache.Backend, regStore store.RegistryStore) *fixture {
	t.Helper()
	st := memory.NewStore(nil)
	if regStore == nil {
		regStore = st
	}
	pc := cache.NewPages(backend, time.Hour, nil)
	ac := cache.NewAccess(backend, time.Hour, nil)
	q := dispmem.NewQueue(10_000)
	reg := registry.New(regStore, nil, nil)
	lk := linker.New(st, st, pc, ac)
	return &fixture{
		store:  st,
		queue:  q,
		engine: New(st, reg, lk, pc, q, WithIDGenerator(&seqIDs{})),
	}
}

func rec(path, ts string) pages.Record {
	return pages.Record{URL: "http://example.com/" + path, Timestamp: ts, MimeType: "text/html"}
}

func key(t *testing.T, r pages.Record) pages.Key {
	t.Helper()
	k, err := r.Key()
	require.NoError(t, err)
	return k
}

// fetch plays the external fetcher for every queued request.
func (f *fixture) fetch(t *testing.T) map[pages.Key]pages.PageID {
	t.Helper()
	ctx := context.Background()
	out := make(map[pages.Key]pages.PageID)
	for _, req := range f.queue.Drain() {
		started, err := f.engine.OnFetchStarted(ctx, req.Key)
		require.NoError(t, err)
		require.True(t, started.Applied)
		page, _, err := f.store.CreatePage(ctx, pages.Page{Key: req.Key})
		require.NoError(t, err)
		done, err := f.engine.OnFetchCompleted(ctx, req.Key, page.ID)
		require.NoError(t, err)
		require.True(t, done.Applied)
		out[req.Key] = page.ID
	}
	return out
}

func projectPages(t *testing.T, st *memory.Store, project pages.ProjectID) []pages.PageID {
	t.Helper()
	ids, err := st.ProjectPageIDs(context.Background(), project)
	require.NoError(t, err)
	return ids
}

func TestClassifySecondProjectReusesStoredPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cachemem.NewBackend(nil), nil)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101"), rec("b", "20200102"), rec("c", "20200103")}

	first, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, DomainID: 11, UserID: 100, Records: records})
	require.NoError(t, err)
	require.Empty(t, first.Linked)
	require.Empty(t, first.Pending)
	require.Len(t, first.Scheduled, 3)
	require.Equal(t, 3, f.queue.Len())

	stored := f.fetch(t)
	require.Len(t, stored, 3)
	require.Len(t, projectPages(t, f.store, 1), 3, "the scheduling project is linked on completion")

	second, err := f.engine.Classify(ctx, ClassifyRequest{
		ProjectID: 2, DomainID: 22, UserID: 200,
		Records: append(records, rec("d", "20200104")),
	})
	require.NoError(t, err)
	require.Len(t, second.Linked, 3)
	for _, lp := range second.Linked {
		require.Equal(t, stored[lp.Key], lp.PageID)
	}
	require.Equal(t, []pages.Key{key(t, rec("d", "20200104"))}, second.Scheduled)
	require.Equal(t, 3, second.Stats.CacheHits)
	require.Equal(t, 3, second.Stats.NewLinks)
	require.Len(t, projectPages(t, f.store, 2), 3)

	// One page per capture regardless of how many projects reference it.
	for k, id := range stored {
		found, err := f.store.FindByKeys(ctx, []pages.Key{k})
		require.NoError(t, err)
		require.Equal(t, id, found[k])
	}
}

func TestClassifyPendingProjectIsLinkedOnCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cachemem.NewBackend(nil), nil)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101")}

	_, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 100, Records: records})
	require.NoError(t, err)

	res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 200, Records: records})
	require.NoError(t, err)
	require.Equal(t, []pages.Key{key(t, records[0])}, res.Pending)
	require.Empty(t, res.Scheduled)
	require.Equal(t, 1, f.queue.Len(), "no second fetch for an in-flight key")

	stored := f.fetch(t)
	id := stored[key(t, records[0])]
	require.Equal(t, []pages.PageID{id}, projectPages(t, f.store, 1))
	require.Equal(t, []pages.PageID{id}, projectPages(t, f.store, 2))

	waiters, err := f.store.Waiters(ctx, key(t, records[0]))
	require.NoError(t, err)
	require.Empty(t, waiters)
}

func TestClassifyLargeBatchWithKnownPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cachemem.NewBackend(nil), nil)
	ctx := context.Background()

	records := make([]pages.Record, 0, 500)
	for i := range 500 {
		records = append(records, rec(fmt.Sprintf("p/%d", i), "20210315120000"))
	}
	known := make(map[pages.Key]pages.PageID)
	for _, r := range records[:10] {
		page, created, err := f.store.CreatePage(ctx, pages.Page{Key: key(t, r)})
		require.NoError(t, err)
		require.True(t, created)
		known[page.Key] = page.ID
	}

	res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 7, DomainID: 1, UserID: 70, Records: records})
	require.NoError(t, err)
	require.Len(t, res.Linked, 10)
	require.Empty(t, res.Pending)
	require.Len(t, res.Scheduled, 490)
	require.Equal(t, Stats{
		Total: 500, Unique: 500, StoreHits: 10,
		Linked: 10, Scheduled: 490, NewLinks: 10,
	}, res.Stats)
	for _, lp := range res.Linked {
		require.Equal(t, known[lp.Key], lp.PageID)
	}
	require.Equal(t, 490, f.queue.Len())

	// Buckets come back sorted.
	for i := 1; i < len(res.Scheduled); i++ {
		require.Negative(t, res.Scheduled[i-1].Compare(res.Scheduled[i]))
	}

	// The store hits were backfilled into the cache.
	again, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 8, UserID: 80, Records: records[:10]})
	require.NoError(t, err)
	require.Equal(t, 10, again.Stats.CacheHits)
	require.Zero(t, again.Stats.StoreHits)
}

func TestClassifyCountsInvalidAndDuplicateRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	res, err := f.engine.Classify(context.Background(), ClassifyRequest{
		ProjectID: 1,
		UserID:    1,
		Records: []pages.Record{
			rec("a", "20200101000000"),
			{URL: "HTTP://Example.com:80/a#frag", Timestamp: "20200101"},
			{URL: "not a url", Timestamp: "20200101"},
			{URL: "http://example.com/b", Timestamp: "yesterday"},
			{URL: "", Timestamp: ""},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 5, res.Stats.Total)
	require.Equal(t, 3, res.Stats.Invalid)
	require.Equal(t, 1, res.Stats.Duplicates)
	require.Equal(t, 1, res.Stats.Unique)
	require.Len(t, res.Scheduled, 1)
}

func TestClassifyEmptyBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	res, err := f.engine.Classify(context.Background(), ClassifyRequest{ProjectID: 1})
	require.NoError(t, err)
	require.Empty(t, res.Linked)
	require.Empty(t, res.Pending)
	require.Empty(t, res.Scheduled)
	require.Zero(t, f.queue.Len())
}

func TestConcurrentClassifiersScheduleEachKeyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cachemem.NewBackend(nil), nil)
	records := make([]pages.Record, 0, 50)
	for i := range 50 {
		records = append(records, rec(fmt.Sprintf("c/%d", i), "20220101"))
	}

	var (
		mu        sync.Mutex
		scheduled = make(map[pages.Key]int)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for p := 1; p <= 8; p++ {
		project := pages.ProjectID(p)
		g.Go(func() error {
			res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: project, UserID: pages.UserID(p), Records: records})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range res.Scheduled {
				scheduled[k]++
			}
			if len(res.Linked)+len(res.Pending)+len(res.Scheduled) != len(records) {
				return errors.New("buckets do not cover the batch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, scheduled, 50)
	for k, n := range scheduled {
		require.Equal(t, 1, n, "key %s scheduled %d times", k, n)
	}
	require.Equal(t, 50, f.queue.Len())

	f.fetch(t)
	for p := 1; p <= 8; p++ {
		require.Len(t, projectPages(t, f.store, pages.ProjectID(p)), 50)
	}
}

// The same sequence must classify identically with and without a cache.
func TestCacheTransparency(t *testing.T) {
	t.Parallel()

	run := func(backend cache.Backend) []Result {
		f := newFixture(t, backend, nil)
		ctx := context.Background()
		batchA := []pages.Record{rec("a", "2020"), rec("b", "2020"), rec("c", "2020")}
		batchB := []pages.Record{rec("b", "2020"), rec("c", "2020"), rec("d", "2020")}

		var out []Result
		res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: batchA})
		require.NoError(t, err)
		out = append(out, res)
		res, err = f.engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 2, Records: batchB})
		require.NoError(t, err)
		out = append(out, res)
		f.fetch(t)
		res, err = f.engine.Classify(ctx, ClassifyRequest{ProjectID: 3, UserID: 3, Records: append(batchA, batchB...)})
		require.NoError(t, err)
		out = append(out, res)
		for i := range out {
			out[i].Stats.CacheHits, out[i].Stats.StoreHits = 0, 0
		}
		return out
	}

	require.Equal(t, run(cache.Disabled{}), run(cachemem.NewBackend(nil)))
	require.Equal(t, run(cache.Disabled{}), run(failingBackend{}))
}

type failingBackend struct{}

func (failingBackend) GetMulti(context.Context, []string) (map[string][]byte, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (failingBackend) SetMulti(context.Context, map[string][]byte, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func (failingBackend) Delete(context.Context, ...string) error {
	return errors.New("dial tcp: connection refused")
}

func TestFailedEntryIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	records := []pages.Record{rec("flaky", "20200101")}
	k := key(t, records[0])

	_, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)
	f.queue.Drain()

	_, err = f.engine.MarkFailed(ctx, k, "upstream 503")
	require.NoError(t, err)
	entries, err := f.store.LookupEntries(ctx, []pages.Key{k})
	require.NoError(t, err)
	require.Equal(t, pages.StatusFailed, entries[k].Status)
	require.Equal(t, "upstream 503", entries[k].FailureReason)

	res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 2, Records: records})
	require.NoError(t, err)
	require.Equal(t, []pages.Key{k}, res.Scheduled)
	require.Equal(t, 1, res.Stats.Retried)
	require.Equal(t, 1, f.queue.Len())

	stored := f.fetch(t)
	require.Equal(t, []pages.PageID{stored[k]}, projectPages(t, f.store, 1), "waiters survive a failure")
	require.Equal(t, []pages.PageID{stored[k]}, projectPages(t, f.store, 2))
}

func TestDispatchFailureLeavesEntriesPending(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(nil)
	reg := registry.New(st, nil, nil)
	boom := errors.New("topic not found")
	var calls int
	failing := dispatch.Func(func(context.Context, []pages.FetchRequest) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	})
	engine := New(st, reg, linker.New(st, st, nil, nil), nil, failing)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101")}
	k := key(t, records[0])

	res, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.ErrorIs(t, err, ErrDispatch)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []pages.Key{k}, res.Scheduled)

	entries, err := st.LookupEntries(ctx, []pages.Key{k})
	require.NoError(t, err)
	require.Equal(t, pages.StatusPending, entries[k].Status)

	require.NoError(t, engine.Redispatch(ctx, []pages.RegistryEntry{entries[k]}))
	require.Equal(t, 2, calls)
}

func TestDuplicateCompletionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101")}
	k := key(t, records[0])

	_, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)
	stored := f.fetch(t)

	again, err := f.engine.OnFetchCompleted(ctx, k, stored[k])
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, pages.StatusCompleted, again.Current)
	require.Equal(t, []pages.PageID{stored[k]}, projectPages(t, f.store, 1))

	other, err := f.engine.OnFetchCompleted(ctx, k, stored[k]+100)
	require.NoError(t, err)
	require.False(t, other.Applied)
	require.Equal(t, stored[k], other.Entry.PageID, "a completed entry keeps its page")
}

func TestMarkCompleteFromPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101")}
	k := key(t, records[0])

	_, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 5, UserID: 50, Records: records})
	require.NoError(t, err)
	page, _, err := f.store.CreatePage(ctx, pages.Page{Key: k})
	require.NoError(t, err)

	res, err := f.engine.MarkComplete(ctx, k, page.ID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, 1, res.Entry.Attempts)
	require.Equal(t, []pages.PageID{page.ID}, projectPages(t, f.store, 5))
}

func TestStartedCallbackForUnknownKeyIsStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	res, err := f.engine.OnFetchStarted(context.Background(), pages.Key{URL: "http://nowhere.example/", Timestamp: "20200101000000"})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Empty(t, res.Current)
}

// completingStore finishes a fetch right before the first waiter insert, the
// window in which a completion callback can miss a new waiter.
type completingStore struct {
	*memory.Store
	once     sync.Once
	complete func()
}

func (s *completingStore) AddWaiters(ctx context.Context, waiters []pages.Waiter) error {
	for _, w := range waiters {
		if w.ProjectID == 2 {
			s.once.Do(s.complete)
		}
	}
	return s.Store.AddWaiters(ctx, waiters)
}

func TestCompletionBetweenLookupAndWaiterInsert(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(nil)
	cs := &completingStore{Store: st}
	reg := registry.New(cs, nil, nil)
	q := dispmem.NewQueue(10)
	engine := New(st, reg, linker.New(st, st, nil, nil), nil, q)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101")}
	k := key(t, records[0])

	var pageID pages.PageID
	cs.complete = func() {
		page, _, err := st.CreatePage(ctx, pages.Page{Key: k})
		if err != nil {
			panic(err)
		}
		pageID = page.ID
		if _, err := engine.MarkComplete(ctx, k, page.ID); err != nil {
			panic(err)
		}
	}

	_, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)

	res, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 2, Records: records})
	require.NoError(t, err)
	require.Empty(t, res.Pending)
	require.Equal(t, []LinkedPage{{Key: k, PageID: pageID}}, res.Linked)
	require.Equal(t, []pages.PageID{pageID}, projectPages(t, st, 2))
}

// countingStore counts registry round trips.
type countingStore struct {
	*memory.Store
	lookups atomic.Int64
	single  atomic.Int64
	bulk    atomic.Int64
}

func (s *countingStore) LookupEntries(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.RegistryEntry, error) {
	s.lookups.Add(1)
	return s.Store.LookupEntries(ctx, keys)
}

func (s *countingStore) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	s.single.Add(1)
	return s.Store.ApplyTransition(ctx, t)
}

func (s *countingStore) ApplyTransitions(ctx context.Context, t store.BulkTransition) ([]pages.Key, error) {
	s.bulk.Add(1)
	return s.Store.ApplyTransitions(ctx, t)
}

func TestFailedEntriesAreRetriedInBulk(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(nil)
	cs := &countingStore{Store: st}
	q := dispmem.NewQueue(1000)
	engine := New(st, registry.New(cs, nil, nil), linker.New(st, st, nil, nil), nil, q)
	ctx := context.Background()

	records := make([]pages.Record, 200)
	keys := make([]pages.Key, 200)
	for i := range records {
		records[i] = rec(fmt.Sprintf("p%d", i), "20200101")
		keys[i] = key(t, records[i])
	}
	_, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)
	q.Drain()
	_, err = st.ApplyTransitions(ctx, store.BulkTransition{Keys: keys, From: pages.StatusPending, To: pages.StatusInProgress})
	require.NoError(t, err)
	_, err = st.ApplyTransitions(ctx, store.BulkTransition{Keys: keys, From: pages.StatusInProgress, To: pages.StatusFailed})
	require.NoError(t, err)
	cs.lookups.Store(0)
	cs.single.Store(0)
	cs.bulk.Store(0)

	res, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 2, Records: records})
	require.NoError(t, err)
	require.Len(t, res.Scheduled, 200)
	require.Equal(t, 200, res.Stats.Retried)
	require.Equal(t, 200, q.Len())
	require.Zero(t, cs.single.Load())
	require.Equal(t, int64(1), cs.bulk.Load())
	require.Equal(t, int64(1), cs.lookups.Load())
}

// rivalStore lets another classifier claim every key right before the
// insert and give up on the fetch before the loser re-reads the registry.
type rivalStore struct {
	*memory.Store
	once sync.Once
}

func (s *rivalStore) InsertIfAbsent(ctx context.Context, entries []pages.RegistryEntry) ([]pages.Key, error) {
	s.once.Do(func() {
		keys := make([]pages.Key, len(entries))
		claimed := make([]pages.RegistryEntry, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
			claimed[i] = pages.RegistryEntry{Key: e.Key, Status: pages.StatusInProgress, Origin: pages.Provenance{ProjectID: 9}}
		}
		if _, err := s.Store.InsertIfAbsent(ctx, claimed); err != nil {
			panic(err)
		}
		if _, err := s.Store.ApplyTransitions(ctx, store.BulkTransition{
			Keys: keys, From: pages.StatusInProgress, To: pages.StatusFailed, Reason: "upstream 503",
		}); err != nil {
			panic(err)
		}
	})
	return s.Store.InsertIfAbsent(ctx, entries)
}

func TestLostRaceOnFailedEntryIsRetried(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(nil)
	q := dispmem.NewQueue(10)
	engine := New(st, registry.New(&rivalStore{Store: st}, nil, nil), linker.New(st, st, nil, nil), nil, q)
	ctx := context.Background()
	records := []pages.Record{rec("a", "20200101000000")}
	k := key(t, records[0])

	res, err := engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)
	require.Empty(t, res.Pending)
	require.Equal(t, []pages.Key{k}, res.Scheduled)
	require.Equal(t, 1, res.Stats.RaceLost)
	require.Equal(t, 1, res.Stats.Retried)
	require.Equal(t, 1, q.Len())

	entries, err := st.LookupEntries(ctx, []pages.Key{k})
	require.NoError(t, err)
	require.Equal(t, pages.StatusPending, entries[k].Status)
}

func TestLateCompletionAfterSweepLinksWaiters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cachemem.NewBackend(nil), nil)
	ctx := context.Background()
	records := []pages.Record{rec("slow", "20200101")}
	other := rec("other", "20200101")
	k := key(t, records[0])

	_, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 1, UserID: 1, Records: records})
	require.NoError(t, err)
	f.queue.Drain()
	_, err = f.engine.OnFetchStarted(ctx, k)
	require.NoError(t, err)
	res, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 2, UserID: 2, Records: records})
	require.NoError(t, err)
	require.Equal(t, []pages.Key{k}, res.Pending)

	_, err = f.engine.OnFetchFailed(ctx, k, registry.LivenessReason)
	require.NoError(t, err)

	wrong, _, err := f.store.CreatePage(ctx, pages.Page{Key: key(t, other)})
	require.NoError(t, err)
	tr, err := f.engine.OnFetchCompleted(ctx, k, wrong.ID)
	require.NoError(t, err)
	require.False(t, tr.Applied)
	require.Empty(t, projectPages(t, f.store, 1), "a page stored under another key is not linked")

	page, _, err := f.store.CreatePage(ctx, pages.Page{Key: k})
	require.NoError(t, err)
	tr, err = f.engine.OnFetchCompleted(ctx, k, page.ID)
	require.NoError(t, err)
	require.False(t, tr.Applied)
	require.Equal(t, pages.StatusFailed, tr.Current)
	require.Equal(t, []pages.PageID{page.ID}, projectPages(t, f.store, 1))
	require.Equal(t, []pages.PageID{page.ID}, projectPages(t, f.store, 2))

	again, err := f.engine.Classify(ctx, ClassifyRequest{ProjectID: 3, UserID: 3, Records: records})
	require.NoError(t, err)
	require.Equal(t, []LinkedPage{{Key: k, PageID: page.ID}}, again.Linked)
	require.Empty(t, again.Scheduled)
}
