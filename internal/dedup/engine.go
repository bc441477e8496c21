package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/cache"
	"github.com/JakeFAU/sharedpages/internal/clock/system"
	"github.com/JakeFAU/sharedpages/internal/dispatch"
	"github.com/JakeFAU/sharedpages/internal/id/uuid"
	"github.com/JakeFAU/sharedpages/internal/linker"
	"github.com/JakeFAU/sharedpages/internal/logging"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// ErrDispatch wraps failures to hand scheduled fetches to the dispatcher. The
// classification itself succeeded and its Result is returned alongside.
var ErrDispatch = errors.New("fetch dispatch failed")

// Engine classifies records and fans out the outcome.
type Engine struct {
	pages      store.PageStore
	registry   *registry.Registry
	linker     *linker.Linker
	cache      *cache.Pages
	dispatcher dispatch.Dispatcher
	ids        pages.IDGenerator
	clock      pages.Clock
	logger     *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp fetch requests.
func WithClock(clock pages.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator sets the fetch request id source.
func WithIDGenerator(ids pages.IDGenerator) Option {
	return func(e *Engine) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// New constructs an Engine. A nil cache disables caching and a nil dispatcher
// discards fetch requests.
func New(
	pageStore store.PageStore,
	reg *registry.Registry,
	lk *linker.Linker,
	pageCache *cache.Pages,
	dispatcher dispatch.Dispatcher,
	opts ...Option,
) *Engine {
	e := &Engine{
		pages:      pageStore,
		registry:   reg,
		linker:     lk,
		cache:      pageCache,
		dispatcher: dispatcher,
		ids:        uuid.NewUUIDGenerator(),
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.NewPages(nil, 0, e.logger)
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.Noop{}
	}
	e.logger = e.logger.Named("dedup")
	return e
}

// batch accumulates the classification of one request.
type batch struct {
	records   map[pages.Key]pages.Record
	keys      []pages.Key
	linked    map[pages.Key]pages.PageID
	pending   map[pages.Key]struct{}
	scheduled map[pages.Key]struct{}
	stats     Stats
}

func (b *batch) place(k pages.Key, entry pages.RegistryEntry) {
	if entry.Status == pages.StatusCompleted && entry.PageID > 0 {
		b.linked[k] = entry.PageID
		return
	}
	b.pending[k] = struct{}{}
}

func sortedKeys(set map[pages.Key]struct{}) []pages.Key {
	out := make([]pages.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	pages.SortKeys(out)
	return out
}

// Classify resolves every record of req to exactly one of linked, pending
// or scheduled, links the linked pages to the project, records the project
// as a waiter on pending and scheduled keys, and dispatches the scheduled
// fetches. Only store failures and dispatch failures are errors.
func (e *Engine) Classify(ctx context.Context, req ClassifyRequest) (Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveClassifyDuration(time.Since(start)) }()

	who := req.provenance()
	b := e.normalize(req)

	if err := e.resolveStored(ctx, b); err != nil {
		return Result{}, err
	}
	if err := e.resolveRegistry(ctx, b, who); err != nil {
		return Result{}, err
	}

	waiting := make([]pages.Key, 0, len(b.pending)+len(b.scheduled))
	waiting = append(waiting, sortedKeys(b.pending)...)
	waiting = append(waiting, sortedKeys(b.scheduled)...)
	if err := e.registry.AddWaiters(ctx, waiting, who); err != nil {
		return Result{}, err
	}
	if err := e.recheckPending(ctx, b); err != nil {
		return Result{}, err
	}

	if len(b.linked) > 0 {
		links := make([]pages.Link, 0, len(b.linked))
		for _, k := range b.keys {
			if id, ok := b.linked[k]; ok {
				links = append(links, pages.Link{
					PageID:    id,
					ProjectID: req.ProjectID,
					DomainID:  req.DomainID,
					UserID:    req.UserID,
				})
			}
		}
		n, err := e.linker.Link(ctx, links)
		if err != nil {
			return Result{}, err
		}
		b.stats.NewLinks = n
	}

	res := e.result(b)
	e.logger.Info("classified records",
		zap.Int64("project_id", int64(req.ProjectID)),
		zap.Int64("domain_id", int64(req.DomainID)),
		zap.Int("total", res.Stats.Total),
		zap.Int("linked", res.Stats.Linked),
		zap.Int("pending", res.Stats.Pending),
		zap.Int("scheduled", res.Stats.Scheduled),
	)

	if err := e.dispatch(ctx, res.Scheduled, b.records, who); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) normalize(req ClassifyRequest) *batch {
	b := &batch{
		records:   make(map[pages.Key]pages.Record, len(req.Records)),
		keys:      make([]pages.Key, 0, len(req.Records)),
		linked:    make(map[pages.Key]pages.PageID),
		pending:   make(map[pages.Key]struct{}),
		scheduled: make(map[pages.Key]struct{}),
	}
	b.stats.Total = len(req.Records)
	for _, rec := range req.Records {
		key, err := rec.Key()
		if err != nil {
			b.stats.Invalid++
			e.logger.Debug("dropping invalid record",
				zap.String("url", rec.URL),
				zap.String("timestamp", rec.Timestamp),
				zap.Error(err),
			)
			continue
		}
		if _, dup := b.records[key]; dup {
			b.stats.Duplicates++
			continue
		}
		rec.URL, rec.Timestamp = key.URL, key.Timestamp
		b.records[key] = rec
		b.keys = append(b.keys, key)
	}
	b.stats.Unique = len(b.keys)
	return b
}

// resolveStored consults the cache, then the page store for the misses, and
// backfills the cache with what the store knew.
func (e *Engine) resolveStored(ctx context.Context, b *batch) error {
	if len(b.keys) == 0 {
		return nil
	}
	for k, id := range e.cache.BulkExists(ctx, b.keys) {
		b.linked[k] = id
	}
	b.stats.CacheHits = len(b.linked)

	misses := make([]pages.Key, 0, len(b.keys)-len(b.linked))
	for _, k := range b.keys {
		if _, ok := b.linked[k]; !ok {
			misses = append(misses, k)
		}
	}
	if len(misses) == 0 {
		return nil
	}
	stored, err := e.pages.FindByKeys(ctx, misses)
	if err != nil {
		return fmt.Errorf("find stored pages: %w", err)
	}
	for k, id := range stored {
		b.linked[k] = id
	}
	b.stats.StoreHits = len(stored)
	if len(stored) > 0 {
		e.cache.SetMany(ctx, stored)
	}
	return nil
}

// resolveRegistry decides the keys that are not stored yet. Unregistered keys
// are claimed, failed entries are retried, and keys claimed concurrently by
// someone else follow the winner's state. Failed entries found by either
// lookup share one bulk retry.
func (e *Engine) resolveRegistry(ctx context.Context, b *batch, who pages.Provenance) error {
	unresolved := make([]pages.Key, 0, len(b.keys)-len(b.linked))
	for _, k := range b.keys {
		if _, ok := b.linked[k]; !ok {
			unresolved = append(unresolved, k)
		}
	}
	if len(unresolved) == 0 {
		return nil
	}

	entries, err := e.registry.Lookup(ctx, unresolved)
	if err != nil {
		return err
	}
	var absent, failed []pages.Key
	for _, k := range unresolved {
		entry, ok := entries[k]
		switch {
		case !ok:
			absent = append(absent, k)
		case entry.Status == pages.StatusFailed:
			failed = append(failed, k)
		default:
			b.place(k, entry)
		}
	}

	won, lost, err := e.registry.Register(ctx, absent, who)
	if err != nil {
		return err
	}
	for _, k := range won {
		b.scheduled[k] = struct{}{}
	}
	if len(lost) > 0 {
		b.stats.RaceLost = len(lost)
		winners, err := e.registry.Lookup(ctx, lost)
		if err != nil {
			return err
		}
		for _, k := range lost {
			if winners[k].Status == pages.StatusFailed {
				failed = append(failed, k)
				continue
			}
			b.place(k, winners[k])
		}
	}
	return e.retryFailed(ctx, b, failed)
}

// retryFailed moves failed entries back to pending and schedules the ones
// this call moved. The rest were retried or completed by someone else and
// follow their current state.
func (e *Engine) retryFailed(ctx context.Context, b *batch, failed []pages.Key) error {
	if len(failed) == 0 {
		return nil
	}
	retried, err := e.registry.RetryAll(ctx, failed)
	if err != nil {
		return err
	}
	mine := make(map[pages.Key]struct{}, len(retried))
	for _, k := range retried {
		mine[k] = struct{}{}
		b.scheduled[k] = struct{}{}
	}
	b.stats.Retried += len(retried)
	if len(retried) == len(failed) {
		return nil
	}

	others := make([]pages.Key, 0, len(failed)-len(retried))
	for _, k := range failed {
		if _, ok := mine[k]; !ok {
			others = append(others, k)
		}
	}
	current, err := e.registry.Lookup(ctx, others)
	if err != nil {
		return err
	}
	for _, k := range others {
		b.place(k, current[k])
	}
	return nil
}

// recheckPending catches fetches that completed between the registry lookup
// and the waiter insert; their completion callback may already have run and
// missed this project.
func (e *Engine) recheckPending(ctx context.Context, b *batch) error {
	if len(b.pending) == 0 {
		return nil
	}
	entries, err := e.registry.Lookup(ctx, sortedKeys(b.pending))
	if err != nil {
		return err
	}
	for k, entry := range entries {
		if entry.Status == pages.StatusCompleted && entry.PageID > 0 {
			delete(b.pending, k)
			b.linked[k] = entry.PageID
		}
	}
	return nil
}

func (e *Engine) result(b *batch) Result {
	res := Result{
		Linked:    make([]LinkedPage, 0, len(b.linked)),
		Pending:   sortedKeys(b.pending),
		Scheduled: sortedKeys(b.scheduled),
		Stats:     b.stats,
	}
	linkedKeys := make([]pages.Key, 0, len(b.linked))
	for k := range b.linked {
		linkedKeys = append(linkedKeys, k)
	}
	pages.SortKeys(linkedKeys)
	for _, k := range linkedKeys {
		res.Linked = append(res.Linked, LinkedPage{Key: k, PageID: b.linked[k]})
	}
	res.Stats.Linked = len(res.Linked)
	res.Stats.Pending = len(res.Pending)
	res.Stats.Scheduled = len(res.Scheduled)

	metrics.ObserveClassified("linked", res.Stats.Linked)
	metrics.ObserveClassified("pending", res.Stats.Pending)
	metrics.ObserveClassified("scheduled", res.Stats.Scheduled)
	metrics.ObserveClassified("invalid", res.Stats.Invalid)
	metrics.ObserveClassified("duplicate", res.Stats.Duplicates)
	return res
}

func (e *Engine) dispatch(
	ctx context.Context,
	keys []pages.Key,
	records map[pages.Key]pages.Record,
	who pages.Provenance,
) error {
	if len(keys) == 0 {
		return nil
	}
	now := e.clock.Now()
	reqs := make([]pages.FetchRequest, 0, len(keys))
	for _, k := range keys {
		id, err := e.ids.NewID()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDispatch, err)
		}
		reqs = append(reqs, pages.FetchRequest{
			ID:          id,
			Key:         k,
			Record:      records[k],
			Origin:      who,
			RequestedAt: now,
		})
	}
	if err := e.dispatcher.Dispatch(ctx, reqs); err != nil {
		e.logger.Error("dispatch failed; entries stay pending until the sweeper resends them",
			zap.Int("requests", len(reqs)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

// Redispatch resends fetch requests for pending entries. It is the sweeper's
// registry.Redispatcher.
func (e *Engine) Redispatch(ctx context.Context, entries []pages.RegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := e.clock.Now()
	reqs := make([]pages.FetchRequest, 0, len(entries))
	for _, entry := range entries {
		id, err := e.ids.NewID()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDispatch, err)
		}
		reqs = append(reqs, pages.FetchRequest{
			ID:          id,
			Key:         entry.Key,
			Record:      pages.Record{URL: entry.Key.URL, Timestamp: entry.Key.Timestamp},
			Origin:      entry.Origin,
			RequestedAt: now,
		})
	}
	if err := e.dispatcher.Dispatch(ctx, reqs); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

// OnFetchStarted records that a fetcher picked up key.
func (e *Engine) OnFetchStarted(ctx context.Context, key pages.Key) (registry.Result, error) {
	return e.registry.MarkStarted(ctx, key)
}

// OnFetchCompleted records the stored page for key, then links it to the
// project that scheduled the fetch and to every waiting project. A repeated
// callback for the same page links again, so redelivery never loses links.
// A completion that arrives after the sweeper failed the entry leaves the
// registry failed but still links, as long as the page is stored under key.
func (e *Engine) OnFetchCompleted(ctx context.Context, key pages.Key, pageID pages.PageID) (registry.Result, error) {
	res, err := e.registry.MarkCompleted(ctx, key, pageID)
	if err != nil {
		return res, err
	}
	switch {
	case res.Applied:
	case res.Current == pages.StatusCompleted && res.Entry.PageID == pageID:
	case res.Current == pages.StatusFailed:
		stored, err := e.storedUnder(ctx, key, pageID)
		if err != nil || !stored {
			return res, err
		}
		e.logger.Info("late completion for failed fetch; linking waiters",
			logging.Key(key),
			zap.Int64("page_id", int64(pageID)),
			zap.String("failure_reason", res.Entry.FailureReason),
		)
	default:
		return res, nil
	}
	e.cache.Set(ctx, key, pageID)
	if err := e.linkWaiters(ctx, key, pageID, res.Entry.Origin); err != nil {
		return res, err
	}
	return res, nil
}

// OnFetchFailed records a terminal fetch failure. Waiters are kept so the
// eventual retry links them.
func (e *Engine) OnFetchFailed(ctx context.Context, key pages.Key, reason string) (registry.Result, error) {
	return e.registry.MarkFailed(ctx, key, reason)
}

// MarkComplete is OnFetchCompleted for callers that never reported a start.
func (e *Engine) MarkComplete(ctx context.Context, key pages.Key, pageID pages.PageID) (registry.Result, error) {
	if err := e.startIfPending(ctx, key); err != nil {
		return registry.Result{}, err
	}
	return e.OnFetchCompleted(ctx, key, pageID)
}

// MarkFailed is OnFetchFailed for callers that never reported a start.
func (e *Engine) MarkFailed(ctx context.Context, key pages.Key, reason string) (registry.Result, error) {
	if err := e.startIfPending(ctx, key); err != nil {
		return registry.Result{}, err
	}
	return e.OnFetchFailed(ctx, key, reason)
}

func (e *Engine) startIfPending(ctx context.Context, key pages.Key) error {
	entries, err := e.registry.Lookup(ctx, []pages.Key{key})
	if err != nil {
		return err
	}
	if entries[key].Status != pages.StatusPending {
		return nil
	}
	_, err = e.registry.MarkStarted(ctx, key)
	return err
}

func (e *Engine) storedUnder(ctx context.Context, key pages.Key, pageID pages.PageID) (bool, error) {
	page, err := e.pages.GetPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load completed page: %w", err)
	}
	return page.Key == key, nil
}

func (e *Engine) linkWaiters(ctx context.Context, key pages.Key, pageID pages.PageID, origin pages.Provenance) error {
	waiters, err := e.registry.Waiters(ctx, key)
	if err != nil {
		return err
	}
	links := make([]pages.Link, 0, len(waiters)+1)
	if origin.ProjectID != 0 {
		links = append(links, pages.Link{
			PageID:    pageID,
			ProjectID: origin.ProjectID,
			DomainID:  origin.DomainID,
			UserID:    origin.UserID,
		})
	}
	for _, w := range waiters {
		links = append(links, pages.Link{
			PageID:    pageID,
			ProjectID: w.ProjectID,
			DomainID:  w.DomainID,
			UserID:    w.UserID,
		})
	}
	n, err := e.linker.Link(ctx, links)
	if err != nil {
		return err
	}
	if err := e.registry.ClearWaiters(ctx, key); err != nil {
		return err
	}
	e.logger.Debug("linked completed fetch",
		logging.Key(key),
		zap.Int64("page_id", int64(pageID)),
		zap.Int("waiters", len(waiters)),
		zap.Int("new_links", n),
	)
	return nil
}
