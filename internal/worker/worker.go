// Package worker implements the reference snapshot fetcher: it takes fetch
// requests off the in-process queue, downloads the archived capture, stores
// the body and the page, and reports the outcome through the fetch callbacks.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/hash/sha256"
	"github.com/JakeFAU/sharedpages/internal/logging"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// Queue yields fetch requests.
type Queue interface {
	Dequeue(ctx context.Context) (pages.FetchRequest, error)
}

// Callbacks receive the fetch lifecycle events.
type Callbacks interface {
	OnFetchStarted(ctx context.Context, key pages.Key) (registry.Result, error)
	OnFetchCompleted(ctx context.Context, key pages.Key, pageID pages.PageID) (registry.Result, error)
	OnFetchFailed(ctx context.Context, key pages.Key, reason string) (registry.Result, error)
}

// Limiter paces requests per captured host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls Worker behavior.
type Config struct {
	// ArchiveBaseURL is the replay endpoint; snapshots are read from
	// {ArchiveBaseURL}/{timestamp}id_/{url}.
	ArchiveBaseURL string
	BlobPrefix     string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

const (
	defaultArchiveBaseURL = "https://web.archive.org/web"
	defaultContentType    = "application/octet-stream"
)

// errUpstreamStatus marks non-2xx snapshot responses.
var errUpstreamStatus = errors.New("upstream status")

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	queue     Queue
	callbacks Callbacks
	pages     store.PageStore
	blobStore pages.BlobStore
	hasher    pages.Hasher
	fetcher   pages.Fetcher
	limiter   Limiter
	clock     pages.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. A nil limiter disables pacing.
func New(
	queue Queue,
	callbacks Callbacks,
	pageStore store.PageStore,
	blobStore pages.BlobStore,
	hasher pages.Hasher,
	fetcher pages.Fetcher,
	limiter Limiter,
	clock pages.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ArchiveBaseURL == "" {
		cfg.ArchiveBaseURL = defaultArchiveBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		callbacks: callbacks,
		pages:     pageStore,
		blobStore: blobStore,
		hasher:    hasher,
		fetcher:   fetcher,
		limiter:   limiter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue closed; worker exiting", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued fetch", zap.String("request_id", req.ID), logging.Key(req.Key))
		if err := w.Process(ctx, req); err != nil && ctx.Err() == nil {
			w.logger.Warn("fetch failed", zap.String("request_id", req.ID), logging.Key(req.Key), zap.Error(err))
		}
	}
}

// Process runs one request end to end. A request whose entry is no longer
// pending belongs to another fetcher and is skipped.
func (w *Worker) Process(ctx context.Context, req pages.FetchRequest) error {
	started, err := w.callbacks.OnFetchStarted(ctx, req.Key)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if !started.Applied {
		w.logger.Debug("fetch already claimed",
			logging.Key(req.Key),
			zap.String("status", string(started.Current)),
		)
		return nil
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	resp, err := w.fetchWithRetry(ctx, req)
	if err != nil {
		return w.fail(ctx, req.Key, err)
	}
	page, err := w.persist(ctx, req, resp)
	if err != nil {
		return w.fail(ctx, req.Key, err)
	}
	if _, err := w.callbacks.OnFetchCompleted(ctx, req.Key, page.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	w.logger.Info("snapshot stored",
		logging.Key(req.Key),
		zap.Int64("page_id", int64(page.ID)),
		zap.String("blob_uri", page.BlobURI),
		zap.Int64("bytes", page.Size),
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, key pages.Key, cause error) error {
	if ctx.Err() != nil {
		// Leave the entry in_progress; the sweeper fails it after the liveness timeout.
		return cause
	}
	if _, err := w.callbacks.OnFetchFailed(ctx, key, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	return cause
}

// SnapshotURL returns the raw-body replay URL for key.
func (w *Worker) SnapshotURL(key pages.Key) string {
	return strings.TrimRight(w.cfg.ArchiveBaseURL, "/") + "/" + key.Timestamp + "id_/" + key.URL
}

func (w *Worker) fetchWithRetry(ctx context.Context, req pages.FetchRequest) (pages.FetchResponse, error) {
	target := w.SnapshotURL(req.Key)
	site := metrics.SanitizeSite(req.Key.URL)
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, req.Key.URL); err != nil {
				return pages.FetchResponse{}, err
			}
		}
		resp, err := w.fetcher.Fetch(ctx, target)
		if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = fmt.Errorf("%w %d", errUpstreamStatus, resp.StatusCode)
		}
		if err == nil {
			metrics.ObserveFetch(site, "ok", len(resp.Body))
			return resp, nil
		}
		metrics.ObserveFetch(site, "error", 0)
		lastErr = err
		if attempt == w.cfg.MaxAttempts {
			break
		}
		delay := w.backoff(attempt)
		w.logger.Debug("retrying fetch",
			logging.Key(req.Key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pages.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return pages.FetchResponse{}, fmt.Errorf("fetch %s after %d attempts: %w", target, w.cfg.MaxAttempts, lastErr)
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	return d
}

func (w *Worker) persist(ctx context.Context, req pages.FetchRequest, resp pages.FetchResponse) (pages.Page, error) {
	digest, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return pages.Page{}, fmt.Errorf("hash body: %w", err)
	}
	contentType := contentTypeOf(resp, req.Record)
	uri, err := w.blobStore.PutObject(ctx, sha256.BlobPath(w.cfg.BlobPrefix, digest), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return pages.Page{}, fmt.Errorf("put object: %w", err)
	}
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mimeType = contentType
	}
	page, created, err := w.pages.CreatePage(ctx, pages.Page{
		Key:        req.Key,
		MimeType:   mimeType,
		StatusCode: resp.StatusCode,
		Digest:     digest,
		Size:       int64(len(resp.Body)),
		BlobURI:    uri,
		FetchedAt:  w.clock.Now(),
	})
	if err != nil {
		return pages.Page{}, fmt.Errorf("create page: %w", err)
	}
	if !created {
		w.logger.Debug("page already stored", logging.Key(req.Key), zap.Int64("page_id", int64(page.ID)))
	}
	return page, nil
}

func contentTypeOf(resp pages.FetchResponse, rec pages.Record) string {
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	if rec.MimeType != "" {
		return rec.MimeType
	}
	return defaultContentType
}
