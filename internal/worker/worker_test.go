package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dispmem "github.com/JakeFAU/sharedpages/internal/dispatch/memory"
	"github.com/JakeFAU/sharedpages/internal/hash/sha256"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/storage/memory"
)

const archiveBase = "https://archive.test/web"

func TestWorker_Process_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := mustKey(t, "https://example.com/a", "20200101000000")
	queue := dispmem.NewQueue(4)
	require.NoError(t, queue.Dispatch(ctx, []pages.FetchRequest{{ID: "req-1", Key: key}}))

	callbacks := newFakeCallbacks()
	st := memory.NewStore(&fakeClock{now: time.Unix(100, 0)})
	blobs := memory.NewBlobStore()
	fetcher := &fakeFetcher{
		responses: map[string]pages.FetchResponse{
			archiveBase + "/20200101000000id_/https://example.com/a": {
				StatusCode: http.StatusOK,
				Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
				Body:       []byte("<html>ok</html>"),
			},
		},
	}

	w := New(queue, callbacks, st, blobs, sha256.New(), fetcher, nil,
		&fakeClock{now: time.Unix(200, 0)},
		Config{ArchiveBaseURL: archiveBase, BlobPrefix: "pages"},
		zap.NewNop(),
	)
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(callbacks.completedKeys()) == 1
	}, time.Second, 10*time.Millisecond)

	ids, err := st.FindByKeys(ctx, []pages.Key{key})
	require.NoError(t, err)
	require.Contains(t, ids, key)
	page, err := st.GetPage(ctx, ids[key])
	require.NoError(t, err)
	require.Equal(t, "text/html", page.MimeType)
	require.Equal(t, int64(len("<html>ok</html>")), page.Size)
	require.Equal(t, time.Unix(200, 0), page.FetchedAt)

	digest, err := sha256.New().Hash([]byte("<html>ok</html>"))
	require.NoError(t, err)
	require.Equal(t, digest, page.Digest)
	body, ok := blobs.Get(sha256.BlobPath("pages", digest))
	require.True(t, ok)
	require.Equal(t, "<html>ok</html>", string(body))
	require.Equal(t, ids[key], callbacks.completedKeys()[key])
	require.Empty(t, callbacks.failedKeys())
}

func TestWorker_Process_SkipsClaimedEntry(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "https://example.com/a", "20200101000000")
	callbacks := newFakeCallbacks()
	callbacks.claimed[key] = true
	fetcher := &fakeFetcher{}

	w := New(nil, callbacks, memory.NewStore(nil), memory.NewBlobStore(), sha256.New(), fetcher, nil,
		&fakeClock{}, Config{ArchiveBaseURL: archiveBase}, zap.NewNop())

	require.NoError(t, w.Process(context.Background(), pages.FetchRequest{Key: key}))
	require.Zero(t, fetcher.callCount())
	require.Empty(t, callbacks.completedKeys())
	require.Empty(t, callbacks.failedKeys())
}

func TestWorker_Process_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "https://example.com/a", "20200101000000")
	callbacks := newFakeCallbacks()
	fetcher := &fakeFetcher{
		fails: 2,
		responses: map[string]pages.FetchResponse{
			archiveBase + "/20200101000000id_/https://example.com/a": {StatusCode: http.StatusOK, Body: []byte("x")},
		},
	}
	limiter := &countingLimiter{}

	w := New(nil, callbacks, memory.NewStore(nil), memory.NewBlobStore(), sha256.New(), fetcher, limiter,
		&fakeClock{},
		Config{ArchiveBaseURL: archiveBase, MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond},
		zap.NewNop(),
	)

	require.NoError(t, w.Process(context.Background(), pages.FetchRequest{Key: key}))
	require.Equal(t, 3, fetcher.callCount())
	require.Equal(t, 3, limiter.calls)
	require.Len(t, callbacks.completedKeys(), 1)
}

func TestWorker_Process_ExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "https://example.com/missing", "20200101000000")
	callbacks := newFakeCallbacks()
	fetcher := &fakeFetcher{
		responses: map[string]pages.FetchResponse{
			archiveBase + "/20200101000000id_/https://example.com/missing": {StatusCode: http.StatusNotFound},
		},
	}

	w := New(nil, callbacks, memory.NewStore(nil), memory.NewBlobStore(), sha256.New(), fetcher, nil,
		&fakeClock{},
		Config{ArchiveBaseURL: archiveBase, MaxAttempts: 2, BackoffInitial: time.Millisecond},
		zap.NewNop(),
	)

	err := w.Process(context.Background(), pages.FetchRequest{Key: key})
	require.ErrorIs(t, err, errUpstreamStatus)
	require.Equal(t, 2, fetcher.callCount())
	require.Contains(t, callbacks.failedKeys()[key], "upstream status 404")
	require.Empty(t, callbacks.completedKeys())
}

func TestWorker_Process_BlobFailureMarksFailed(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "https://example.com/a", "20200101000000")
	callbacks := newFakeCallbacks()
	fetcher := &fakeFetcher{
		responses: map[string]pages.FetchResponse{
			archiveBase + "/20200101000000id_/https://example.com/a": {StatusCode: http.StatusOK, Body: []byte("x")},
		},
	}

	w := New(nil, callbacks, memory.NewStore(nil), failingBlobStore{}, sha256.New(), fetcher, nil,
		&fakeClock{}, Config{ArchiveBaseURL: archiveBase}, zap.NewNop())

	err := w.Process(context.Background(), pages.FetchRequest{Key: key})
	require.Error(t, err)
	require.Contains(t, callbacks.failedKeys()[key], "put object")
}

func TestWorker_Process_CanceledLeavesEntryInProgress(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "https://example.com/a", "20200101000000")
	callbacks := newFakeCallbacks()
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{onFetch: cancel}

	w := New(nil, callbacks, memory.NewStore(nil), memory.NewBlobStore(), sha256.New(), fetcher, nil,
		&fakeClock{},
		Config{ArchiveBaseURL: archiveBase, MaxAttempts: 3, BackoffInitial: time.Second},
		zap.NewNop(),
	)

	err := w.Process(ctx, pages.FetchRequest{Key: key})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.callCount())
	require.Empty(t, callbacks.failedKeys())
}

func TestWorker_Run_ExitsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := dispmem.NewQueue(1)
	w := New(queue, newFakeCallbacks(), memory.NewStore(nil), memory.NewBlobStore(), sha256.New(), &fakeFetcher{}, nil,
		&fakeClock{}, Config{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue close")
	}
}

func TestWorkerSnapshotURL(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, Config{ArchiveBaseURL: "https://archive.test/web/"}, nil)
	key := mustKey(t, "https://example.com/a?b=1", "2020")
	require.Equal(t, "https://archive.test/web/20200000000000id_/https://example.com/a?b=1", w.SnapshotURL(key))

	w = New(nil, nil, nil, nil, nil, nil, nil, nil, Config{}, nil)
	require.Equal(t, "https://web.archive.org/web/20200000000000id_/https://example.com/a?b=1", w.SnapshotURL(key))
}

func TestWorkerBackoff(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil,
		Config{BackoffInitial: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}, nil)
	require.Equal(t, 100*time.Millisecond, w.backoff(1))
	require.Equal(t, 200*time.Millisecond, w.backoff(2))
	require.Equal(t, 300*time.Millisecond, w.backoff(3))
	require.Equal(t, 300*time.Millisecond, w.backoff(10))
}

func TestContentTypeOf(t *testing.T) {
	t.Parallel()

	withHeader := pages.FetchResponse{Headers: http.Header{"Content-Type": []string{"image/png"}}}
	require.Equal(t, "image/png", contentTypeOf(withHeader, pages.Record{MimeType: "text/html"}))
	require.Equal(t, "text/html", contentTypeOf(pages.FetchResponse{}, pages.Record{MimeType: "text/html"}))
	require.Equal(t, defaultContentType, contentTypeOf(pages.FetchResponse{}, pages.Record{}))
}

func mustKey(t *testing.T, rawURL, ts string) pages.Key {
	t.Helper()
	key, err := pages.NewKey(rawURL, ts)
	require.NoError(t, err)
	return key
}

type fakeCallbacks struct {
	mu        sync.Mutex
	claimed   map[pages.Key]bool
	completed map[pages.Key]pages.PageID
	failed    map[pages.Key]string
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{
		claimed:   make(map[pages.Key]bool),
		completed: make(map[pages.Key]pages.PageID),
		failed:    make(map[pages.Key]string),
	}
}

func (f *fakeCallbacks) OnFetchStarted(_ context.Context, key pages.Key) (registry.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[key] {
		return registry.Result{Current: pages.StatusInProgress}, nil
	}
	f.claimed[key] = true
	return registry.Result{Applied: true, Current: pages.StatusInProgress}, nil
}

func (f *fakeCallbacks) OnFetchCompleted(_ context.Context, key pages.Key, id pages.PageID) (registry.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[key] = id
	return registry.Result{Applied: true, Current: pages.StatusCompleted}, nil
}

func (f *fakeCallbacks) OnFetchFailed(_ context.Context, key pages.Key, reason string) (registry.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[key] = reason
	return registry.Result{Applied: true, Current: pages.StatusFailed}, nil
}

func (f *fakeCallbacks) completedKeys() map[pages.Key]pages.PageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[pages.Key]pages.PageID, len(f.completed))
	for k, v := range f.completed {
		out[k] = v
	}
	return out
}

func (f *fakeCallbacks) failedKeys() map[pages.Key]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[pages.Key]string, len(f.failed))
	for k, v := range f.failed {
		out[k] = v
	}
	return out
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]pages.FetchResponse
	fails     int
	calls     int
	onFetch   func()
}

func (f *fakeFetcher) Fetch(_ context.Context, target string) (pages.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if calls <= f.fails {
		return pages.FetchResponse{}, errors.New("transient error")
	}
	resp, ok := f.responses[target]
	if !ok {
		return pages.FetchResponse{}, errors.New("no response configured")
	}
	resp.URL = target
	return resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingLimiter struct {
	calls int
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls++
	return nil
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
