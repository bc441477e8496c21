package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/worker"
)

// TestPoolRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestPoolRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	pool := New(queue, []*worker.Worker{w})
	if pool.Size() != 1 {
		t.Fatalf("expected 1 worker, got %d", pool.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
	if !queue.isClosed() {
		t.Fatal("expected queue to be closed on shutdown")
	}
}

// TestPoolDispatchForwardsErrors verifies queue errors are wrapped for callers.
func TestPoolDispatchForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	pool := New(queue, nil)

	err := pool.Dispatch(context.Background(), []pages.FetchRequest{{ID: "req"}})
	if err == nil || err.Error() != "queue dispatch: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type blockingQueue struct {
	started chan struct{}
	mu      sync.Mutex
	closed  bool
}

func (q *blockingQueue) Dispatch(context.Context, []pages.FetchRequest) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (pages.FetchRequest, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return pages.FetchRequest{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *blockingQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Dispatch(context.Context, []pages.FetchRequest) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (pages.FetchRequest, error) {
	return pages.FetchRequest{}, nil
}

func (q *errorQueue) Close() {}
