package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

func req(id string) pages.FetchRequest {
	return pages.FetchRequest{ID: id, Key: pages.Key{URL: "http://example.com/" + id, Timestamp: "20200101000000"}}
}

func TestQueueDispatchDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan pages.FetchRequest, 2)
	errCh := make(chan error, 1)

	go func() {
		for range 2 {
			item, err := q.Dequeue(context.Background())
			if err != nil {
				errCh <- err
				return
			}
			result <- item
		}
	}()

	if err := q.Dispatch(context.Background(), []pages.FetchRequest{req("a"), req("b")}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	for _, want := range []string{"a", "b"} {
		select {
		case err := <-errCh:
			t.Fatalf("Dequeue() error = %v", err)
		case got := <-result:
			if got.ID != want {
				t.Fatalf("expected %s, got %+v", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("dequeue did not return request")
		}
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qFull := NewQueue(1)
	if err := qFull.Dispatch(context.Background(), []pages.FetchRequest{req("primed")}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err := qFull.Dispatch(ctx, []pages.FetchRequest{req("blocked")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	if err := q.Dispatch(context.Background(), []pages.FetchRequest{req("a"), req("b"), req("c")}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 buffered, got %d", q.Len())
	}
	got := q.Drain()
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Fatalf("unexpected drain result %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got %d", q.Len())
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Dispatch(context.Background(), []pages.FetchRequest{req("late")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected dispatch on closed queue to fail, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseUnblocksFullDispatch(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.Dispatch(context.Background(), []pages.FetchRequest{req("first")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Dispatch(context.Background(), []pages.FetchRequest{req("second")})
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited on a blocked Dispatch")
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected blocked dispatch to fail with ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Dispatch did not return")
	}

	got, err := q.Dequeue(context.Background())
	if err != nil || got.ID != "first" {
		t.Fatalf("expected buffered request to survive close, got %+v, %v", got, err)
	}
}
