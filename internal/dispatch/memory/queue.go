// Package memory provides a bounded in-process fetch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. It
// implements dispatch.Dispatcher.
type Queue struct {
	ch      chan pages.FetchRequest
	done    chan struct{}
	stop    sync.Once
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan pages.FetchRequest, capacity),
		done: make(chan struct{}),
	}
}

// Dispatch enqueues every request in order, blocking while the queue is full.
// A blocked Dispatch returns ErrClosed as soon as Close is called.
func (q *Queue) Dispatch(ctx context.Context, reqs []pages.FetchRequest) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	for i, req := range reqs {
		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled after %d of %d: %w", i, len(reqs), ctx.Err())
		case <-q.done:
			return fmt.Errorf("enqueue stopped after %d of %d: %w", i, len(reqs), ErrClosed)
		case q.ch <- req:
		}
	}
	return nil
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pages.FetchRequest, error) {
	select {
	case <-ctx.Done():
		return pages.FetchRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return pages.FetchRequest{}, ErrClosed
		}
		return req, nil
	}
}

// Len reports how many requests are buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain removes and returns everything currently buffered.
func (q *Queue) Drain() []pages.FetchRequest {
	var out []pages.FetchRequest
	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, req)
		default:
			return out
		}
	}
}

// Close closes the underlying channel for shutdown. Buffered requests can
// still be dequeued.
func (q *Queue) Close() {
	q.stop.Do(func() { close(q.done) })
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
