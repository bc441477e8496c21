// Package dispatcher runs the in-process fetch pool: a bounded queue drained
// by a fixed set of snapshot workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/worker"
)

// Queue is the work queue shared by the engine and the workers.
type Queue interface {
	worker.Queue
	Dispatch(ctx context.Context, reqs []pages.FetchRequest) error
	Close()
}

// Pool fans out queued fetch requests to a pool of workers.
type Pool struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Pool.
func New(queue Queue, workers []*worker.Worker) *Pool {
	return &Pool{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes. The queue is
// closed on return so late dispatches fail fast.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	p.queue.Close()
	wg.Wait()
}

// Dispatch proxies to the underlying queue.
func (p *Pool) Dispatch(ctx context.Context, reqs []pages.FetchRequest) error {
	if err := p.queue.Dispatch(ctx, reqs); err != nil {
		return fmt.Errorf("queue dispatch: %w", err)
	}
	return nil
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}
