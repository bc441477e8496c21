// Package dispatch hands scheduled fetches to whatever performs them.
package dispatch

import (
	"context"

	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
)

// Dispatcher delivers fetch requests to a fetcher. A returned error means
// none or only some of the requests were delivered; the registry entries stay
// pending and the sweeper delivers them again.
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs []pages.FetchRequest) error
}

// Noop discards requests. Entries stay pending for an external poller.
type Noop struct{}

// Dispatch implements Dispatcher.
func (Noop) Dispatch(context.Context, []pages.FetchRequest) error { return nil }

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, reqs []pages.FetchRequest) error

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, reqs []pages.FetchRequest) error { return f(ctx, reqs) }

type observed struct {
	backend string
	next    Dispatcher
}

// Observed counts dispatched requests under backend.
func Observed(backend string, d Dispatcher) Dispatcher {
	return observed{backend: backend, next: d}
}

func (o observed) Dispatch(ctx context.Context, reqs []pages.FetchRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	err := o.next.Dispatch(ctx, reqs)
	metrics.ObserveDispatch(o.backend, len(reqs), err)
	return err
}
