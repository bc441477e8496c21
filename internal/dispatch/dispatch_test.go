package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

func TestObservedSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	calls := 0
	d := Observed("unit", Func(func(context.Context, []pages.FetchRequest) error {
		calls++
		return nil
	}))
	require.NoError(t, d.Dispatch(context.Background(), nil))
	require.Zero(t, calls)

	require.NoError(t, d.Dispatch(context.Background(), []pages.FetchRequest{{ID: "a"}}))
	require.Equal(t, 1, calls)
}

func TestObservedPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := Observed("unit", Func(func(context.Context, []pages.FetchRequest) error { return boom }))
	require.ErrorIs(t, d.Dispatch(context.Background(), []pages.FetchRequest{{ID: "a"}}), boom)
}

func TestNoop(t *testing.T) {
	t.Parallel()
	require.NoError(t, Noop{}.Dispatch(context.Background(), []pages.FetchRequest{{ID: "a"}}))
}
