package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerProviderInstallsPropagator(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "sharedpages-test", Version: "dev", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	spanCtx, span := otel.Tracer("test").Start(ctx, "classify")
	defer span.End()
	require.True(t, span.SpanContext().IsSampled())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "baggage")
}

func TestInitTracerProviderZeroRatioDropsRootSpans(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "sharedpages-test"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "sweep")
	defer span.End()
	require.False(t, span.SpanContext().IsSampled())
}
