package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

type fakeSender struct {
	msgs []*pubsub.Message
	fail map[int]error
}

func (f *fakeSender) send(_ context.Context, msgs []*pubsub.Message) []error {
	f.msgs = append(f.msgs, msgs...)
	errs := make([]error, len(msgs))
	for i := range msgs {
		errs[i] = f.fail[i]
	}
	return errs
}

func request(id, url string) pages.FetchRequest {
	return pages.FetchRequest{
		ID:     id,
		Key:    pages.Key{URL: url, Timestamp: "20200101000000"},
		Record: pages.Record{URL: url, Timestamp: "20200101000000", MimeType: "text/html"},
		Origin: pages.Provenance{ProjectID: 1, DomainID: 2, UserID: 3},
	}
}

func TestDispatchPublishesJSONWithTraceContext(t *testing.T) {
	t.Parallel()

	fake := &fakeSender{}
	d := &Dispatcher{sender: fake, propagator: propagation.TraceContext{}}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	err := d.Dispatch(ctx, []pages.FetchRequest{request("r1", "http://a.example/"), request("r2", "http://b.example/")})
	require.NoError(t, err)
	require.Len(t, fake.msgs, 2)

	msg := fake.msgs[0]
	require.Equal(t, "r1", msg.Attributes[AttrRequestID])
	require.Equal(t, "http://a.example/", msg.Attributes[AttrURL])
	require.Equal(t, "20200101000000", msg.Attributes[AttrTimestamp])
	require.Contains(t, msg.Attributes["traceparent"], sc.TraceID().String())

	var got pages.FetchRequest
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, request("r1", "http://a.example/"), got)
}

func TestDispatchReportsPartialFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("deadline exceeded")
	fake := &fakeSender{fail: map[int]error{1: boom}}
	d := &Dispatcher{sender: fake, propagator: propagation.TraceContext{}}

	err := d.Dispatch(context.Background(), []pages.FetchRequest{request("r1", "http://a.example/"), request("r2", "http://b.example/")})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "1 of 2 publishes failed")
}

func TestDispatchWithoutPublisher(t *testing.T) {
	t.Parallel()

	d := New(nil)
	require.Error(t, d.Dispatch(context.Background(), []pages.FetchRequest{request("r1", "http://a.example/")}))
	d.Close()
}
