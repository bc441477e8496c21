// Package pubsub publishes fetch requests to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

// Message attributes set on every published request.
const (
	AttrRequestID = "request_id"
	AttrURL       = "url"
	AttrTimestamp = "timestamp"
)

// sender publishes a batch and returns one error slot per message.
type sender interface {
	send(ctx context.Context, msgs []*pubsub.Message) []error
}

type topicSender struct {
	publisher *pubsub.Publisher
}

func (s topicSender) send(ctx context.Context, msgs []*pubsub.Message) []error {
	results := make([]*pubsub.PublishResult, len(msgs))
	for i, msg := range msgs {
		results[i] = s.publisher.Publish(ctx, msg)
	}
	errs := make([]error, len(msgs))
	for i, res := range results {
		_, errs[i] = res.Get(ctx)
	}
	return errs
}

// Dispatcher publishes one JSON message per fetch request.
type Dispatcher struct {
	sender     sender
	propagator propagation.TextMapPropagator
	stop       func()
}

// New creates a Dispatcher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Dispatcher {
	d := &Dispatcher{propagator: otel.GetTextMapPropagator()}
	if publisher != nil {
		d.sender = topicSender{publisher: publisher}
		d.stop = publisher.Stop
	}
	return d
}

// NewFromClient opens a publisher for topic on client. topic may be an id or
// a full resource name.
func NewFromClient(client *pubsub.Client, topic string) *Dispatcher {
	return New(client.Publisher(topic))
}

// Dispatch publishes every request and waits for all publish results.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []pages.FetchRequest) error {
	if d.sender == nil {
		return errors.New("pubsub publisher is not configured")
	}
	if len(reqs) == 0 {
		return nil
	}
	msgs := make([]*pubsub.Message, len(reqs))
	for i, req := range reqs {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal fetch request: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				AttrRequestID: req.ID,
				AttrURL:       req.Key.URL,
				AttrTimestamp: req.Key.Timestamp,
			},
		}
		d.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		msgs[i] = msg
	}

	var errs []error
	for i, err := range d.sender.send(ctx, msgs) {
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", reqs[i].Key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d publishes failed: %w", len(errs), len(reqs), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending publishes.
func (d *Dispatcher) Close() {
	if d.stop != nil {
		d.stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
