// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/order-history-scraper/internal/publisher"
)

// Publisher wraps a Pub/Sub publisher client bound to one topic.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(p *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// Encode marshals a message payload into a Pub/Sub message.
func Encode(msg publisher.Message) (*pubsub.Message, error) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(msg.Attributes)+1)}
	for k, v := range msg.Attributes {
		out.Attributes[k] = v
	}
	if msg.Topic != "" {
		out.Attributes["kind"] = msg.Topic
	}
	return out, nil
}

// Publish marshals the payload to JSON and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	m, err := Encode(msg)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: m.Attributes})
	id, err := p.publisher.Publish(ctx, m).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
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
