// Package publisher defines the outbound message contract used to fan
// progress updates out to external subscribers.
package publisher

import "context"

// Message is one outbound notification.
type Message struct {
	// Topic is informational for backends bound to a single topic.
	Topic      string
	Attributes map[string]string
	Payload    any
}

// Publisher delivers messages and returns a backend-assigned id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}
