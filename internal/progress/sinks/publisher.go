package sinks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/publisher"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// Notice is the JSON body published for every progress event.
type Notice struct {
	SessionID  string         `json:"session_id"`
	Stage      string         `json:"stage"`
	Purpose    string         `json:"purpose"`
	Statistics stats.Snapshot `json:"statistics"`
	URL        string         `json:"url,omitempty"`
	Note       string         `json:"note,omitempty"`
	At         time.Time      `json:"at"`
}

// PublisherSink forwards events to a message publisher such as Pub/Sub.
type PublisherSink struct {
	pub   publisher.Publisher
	topic string
}

// NewPublisherSink wraps pub; topic labels the messages.
func NewPublisherSink(pub publisher.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes every event. Errors are joined so one failure does not
// hide the rest of the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		msg := publisher.Message{
			Topic: s.topic,
			Attributes: map[string]string{
				"purpose": evt.Purpose,
				"stage":   string(evt.Stage),
			},
			Payload: Notice{
				SessionID:  uuid.UUID(evt.SessionID).String(),
				Stage:      string(evt.Stage),
				Purpose:    evt.Purpose,
				Statistics: evt.Stats,
				URL:        evt.URL,
				Note:       evt.Note,
				At:         evt.TS,
			},
		}
		if _, err := s.pub.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
