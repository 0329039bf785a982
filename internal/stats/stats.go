// Package stats tracks live request counters for one scrape purpose and
// publishes snapshots of them to an external channel.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter names a statistic.
type Counter string

// Counters maintained for every purpose.
const (
	Queued    Counter = "QUEUED_COUNT"
	Running   Counter = "RUNNING_COUNT"
	Succeeded Counter = "SUCCEEDED_COUNT"
	Failed    Counter = "FAILED_COUNT"
	CacheHit  Counter = "CACHE_HIT_COUNT"
)

// Counters lists every counter in display order.
var Counters = []Counter{Queued, Running, Succeeded, Failed, CacheHit}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Queued    int `json:"QUEUED_COUNT"`
	Running   int `json:"RUNNING_COUNT"`
	Succeeded int `json:"SUCCEEDED_COUNT"`
	Failed    int `json:"FAILED_COUNT"`
	CacheHit  int `json:"CACHE_HIT_COUNT"`
}

// Value returns the snapshot value for c.
func (s Snapshot) Value(c Counter) int {
	switch c {
	case Queued:
		return s.Queued
	case Running:
		return s.Running
	case Succeeded:
		return s.Succeeded
	case Failed:
		return s.Failed
	case CacheHit:
		return s.CacheHit
	default:
		return 0
	}
}

// Idle reports whether nothing is queued or running.
func (s Snapshot) Idle() bool {
	return s.Queued == 0 && s.Running == 0
}

// Update is the message published to observers.
type Update struct {
	Purpose    string    `json:"purpose"`
	Statistics Snapshot  `json:"statistics"`
	At         time.Time `json:"at"`
}

// Channel receives statistics updates. Implementations must not block for
// long; the progress hub is the production implementation.
type Channel interface {
	Send(ctx context.Context, u Update) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, u Update) error

// Send calls f.
func (f ChannelFunc) Send(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// Statistics holds the counters for the active purpose. It is safe for
// concurrent use.
type Statistics struct {
	mu     sync.Mutex
	counts map[Counter]int
	now    func() time.Time
}

// New returns zeroed statistics.
func New() *Statistics {
	return &Statistics{
		counts: make(map[Counter]int, len(Counters)),
		now:    time.Now,
	}
}

// Clear resets every counter to zero.
func (s *Statistics) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.counts {
		delete(s.counts, k)
	}
}

// Increment adds one to c.
func (s *Statistics) Increment(c Counter) {
	s.Add(c, 1)
}

// Decrement subtracts one from c, never going below zero.
func (s *Statistics) Decrement(c Counter) {
	s.Add(c, -1)
}

// Add adjusts c by delta, clamping at zero.
func (s *Statistics) Add(c Counter, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counts[c] + delta
	if v < 0 {
		v = 0
	}
	s.counts[c] = v
}

// Set overwrites c.
func (s *Statistics) Set(c Counter, v int) {
	if v < 0 {
		v = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[c] = v
}

// Get returns the current value of c.
func (s *Statistics) Get(c Counter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[c]
}

// Snapshot copies the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Queued:    s.counts[Queued],
		Running:   s.counts[Running],
		Succeeded: s.counts[Succeeded],
		Failed:    s.counts[Failed],
		CacheHit:  s.counts[CacheHit],
	}
}

// Publish sends the current snapshot labelled with purpose. A nil channel
// makes this a no-op.
func (s *Statistics) Publish(ctx context.Context, ch Channel, purpose string) error {
	if ch == nil {
		return nil
	}
	u := Update{Purpose: purpose, Statistics: s.Snapshot(), At: s.now().UTC()}
	if err := ch.Send(ctx, u); err != nil {
		return fmt.Errorf("publish statistics: %w", err)
	}
	return nil
}
