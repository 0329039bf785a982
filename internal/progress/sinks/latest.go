package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
)

// LatestSink keeps the most recent event per purpose for the HTTP API.
type LatestSink struct {
	mu      sync.RWMutex
	byName  map[string]progress.Event
	current string
}

// NewLatestSink returns an empty view.
func NewLatestSink() *LatestSink {
	return &LatestSink{byName: make(map[string]progress.Event)}
}

// Consume records each event, keeping only the newest per purpose.
func (s *LatestSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if prev, ok := s.byName[evt.Purpose]; ok && evt.TS.Before(prev.TS) {
			continue
		}
		s.byName[evt.Purpose] = evt
		if evt.Stage == progress.StageSessionStart {
			s.current = evt.Purpose
		}
	}
	return nil
}

// Get returns the latest event for purpose.
func (s *LatestSink) Get(purpose string) (progress.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.byName[purpose]
	return evt, ok
}

// Current returns the latest event of the most recently started purpose.
func (s *LatestSink) Current() (progress.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return progress.Event{}, false
	}
	evt, ok := s.byName[s.current]
	return evt, ok
}

// Purposes lists the purposes seen so far, sorted.
func (s *LatestSink) Purposes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for p := range s.byName {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *LatestSink) Close(context.Context) error {
	return nil
}
