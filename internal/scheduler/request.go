package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// Priority orders queued requests. Lower values, compared as strings, are
// dispatched first.
type Priority string

// PriorityFromInt renders n so that numeric and lexicographic order agree for
// non-negative values.
func PriorityFromInt(n int) Priority {
	if n < 0 {
		n = 0
	}
	return Priority(fmt.Sprintf("%010d", n))
}

// Request describes one page the caller needs.
type Request struct {
	URL      string
	Priority Priority
	// NoCache skips the cache read; a successful fetch is still stored.
	NoCache bool
	// NoStore keeps the fetched payload out of the cache.
	NoStore bool
	// CacheContext disambiguates cache keys for identical URLs.
	CacheContext string
}

// Converter turns a raw payload into a typed result. A returned error is a
// permanent failure for the request.
type Converter[T any] func(payload []byte) (T, error)

// Response is the resolution of a scheduled request.
type Response[T any] struct {
	Result T
	// Query is the requested URL.
	Query string
}

// Future is a handle on a scheduled request. It settles exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	resp Response[T]
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(r Response[T]) {
	f.once.Do(func() {
		f.resp = r
		close(f.done)
	})
}

func (f *Future[T]) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (Response[T], error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response[T]{}, fmt.Errorf("wait for request: %w", ctx.Err())
	}
}

// Settled reports the outcome without blocking; ok is false while pending.
func (f *Future[T]) Settled() (resp Response[T], err error, ok bool) {
	select {
	case <-f.done:
		return f.resp, f.err, true
	default:
		return Response[T]{}, nil, false
	}
}
