// Package scheduler orchestrates page requests for one scrape purpose.
//
// A single loop goroutine owns the priority queue, the in-flight count and the
// suspension flag, so every dispatch decision is atomic. Fetching, cache
// writes and payload conversion run on worker goroutines that report back to
// the loop. Statistics are updated by the loop before a request's future is
// settled, so a caller that observes a settled future also observes its
// counters.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
	"github.com/JakeFAU/order-history-scraper/internal/metrics"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

var tracer = otel.Tracer("github.com/JakeFAU/order-history-scraper/internal/scheduler")

const (
	defaultMaxConcurrent  = 4
	defaultRequestTimeout = 30 * time.Second
)

// Config tunes dispatch.
type Config struct {
	// MaxConcurrent caps in-flight network fetches.
	MaxConcurrent int
	// RequestTimeout bounds each fetch attempt; expiry is a transient failure.
	RequestTimeout time.Duration
	// Retry decides retries; nil disables them.
	Retry RetryPolicy
}

// Limiter paces fetches. ratelimit.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Fetcher fetcher.Fetcher
	// Cache may be nil, in which case every request goes to the network.
	Cache   cache.Cache
	Stats   *stats.Statistics
	Limiter Limiter
	Logger  *zap.Logger
	// OnSignIn is invoked on its own goroutine when a fetch reports that the
	// site wants the user to sign in and dispatch has been suspended.
	OnSignIn func(url string)
}

// Scheduler runs requests for one purpose until it is aborted.
type Scheduler struct {
	purpose  string
	cfg      Config
	fetcher  fetcher.Fetcher
	cache    cache.Cache
	stats    *stats.Statistics
	limiter  Limiter
	logger   *zap.Logger
	onSignIn func(url string)

	ctx    context.Context
	cancel context.CancelFunc

	submitCh chan *job
	doneCh   chan completion
	retryCh  chan *job
	ctrlCh   chan func()
	abortCh  chan struct{}
	stopped  chan struct{}

	aborted   atomic.Bool
	abortOnce sync.Once

	// Loop-owned state.
	queue      jobQueue
	seq        uint64
	running    int
	active     map[uint64]*job
	backoff    map[uint64]*job
	suspended  bool
	onDispatch func(url string)
}

type completion struct {
	job    *job
	settle func()
	err    error
}

// New starts a scheduler for purpose. Cancelling ctx aborts it.
func New(ctx context.Context, purpose string, cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = NoRetry{}
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		purpose:  purpose,
		cfg:      cfg,
		fetcher:  deps.Fetcher,
		cache:    deps.Cache,
		stats:    deps.Stats,
		limiter:  deps.Limiter,
		logger:   logger.Named("scheduler").With(zap.String("purpose", purpose)),
		onSignIn: deps.OnSignIn,
		ctx:      runCtx,
		cancel:   cancel,
		submitCh: make(chan *job),
		doneCh:   make(chan completion),
		retryCh:  make(chan *job),
		ctrlCh:   make(chan func()),
		abortCh:  make(chan struct{}),
		stopped:  make(chan struct{}),
		active:   make(map[uint64]*job),
		backoff:  make(map[uint64]*job),
	}
	go s.loop()
	return s, nil
}

// Purpose returns the label this scheduler was created for.
func (s *Scheduler) Purpose() string { return s.purpose }

// Cache returns the page cache, which may be nil.
func (s *Scheduler) Cache() cache.Cache { return s.cache }

// Statistics returns the counters this scheduler maintains.
func (s *Scheduler) Statistics() *stats.Statistics { return s.stats }

// Aborted reports whether Abort has been called or the parent context ended.
func (s *Scheduler) Aborted() bool { return s.aborted.Load() }

// Schedule submits req and returns a future for its converted result.
//
// A cache hit is resolved before Schedule returns and never occupies a fetch
// slot. If convert rejects a cached payload the entry is treated as a miss.
func Schedule[T any](s *Scheduler, req Request, convert Converter[T]) *Future[T] {
	f := newFuture[T]()
	switch {
	case req.URL == "":
		f.reject(ErrMissingURL)
		return f
	case convert == nil:
		f.reject(&RequestError{URL: req.URL, Err: ErrMissingConverter})
		return f
	case s.aborted.Load():
		f.reject(&RequestError{URL: req.URL, Err: ErrAborted})
		return f
	}

	key := cache.Key(req.URL, req.CacheContext)
	if !req.NoCache && s.cache != nil {
		if payload, ok := s.cache.Get(s.ctx, key); ok {
			result, err := convert(payload)
			if err == nil {
				if !s.countCacheHit() {
					f.reject(&RequestError{URL: req.URL, Err: ErrAborted})
					return f
				}
				metrics.ObserveRequest(req.URL, metrics.OutcomeCacheHit)
				f.resolve(Response[T]{Result: result, Query: req.URL})
				return f
			}
			s.logger.Debug("cached payload rejected; refetching", zap.String("url", req.URL), zap.Error(err))
		}
	}

	j := &job{
		url:      req.URL,
		key:      key,
		priority: req.Priority,
		noStore:  req.NoStore,
		convert: func(payload []byte) (func(), error) {
			result, err := convert(payload)
			if err != nil {
				return nil, &ConversionError{URL: req.URL, Err: err}
			}
			return func() { f.resolve(Response[T]{Result: result, Query: req.URL}) }, nil
		},
		reject: f.reject,
	}
	select {
	case s.submitCh <- j:
	case <-s.stopped:
		f.reject(&RequestError{URL: req.URL, Err: ErrAborted})
	}
	return f
}

// countCacheHit records a cache hit on the loop goroutine so it is ordered
// against Abort. It reports false once the scheduler has been aborted; the
// counters may already belong to the next purpose by then.
func (s *Scheduler) countCacheHit() bool {
	counted := false
	s.do(func() {
		if s.aborted.Load() {
			return
		}
		s.stats.Increment(stats.CacheHit)
		s.stats.Increment(stats.Succeeded)
		counted = true
	})
	return counted
}

// Abort cancels every queued, backing-off and running request, rejecting
// their futures with ErrAborted. It returns once all of them are settled.
// Later Schedule calls fail immediately.
func (s *Scheduler) Abort() {
	s.abortOnce.Do(func() {
		s.aborted.Store(true)
		close(s.abortCh)
	})
	<-s.stopped
}

// Suspend stops dispatching new fetches until Resume. Running fetches finish
// normally and queued requests stay queued.
func (s *Scheduler) Suspend() {
	s.do(func() {
		if !s.suspended {
			s.logger.Info("dispatch suspended")
		}
		s.suspended = true
	})
}

// Resume restarts dispatch after Suspend or a sign-in interruption.
func (s *Scheduler) Resume() {
	s.do(func() {
		if s.suspended {
			s.logger.Info("dispatch resumed", zap.Int("queued", s.queue.Len()))
		}
		s.suspended = false
	})
}

// Suspended reports whether dispatch is currently suspended.
func (s *Scheduler) Suspended() bool {
	var out bool
	s.do(func() { out = s.suspended })
	return out
}

// do runs fn on the loop goroutine. It reports false if the loop has stopped.
func (s *Scheduler) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.ctrlCh <- func() { fn(); close(done) }:
		<-done
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		s.dispatch()
		select {
		case j := <-s.submitCh:
			s.seq++
			j.seq = s.seq
			j.state = stateQueued
			heap.Push(&s.queue, j)
			s.stats.Increment(stats.Queued)
		case c := <-s.doneCh:
			s.complete(c)
		case j := <-s.retryCh:
			if j.state != stateBackoff {
				continue
			}
			delete(s.backoff, j.seq)
			j.timer = nil
			j.state = stateQueued
			heap.Push(&s.queue, j)
		case fn := <-s.ctrlCh:
			fn()
		case <-s.abortCh:
			s.shutdown()
			return
		case <-s.ctx.Done():
			s.aborted.Store(true)
			s.shutdown()
			return
		}
	}
}

func (s *Scheduler) dispatch() {
	for !s.suspended && s.running < s.cfg.MaxConcurrent && s.queue.Len() > 0 {
		j := heap.Pop(&s.queue).(*job)
		j.state = stateRunning
		s.running++
		s.active[j.seq] = j
		s.stats.Decrement(stats.Queued)
		s.stats.Increment(stats.Running)
		metrics.IncActiveRequests()
		if s.onDispatch != nil {
			s.onDispatch(j.url)
		}

		ctx, cancel := context.WithCancel(s.ctx)
		j.cancel = cancel
		go s.work(ctx, j)
	}
	metrics.SetQueueDepth(s.queue.Len())
}

func (s *Scheduler) work(ctx context.Context, j *job) {
	c := completion{job: j}
	c.settle, c.err = s.attempt(ctx, j)
	select {
	case s.doneCh <- c:
	case <-s.stopped:
	}
}

func (s *Scheduler) attempt(ctx context.Context, j *job) (settle func(), err error) {
	ctx, span := tracer.Start(ctx, "scheduler.attempt", trace.WithAttributes(
		attribute.String("url.full", j.url),
		attribute.String("scraper.purpose", s.purpose),
		attribute.Int("scraper.retry", j.attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, j.url); err != nil {
			return nil, fetcher.Transient(err)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	resp, err := s.fetcher.Fetch(fetchCtx, fetcher.Request{URL: j.url})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Bool("scraper.headless", resp.UsedHeadless),
	)
	if resp.StatusCode >= 400 {
		return nil, &fetcher.StatusError{URL: j.url, Code: resp.StatusCode}
	}
	metrics.ObserveFetch(j.url, len(resp.Body), resp.Duration)

	settle, err = j.convert(resp.Body)
	if err != nil {
		return nil, err
	}
	if !j.noStore && s.cache != nil && ctx.Err() == nil {
		werr := s.cache.Set(ctx, j.key, resp.Body)
		metrics.ObserveCacheWrite(werr == nil)
		if werr != nil {
			s.logger.Warn("cache write failed", zap.String("url", j.url), zap.Error(werr))
		}
	}
	return settle, nil
}

func (s *Scheduler) complete(c completion) {
	j := c.job
	// Once the run context ends, shutdown owns every active job.
	if j.state != stateRunning || s.ctx.Err() != nil {
		return
	}
	delete(s.active, j.seq)
	s.running--
	j.cancel()
	j.cancel = nil
	metrics.DecActiveRequests()
	s.stats.Decrement(stats.Running)

	switch {
	case c.err == nil:
		j.state = stateSucceeded
		s.stats.Increment(stats.Succeeded)
		metrics.ObserveRequest(j.url, metrics.OutcomeSucceeded)
		c.settle()

	case errors.As(c.err, new(*ConversionError)):
		j.state = stateFailed
		s.stats.Increment(stats.Failed)
		metrics.ObserveRequest(j.url, metrics.OutcomeFailed)
		s.logger.Error("conversion failed", zap.String("url", j.url), zap.Error(c.err))
		j.reject(&RequestError{URL: j.url, Err: c.err})

	case errors.Is(c.err, fetcher.ErrSignInRequired):
		// Not an attempt: the request goes back to its place in the queue.
		j.state = stateQueued
		heap.Push(&s.queue, j)
		s.stats.Increment(stats.Queued)
		metrics.ObserveRequest(j.url, metrics.OutcomeSignIn)
		if !s.suspended {
			s.suspended = true
			s.logger.Warn("sign-in required; dispatch suspended", zap.String("url", j.url))
			if s.onSignIn != nil {
				go s.onSignIn(j.url)
			}
		}

	case s.cfg.Retry.ShouldRetry(c.err, j.attempt):
		j.attempt++
		j.state = stateBackoff
		s.backoff[j.seq] = j
		s.stats.Increment(stats.Queued)
		metrics.ObserveRequest(j.url, metrics.OutcomeRetried)
		delay := s.cfg.Retry.Backoff(j.attempt)
		s.logger.Debug("retrying request",
			zap.String("url", j.url),
			zap.Int("retry", j.attempt),
			zap.Duration("backoff", delay),
			zap.Error(c.err),
		)
		j.timer = time.AfterFunc(delay, func() {
			select {
			case s.retryCh <- j:
			case <-s.stopped:
			}
		})

	default:
		j.state = stateFailed
		s.stats.Increment(stats.Failed)
		metrics.ObserveRequest(j.url, metrics.OutcomeFailed)
		s.logger.Warn("request failed",
			zap.String("url", j.url),
			zap.Int("retries", j.attempt),
			zap.Error(c.err),
		)
		j.reject(&RequestError{URL: j.url, Err: c.err})
	}
}

func (s *Scheduler) shutdown() {
	cancelled := 0
	cancelJob := func(j *job) {
		j.state = stateCancelled
		metrics.ObserveRequest(j.url, metrics.OutcomeCancelled)
		j.reject(&RequestError{URL: j.url, Err: ErrAborted})
		cancelled++
	}
	for _, j := range s.active {
		j.cancel()
		metrics.DecActiveRequests()
		cancelJob(j)
	}
	for _, j := range s.backoff {
		if j.timer != nil {
			j.timer.Stop()
		}
		cancelJob(j)
	}
	for s.queue.Len() > 0 {
		cancelJob(heap.Pop(&s.queue).(*job))
	}
	s.active = map[uint64]*job{}
	s.backoff = map[uint64]*job{}
	s.running = 0
	s.stats.Set(stats.Queued, 0)
	s.stats.Set(stats.Running, 0)
	metrics.SetQueueDepth(0)
	s.cancel()
	s.logger.Info("scheduler aborted", zap.Int("cancelled", cancelled))
}
