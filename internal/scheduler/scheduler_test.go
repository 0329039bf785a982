package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/order-history-scraper/internal/cache/memory"
	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// fakeFetcher serves bodies from a handler and records every fetch.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	handler func(ctx context.Context, url string, call int) (fetcher.Response, error)
}

func newFakeFetcher(handler func(ctx context.Context, url string, call int) (fetcher.Response, error)) *fakeFetcher {
	if handler == nil {
		handler = func(_ context.Context, url string, _ int) (fetcher.Response, error) {
			return fetcher.Response{URL: url, StatusCode: http.StatusOK, Body: []byte("body:" + url)}, nil
		}
	}
	return &fakeFetcher{calls: make(map[string]int), handler: handler}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	call := f.calls[req.URL]
	f.order = append(f.order, req.URL)
	f.mu.Unlock()
	return f.handler(ctx, req.URL, call)
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func identity(b []byte) (string, error) { return string(b), nil }

func newTestScheduler(t *testing.T, cfg Config, deps Deps) *Scheduler {
	t.Helper()
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	s, err := New(context.Background(), "test", cfg, deps)
	require.NoError(t, err)
	t.Cleanup(s.Abort)
	return s
}

// recordDispatch captures dispatch order from the loop goroutine.
func recordDispatch(s *Scheduler) func() []string {
	var mu sync.Mutex
	var order []string
	s.do(func() {
		s.onDispatch = func(url string) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, url)
		}
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}
}

func waitAll[T any](t *testing.T, futures ...*Future[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatal("timed out waiting for futures")
		}
	}
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "p", Config{}, Deps{})
	require.Error(t, err)
}

func TestScheduleResolvesWithConvertedResult(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, Deps{Fetcher: newFakeFetcher(nil)})
	resp, err := Schedule(s, Request{URL: "https://www.amazon.com/a"}, func(b []byte) (int, error) {
		return len(b), nil
	}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len("body:https://www.amazon.com/a"), resp.Result)
	assert.Equal(t, "https://www.amazon.com/a", resp.Query)
	assert.Equal(t, "test", s.Purpose())
}

func TestScheduleContractErrors(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, Deps{Fetcher: newFakeFetcher(nil)})

	_, err := Schedule(s, Request{}, identity).Wait(context.Background())
	require.ErrorIs(t, err, ErrMissingURL)

	_, err = Schedule[string](s, Request{URL: "https://x"}, nil).Wait(context.Background())
	require.ErrorIs(t, err, ErrMissingConverter)
	require.Equal(t, "https://x", FailedURL(err))
}

// Priority ordering: with all requests queued before dispatch, lower
// priorities go first and equal priorities keep submission order.
func TestDispatchOrderFollowsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{MaxConcurrent: 10}, Deps{Fetcher: newFakeFetcher(nil)})
	dispatched := recordDispatch(s)
	s.Suspend()

	submissions := []struct {
		url string
		pri Priority
	}{
		{"e", "5"}, {"a", "1"}, {"f", "5"}, {"b", "1"}, {"z", "00000"}, {"c", "2"},
	}
	var futures []*Future[string]
	for _, sub := range submissions {
		futures = append(futures, Schedule(s, Request{URL: sub.url, Priority: sub.pri}, identity))
	}
	s.Resume()
	waitAll(t, futures...)

	assert.Equal(t, []string{"z", "a", "b", "c", "e", "f"}, dispatched())
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	})
	st := stats.New()
	s := newTestScheduler(t, Config{MaxConcurrent: 3}, Deps{Fetcher: f, Stats: st})

	var futures []*Future[string]
	for i := 0; i < 20; i++ {
		futures = append(futures, Schedule(s, Request{URL: fmt.Sprintf("https://www.amazon.com/%d", i)}, identity))
	}
	waitAll(t, futures...)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 20, f.total())
	assert.Equal(t, stats.Snapshot{Succeeded: 20}, st.Snapshot())
}

func TestCacheHitSkipsNetworkAndSlot(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFakeFetcher(func(ctx context.Context, url string, _ int) (fetcher.Response, error) {
		if url == "https://www.amazon.com/block" {
			select {
			case <-release:
			case <-ctx.Done():
				return fetcher.Response{}, ctx.Err()
			}
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte("body:" + url)}, nil
	})
	c := memory.New()
	st := stats.New()
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, Deps{Fetcher: f, Cache: c, Stats: st})

	first, err := Schedule(s, Request{URL: "https://www.amazon.com/o"}, identity).Wait(context.Background())
	require.NoError(t, err)

	// Occupy the only slot; a hit that needed one could not settle.
	blocked := Schedule(s, Request{URL: "https://www.amazon.com/block"}, identity)
	require.Eventually(t, func() bool { return st.Get(stats.Running) == 1 }, time.Second, time.Millisecond)

	fut := Schedule(s, Request{URL: "https://www.amazon.com/o"}, identity)
	second, err, settled := fut.Settled()
	require.True(t, settled, "cache hits resolve synchronously")
	require.NoError(t, err)
	close(release)
	waitAll(t, blocked)

	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 1, f.count("https://www.amazon.com/o"))
	assert.Equal(t, 1, st.Get(stats.CacheHit))
	assert.Equal(t, 3, st.Get(stats.Succeeded))
	assert.Zero(t, st.Get(stats.Running))
}

func TestNoCacheAlwaysFetchesAndRefreshesCache(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(nil)
	c := memory.New()
	require.NoError(t, c.Set(context.Background(), "https://www.amazon.com/o", []byte("stale")))
	st := stats.New()
	s := newTestScheduler(t, Config{}, Deps{Fetcher: f, Cache: c, Stats: st})

	resp, err := Schedule(s, Request{URL: "https://www.amazon.com/o", NoCache: true}, identity).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "body:https://www.amazon.com/o", resp.Result)
	assert.Equal(t, 1, f.count("https://www.amazon.com/o"))
	assert.Zero(t, st.Get(stats.CacheHit))

	cached, ok := c.Get(context.Background(), "https://www.amazon.com/o")
	require.True(t, ok)
	assert.Equal(t, "body:https://www.amazon.com/o", string(cached))
}

func TestNoStoreSkipsCacheWrite(t *testing.T) {
	t.Parallel()

	c := memory.New()
	s := newTestScheduler(t, Config{}, Deps{Fetcher: newFakeFetcher(nil), Cache: c})

	_, err := Schedule(s, Request{URL: "https://www.amazon.com/t", NoCache: true, NoStore: true}, identity).Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

func TestCacheContextSeparatesKeys(t *testing.T) {
	t.Parallel()

	c := memory.New()
	f := newFakeFetcher(nil)
	s := newTestScheduler(t, Config{}, Deps{Fetcher: f, Cache: c})

	_, err := Schedule(s, Request{URL: "https://www.amazon.com/p", CacheContext: "payments"}, identity).Wait(context.Background())
	require.NoError(t, err)
	_, err = Schedule(s, Request{URL: "https://www.amazon.com/p"}, identity).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, f.count("https://www.amazon.com/p"))
	_, ok := c.Get(context.Background(), "https://www.amazon.com/p#payments")
	assert.True(t, ok)
}

func TestRejectedCachedPayloadIsRefetched(t *testing.T) {
	t.Parallel()

	c := memory.New()
	require.NoError(t, c.Set(context.Background(), "https://www.amazon.com/o", []byte("corrupt")))
	f := newFakeFetcher(nil)
	st := stats.New()
	s := newTestScheduler(t, Config{}, Deps{Fetcher: f, Cache: c, Stats: st})

	strict := func(b []byte) (string, error) {
		if string(b) == "corrupt" {
			return "", errors.New("unexpected page")
		}
		return string(b), nil
	}
	resp, err := Schedule(s, Request{URL: "https://www.amazon.com/o"}, strict).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "body:https://www.amazon.com/o", resp.Result)
	assert.Equal(t, 1, f.count("https://www.amazon.com/o"))
	assert.Zero(t, st.Get(stats.CacheHit))
}

func TestConversionErrorIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(nil)
	c := memory.New()
	st := stats.New()
	s := newTestScheduler(t, Config{Retry: NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)},
		Deps{Fetcher: f, Cache: c, Stats: st})

	_, err := Schedule(s, Request{URL: "https://www.amazon.com/bad"}, func([]byte) (int, error) {
		return 0, errors.New("no orders table")
	}).Wait(context.Background())

	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "https://www.amazon.com/bad", FailedURL(err))
	assert.Equal(t, 1, f.count("https://www.amazon.com/bad"))
	assert.Zero(t, c.Len(), "unconvertible payloads are not cached")
	assert.Equal(t, stats.Snapshot{Failed: 1}, st.Snapshot())
}

func TestConversionErrorIsNeverRetried(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(nil)
	st := stats.New()
	var signIns atomic.Int32
	s := newTestScheduler(t, Config{Retry: NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)},
		Deps{Fetcher: f, Stats: st, OnSignIn: func(string) { signIns.Add(1) }})

	for i, convErr := range []error{
		fmt.Errorf("parse detail: %w", context.DeadlineExceeded),
		fmt.Errorf("parse detail: %w", fetcher.Transient(errors.New("odd markup"))),
		fmt.Errorf("parse detail: %w", &fetcher.StatusError{Code: http.StatusServiceUnavailable}),
		fmt.Errorf("parse detail: %w", fetcher.ErrSignInRequired),
	} {
		url := fmt.Sprintf("https://www.amazon.com/detail/%d", i)
		_, err := Schedule(s, Request{URL: url}, func([]byte) (int, error) {
			return 0, convErr
		}).Wait(context.Background())

		var got *ConversionError
		require.ErrorAs(t, err, &got, convErr.Error())
		assert.Equal(t, 1, f.count(url), "converter failures get one fetch: %v", convErr)
	}
	assert.False(t, s.Suspended(), "a converter error never suspends dispatch")
	assert.Zero(t, signIns.Load())
	assert.Equal(t, stats.Snapshot{Failed: 4}, st.Snapshot())
}

// Retry bound: N retries means N+1 attempts before rejection.
func TestRetryBound(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		return fetcher.Response{}, &fetcher.StatusError{URL: url, Code: http.StatusServiceUnavailable}
	})
	st := stats.New()
	s := newTestScheduler(t, Config{Retry: NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond)},
		Deps{Fetcher: f, Stats: st})

	_, err := Schedule(s, Request{URL: "https://www.amazon.com/503"}, identity).Wait(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "https://www.amazon.com/503", reqErr.URL)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 4, f.count("https://www.amazon.com/503"))
	assert.Equal(t, stats.Snapshot{Failed: 1}, st.Snapshot())
}

func TestRetrySucceedsWithoutFurtherAttempts(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(_ context.Context, url string, call int) (fetcher.Response, error) {
		if call < 2 {
			return fetcher.Response{}, fetcher.Transient(errors.New("connection reset"))
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	st := stats.New()
	s := newTestScheduler(t, Config{Retry: NewExponentialRetryPolicy(5, time.Millisecond, time.Millisecond)},
		Deps{Fetcher: f, Stats: st})

	resp, err := Schedule(s, Request{URL: "https://www.amazon.com/flaky"}, identity).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, 2, f.count("https://www.amazon.com/flaky"))
	assert.Equal(t, stats.Snapshot{Succeeded: 1}, st.Snapshot())
}

func TestPermanentStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		return fetcher.Response{URL: url, StatusCode: http.StatusNotFound}, nil
	})
	s := newTestScheduler(t, Config{Retry: NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)},
		Deps{Fetcher: f})

	_, err := Schedule(s, Request{URL: "https://www.amazon.com/404"}, identity).Wait(context.Background())
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, 1, f.count("https://www.amazon.com/404"))
}

func TestRequestTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(ctx context.Context, url string, call int) (fetcher.Response, error) {
		if call == 1 {
			<-ctx.Done()
			return fetcher.Response{}, ctx.Err()
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte("late")}, nil
	})
	s := newTestScheduler(t, Config{
		RequestTimeout: 10 * time.Millisecond,
		Retry:          NewExponentialRetryPolicy(1, time.Millisecond, time.Millisecond),
	}, Deps{Fetcher: f})

	resp, err := Schedule(s, Request{URL: "https://www.amazon.com/slow"}, identity).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", resp.Result)
}

// Statistics accounting: after everything settles the counters reflect
// each outcome exactly once.
func TestStatisticsAccounting(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		if len(url) > 0 && url[len(url)-1] == 'x' {
			return fetcher.Response{StatusCode: http.StatusForbidden}, nil
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	})
	st := stats.New()
	s := newTestScheduler(t, Config{MaxConcurrent: 2}, Deps{Fetcher: f, Stats: st})

	var futures []*Future[string]
	for i := 0; i < 7; i++ {
		futures = append(futures, Schedule(s, Request{URL: fmt.Sprintf("https://www.amazon.com/ok%d", i)}, identity))
	}
	for i := 0; i < 3; i++ {
		futures = append(futures, Schedule(s, Request{URL: fmt.Sprintf("https://www.amazon.com/%dx", i)}, identity))
	}
	waitAll(t, futures...)

	snap := st.Snapshot()
	assert.Equal(t, 7, snap.Succeeded)
	assert.Equal(t, 3, snap.Failed)
	assert.True(t, snap.Idle())
}

// Abort completeness: every prior future is settled when Abort returns and no
// fetch is issued afterwards.
func TestAbortSettlesEverything(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	f := newFakeFetcher(func(ctx context.Context, _ string, _ int) (fetcher.Response, error) {
		started.Add(1)
		<-ctx.Done()
		return fetcher.Response{}, ctx.Err()
	})
	st := stats.New()
	s, err := New(context.Background(), "abort", Config{MaxConcurrent: 2}, Deps{Fetcher: f, Stats: st})
	require.NoError(t, err)

	var futures []*Future[string]
	for i := 0; i < 6; i++ {
		futures = append(futures, Schedule(s, Request{URL: fmt.Sprintf("https://www.amazon.com/%d", i)}, identity))
	}
	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)

	s.Abort()
	for _, fut := range futures {
		_, err, ok := fut.Settled()
		require.True(t, ok)
		require.ErrorIs(t, err, ErrAborted)
		require.NotEmpty(t, FailedURL(err))
	}
	assert.True(t, s.Aborted())

	_, err = Schedule(s, Request{URL: "https://www.amazon.com/after"}, identity).Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.total())
	snap := st.Snapshot()
	assert.Zero(t, snap.Queued)
	assert.Zero(t, snap.Running)
	assert.Zero(t, snap.Failed, "cancelled requests are not failures")

	s.Abort()
}

func TestAbortCancelsBackoff(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		return fetcher.Response{}, &fetcher.StatusError{URL: url, Code: http.StatusTooManyRequests}
	})
	st := stats.New()
	s, err := New(context.Background(), "backoff", Config{Retry: NewExponentialRetryPolicy(5, time.Hour, time.Hour)},
		Deps{Fetcher: f, Stats: st})
	require.NoError(t, err)

	fut := Schedule(s, Request{URL: "https://www.amazon.com/429"}, identity)
	require.Eventually(t, func() bool { return st.Get(stats.Queued) == 1 && f.total() == 1 }, time.Second, time.Millisecond)

	s.Abort()
	_, err, ok := fut.Settled()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrAborted)
	assert.True(t, st.Snapshot().Idle())
}

func TestParentContextCancellationAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	f := newFakeFetcher(func(ctx context.Context, _ string, _ int) (fetcher.Response, error) {
		<-ctx.Done()
		return fetcher.Response{}, ctx.Err()
	})
	s, err := New(ctx, "parent", Config{}, Deps{Fetcher: f})
	require.NoError(t, err)

	fut := Schedule(s, Request{URL: "https://www.amazon.com/p"}, identity)
	cancel()
	_, err = fut.Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	require.Eventually(t, s.Aborted, time.Second, time.Millisecond)
}

// Example scenario: A(1), B(5), C(1) with one slot dispatch as A, C, B;
// aborting after A resolves rejects B and C and zeroes the live counters.
func TestScenarioPriorityThenAbort(t *testing.T) {
	t.Parallel()

	releaseA := make(chan struct{})
	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		if url == "A" {
			<-releaseA
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	})
	st := stats.New()
	s, err := New(context.Background(), "scenario", Config{MaxConcurrent: 1}, Deps{Fetcher: f, Stats: st})
	require.NoError(t, err)
	dispatched := recordDispatch(s)

	a := Schedule(s, Request{URL: "A", Priority: "1"}, identity)
	b := Schedule(s, Request{URL: "B", Priority: "5"}, identity)
	c := Schedule(s, Request{URL: "C", Priority: "1"}, identity)

	// Hold further dispatch so the abort lands between A and C.
	s.Suspend()
	close(releaseA)
	resp, err := a.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A", resp.Result)

	s.Abort()
	for _, fut := range []*Future[string]{b, c} {
		_, err, ok := fut.Settled()
		require.True(t, ok)
		require.ErrorIs(t, err, ErrAborted)
	}
	assert.Equal(t, []string{"A"}, dispatched())
	snap := st.Snapshot()
	assert.Zero(t, snap.Running)
	assert.Zero(t, snap.Queued)
	assert.Equal(t, 1, snap.Succeeded)
}

func TestScenarioDispatchOrder(t *testing.T) {
	t.Parallel()

	releaseA := make(chan struct{})
	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		if url == "A" {
			<-releaseA
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	})
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, Deps{Fetcher: f})
	dispatched := recordDispatch(s)

	a := Schedule(s, Request{URL: "A", Priority: "1"}, identity)
	b := Schedule(s, Request{URL: "B", Priority: "5"}, identity)
	c := Schedule(s, Request{URL: "C", Priority: "1"}, identity)
	close(releaseA)
	waitAll(t, a, b, c)

	assert.Equal(t, []string{"A", "C", "B"}, dispatched())
}

func TestSignInSuspendsAndResumes(t *testing.T) {
	t.Parallel()

	var signedIn atomic.Bool
	f := newFakeFetcher(func(_ context.Context, url string, _ int) (fetcher.Response, error) {
		if url == "https://www.amazon.com/detail" && !signedIn.Load() {
			return fetcher.Response{}, fetcher.ErrSignInRequired
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	})
	notified := make(chan string, 1)
	st := stats.New()
	s := newTestScheduler(t, Config{MaxConcurrent: 1, Retry: NewExponentialRetryPolicy(0, time.Millisecond, time.Millisecond)},
		Deps{Fetcher: f, Stats: st, OnSignIn: func(url string) { notified <- url }})

	detail := Schedule(s, Request{URL: "https://www.amazon.com/detail", Priority: "1"}, identity)
	other := Schedule(s, Request{URL: "https://www.amazon.com/other", Priority: "2"}, identity)

	select {
	case url := <-notified:
		assert.Equal(t, "https://www.amazon.com/detail", url)
	case <-time.After(time.Second):
		t.Fatal("sign-in callback not invoked")
	}
	require.True(t, s.Suspended())
	_, _, settled := detail.Settled()
	assert.False(t, settled, "sign-in does not fail the request")
	_, _, settled = other.Settled()
	assert.False(t, settled, "queued requests stay queued")
	assert.Equal(t, 2, st.Get(stats.Queued))

	signedIn.Store(true)
	s.Resume()
	waitAll(t, detail, other)

	_, err := detail.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("https://www.amazon.com/detail"), "sign-in is not counted against retries")
	assert.Equal(t, stats.Snapshot{Succeeded: 2}, st.Snapshot())
}

func TestFutureWaitHonorsContext(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(func(ctx context.Context, _ string, _ int) (fetcher.Response, error) {
		<-ctx.Done()
		return fetcher.Response{}, ctx.Err()
	})
	s := newTestScheduler(t, Config{}, Deps{Fetcher: f})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Schedule(s, Request{URL: "https://www.amazon.com/hang"}, identity).Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

func TestLimiterConsultedPerFetch(t *testing.T) {
	t.Parallel()

	lim := &countingLimiter{}
	c := memory.New()
	require.NoError(t, c.Set(context.Background(), "https://www.amazon.com/cached", []byte("x")))
	s := newTestScheduler(t, Config{}, Deps{Fetcher: newFakeFetcher(nil), Limiter: lim, Cache: c})

	waitAll(t,
		Schedule(s, Request{URL: "https://www.amazon.com/1"}, identity),
		Schedule(s, Request{URL: "https://www.amazon.com/2"}, identity),
		Schedule(s, Request{URL: "https://www.amazon.com/cached"}, identity),
	)
	assert.Equal(t, int32(2), lim.waits.Load())
}

func TestPriorityFromInt(t *testing.T) {
	t.Parallel()

	assert.Less(t, string(PriorityFromInt(9)), string(PriorityFromInt(10)))
	assert.Equal(t, PriorityFromInt(0), PriorityFromInt(-4))
}

func TestExponentialBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, 300*time.Millisecond)
	for retry := 1; retry <= 5; retry++ {
		d := p.Backoff(retry)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
	assert.True(t, p.ShouldRetry(&fetcher.StatusError{Code: 500}, 2))
	assert.False(t, p.ShouldRetry(&fetcher.StatusError{Code: 500}, 3))
	assert.False(t, p.ShouldRetry(&fetcher.StatusError{Code: 404}, 0))
	assert.False(t, p.ShouldRetry(fetcher.ErrSignInRequired, 0))
	assert.False(t, NoRetry{}.ShouldRetry(errors.New("x"), 0))
}

// gatedCache blocks every Get until release is closed.
type gatedCache struct {
	*memory.Cache
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return c.Cache.Get(ctx, key)
}

func TestCacheHitAfterAbortDoesNotCount(t *testing.T) {
	t.Parallel()

	const url = "https://www.amazon.com/o"
	c := &gatedCache{Cache: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, c.Cache.Set(context.Background(), url, []byte("cached")))
	st := stats.New()
	f := newFakeFetcher(nil)
	s := newTestScheduler(t, Config{}, Deps{Fetcher: f, Cache: c, Stats: st})

	futures := make(chan *Future[string], 1)
	go func() { futures <- Schedule(s, Request{URL: url}, identity) }()
	<-c.entered

	// The next purpose starts while the lookup is still in progress.
	s.Abort()
	st.Clear()
	close(c.release)

	fut := <-futures
	_, err := fut.Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, url, FailedURL(err))
	assert.Equal(t, stats.Snapshot{}, st.Snapshot(), "the new purpose starts from zero")
	assert.Zero(t, f.total())
}
