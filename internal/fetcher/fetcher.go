// Package fetcher defines the page retrieval boundary used by the scheduler
// together with the error classification that drives retries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSignInRequired reports that the site redirected to its sign-in flow. The
// scheduler suspends dispatch until the session is re-authenticated.
var ErrSignInRequired = errors.New("sign-in required")

// Request describes a single page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Response captures the payload and metadata of a retrieval.
type Response struct {
	// URL is the final URL after redirects.
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves pages. Implementations must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its concrete type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable failure: network errors,
// timeouts, 5xx and 429 statuses, and errors wrapped with Transient. Sign-in
// interruptions and caller cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSignInRequired) || errors.Is(err, context.Canceled) {
		return false
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Route sends requests whose URL path starts with PathPrefix to Fetcher.
type Route struct {
	PathPrefix string
	Fetcher    Fetcher
}

// Router dispatches each request to the first matching route, falling back
// to Default.
type Router struct {
	Default Fetcher
	Routes  []Route
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, req Request) (Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return Response{}, fmt.Errorf("route %q: %w", req.URL, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, route := range r.Routes {
		if route.Fetcher != nil && strings.HasPrefix(path, route.PathPrefix) {
			return route.Fetcher.Fetch(ctx, req)
		}
	}
	if r.Default == nil {
		return Response{}, errors.New("no fetcher configured")
	}
	return r.Default.Fetch(ctx, req)
}
