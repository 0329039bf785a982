package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sign-in", err: fmt.Errorf("wrapped: %w", ErrSignInRequired), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "server error", err: &StatusError{URL: "u", Code: http.StatusBadGateway}, want: true},
		{name: "too many requests", err: &StatusError{URL: "u", Code: http.StatusTooManyRequests}, want: true},
		{name: "not found", err: &StatusError{URL: "u", Code: http.StatusNotFound}, want: false},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "marked", err: Transient(errors.New("chrome crashed")), want: true},
		{name: "plain", err: errors.New("bad markup"), want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestTransientNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Transient(nil))
	base := errors.New("boom")
	require.ErrorIs(t, Transient(base), base)
}

func TestRouterDispatchesByPathPrefix(t *testing.T) {
	t.Parallel()

	var hits []string
	named := func(name string) Fetcher {
		return Func(func(_ context.Context, req Request) (Response, error) {
			hits = append(hits, name)
			return Response{URL: req.URL, StatusCode: http.StatusOK}, nil
		})
	}
	router := &Router{
		Default: named("default"),
		Routes:  []Route{{PathPrefix: "/cpe/yourpayments", Fetcher: named("headless")}},
	}

	_, err := router.Fetch(context.Background(), Request{URL: "https://www.amazon.com/cpe/yourpayments/transactions"})
	require.NoError(t, err)
	_, err = router.Fetch(context.Background(), Request{URL: "https://www.amazon.com/gp/css/order-history"})
	require.NoError(t, err)
	_, err = router.Fetch(context.Background(), Request{URL: "https://www.amazon.com"})
	require.NoError(t, err)

	require.Equal(t, []string{"headless", "default", "default"}, hits)

	hits = nil
	for _, u := range []string{
		"https://www.amazon.com/gp/css/order-history?returnTo=https://www.amazon.com/cpe/yourpayments/transactions",
		"/gp/your-account/order-details?ref=https://www.amazon.com/cpe/yourpayments",
	} {
		_, err = router.Fetch(context.Background(), Request{URL: u})
		require.NoError(t, err, u)
	}
	require.Equal(t, []string{"default", "default"}, hits, "only the path selects a route")

	_, err = router.Fetch(context.Background(), Request{URL: "https://www.amazon.com/%zz"})
	require.Error(t, err)
}

func TestRouterWithoutDefault(t *testing.T) {
	t.Parallel()

	_, err := (&Router{}).Fetch(context.Background(), Request{URL: "https://example.com/"})
	require.Error(t, err)
}
