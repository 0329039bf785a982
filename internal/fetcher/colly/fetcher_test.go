package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session-id"); err == nil {
			w.Header().Set("X-Session", c.Value)
		}
		w.Header().Set("X-Agent", r.UserAgent())
		_, _ = w.Write([]byte(`<html><body><div id="ordersContainer"></div></body></html>`))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ap/signin?return_to=protected", http.StatusFound)
	})
	mux.HandleFunc("/ap/signin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><form name="signIn"><input id="ap_email"/></form></body></html>`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBodyAndCookies(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f, err := New(Config{UserAgent: "test-agent", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, f.SetCookies(srv.URL, []*http.Cookie{{Name: "session-id", Value: "abc", Path: "/"}}))

	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/orders"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "ordersContainer")
	require.Equal(t, "abc", resp.Headers.Get("X-Session"))
	require.Equal(t, "test-agent", resp.Headers.Get("X-Agent"))

	// Revisiting the same URL is allowed; retries depend on it.
	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/orders"})
	require.NoError(t, err)
}

func TestFetchResetCookies(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, f.SetCookies(srv.URL, []*http.Cookie{{Name: "session-id", Value: "abc", Path: "/"}}))
	require.Len(t, f.Cookies(srv.URL), 1)

	require.NoError(t, f.ResetCookies())
	require.Empty(t, f.Cookies(srv.URL))

	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/orders"})
	require.NoError(t, err)
	require.Empty(t, resp.Headers.Get("X-Session"))
}

func TestFetchClassifiesStatuses(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/busy"})
	require.Error(t, err)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	require.True(t, fetcher.IsTransient(err))

	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/missing"})
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.False(t, fetcher.IsTransient(err))
}

func TestFetchDetectsSignIn(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/protected"})
	require.ErrorIs(t, err, fetcher.ErrSignInRequired)
	require.False(t, fetcher.IsTransient(err))
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f, err := New(Config{Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, fetcher.Request{URL: srv.URL + "/slow"})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{})
	require.NoError(t, err)
	req := fetcher.Request{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result fetcher.Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, "https://example.com/final", result.URL)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.NoError(t, fetchErr)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestLoadCookies(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cookies.json")
	data := `[
  {"name":"session-id","value":"123","domain":".amazon.com","path":"/","secure":true,"httpOnly":true,"expirationDate":1900000000},
  {"name":"","value":"ignored"},
  {"name":"ubid-main","value":"456","domain":".amazon.com","path":"/"}
]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cookies, err := LoadCookies(path)
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	require.Equal(t, "session-id", cookies[0].Name)
	require.True(t, cookies[0].Secure)
	require.Equal(t, int64(1900000000), cookies[0].Expires.Unix())
	require.True(t, cookies[1].Expires.IsZero())

	_, err = ParseCookies([]byte("{"))
	require.Error(t, err)
	_, err = LoadCookies(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
