package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.Header().Set("X-Resp", "ok")
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "default-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:       srv.URL + "/page",
		UserAgent: "Mozilla/5.0 (compatible; StractBot/0.2)",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))
	require.Equal(t, srv.URL+"/page", resp.URL)
	require.Positive(t, resp.Duration)
	require.Equal(t, "Mozilla/5.0 (compatible; StractBot/0.2)", gotUA)
}

func TestFetchReturnsErrorStatusesAsResults(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusNotFound, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		f := New(Config{Timeout: time.Second})
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
		srv.Close()
		require.NoError(t, err, code)
		require.Equal(t, code, resp.StatusCode)
	}
}

func TestFetchCapsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second, MaxBodyBytes: 4})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "0123", string(resp.Body))
}

func TestFetchTimeoutIsClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 20 * time.Millisecond})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrFetchTimeout)
}

func TestFetchNetworkErrorIsClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrFetchNetwork)
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	v := &visit{started: time.Now()}
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, v)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, v.resp.StatusCode)
	require.Equal(t, "body", string(v.resp.Body))
	require.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com", v.resp.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
}

func TestBuildCollectorOverridesUserAgent(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "base-agent"})
	c := f.buildCollector(context.Background(), crawler.FetchRequest{URL: "https://example.com"}, &visit{})
	require.Equal(t, "base-agent", c.UserAgent)
	require.True(t, c.IgnoreRobotsTxt)
	require.True(t, c.AllowURLRevisit)
	require.True(t, c.ParseHTTPErrorResponse)

	c = f.buildCollector(context.Background(), crawler.FetchRequest{URL: "https://example.com", UserAgent: "StractBot"}, &visit{})
	require.Equal(t, "StractBot", c.UserAgent)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
