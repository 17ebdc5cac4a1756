package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/ownership"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
)

type fakeHosts struct {
	asked string
}

func (f *fakeHosts) Describe(host string) scheduler.HostStatus {
	f.asked = host
	return scheduler.HostStatus{Host: host, State: scheduler.StateEligible, Owner: "node-a", Owned: true, Queued: 3, PolitenessFactor: 2}
}

type testServer struct {
	server   *Server
	hosts    *fakeHosts
	frontier *frontier.Frontier
	owner    *ownership.Coordinator
	wakes    int
}

func newTestServer(ready func(context.Context) error) *testServer {
	ts := &testServer{
		hosts:    &fakeHosts{},
		frontier: frontier.New(frontier.Config{MaxPerHost: 2}, nil),
		owner:    ownership.New("node-a", nil),
	}
	ts.server = NewServer(Deps{
		Hosts:      ts.hosts,
		Frontier:   ts.frontier,
		Membership: ts.owner,
		Wake:       func() { ts.wakes++ },
		Ready:      ready,
	}, nil)
	return ts
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := newTestServer(nil).do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	rec := newTestServer(nil).do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = newTestServer(func(context.Context) error { return errors.New("storage unreachable") }).
		do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "storage unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	ts.do(http.MethodGet, "/healthz", nil)
	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetHostNormalizesName(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	rec := ts.do(http.MethodGet, "/v1/hosts/Example.COM", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "example.com", ts.hosts.asked)

	var got scheduler.HostStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, scheduler.StateEligible, got.State)
	require.Equal(t, 3, got.Queued)
	require.Equal(t, 2, got.PolitenessFactor)
}

func TestEnqueueURLs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	body := []byte(`{"urls":[
		"https://example.com/a",
		{"url":"https://example.com/b","priority":4},
		"https://EXAMPLE.com/a/",
		"ftp://example.com/c",
		"https://example.com/d",
		42
	]}`)
	rec := ts.do(http.MethodPost, "/v1/urls", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)
	require.Equal(t, 1, resp.Duplicates)
	require.Len(t, resp.Rejected, 3, "bad scheme, host queue full, not a url")
	require.Equal(t, 2, ts.frontier.Len("example.com"))
	require.Equal(t, 1, ts.wakes)
}

func TestEnqueueURLsValidatesBody(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/v1/urls", []byte("{invalid")).Code)
	rec := ts.do(http.MethodPost, "/v1/urls", []byte(`{"urls":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "urls required")
	require.Zero(t, ts.wakes)
}

func TestGetMembership(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	rec := ts.do(http.MethodGet, "/v1/membership", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"self":"node-a","members":[],"standalone":true}`, rec.Body.String())

	ts.owner.Apply([]string{"node-b", "node-a"})
	rec = ts.do(http.MethodGet, "/v1/membership", nil)
	require.JSONEq(t, `{"self":"node-a","members":["node-a","node-b"],"standalone":false}`, rec.Body.String())
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	ts := newTestServer(nil)
	handler := ts.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
