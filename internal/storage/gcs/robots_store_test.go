package gcs

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

var _ robots.Store = (*RobotsStore)(nil)

// fakeBucket serves the subset of the GCS JSON and XML APIs the store uses:
// multipart uploads and media downloads.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		b.upload(w, r)
	case http.MethodGet:
		name := r.URL.Path
		if i := strings.Index(name, "/o/"); i >= 0 {
			name = name[i+len("/o/"):]
		} else {
			name = strings.TrimPrefix(name, "/crawl-state/")
		}
		b.mu.Lock()
		data, ok := b.objects[name]
		b.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"No such object"}}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (b *fakeBucket) upload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || name == "" {
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	if _, err := mr.NextPart(); err != nil { // object metadata
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	media, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(media)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.objects[name] = data
	b.types[name] = media.Header.Get("Content-Type")
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"bucket":"crawl-state","name":"`+name+`"}`)
}

func newTestStore(t *testing.T, handler http.Handler) *RobotsStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	s, err := NewWithClient(client, Config{Bucket: "crawl-state", Prefix: "robots/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRobotsRecordRoundTrip(t *testing.T) {
	t.Parallel()

	bucket := &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
	s := newTestStore(t, bucket)
	ctx := context.Background()

	_, ok, err := s.GetRobots(ctx, "example.com")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := robots.Record{
		Host:       "example.com",
		StatusCode: 200,
		Body:       []byte("User-agent: *\nDisallow: /private\n"),
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, s.PutRobots(ctx, rec))

	bucket.mu.Lock()
	_, stored := bucket.objects["robots/example.com.json"]
	contentType := bucket.types["robots/example.com.json"]
	bucket.mu.Unlock()
	require.True(t, stored, "records are keyed by host under the prefix")
	require.Equal(t, "application/json", contentType)

	got, ok, err := s.GetRobots(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.StatusCode, got.StatusCode)
	require.Equal(t, rec.Body, got.Body)
	require.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
}

func TestRobotsStoreReportsServerErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	ctx := context.Background()

	err := s.PutRobots(ctx, robots.Record{Host: "example.com", StatusCode: 404})
	require.Error(t, err)
	_, ok, err := s.GetRobots(ctx, "example.com")
	require.Error(t, err)
	require.False(t, ok)
}

func TestNewWithClientValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithClient(nil, Config{Bucket: "crawl-state"})
	require.ErrorContains(t, err, "client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = NewWithClient(client, Config{Bucket: " "})
	require.ErrorContains(t, err, "bucket name is required")
}
