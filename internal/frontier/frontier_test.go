package frontier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/manual"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]Entry)}
}

func (m *memStore) PutEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.URL] = e
	return nil
}

func (m *memStore) DeleteEntry(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, url)
	return nil
}

func (m *memStore) ListEntries(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// indexedStore adds a host index and records which hosts were loaded.
type indexedStore struct {
	*memStore
	loaded []string
}

func (m *indexedStore) ListHosts(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var hosts []string
	for _, e := range m.entries {
		if _, ok := seen[e.Host]; !ok {
			seen[e.Host] = struct{}{}
			hosts = append(hosts, e.Host)
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (m *indexedStore) ListHostEntries(_ context.Context, host string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = append(m.loaded, host)
	var out []Entry
	for _, e := range m.entries {
		if e.Host == host {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func newTestFrontier(cfg Config, opts ...Option) (*Frontier, *manual.Clock) {
	clk := manual.New(t0)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(cfg, nil, opts...), clk
}

func TestEnqueueDeduplicatesCanonicalForms(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(Config{})
	ctx := context.Background()

	ok, err := f.Enqueue(ctx, "http://Example.com/a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.Enqueue(ctx, "http://example.com/a/")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.Enqueue(ctx, "http://example.com:80/a#frag")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, f.Size())
	require.Equal(t, 1, f.Len("example.com"))
	require.Equal(t, []string{"example.com"}, f.Hosts())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(Config{MaxURLLength: 40})
	ctx := context.Background()

	_, err := f.Enqueue(ctx, "ftp://example.com/file")
	require.ErrorIs(t, err, crawler.ErrInvalidURL)

	_, err = f.Enqueue(ctx, "http://example.com/"+fmt.Sprintf("%050d", 0))
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	require.Zero(t, f.Size())
}

func TestBackpressureDropsWhenHostFull(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(Config{MaxPerHost: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := f.Enqueue(ctx, fmt.Sprintf("http://example.com/%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := f.Enqueue(ctx, "http://example.com/overflow")
	require.ErrorIs(t, err, crawler.ErrFrontierFull)
	require.False(t, ok)

	ok, err = f.Enqueue(ctx, "http://other.com/")
	require.NoError(t, err)
	require.True(t, ok, "other hosts are unaffected")
}

func TestDequeueReadyMovesEntryInFlight(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{RevisitWindow: time.Hour})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "http://example.com/a")
	require.NoError(t, err)

	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.Equal(t, "http://example.com/a", e.URL)
	require.Equal(t, "example.com", e.Host)
	require.Equal(t, t0, e.DiscoveredAt)
	require.False(t, f.HasQueued("example.com"))
	require.Equal(t, 1, f.InFlight())

	ok, err = f.Enqueue(ctx, "http://example.com/a")
	require.NoError(t, err)
	require.False(t, ok, "in-flight URL is a duplicate")

	_, ok = f.DequeueReady("example.com", clk.Now())
	require.False(t, ok)
	_, ok = f.DequeueReady("unknown.test", clk.Now())
	require.False(t, ok)
}

func TestRevisitWindow(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{RevisitWindow: time.Hour})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "http://example.com/a")
	require.NoError(t, err)
	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.NoError(t, f.MarkDone(ctx, e.URL))
	require.Zero(t, f.InFlight())

	clk.Advance(30 * time.Minute)
	ok, err = f.Enqueue(ctx, "http://example.com/a/")
	require.NoError(t, err)
	require.False(t, ok, "completed within the window")

	clk.Advance(31 * time.Minute)
	ok, err = f.Enqueue(ctx, "http://example.com/a")
	require.NoError(t, err)
	require.True(t, ok, "window elapsed")
}

func TestMarkSkippedHoldsUntilGivenTime(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{RevisitWindow: 24 * time.Hour})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "http://example.com/private")
	require.NoError(t, err)
	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.NoError(t, f.MarkSkipped(ctx, e.URL, clk.Now().Add(time.Hour)))
	require.Zero(t, f.InFlight())

	clk.Advance(59 * time.Minute)
	ok, err = f.Enqueue(ctx, e.URL)
	require.NoError(t, err)
	require.False(t, ok, "held until the given time")

	clk.Advance(time.Minute)
	ok, err = f.Enqueue(ctx, e.URL)
	require.NoError(t, err)
	require.True(t, ok, "the revisit window does not apply to skipped URLs")
}

func TestMarkSkippedWithoutRevisitWindow(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "http://example.com/private")
	require.NoError(t, err)
	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.NoError(t, f.MarkSkipped(ctx, e.URL, clk.Now().Add(time.Minute)))

	ok, err = f.Enqueue(ctx, e.URL)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, f.PruneDone(clk.Now().Add(time.Minute)))
}

func TestPruneDone(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{RevisitWindow: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		u := fmt.Sprintf("http://example.com/%d", i)
		_, err := f.Enqueue(ctx, u)
		require.NoError(t, err)
		e, ok := f.DequeueReady("example.com", clk.Now())
		require.True(t, ok)
		require.NoError(t, f.MarkDone(ctx, e.URL))
	}
	require.Zero(t, f.PruneDone(clk.Now()))
	require.Equal(t, 3, f.PruneDone(clk.Now().Add(time.Minute)))
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{})
	ctx := context.Background()
	_, err := f.EnqueueEntry(ctx, Entry{URL: "http://example.com/low"})
	require.NoError(t, err)
	_, err = f.EnqueueEntry(ctx, Entry{URL: "http://example.com/high", Priority: 5})
	require.NoError(t, err)
	_, err = f.EnqueueEntry(ctx, Entry{URL: "http://example.com/later", Priority: 9, NotBefore: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.EnqueueEntry(ctx, Entry{URL: "http://example.com/low2"})
	require.NoError(t, err)

	var got []string
	for {
		e, ok := f.DequeueReady("example.com", clk.Now())
		if !ok {
			break
		}
		got = append(got, e.URL)
	}
	require.Equal(t, []string{
		"http://example.com/high",
		"http://example.com/low",
		"http://example.com/low2",
	}, got)

	next, ok := f.NextReadyAt("example.com")
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Minute), next)

	clk.Advance(time.Minute)
	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.Equal(t, "http://example.com/later", e.URL)
}

func TestRequeueHonorsNotBefore(t *testing.T) {
	t.Parallel()

	f, clk := newTestFrontier(Config{})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "http://example.com/a")
	require.NoError(t, err)
	e, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)

	e.Attempts++
	e.NotBefore = clk.Now().Add(10 * time.Second)
	require.NoError(t, f.Requeue(ctx, e))
	require.Zero(t, f.InFlight())
	require.True(t, f.HasQueued("example.com"))

	_, ok = f.DequeueReady("example.com", clk.Now())
	require.False(t, ok)
	clk.Advance(10 * time.Second)
	got, ok := f.DequeueReady("example.com", clk.Now())
	require.True(t, ok)
	require.Equal(t, 1, got.Attempts)
}

func TestStoreLifecycleAndRestore(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	a, clk := newTestFrontier(Config{}, WithStore(store))
	ctx := context.Background()

	for _, u := range []string{"http://a.test/1", "http://b.test/1", "http://b.test/2"} {
		_, err := a.Enqueue(ctx, u)
		require.NoError(t, err)
	}
	require.Len(t, store.entries, 3)

	e, ok := a.DequeueReady("a.test", clk.Now())
	require.True(t, ok)
	require.Len(t, store.entries, 3, "in-flight entries stay stored")
	require.NoError(t, a.MarkDone(ctx, e.URL))
	require.Len(t, store.entries, 2)

	// A second node picks up only the hosts it owns.
	b, _ := newTestFrontier(Config{}, WithStore(store))
	added, err := b.Restore(ctx, func(host string) bool { return host == "b.test" })
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, 2, b.Len("b.test"))

	added, err = b.Restore(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, added, "known entries are not restored twice")
}

func TestRestoreRespectsMaxPerHost(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		u := fmt.Sprintf("http://a.test/%d", i)
		require.NoError(t, store.PutEntry(ctx, Entry{URL: u, Host: "a.test", DiscoveredAt: t0}))
	}

	f, _ := newTestFrontier(Config{MaxPerHost: 2}, WithStore(store))
	added, err := f.Restore(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, 2, f.Len("a.test"))
	require.Len(t, store.entries, 5, "entries past the bound stay stored")

	added, err = f.Restore(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, 2, f.Len("a.test"))
}

func TestRestoreLoadsOnlyKeptHostsFromIndex(t *testing.T) {
	t.Parallel()

	store := &indexedStore{memStore: newMemStore()}
	ctx := context.Background()
	for _, u := range []string{"http://a.test/1", "http://b.test/1", "http://b.test/2", "http://c.test/1"} {
		host, err := crawler.HostOf(u)
		require.NoError(t, err)
		require.NoError(t, store.PutEntry(ctx, Entry{URL: u, Host: host, DiscoveredAt: t0}))
	}

	f, _ := newTestFrontier(Config{MaxPerHost: 1}, WithStore(store))
	added, err := f.Restore(ctx, func(host string) bool { return host != "c.test" })
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, 1, f.Len("b.test"))
	require.Equal(t, []string{"a.test", "b.test"}, store.loaded)

	// Full hosts are not loaded again.
	added, err = f.Restore(ctx, func(host string) bool { return host != "c.test" })
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, []string{"a.test", "b.test"}, store.loaded)
}

func TestEvictDropsUnownedHosts(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	f, _ := newTestFrontier(Config{}, WithStore(store))
	ctx := context.Background()
	for _, u := range []string{"http://a.test/1", "http://b.test/1", "http://b.test/2"} {
		_, err := f.Enqueue(ctx, u)
		require.NoError(t, err)
	}

	evicted := f.Evict(func(host string) bool { return host == "a.test" })
	require.Equal(t, 2, evicted)
	require.Equal(t, []string{"a.test"}, f.Hosts())
	require.Equal(t, 1, f.Size())
	require.Len(t, store.entries, 3, "stored copies remain for the new owner")

	ok, err := f.Enqueue(ctx, "http://b.test/1")
	require.NoError(t, err)
	require.True(t, ok, "evicted URLs are no longer known locally")
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(Config{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = f.Enqueue(ctx, fmt.Sprintf("http://h%d.test/%d", i%5, i))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, f.Size())
	require.Len(t, f.Hosts(), 5)
}
