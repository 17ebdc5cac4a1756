// Package frontier holds discovered-but-unfetched URLs, partitioned by host.
//
// URLs are canonicalized and deduplicated against everything queued, in
// flight, or completed within the revisit window. Each host has its own
// priority queue; a host whose queue is full drops new discoveries instead of
// blocking the producer.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Entry is one queued URL.
type Entry struct {
	URL          string    `json:"url"`
	Host         string    `json:"host"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Priority     int       `json:"priority,omitempty"`
	// Attempts counts failed fetches (network errors and timeouts).
	Attempts int `json:"attempts,omitempty"`
	// Slowdowns counts re-queues caused by HTTP 429.
	Slowdowns int       `json:"slowdowns,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Store persists entries that have not completed. In-flight entries stay
// stored until MarkDone or MarkFailed so another node can pick them up.
type Store interface {
	PutEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, url string) error
	ListEntries(ctx context.Context) ([]Entry, error)
}

// HostIndex is implemented by stores that can list entries per host. Restore
// uses it to load only the hosts it keeps.
type HostIndex interface {
	ListHosts(ctx context.Context) ([]string, error)
	ListHostEntries(ctx context.Context, host string) ([]Entry, error)
}

// Config sizes the frontier.
type Config struct {
	MaxPerHost        int
	RevisitWindow     time.Duration
	MaxURLLength      int
	ExpectedURLs      uint
	FalsePositiveRate float64
}

// Drop reasons reported to metrics.
const (
	dropDuplicate = "duplicate"
	dropRevisit   = "revisit_window"
	dropFull      = "host_queue_full"
	dropInvalid   = "invalid"
)

// Frontier is safe for concurrent use.
type Frontier struct {
	cfg    Config
	store  Store
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.Mutex
	queues   map[string]*hostQueue
	nonEmpty map[string]struct{}
	queued   map[string]*item
	inFlight map[string]Entry
	// done maps completed URLs to the time they may be admitted again.
	done     map[string]time.Time
	doneSeen *bloom.BloomFilter
	seq      uint64
	size     int
}

// Option customizes a Frontier.
type Option func(*Frontier)

// WithStore attaches durable storage.
func WithStore(s Store) Option {
	return func(f *Frontier) { f.store = s }
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(f *Frontier) { f.clock = c }
}

// New builds an empty frontier.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Frontier {
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = 10000
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = crawler.DefaultMaxURLLength
	}
	if cfg.ExpectedURLs == 0 {
		cfg.ExpectedURLs = 1_000_000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.01
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{
		cfg:      cfg,
		clock:    system.New(),
		logger:   logger.Named("frontier"),
		queues:   make(map[string]*hostQueue),
		nonEmpty: make(map[string]struct{}),
		queued:   make(map[string]*item),
		inFlight: make(map[string]Entry),
		done:     make(map[string]time.Time),
		doneSeen: bloom.NewWithEstimates(cfg.ExpectedURLs, cfg.FalsePositiveRate),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enqueue canonicalizes rawURL and admits it. It returns false without an
// error for duplicates, ErrFrontierFull when the host queue is at capacity,
// and ErrInvalidURL for URLs that cannot be crawled.
func (f *Frontier) Enqueue(ctx context.Context, rawURL string) (bool, error) {
	return f.EnqueueEntry(ctx, Entry{URL: rawURL})
}

// EnqueueEntry admits e, canonicalizing its URL and deriving its host.
func (f *Frontier) EnqueueEntry(ctx context.Context, e Entry) (bool, error) {
	canonical, err := crawler.NormalizeURL(e.URL)
	if err != nil {
		metrics.ObserveFrontierDrop(dropInvalid)
		return false, err
	}
	if len(canonical) > f.cfg.MaxURLLength {
		metrics.ObserveFrontierDrop(dropInvalid)
		return false, fmt.Errorf("%w: url exceeds %d bytes", crawler.ErrInvalidURL, f.cfg.MaxURLLength)
	}
	host, err := crawler.HostOf(canonical)
	if err != nil {
		metrics.ObserveFrontierDrop(dropInvalid)
		return false, err
	}
	e.URL, e.Host = canonical, host
	now := f.clock.Now()
	if e.DiscoveredAt.IsZero() {
		e.DiscoveredAt = now
	}

	f.mu.Lock()
	if reason := f.rejectLocked(canonical, now); reason != "" {
		f.mu.Unlock()
		metrics.ObserveFrontierDrop(reason)
		return false, nil
	}
	q := f.queueLocked(host)
	if q.Len() >= f.cfg.MaxPerHost {
		f.mu.Unlock()
		metrics.ObserveFrontierDrop(dropFull)
		return false, fmt.Errorf("%w: %s", crawler.ErrFrontierFull, host)
	}
	f.pushLocked(q, e)
	f.mu.Unlock()

	f.persist(ctx, e)
	return true, nil
}

// DequeueReady pops the head of host's queue if its NotBefore has passed and
// marks it in flight.
func (f *Frontier) DequeueReady(host string, now time.Time) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[host]
	if !ok {
		return Entry{}, false
	}
	head := q.peek()
	if head == nil || head.entry.NotBefore.After(now) {
		return Entry{}, false
	}
	it := q.pop()
	delete(f.queued, it.entry.URL)
	f.size--
	f.inFlight[it.entry.URL] = it.entry
	f.trimLocked(host, q)
	metrics.SetFrontierQueued(f.size)
	return it.entry, true
}

// NextReadyAt returns the NotBefore of host's head entry.
func (f *Frontier) NextReadyAt(host string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[host]
	if !ok {
		return time.Time{}, false
	}
	head := q.peek()
	if head == nil {
		return time.Time{}, false
	}
	return head.entry.NotBefore, true
}

// Requeue returns a dispatched entry to its host queue, typically with a
// later NotBefore. It bypasses the per-host bound since the URL was already
// admitted.
func (f *Frontier) Requeue(ctx context.Context, e Entry) error {
	if e.URL == "" || e.Host == "" {
		return fmt.Errorf("%w: requeue needs url and host", crawler.ErrInvalidURL)
	}
	f.mu.Lock()
	delete(f.inFlight, e.URL)
	if _, dup := f.queued[e.URL]; dup {
		f.mu.Unlock()
		return nil
	}
	f.pushLocked(f.queueLocked(e.Host), e)
	f.mu.Unlock()

	f.persist(ctx, e)
	return nil
}

// MarkDone records a completed fetch. The URL is not re-admitted until the
// revisit window passes.
func (f *Frontier) MarkDone(ctx context.Context, url string) error {
	now := f.clock.Now()
	return f.complete(ctx, url, now, now.Add(f.cfg.RevisitWindow))
}

// MarkFailed drops a URL that exhausted its retries. It is treated like a
// completion for dedup purposes.
func (f *Frontier) MarkFailed(ctx context.Context, url string) error {
	now := f.clock.Now()
	return f.complete(ctx, url, now, now.Add(f.cfg.RevisitWindow))
}

// MarkSkipped completes a URL that was not fetched, such as one disallowed by
// robots.txt. It may be admitted again from until, independent of the revisit
// window.
func (f *Frontier) MarkSkipped(ctx context.Context, url string, until time.Time) error {
	return f.complete(ctx, url, f.clock.Now(), until)
}

func (f *Frontier) complete(ctx context.Context, url string, now, until time.Time) error {
	f.mu.Lock()
	delete(f.inFlight, url)
	if it, ok := f.queued[url]; ok {
		// Completed elsewhere while queued here.
		f.removeLocked(it)
	}
	if until.After(now) {
		f.done[url] = until
		f.doneSeen.AddString(url)
	} else {
		delete(f.done, url)
	}
	f.mu.Unlock()

	if f.store == nil {
		return nil
	}
	if err := f.store.DeleteEntry(ctx, url); err != nil {
		return fmt.Errorf("delete frontier entry: %w", err)
	}
	return nil
}

// Hosts returns every host with queued entries, sorted.
func (f *Frontier) Hosts() []string {
	f.mu.Lock()
	hosts := make([]string, 0, len(f.nonEmpty))
	for h := range f.nonEmpty {
		hosts = append(hosts, h)
	}
	f.mu.Unlock()
	sort.Strings(hosts)
	return hosts
}

// HasQueued reports whether host has at least one queued entry.
func (f *Frontier) HasQueued(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nonEmpty[host]
	return ok
}

// Len returns the number of queued entries for host.
func (f *Frontier) Len(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[host]; ok {
		return q.Len()
	}
	return 0
}

// Size returns the total number of queued entries.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// InFlight returns the number of dispatched entries not yet completed.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight)
}

// Restore loads stored entries for hosts accepted by keep that are not
// already known locally. It is how a node picks up work for hosts it has
// just become the owner of. Host queues stay within MaxPerHost; entries past
// the bound remain stored for a later Restore.
func (f *Frontier) Restore(ctx context.Context, keep func(host string) bool) (int, error) {
	if f.store == nil {
		return 0, nil
	}
	entries, err := f.stored(ctx, keep)
	if err != nil {
		return 0, err
	}
	now := f.clock.Now()
	added, over := 0, 0
	f.mu.Lock()
	for _, e := range entries {
		if e.URL == "" || e.Host == "" || (keep != nil && !keep(e.Host)) {
			continue
		}
		if _, ok := f.inFlight[e.URL]; ok {
			continue
		}
		if f.rejectLocked(e.URL, now) != "" {
			continue
		}
		q := f.queueLocked(e.Host)
		if q.Len() >= f.cfg.MaxPerHost {
			over++
			continue
		}
		f.pushLocked(q, e)
		added++
	}
	f.mu.Unlock()

	if added > 0 {
		f.logger.Info("restored frontier entries", zap.Int("count", added))
	}
	if over > 0 {
		f.logger.Debug("restore left entries stored for full host queues", zap.Int("count", over))
	}
	return added, nil
}

// stored lists candidate entries for Restore, per host when the store keeps a
// host index.
func (f *Frontier) stored(ctx context.Context, keep func(host string) bool) ([]Entry, error) {
	idx, ok := f.store.(HostIndex)
	if !ok {
		entries, err := f.store.ListEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("list frontier entries: %w", err)
		}
		return entries, nil
	}
	hosts, err := idx.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list frontier hosts: %w", err)
	}
	var out []Entry
	for _, host := range hosts {
		if keep != nil && !keep(host) {
			continue
		}
		if f.Len(host) >= f.cfg.MaxPerHost {
			continue
		}
		entries, err := idx.ListHostEntries(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("list frontier entries for %s: %w", host, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Evict drops local queued entries for hosts rejected by keep. Stored copies
// are left for the new owner.
func (f *Frontier) Evict(keep func(host string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	evicted := 0
	for host, q := range f.queues {
		if keep(host) {
			continue
		}
		for _, it := range *q {
			delete(f.queued, it.entry.URL)
		}
		evicted += q.Len()
		f.size -= q.Len()
		delete(f.queues, host)
		delete(f.nonEmpty, host)
	}
	metrics.SetFrontierQueued(f.size)
	return evicted
}

// PruneDone forgets completions whose hold has lapsed.
func (f *Frontier) PruneDone(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	pruned := 0
	for url, until := range f.done {
		if !now.Before(until) {
			delete(f.done, url)
			pruned++
		}
	}
	return pruned
}

// rejectLocked returns the drop reason for url, or "" if it may be admitted.
func (f *Frontier) rejectLocked(url string, now time.Time) string {
	if _, ok := f.queued[url]; ok {
		return dropDuplicate
	}
	if _, ok := f.inFlight[url]; ok {
		return dropDuplicate
	}
	if !f.doneSeen.TestString(url) {
		return ""
	}
	until, ok := f.done[url]
	if !ok {
		return ""
	}
	if now.Before(until) {
		return dropRevisit
	}
	delete(f.done, url)
	return ""
}

func (f *Frontier) queueLocked(host string) *hostQueue {
	q, ok := f.queues[host]
	if !ok {
		q = &hostQueue{}
		f.queues[host] = q
	}
	return q
}

func (f *Frontier) pushLocked(q *hostQueue, e Entry) {
	f.seq++
	it := &item{entry: e, seq: f.seq}
	q.push(it)
	f.queued[e.URL] = it
	f.nonEmpty[e.Host] = struct{}{}
	f.size++
	metrics.SetFrontierQueued(f.size)
}

func (f *Frontier) removeLocked(it *item) {
	q, ok := f.queues[it.entry.Host]
	if !ok {
		return
	}
	q.remove(it)
	delete(f.queued, it.entry.URL)
	f.size--
	f.trimLocked(it.entry.Host, q)
	metrics.SetFrontierQueued(f.size)
}

func (f *Frontier) trimLocked(host string, q *hostQueue) {
	if q.Len() == 0 {
		delete(f.queues, host)
		delete(f.nonEmpty, host)
	}
}

func (f *Frontier) persist(ctx context.Context, e Entry) {
	if f.store == nil {
		return
	}
	if err := f.store.PutEntry(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Warn("persist frontier entry failed",
			zap.String("url", e.URL),
			zap.String("host", e.Host),
			zap.Error(err),
		)
	}
}
