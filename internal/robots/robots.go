// Package robots caches per-host robots.txt rules and answers whether the
// crawler may fetch a path.
//
// Each host has one entry guarded by its own locks, so a refresh for one host
// never blocks lookups or refreshes for another, and at most one robots.txt
// fetch per host is in progress at a time.
package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Status describes how the cached decision for a host was obtained.
type Status string

// Entry statuses.
const (
	StatusUnknown     Status = ""
	StatusRules       Status = "rules"
	StatusNotFound    Status = "not_found"
	StatusMalformed   Status = "malformed"
	StatusUnavailable Status = "unavailable"
	StatusIgnored     Status = "ignored"
)

// Config controls cache behavior.
type Config struct {
	Respect   bool
	UserAgent crawler.UserAgent
	TTL       time.Duration
	GraceTTL  time.Duration
	MaxBytes  int
}

// Record is the durable form of a cache entry.
type Record struct {
	Host       string    `json:"host"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists robots records so a restarted or newly owning node can skip
// the network.
type Store interface {
	PutRobots(ctx context.Context, rec Record) error
	GetRobots(ctx context.Context, host string) (Record, bool, error)
}

// Snapshot is a read-only view of a host entry.
type Snapshot struct {
	Host      string
	Status    Status
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Cache is the per-host robots.txt cache.
type Cache struct {
	cfg     Config
	fetcher crawler.Fetcher
	store   Store
	clock   crawler.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// refresh serializes network fetches for the host.
	refresh sync.Mutex

	mu        sync.RWMutex
	loaded    bool
	status    Status
	group     *robotstxt.Group
	fetchedAt time.Time
	expiresAt time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithStore attaches a durable store.
func WithStore(store Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// New builds a cache that fetches robots.txt through fetcher.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.GraceTTL <= 0 {
		cfg.GraceTTL = 5 * time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 500 * 1024
	}
	c := &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		clock:   system.New(),
		logger:  logger.Named("robots"),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAllowed refreshes the host's rules if needed and tests path against them.
// Failures never block a host: they resolve to allow-all for a bounded time.
func (c *Cache) IsAllowed(ctx context.Context, host, path string) bool {
	if !c.cfg.Respect || isRobotsPath(path) {
		return true
	}
	if err := c.RefreshIfStale(ctx, host); err != nil {
		c.logger.Debug("robots refresh aborted", zap.String("host", host), zap.Error(err))
	}
	allowed, _ := c.Lookup(host, path)
	return allowed
}

// Lookup answers from the cache without any network call. fresh is false when
// the host has no entry yet or its entry has expired; the returned decision is
// then the last known one (allow when unknown).
func (c *Cache) Lookup(host, path string) (allowed, fresh bool) {
	if !c.cfg.Respect {
		return true, true
	}
	e := c.existing(host)
	if e == nil {
		return true, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return true, false
	}
	fresh = !c.clock.Now().After(e.expiresAt)
	if isRobotsPath(path) || e.group == nil {
		return true, fresh
	}
	return e.group.Test(path), fresh
}

// RefreshIfStale fetches robots.txt for host when the entry is missing or
// expired. Concurrent callers for the same host wait for the single fetch.
// The only error returned is context cancellation; fetch and parse problems
// are absorbed into the entry.
func (c *Cache) RefreshIfStale(ctx context.Context, host string) error {
	if !c.cfg.Respect {
		return nil
	}
	e := c.entry(host)
	if c.isFresh(e) {
		return nil
	}

	e.refresh.Lock()
	defer e.refresh.Unlock()
	// Another caller may have refreshed while this one waited.
	if c.isFresh(e) {
		return nil
	}

	if c.loadFromStore(ctx, host, e) {
		return nil
	}
	return c.fetch(ctx, host, e)
}

// Snapshot reports the entry for host, if any.
func (c *Cache) Snapshot(host string) (Snapshot, bool) {
	e := c.existing(host)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return Snapshot{}, false
	}
	return Snapshot{Host: host, Status: e.status, FetchedAt: e.fetchedAt, ExpiresAt: e.expiresAt}, true
}

func (c *Cache) fetch(ctx context.Context, host string, e *entry) error {
	startedAt := c.clock.Now()
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       "http://" + host + "/robots.txt",
		Host:      host,
		UserAgent: c.cfg.UserAgent.Full,
	})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("fetch robots for %s: %w", host, ctx.Err())
	}

	rec := Record{Host: host, FetchedAt: startedAt}
	if err != nil {
		c.logger.Warn("robots.txt unavailable; allowing host for grace period",
			zap.String("host", host),
			zap.Duration("grace_ttl", c.cfg.GraceTTL),
			zap.Error(fmt.Errorf("%w: %w", crawler.ErrRobotsUnavailable, err)),
		)
		rec.ExpiresAt = startedAt.Add(c.cfg.GraceTTL)
		c.apply(e, StatusUnavailable, nil, rec)
		metrics.ObserveRobots(string(StatusUnavailable))
		return nil
	}

	rec.StatusCode = resp.StatusCode
	body := resp.Body
	if len(body) > c.cfg.MaxBytes {
		body = body[:c.cfg.MaxBytes]
	}
	rec.Body = body

	status, group := c.decide(host, resp.StatusCode, body)
	if status == StatusUnavailable {
		rec.ExpiresAt = startedAt.Add(c.cfg.GraceTTL)
	} else {
		rec.ExpiresAt = startedAt.Add(c.cfg.TTL)
	}
	c.apply(e, status, group, rec)
	metrics.ObserveRobots(string(status))

	if c.store != nil {
		if err := c.store.PutRobots(ctx, rec); err != nil {
			c.logger.Warn("persist robots record failed", zap.String("host", host), zap.Error(err))
		}
	}
	return nil
}

// decide maps a robots.txt response onto a cache status and rule group.
func (c *Cache) decide(host string, statusCode int, body []byte) (Status, *robotstxt.Group) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			c.logger.Info("malformed robots.txt; allowing host",
				zap.String("host", host),
				zap.Error(fmt.Errorf("%w: %w", crawler.ErrMalformedRobots, err)),
			)
			return StatusMalformed, nil
		}
		return StatusRules, data.FindGroup(c.cfg.UserAgent.Token)
	case statusCode == http.StatusNotFound:
		return StatusNotFound, nil
	default:
		c.logger.Warn("robots.txt unavailable; allowing host for grace period",
			zap.String("host", host),
			zap.Int("status", statusCode),
			zap.Error(crawler.ErrRobotsUnavailable),
		)
		return StatusUnavailable, nil
	}
}

func (c *Cache) loadFromStore(ctx context.Context, host string, e *entry) bool {
	if c.store == nil {
		return false
	}
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded {
		return false
	}

	rec, ok, err := c.store.GetRobots(ctx, host)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("load robots record failed", zap.String("host", host), zap.Error(err))
		}
		return false
	}
	if !ok || c.clock.Now().After(rec.ExpiresAt) {
		return false
	}
	status, group := c.decide(host, rec.StatusCode, rec.Body)
	c.apply(e, status, group, rec)
	return true
}

func (c *Cache) apply(e *entry, status Status, group *robotstxt.Group, rec Record) {
	e.mu.Lock()
	e.loaded = true
	e.status = status
	e.group = group
	e.fetchedAt = rec.FetchedAt
	e.expiresAt = rec.ExpiresAt
	e.mu.Unlock()
}

func (c *Cache) isFresh(e *entry) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded && !c.clock.Now().After(e.expiresAt)
}

func (c *Cache) entry(host string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		e = &entry{}
		c.entries[host] = e
	}
	return e
}

func (c *Cache) existing(host string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[host]
}

func isRobotsPath(path string) bool {
	return path == "/robots.txt"
}
