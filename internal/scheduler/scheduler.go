// Package scheduler ties the frontier, robots cache, politeness controller
// and ownership coordinator together and feeds the worker pool.
//
// The dispatch loop is the only reader that turns eligibility into work.
// Host state is mutated only by the result path in worker jobs; the dispatch
// loop reads it and takes the per-host politeness gate before handing a URL
// to the pool, so a host never has two fetches in flight on one node.
package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/ownership"
	"github.com/JakeFAU/crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-scheduler/internal/politeness"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// State is a host's position in the dispatch state machine.
type State string

// Host states. BlockedRobots and BlockedNotOwned are re-evaluated every pass.
const (
	StateIdle            State = "idle"
	StateEligible        State = "eligible"
	StateDispatched      State = "dispatched"
	StateBlockedRobots   State = "blocked_robots"
	StateBlockedNotOwned State = "blocked_not_owned"
)

// Config tunes the dispatch loop.
type Config struct {
	UserAgent       crawler.UserAgent
	PollInterval    time.Duration
	SyncInterval    time.Duration
	DrainTimeout    time.Duration
	FailureDuration time.Duration
	SlowdownRetries int
	MaxOutgoingURLs int
}

// Deps are the collaborators a Scheduler drives. Limiter, Sink, Hasher,
// Retry and Clock are optional.
type Deps struct {
	Frontier   *frontier.Frontier
	Robots     *robots.Cache
	Politeness *politeness.Controller
	Ownership  *ownership.Coordinator
	Pool       *worker.Pool
	Limiter    *ratelimit.Limiter
	Fetcher    crawler.Fetcher
	Sink       crawler.DocumentSink
	Hasher     crawler.Hasher
	Retry      *crawler.ExponentialRetryPolicy
	Clock      crawler.Clock
}

// HostStatus is the operator view of one host.
type HostStatus struct {
	Host               string        `json:"host"`
	State              State         `json:"state"`
	Owner              string        `json:"owner"`
	Owned              bool          `json:"owned"`
	Queued             int           `json:"queued"`
	PolitenessFactor   int           `json:"politeness_factor"`
	NextAllowedFetchAt time.Time     `json:"next_allowed_fetch_at"`
	Robots             robots.Status `json:"robots_status,omitempty"`
	RobotsExpiresAt    time.Time     `json:"robots_expires_at,omitzero"`
}

// Scheduler runs the dispatch loop for one node.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	wake        chan struct{}
	syncPending atomic.Bool

	blockedMu sync.Mutex
	blocked   map[string]struct{}
}

// New builds a Scheduler and subscribes it to ownership changes.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.FailureDuration <= 0 {
		cfg.FailureDuration = time.Minute
	}
	if cfg.MaxOutgoingURLs <= 0 {
		cfg.MaxOutgoingURLs = 512
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("scheduler"),
		wake:    make(chan struct{}, 1),
		blocked: make(map[string]struct{}),
	}
	deps.Ownership.OnChange(func(ownership.Change) {
		s.syncPending.Store(true)
		s.Wake()
	})
	return s
}

// Wake interrupts the loop's sleep so the next pass runs immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives Pass until ctx ends, then drains the worker pool for up to the
// configured timeout. Frontier entries still queued are left for the next
// owner.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sync(ctx)

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if s.syncPending.Swap(false) {
			s.Sync(ctx)
		}
		s.Pass(ctx)
		timer.Reset(s.nextDelay())

		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop stopping; draining workers",
				zap.Int("in_flight", s.deps.Pool.InFlight()),
				zap.Duration("drain_timeout", s.cfg.DrainTimeout),
			)
			if !s.deps.Pool.Drain(s.cfg.DrainTimeout) {
				s.logger.Warn("drain timed out; in-flight fetches were cancelled")
			}
			return nil
		case <-timer.C:
		case <-s.wake:
		case <-syncTicker.C:
			s.syncPending.Store(true)
		}
	}
}

// Sync reconciles the local frontier with ownership: durable entries for
// owned hosts are restored, queued entries for hosts owned elsewhere are
// evicted, and expired completions are forgotten.
func (s *Scheduler) Sync(ctx context.Context) {
	owns := s.deps.Ownership.Owns
	evicted := s.deps.Frontier.Evict(owns)
	restored, err := s.deps.Frontier.Restore(ctx, owns)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("frontier restore failed", zap.Error(err))
	}
	pruned := s.deps.Frontier.PruneDone(s.deps.Clock.Now())
	if evicted > 0 || restored > 0 {
		s.logger.Info("frontier synced with ownership",
			zap.Int("evicted", evicted),
			zap.Int("restored", restored),
			zap.Int("pruned_done", pruned),
		)
	}
}

// Pass makes one scheduling decision per host with queued work and returns
// how many URLs were handed to the pool. At most one URL per host is
// dispatched per pass.
func (s *Scheduler) Pass(ctx context.Context) int {
	d := s.deps
	now := d.Clock.Now()
	dispatched := 0

	for _, host := range d.Frontier.Hosts() {
		if ctx.Err() != nil {
			break
		}
		if !d.Ownership.Owns(host) {
			continue
		}
		if d.Politeness.InFlight(host) || now.Before(d.Politeness.NextAllowedFetchAt(host)) {
			continue
		}
		if d.Pool.Available() == 0 {
			break
		}
		entry, ok := d.Frontier.DequeueReady(host, now)
		if !ok {
			continue
		}
		if allowed, fresh := d.Robots.Lookup(host, crawler.PathOf(entry.URL)); fresh && !allowed {
			s.skipDisallowed(ctx, entry)
			continue
		}
		if !d.Politeness.TryAcquire(host, now) {
			s.putBack(ctx, entry)
			continue
		}
		if !d.Limiter.Allow() {
			metrics.ObserveRateLimitDelay(d.Limiter.Delay())
			d.Politeness.Release(host)
			s.putBack(ctx, entry)
			break
		}
		if !d.Pool.TrySubmit(func(jobCtx context.Context) { s.process(jobCtx, entry) }) {
			d.Politeness.Release(host)
			s.putBack(ctx, entry)
			break
		}
		s.clearBlocked(host)
		dispatched++
	}
	return dispatched
}

// HostState reports where host sits in the dispatch state machine.
func (s *Scheduler) HostState(host string) State {
	d := s.deps
	switch {
	case !d.Ownership.Owns(host):
		return StateBlockedNotOwned
	case d.Politeness.InFlight(host):
		return StateDispatched
	case s.isBlocked(host):
		return StateBlockedRobots
	}
	now := d.Clock.Now()
	readyAt, queued := d.Frontier.NextReadyAt(host)
	if !queued || readyAt.After(now) || now.Before(d.Politeness.NextAllowedFetchAt(host)) {
		return StateIdle
	}
	return StateEligible
}

// Describe returns the operator view of host.
func (s *Scheduler) Describe(host string) HostStatus {
	d := s.deps
	snap := d.Politeness.Snapshot(host)
	st := HostStatus{
		Host:               host,
		State:              s.HostState(host),
		Owner:              d.Ownership.OwnerOf(host),
		Owned:              d.Ownership.Owns(host),
		Queued:             d.Frontier.Len(host),
		PolitenessFactor:   snap.Factor,
		NextAllowedFetchAt: snap.NextAllowedFetchAt,
	}
	if rs, ok := d.Robots.Snapshot(host); ok {
		st.Robots = rs.Status
		st.RobotsExpiresAt = rs.ExpiresAt
	}
	return st
}

// process is the worker job for one dispatched URL.
func (s *Scheduler) process(ctx context.Context, e frontier.Entry) {
	d := s.deps
	defer s.Wake()

	if !d.Robots.IsAllowed(ctx, e.Host, crawler.PathOf(e.URL)) {
		s.skipDisallowed(ctx, e)
		d.Politeness.Release(e.Host)
		return
	}

	startedAt := d.Clock.Now()
	resp, err := d.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       e.URL,
		Host:      e.Host,
		UserAgent: s.cfg.UserAgent.Full,
	})
	if err != nil {
		s.handleFailure(ctx, e, startedAt, err)
		return
	}

	duration := resp.Duration
	if duration <= 0 {
		duration = d.Clock.Now().Sub(startedAt)
	}
	metrics.ObserveFetch(crawler.StatusClass(resp.StatusCode), duration)
	nextAllowed := d.Politeness.RecordFetchResult(e.Host, resp.StatusCode, duration, startedAt)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		s.handleSlowdown(ctx, e, nextAllowed)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.handleSuccess(ctx, e, resp, startedAt, duration)
	default:
		s.complete(ctx, e, false)
		metrics.ObserveDispatch(string(crawler.OutcomeHTTPError))
		s.logger.Debug("fetch returned non-success status",
			zap.String("url", e.URL),
			zap.Int("status", resp.StatusCode),
		)
	}
}

func (s *Scheduler) handleSuccess(ctx context.Context, e frontier.Entry, resp crawler.FetchResponse, fetchedAt time.Time, duration time.Duration) {
	d := s.deps
	s.complete(ctx, e, false)
	metrics.ObserveDispatch(string(crawler.OutcomeFetched))
	if d.Sink == nil {
		return
	}

	doc := crawler.Document{
		URL:        e.URL,
		Host:       e.Host,
		StatusCode: resp.StatusCode,
		FetchedAt:  fetchedAt,
		Duration:   duration,
		Body:       resp.Body,
	}
	if d.Hasher != nil {
		hash, err := d.Hasher.Hash(resp.Body)
		if err != nil {
			s.logger.Warn("hash body failed", zap.String("url", e.URL), zap.Error(err))
		}
		doc.ContentHash = hash
	}

	links, err := d.Sink.Handle(ctx, doc)
	if err != nil {
		s.logger.Error("document handoff failed", zap.String("url", e.URL), zap.Error(err))
		return
	}
	if len(links) > s.cfg.MaxOutgoingURLs {
		links = links[:s.cfg.MaxOutgoingURLs]
	}
	s.enqueueLinks(ctx, e.URL, links)
}

func (s *Scheduler) enqueueLinks(ctx context.Context, source string, links []string) {
	added := 0
	for _, link := range links {
		ok, err := s.deps.Frontier.Enqueue(ctx, link)
		if err != nil {
			s.logger.Debug("discovered url dropped",
				zap.String("source", source),
				zap.String("url", link),
				zap.Error(err),
			)
			continue
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		s.logger.Debug("enqueued discovered urls", zap.String("source", source), zap.Int("count", added))
	}
}

func (s *Scheduler) handleSlowdown(ctx context.Context, e frontier.Entry, nextAllowed time.Time) {
	if e.Slowdowns >= s.cfg.SlowdownRetries {
		s.complete(ctx, e, true)
		metrics.ObserveDispatch(string(crawler.OutcomeFailed))
		s.logger.Warn("dropping url after repeated 429s",
			zap.String("url", e.URL),
			zap.Int("slowdowns", e.Slowdowns),
			zap.Error(crawler.ErrRateLimited),
		)
		return
	}
	e.Slowdowns++
	e.NotBefore = nextAllowed
	s.putBack(ctx, e)
	metrics.ObserveDispatch(string(crawler.OutcomeRateLimited))
}

func (s *Scheduler) handleFailure(ctx context.Context, e frontier.Entry, startedAt time.Time, fetchErr error) {
	d := s.deps
	if errors.Is(fetchErr, context.Canceled) {
		// Shutdown cut the fetch short; leave the URL for whoever owns it next.
		d.Politeness.Release(e.Host)
		s.putBack(context.WithoutCancel(ctx), e)
		return
	}

	err := crawler.ClassifyFetchError(fetchErr)
	metrics.ObserveFetch(crawler.StatusClass(0), s.cfg.FailureDuration)
	d.Politeness.RecordFetchResult(e.Host, 0, s.cfg.FailureDuration, startedAt)

	attempt := e.Attempts + 1
	if !d.Retry.ShouldRetry(err, attempt) {
		s.complete(ctx, e, true)
		metrics.ObserveDispatch(string(crawler.OutcomeFailed))
		s.logger.Warn("fetch failed permanently",
			zap.String("url", e.URL),
			zap.String("host", e.Host),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}

	e.Attempts = attempt
	e.NotBefore = d.Clock.Now().Add(d.Retry.Backoff(attempt - 1))
	s.putBack(ctx, e)
	metrics.ObserveRetry()
	metrics.ObserveDispatch(string(crawler.OutcomeRetry))
	s.logger.Info("fetch failed; retrying",
		zap.String("url", e.URL),
		zap.Int("attempt", attempt),
		zap.Time("not_before", e.NotBefore),
		zap.Error(err),
	)
}

// skipDisallowed completes e without fetching it. The URL stays blocked only
// while the robots rules that disallowed it are current.
func (s *Scheduler) skipDisallowed(ctx context.Context, e frontier.Entry) {
	s.markBlocked(e.Host)
	if snap, ok := s.deps.Robots.Snapshot(e.Host); ok {
		if err := s.deps.Frontier.MarkSkipped(ctx, e.URL, snap.ExpiresAt); err != nil {
			s.logger.Warn("complete frontier entry failed", zap.String("url", e.URL), zap.Error(err))
		}
	} else {
		s.complete(ctx, e, false)
	}
	metrics.ObserveDispatch(string(crawler.OutcomeDisallowed))
	s.logger.Debug("url skipped",
		zap.String("url", e.URL),
		zap.Error(crawler.ErrRobotsDisallowed),
	)
}

func (s *Scheduler) complete(ctx context.Context, e frontier.Entry, failed bool) {
	mark := s.deps.Frontier.MarkDone
	if failed {
		mark = s.deps.Frontier.MarkFailed
	}
	if err := mark(ctx, e.URL); err != nil {
		s.logger.Warn("complete frontier entry failed", zap.String("url", e.URL), zap.Error(err))
	}
}

func (s *Scheduler) putBack(ctx context.Context, e frontier.Entry) {
	if err := s.deps.Frontier.Requeue(ctx, e); err != nil {
		s.logger.Warn("requeue failed", zap.String("url", e.URL), zap.Error(err))
	}
}

// nextDelay is the time until the earliest owned host could become eligible,
// bounded by the poll interval and no shorter than the dispatch limiter's wait.
func (s *Scheduler) nextDelay() time.Duration {
	d := s.deps
	delay := s.cfg.PollInterval
	if d.Pool.Available() == 0 {
		// A finishing job wakes the loop.
		return delay
	}
	now := d.Clock.Now()
	for _, host := range d.Frontier.Hosts() {
		if !d.Ownership.Owns(host) || d.Politeness.InFlight(host) {
			continue
		}
		at := d.Politeness.NextAllowedFetchAt(host)
		if readyAt, ok := d.Frontier.NextReadyAt(host); ok && readyAt.After(at) {
			at = readyAt
		}
		if wait := at.Sub(now); wait < delay {
			delay = wait
		}
	}
	if lim := d.Limiter.Delay(); lim > delay {
		delay = min(lim, s.cfg.PollInterval)
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

func (s *Scheduler) markBlocked(host string) {
	s.blockedMu.Lock()
	s.blocked[host] = struct{}{}
	s.blockedMu.Unlock()
}

func (s *Scheduler) clearBlocked(host string) {
	s.blockedMu.Lock()
	delete(s.blocked, host)
	s.blockedMu.Unlock()
}

func (s *Scheduler) isBlocked(host string) bool {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	_, ok := s.blocked[host]
	return ok
}
