// Package politeness tracks per-host fetch pacing.
//
// After every fetch a host must wait factor*max(duration, min) capped at max
// before the next one. The factor starts at 1, doubles on each HTTP 429 and
// never decreases for the lifetime of the Controller.
package politeness

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Config bounds the wait formula.
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	StartFactor int
	MaxFactor   int
}

// DefaultConfig returns the stock bounds: 5s floor, 60s ceiling, factor 1..2048.
func DefaultConfig() Config {
	return Config{
		MinDelay:    5 * time.Second,
		MaxDelay:    time.Minute,
		StartFactor: 1,
		MaxFactor:   2048,
	}
}

// HostSnapshot is a point-in-time copy of a host's pacing state.
type HostSnapshot struct {
	Host               string        `json:"host"`
	Factor             int           `json:"politeness_factor"`
	LastFetchAt        time.Time     `json:"last_fetch_at"`
	LastFetchDuration  time.Duration `json:"last_fetch_duration"`
	NextAllowedFetchAt time.Time     `json:"next_allowed_fetch_at"`
	InFlight           bool          `json:"in_flight"`
}

type hostState struct {
	mu            sync.Mutex
	factor        int
	lastFetchAt   time.Time
	lastDuration  time.Duration
	nextAllowedAt time.Time
	inFlight      bool
}

// Controller owns the pacing state of every host seen by this node.
type Controller struct {
	cfg    Config
	hosts  sync.Map // host -> *hostState
	logger *zap.Logger
}

// NewController builds a Controller. Zero fields in cfg take DefaultConfig values.
func NewController(cfg Config, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.StartFactor <= 0 {
		cfg.StartFactor = def.StartFactor
	}
	if cfg.MaxFactor < cfg.StartFactor {
		cfg.MaxFactor = def.MaxFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: logger.Named("politeness")}
}

// Wait computes min(factor*max(duration, minDelay), maxDelay).
func Wait(factor int, duration, minDelay, maxDelay time.Duration) time.Duration {
	if factor < 1 {
		factor = 1
	}
	base := duration
	if base < minDelay {
		base = minDelay
	}
	// Compare before multiplying so large factors cannot overflow.
	if base > maxDelay/time.Duration(factor) {
		return maxDelay
	}
	wait := time.Duration(factor) * base
	if wait > maxDelay {
		return maxDelay
	}
	return wait
}

// NextAllowedFetchAt returns when host may next be fetched. Unknown hosts
// return the zero time.
func (c *Controller) NextAllowedFetchAt(host string) time.Time {
	st, ok := c.load(host)
	if !ok {
		return time.Time{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextAllowedAt
}

// TryAcquire marks host in flight if it is idle and its wait has elapsed at
// now. It is the only way a host enters the in-flight state, so at most one
// fetch per host runs on this node.
func (c *Controller) TryAcquire(host string, now time.Time) bool {
	st := c.loadOrCreate(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight || now.Before(st.nextAllowedAt) {
		return false
	}
	st.inFlight = true
	return true
}

// Release clears the in-flight mark without recording a fetch.
func (c *Controller) Release(host string) {
	st, ok := c.load(host)
	if !ok {
		return
	}
	st.mu.Lock()
	st.inFlight = false
	st.mu.Unlock()
}

// RecordFetchResult applies a completed fetch to host's state and returns the
// new next-allowed time. A 429 doubles the factor before the wait is computed.
func (c *Controller) RecordFetchResult(host string, statusCode int, duration time.Duration, startedAt time.Time) time.Time {
	st := c.loadOrCreate(host)
	st.mu.Lock()
	defer st.mu.Unlock()

	if statusCode == http.StatusTooManyRequests {
		prev := st.factor
		st.factor *= 2
		if st.factor > c.cfg.MaxFactor {
			st.factor = c.cfg.MaxFactor
		}
		metrics.ObservePolitenessFactor(st.factor)
		if st.factor != prev {
			c.logger.Info("host asked to slow down",
				zap.String("host", host),
				zap.Int("factor", st.factor),
			)
		}
	}

	st.lastFetchAt = startedAt
	st.lastDuration = duration
	st.nextAllowedAt = startedAt.Add(Wait(st.factor, duration, c.cfg.MinDelay, c.cfg.MaxDelay))
	st.inFlight = false
	return st.nextAllowedAt
}

// Factor returns host's current politeness factor.
func (c *Controller) Factor(host string) int {
	st, ok := c.load(host)
	if !ok {
		return c.cfg.StartFactor
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.factor
}

// InFlight reports whether host has a fetch outstanding.
func (c *Controller) InFlight(host string) bool {
	st, ok := c.load(host)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// Snapshot copies host's state.
func (c *Controller) Snapshot(host string) HostSnapshot {
	st, ok := c.load(host)
	if !ok {
		return HostSnapshot{Host: host, Factor: c.cfg.StartFactor}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return HostSnapshot{
		Host:               host,
		Factor:             st.factor,
		LastFetchAt:        st.lastFetchAt,
		LastFetchDuration:  st.lastDuration,
		NextAllowedFetchAt: st.nextAllowedAt,
		InFlight:           st.inFlight,
	}
}

func (c *Controller) load(host string) (*hostState, bool) {
	v, ok := c.hosts.Load(host)
	if !ok {
		return nil, false
	}
	st, _ := v.(*hostState)
	return st, st != nil
}

func (c *Controller) loadOrCreate(host string) *hostState {
	if st, ok := c.load(host); ok {
		return st
	}
	v, _ := c.hosts.LoadOrStore(host, &hostState{factor: c.cfg.StartFactor})
	st, _ := v.(*hostState)
	return st
}
