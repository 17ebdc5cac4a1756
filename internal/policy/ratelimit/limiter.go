// Package ratelimit implements the node-wide dispatch token bucket. It bounds
// how fast the scheduler hands work to the pool, independent of per-host
// politeness.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained dispatch rate. Zero or negative means unlimited.
	RPS   float64
	Burst int
}

// Limiter wraps a token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Allow takes a token if one is available now. The dispatch loop uses it so
// it never blocks on the limiter.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Delay returns how long until the next token is available. The dispatch
// loop sleeps at least this long after being throttled.
func (l *Limiter) Delay() time.Duration {
	if l.Unlimited() {
		return 0
	}
	tokens := l.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(l.limiter.Limit()) * float64(time.Second))
}

// Unlimited reports whether the limiter never throttles.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.limiter.Limit() == rate.Inf
}
