// Package ownership assigns every host to exactly one live node using
// rendezvous hashing, so a membership change only moves the hosts of the
// nodes that joined or left.
package ownership

import (
	"context"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/membership"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Change describes one applied membership update.
type Change struct {
	Previous []string
	Current  []string
	// Moved counts sampled hosts whose owner differs between the two views.
	Moved int
}

// Listener observes applied changes. It runs on the applying goroutine and
// must not block.
type Listener func(Change)

// Coordinator answers ownership queries for the local node.
type Coordinator struct {
	self   string
	logger *zap.Logger

	mu      sync.RWMutex
	members []string
	ring    *rendezvous.Rendezvous

	listenersMu sync.Mutex
	listeners   []Listener
	hostSource  func() []string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithHostSource supplies the hosts sampled when counting moved ownership.
func WithHostSource(src func() []string) Option {
	return func(c *Coordinator) { c.hostSource = src }
}

// New returns a coordinator for node self with empty membership, under which
// self owns every host.
func New(self string, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		self:   self,
		logger: logger.Named("ownership").With(zap.String("node_id", self)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Self returns the local node ID.
func (c *Coordinator) Self() string {
	return c.self
}

// OwnerOf returns the node responsible for host.
func (c *Coordinator) OwnerOf(host string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ownerIn(c.ring, c.self, host)
}

// Owns reports whether the local node owns host.
func (c *Coordinator) Owns(host string) bool {
	return c.OwnerOf(host) == c.self
}

// Members returns the current live set.
func (c *Coordinator) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.members)
}

// OnChange registers a listener for applied membership changes.
func (c *Coordinator) OnChange(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Apply installs a new membership view. It returns false when nodes matches
// the current view. The swap happens under a write lock held only for the
// assignment; in-flight fetches are never waited on.
func (c *Coordinator) Apply(nodes []string) bool {
	next := membership.Normalize(nodes)
	ring := newRing(next)

	c.mu.Lock()
	if slices.Equal(next, c.members) {
		c.mu.Unlock()
		return false
	}
	prevMembers, prevRing := c.members, c.ring
	c.members, c.ring = next, ring
	c.mu.Unlock()

	change := Change{Previous: prevMembers, Current: slices.Clone(next)}
	if c.hostSource != nil {
		for _, host := range c.hostSource() {
			if ownerIn(prevRing, c.self, host) != ownerIn(ring, c.self, host) {
				change.Moved++
			}
		}
	}

	metrics.ObserveRebalance(len(next), change.Moved)
	c.logger.Info("membership applied",
		zap.Strings("members", next),
		zap.Int("previous_members", len(prevMembers)),
		zap.Int("hosts_moved", change.Moved),
	)

	c.listenersMu.Lock()
	listeners := slices.Clone(c.listeners)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(change)
	}
	return true
}

// Run applies the provider's current view and then every update until ctx
// ends. A failed initial read keeps the view already applied; the watch
// delivers the next one.
func (c *Coordinator) Run(ctx context.Context, provider membership.Provider) error {
	nodes, err := provider.CurrentLiveNodes(ctx)
	switch {
	case err == nil:
		c.Apply(nodes)
	case ctx.Err() != nil:
		return nil
	default:
		c.logger.Warn("initial membership read failed; keeping current view",
			zap.Strings("members", c.Members()),
			zap.Error(err),
		)
	}

	updates := provider.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case nodes, ok := <-updates:
			if !ok {
				return nil
			}
			c.Apply(nodes)
		}
	}
}

func newRing(nodes []string) *rendezvous.Rendezvous {
	if len(nodes) == 0 {
		return nil
	}
	return rendezvous.New(nodes, xxhash.Sum64String)
}

func ownerIn(ring *rendezvous.Rendezvous, self, host string) string {
	if ring == nil {
		return self
	}
	return ring.Lookup(host)
}
