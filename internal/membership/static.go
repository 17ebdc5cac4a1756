package membership

import (
	"context"
	"slices"
	"sync"
)

// Static is a fixed membership list that can be replaced by hand.
type Static struct {
	mu    sync.RWMutex
	nodes []string
	bc    *broadcaster
}

// NewStatic returns a provider reporting nodes.
func NewStatic(nodes ...string) *Static {
	return &Static{nodes: Normalize(nodes), bc: newBroadcaster()}
}

// CurrentLiveNodes returns the configured list.
func (s *Static) CurrentLiveNodes(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes), nil
}

// Watch delivers the current list immediately and every later Set.
func (s *Static) Watch(ctx context.Context) <-chan []string {
	return s.bc.subscribe(ctx, s.snapshot)
}

func (s *Static) snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

// Set replaces the membership and notifies watchers.
func (s *Static) Set(nodes ...string) {
	normalized := Normalize(nodes)
	s.mu.Lock()
	s.nodes = normalized
	s.mu.Unlock()
	s.bc.publish(normalized)
}
