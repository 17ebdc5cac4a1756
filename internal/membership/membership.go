// Package membership reports which crawler nodes are alive.
package membership

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Provider supplies the live node set. Watch delivers full snapshots; a slow
// consumer only ever sees the latest one and never blocks the provider.
type Provider interface {
	CurrentLiveNodes(ctx context.Context) ([]string, error)
	Watch(ctx context.Context) <-chan []string
}

// Normalize sorts and de-duplicates a node list, dropping empty IDs.
func Normalize(nodes []string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// broadcaster fans snapshots out to watchers with latest-wins semantics.
type broadcaster struct {
	mu       sync.Mutex
	watchers map[chan []string]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{watchers: make(map[chan []string]struct{})}
}

// subscribe registers a watcher and then seeds it with current(), both under
// the broadcaster lock. Providers store a snapshot before publishing it, so a
// publish racing with subscribe either shows up in the seed or follows it.
func (b *broadcaster) subscribe(ctx context.Context, current func() []string) <-chan []string {
	ch := make(chan []string, 1)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	if initial := current(); initial != nil {
		ch <- initial
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster) publish(nodes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		snapshot := slices.Clone(nodes)
		select {
		case ch <- snapshot:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
