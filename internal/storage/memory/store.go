// Package memory provides an in-process store for frontier entries and
// robots records. Nodes sharing one Store instance see each other's work,
// which is how tests simulate a cluster.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

// Store implements frontier.Store and robots.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]frontier.Entry
	byHost  map[string]map[string]struct{}
	robots  map[string]robots.Record
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]frontier.Entry),
		byHost:  make(map[string]map[string]struct{}),
		robots:  make(map[string]robots.Record),
	}
}

// PutEntry upserts a frontier entry keyed by URL.
func (s *Store) PutEntry(_ context.Context, e frontier.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.URL]; ok && prev.Host != e.Host {
		s.unindexLocked(prev)
	}
	s.entries[e.URL] = e
	urls, ok := s.byHost[e.Host]
	if !ok {
		urls = make(map[string]struct{})
		s.byHost[e.Host] = urls
	}
	urls[e.URL] = struct{}{}
	return nil
}

// DeleteEntry removes a frontier entry. Missing entries are ignored.
func (s *Store) DeleteEntry(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[url]; ok {
		s.unindexLocked(e)
		delete(s.entries, url)
	}
	return nil
}

func (s *Store) unindexLocked(e frontier.Entry) {
	urls := s.byHost[e.Host]
	delete(urls, e.URL)
	if len(urls) == 0 {
		delete(s.byHost, e.Host)
	}
}

// ListEntries returns every stored entry ordered by URL.
func (s *Store) ListEntries(context.Context) ([]frontier.Entry, error) {
	s.mu.RLock()
	out := make([]frontier.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// ListHosts returns every host with stored entries, sorted.
func (s *Store) ListHosts(context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.byHost))
	for host := range s.byHost {
		out = append(out, host)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// ListHostEntries returns the stored entries for host ordered by URL.
func (s *Store) ListHostEntries(_ context.Context, host string) ([]frontier.Entry, error) {
	s.mu.RLock()
	urls := s.byHost[host]
	out := make([]frontier.Entry, 0, len(urls))
	for url := range urls {
		out = append(out, s.entries[url])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// PutRobots stores a robots record.
func (s *Store) PutRobots(_ context.Context, rec robots.Record) error {
	rec.Body = slices.Clone(rec.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robots[rec.Host] = rec
	return nil
}

// GetRobots returns the record for host.
func (s *Store) GetRobots(_ context.Context, host string) (robots.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.robots[host]
	if !ok {
		return robots.Record{}, false, nil
	}
	rec.Body = slices.Clone(rec.Body)
	return rec, true, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
