// Package memory contains an in-process document sink. It keeps the most
// recent documents for inspection and is used when no broker is configured.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// DefaultCapacity bounds how many documents are retained.
const DefaultCapacity = 1024

// Publisher stores handed-off documents, dropping the oldest once full.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	docs     []crawler.Document
	total    int
}

// New returns a memory Publisher retaining up to capacity documents.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Handle records doc. It never discovers links.
func (p *Publisher) Handle(_ context.Context, doc crawler.Document) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.docs) == p.capacity {
		copy(p.docs, p.docs[1:])
		p.docs = p.docs[:len(p.docs)-1]
	}
	p.docs = append(p.docs, doc)
	p.total++
	return nil, nil
}

// Documents returns the retained documents, oldest first.
func (p *Publisher) Documents() []crawler.Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.Document, len(p.docs))
	copy(out, p.docs)
	return out
}

// Total returns how many documents were ever handled.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
