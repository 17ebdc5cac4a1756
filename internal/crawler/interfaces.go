package crawler

import (
	"context"
	"time"
)

// Fetcher performs the byte-level HTTP fetch for a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// DocumentSink receives fetched documents and returns any outbound URLs it
// discovered synchronously. Asynchronous parsers return nil links and feed
// discoveries back through the ingest queue instead.
type DocumentSink interface {
	Handle(ctx context.Context, doc Document) ([]string, error)
}

// Hasher computes digests for fetched bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
