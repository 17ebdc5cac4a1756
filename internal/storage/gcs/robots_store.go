// Package gcs keeps robots records in a Google Cloud Storage bucket, one JSON
// object per host, so every node and every restart shares them.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

// Config names the bucket and the object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// RobotsStore implements robots.Store on GCS.
type RobotsStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a client using Application Default Credentials and checks that
// the bucket is reachable.
func New(ctx context.Context, cfg Config) (*RobotsStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := NewWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.Bucket(s.bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", s.bucket, err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *storage.Client, cfg Config) (*RobotsStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &RobotsStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *RobotsStore) object(host string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + host + ".json")
}

// PutRobots overwrites the object for rec.Host.
func (s *RobotsStore) PutRobots(ctx context.Context, rec robots.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal robots record: %w", err)
	}
	w := s.object(rec.Host).NewWriter(ctx)
	w.ContentType = "application/json"
	// Records are small; upload in one request.
	w.ChunkSize = 0
	if _, err := w.Write(payload); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write robots record: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write robots record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close robots record writer: %w", err)
	}
	return nil
}

// GetRobots returns the record for host.
func (s *RobotsStore) GetRobots(ctx context.Context, host string) (robots.Record, bool, error) {
	r, err := s.object(host).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return robots.Record{}, false, nil
		}
		return robots.Record{}, false, fmt.Errorf("read robots record: %w", err)
	}
	defer r.Close()
	payload, err := io.ReadAll(r)
	if err != nil {
		return robots.Record{}, false, fmt.Errorf("read robots record: %w", err)
	}
	var rec robots.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return robots.Record{}, false, fmt.Errorf("decode robots record: %w", err)
	}
	return rec, true, nil
}

// Close closes the client.
func (s *RobotsStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
