// Package redis provides a Redis-backed store shared by every crawler node.
//
// Frontier entries live in one hash keyed by URL; robots records are plain
// keys that expire together with the record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

const scanBatch = 500

// Store implements frontier.Store and robots.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewStore connects to addr. Keys are namespaced with prefix.
func NewStore(addr, prefix string) *Store {
	return NewStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) frontierKey() string { return s.prefix + "frontier" }

func (s *Store) robotsKey(host string) string { return s.prefix + "robots:" + host }

// PutEntry upserts e.
func (s *Store) PutEntry(ctx context.Context, e frontier.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.frontierKey(), e.URL, payload).Err(); err != nil {
		return fmt.Errorf("hset entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the entry for url.
func (s *Store) DeleteEntry(ctx context.Context, url string) error {
	if err := s.client.HDel(ctx, s.frontierKey(), url).Err(); err != nil {
		return fmt.Errorf("hdel entry: %w", err)
	}
	return nil
}

// ListEntries iterates the frontier hash. Entries that fail to decode are
// skipped.
func (s *Store) ListEntries(ctx context.Context) ([]frontier.Entry, error) {
	var (
		out    []frontier.Entry
		cursor uint64
	)
	for {
		kvs, next, err := s.client.HScan(ctx, s.frontierKey(), cursor, "", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("hscan entries: %w", err)
		}
		// HSCAN returns alternating field/value pairs.
		for i := 0; i+1 < len(kvs); i += 2 {
			var e frontier.Entry
			if err := json.Unmarshal([]byte(kvs[i+1]), &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PutRobots stores rec until its expiry.
func (s *Store) PutRobots(ctx context.Context, rec robots.Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal robots record: %w", err)
	}
	if err := s.client.Set(ctx, s.robotsKey(rec.Host), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set robots record: %w", err)
	}
	return nil
}

// GetRobots returns the record for host.
func (s *Store) GetRobots(ctx context.Context, host string) (robots.Record, bool, error) {
	val, err := s.client.Get(ctx, s.robotsKey(host)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return robots.Record{}, false, nil
		}
		return robots.Record{}, false, fmt.Errorf("get robots record: %w", err)
	}
	var rec robots.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return robots.Record{}, false, fmt.Errorf("decode robots record: %w", err)
	}
	return rec, true, nil
}
