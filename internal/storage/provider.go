// Package storage selects the durable backend shared by the frontier and the
// robots cache.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/gcs"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/redis"
)

// Backend persists frontier entries and robots records.
type Backend interface {
	frontier.Store
	robots.Store
	Close() error
}

// Open builds the backend named by cfg.Backend. Postgres tables are created
// if missing; Redis connectivity is checked up front. With cfg.GCSBucket set,
// robots records go to Cloud Storage instead.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil || cfg.GCSBucket == "" {
		return b, err
	}
	rs, err := gcs.New(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return withRobots(b, rs), nil
}

// RobotsBackend is a robots.Store that owns a connection.
type RobotsBackend interface {
	robots.Store
	Close() error
}

// withRobots routes robots records to rs and everything else to b. The
// result keeps b's host index when it has one.
func withRobots(b Backend, rs RobotsBackend) Backend {
	split := &splitBackend{Backend: b, robots: rs}
	if idx, ok := b.(frontier.HostIndex); ok {
		return &indexedSplitBackend{splitBackend: split, HostIndex: idx}
	}
	return split
}

type splitBackend struct {
	Backend
	robots RobotsBackend
}

func (s *splitBackend) PutRobots(ctx context.Context, rec robots.Record) error {
	return s.robots.PutRobots(ctx, rec)
}

func (s *splitBackend) GetRobots(ctx context.Context, host string) (robots.Record, bool, error) {
	return s.robots.GetRobots(ctx, host)
}

func (s *splitBackend) Close() error {
	return errors.Join(s.Backend.Close(), s.robots.Close())
}

// Ping checks the frontier backend when it supports it.
func (s *splitBackend) Ping(ctx context.Context) error {
	if p, ok := s.Backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

type indexedSplitBackend struct {
	*splitBackend
	frontier.HostIndex
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return memory.NewStore(), nil
	case config.BackendRedis:
		store := redis.NewStore(cfg.RedisAddr, cfg.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:         cfg.PostgresDSN,
			TablePrefix: cfg.PostgresSchemaPrefix,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
