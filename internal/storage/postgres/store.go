// Package postgres provides a Postgres-backed store for frontier entries and
// robots records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements frontier.Store and robots.Store.
type Store struct {
	pool          pgPool
	frontierTable string
	robotsTable   string
}

// NewStore connects using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStoreWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgPool, tablePrefix string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tablePrefix == "" {
		tablePrefix = "crawler_"
	}
	if !validTablePrefix.MatchString(tablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", tablePrefix)
	}
	return &Store{
		pool:          pool,
		frontierTable: tablePrefix + "frontier",
		robotsTable:   tablePrefix + "robots",
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	entry JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.frontierTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_host_idx ON %s (host)`, s.frontierTable, s.frontierTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	host TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	body BYTEA,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, s.robotsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutEntry upserts e.
func (s *Store) PutEntry(ctx context.Context, e frontier.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, host, entry, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (url) DO UPDATE
SET host = EXCLUDED.host, entry = EXCLUDED.entry, updated_at = EXCLUDED.updated_at`, s.frontierTable)
	if _, err := s.pool.Exec(ctx, query, e.URL, e.Host, payload); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the entry for url.
func (s *Store) DeleteEntry(ctx context.Context, url string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE url = $1`, s.frontierTable)
	if _, err := s.pool.Exec(ctx, query, url); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// ListEntries returns every stored entry.
func (s *Store) ListEntries(ctx context.Context) ([]frontier.Entry, error) {
	query := fmt.Sprintf(`SELECT entry FROM %s ORDER BY url`, s.frontierTable)
	return s.queryEntries(ctx, query)
}

// ListHosts returns the distinct hosts with stored entries.
func (s *Store) ListHosts(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT host FROM %s ORDER BY host`, s.frontierTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	hosts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan hosts: %w", err)
	}
	return hosts, nil
}

// ListHostEntries returns the stored entries for host.
func (s *Store) ListHostEntries(ctx context.Context, host string) ([]frontier.Entry, error) {
	query := fmt.Sprintf(`SELECT entry FROM %s WHERE host = $1 ORDER BY url`, s.frontierTable)
	return s.queryEntries(ctx, query, host)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]frontier.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []frontier.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e frontier.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// PutRobots upserts rec.
func (s *Store) PutRobots(ctx context.Context, rec robots.Record) error {
	query := fmt.Sprintf(`
INSERT INTO %s (host, status_code, body, fetched_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (host) DO UPDATE
SET status_code = EXCLUDED.status_code, body = EXCLUDED.body,
	fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`, s.robotsTable)
	if _, err := s.pool.Exec(ctx, query, rec.Host, rec.StatusCode, rec.Body, rec.FetchedAt, rec.ExpiresAt); err != nil {
		return fmt.Errorf("upsert robots record: %w", err)
	}
	return nil
}

// GetRobots returns the record for host.
func (s *Store) GetRobots(ctx context.Context, host string) (robots.Record, bool, error) {
	query := fmt.Sprintf(`SELECT status_code, body, fetched_at, expires_at FROM %s WHERE host = $1`, s.robotsTable)
	rec := robots.Record{Host: host}
	err := s.pool.QueryRow(ctx, query, host).Scan(&rec.StatusCode, &rec.Body, &rec.FetchedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return robots.Record{}, false, nil
		}
		return robots.Record{}, false, fmt.Errorf("get robots record: %w", err)
	}
	return rec, true, nil
}
