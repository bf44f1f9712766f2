// Package postgres indexes harvested pages in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for page rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageIndex upserts one row per fingerprint into Postgres.
type PageIndex struct {
	pool  execCloser
	table string
}

// NewPageIndex connects to Postgres and ensures the table exists.
func NewPageIndex(ctx context.Context, cfg Config) (*PageIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx, err := NewPageIndexWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := idx.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewPageIndexWithPool constructs an index from an existing pool (primarily for testing).
func NewPageIndexWithPool(pool execCloser, table string) (*PageIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawled_pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageIndex{pool: pool, table: table}, nil
}

// EnsureSchema creates the page table if it is missing.
func (s *PageIndex) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	fingerprint   TEXT PRIMARY KEY,
	id            TEXT NOT NULL,
	url           TEXT NOT NULL,
	host          TEXT NOT NULL,
	depth         INTEGER NOT NULL,
	relevance     DOUBLE PRECISION NOT NULL,
	relevant      BOOLEAN NOT NULL,
	status_code   INTEGER NOT NULL,
	content_type  TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	blob_uri      TEXT NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PageIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordPage inserts or refreshes the row for record.Fingerprint.
func (s *PageIndex) RecordPage(ctx context.Context, record crawler.PageRecord) error {
	if record.Fingerprint == "" {
		return fmt.Errorf("record fingerprint is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	fingerprint, id, url, host, depth, relevance, relevant,
	status_code, content_type, content_hash, blob_uri, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (fingerprint) DO UPDATE SET
	id = EXCLUDED.id,
	relevance = EXCLUDED.relevance,
	relevant = EXCLUDED.relevant,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	args := []any{
		record.Fingerprint,
		record.ID,
		record.URL,
		record.Host,
		record.Depth,
		record.Relevance,
		record.Relevant,
		record.StatusCode,
		record.ContentType,
		record.ContentHash,
		record.BlobURI,
		record.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}
