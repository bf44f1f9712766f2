// Package postgres provides a Postgres-backed frontier store shared by coordinators.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const linkColumns = `fingerprint, url, host, score, depth, state, attempts, discovered_at, last_attempt_at, eligible_at, outcome`

// Config controls the Postgres connection pool used for the frontier tables.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements frontier.Store with two tables: <prefix>links and <prefix>hosts.
type Store struct {
	pool  pool
	links string
	hosts string
}

// NewStore connects to Postgres and ensures the frontier schema exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("frontier.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStoreWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "frontier_"
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{pool: p, links: prefix + "links", hosts: prefix + "hosts"}, nil
}

// EnsureSchema creates the frontier tables and the ready index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	depth INTEGER NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	discovered_at BIGINT NOT NULL,
	last_attempt_at BIGINT NOT NULL DEFAULT 0,
	eligible_at BIGINT NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT ''
)`, s.links),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ready ON %s (state, score DESC, fingerprint)`, s.links, s.links),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	host TEXT PRIMARY KEY,
	next_allowed_at BIGINT NOT NULL
)`, s.hosts),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create frontier schema: %w", err)
		}
	}
	return nil
}

func scanLink(row pgx.Row) (crawler.Link, error) {
	var (
		link                              crawler.Link
		state                             string
		discovered, lastAttempt, eligible int64
	)
	if err := row.Scan(
		&link.Fingerprint, &link.URL, &link.Host, &link.Score, &link.Depth, &state, &link.Attempts,
		&discovered, &lastAttempt, &eligible, &link.Outcome,
	); err != nil {
		return crawler.Link{}, err
	}
	link.State = crawler.State(state)
	link.DiscoveredAt = frontier.DecodeTime(discovered)
	link.LastAttemptAt = frontier.DecodeTime(lastAttempt)
	link.EligibleAt = frontier.DecodeTime(eligible)
	return link, nil
}

// Get loads one link by fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (crawler.Link, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE fingerprint = $1`, linkColumns, s.links)
	link, err := scanLink(s.pool.QueryRow(ctx, query, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Link{}, frontier.ErrNotFound
	}
	if err != nil {
		return crawler.Link{}, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

// Put upserts the full link row.
func (s *Store) Put(ctx context.Context, link crawler.Link) error {
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (fingerprint) DO UPDATE SET
	url = EXCLUDED.url,
	host = EXCLUDED.host,
	score = EXCLUDED.score,
	depth = EXCLUDED.depth,
	state = EXCLUDED.state,
	attempts = EXCLUDED.attempts,
	discovered_at = EXCLUDED.discovered_at,
	last_attempt_at = EXCLUDED.last_attempt_at,
	eligible_at = EXCLUDED.eligible_at,
	outcome = EXCLUDED.outcome`, s.links, linkColumns)

	args := []any{
		link.Fingerprint,
		link.URL,
		link.Host,
		link.Score,
		link.Depth,
		string(link.State),
		link.Attempts,
		frontier.EncodeTime(link.DiscoveredAt),
		frontier.EncodeTime(link.LastAttemptAt),
		frontier.EncodeTime(link.EligibleAt),
		link.Outcome,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

// Scan walks the ready index in (score desc, fingerprint asc) order.
func (s *Store) Scan(ctx context.Context, q frontier.ScanQuery) ([]crawler.Link, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM %s WHERE state = $1 AND eligible_at <= $2`, linkColumns, s.links)
	args := []any{string(q.State), frontier.EncodeTime(q.EligibleBy)}
	if q.After != nil {
		sb.WriteString(` AND (score < $3 OR (score = $3 AND fingerprint > $4))`)
		args = append(args, q.After.Score, q.After.Fingerprint)
	}
	if len(q.ExcludeHosts) > 0 {
		fmt.Fprintf(&sb, ` AND host <> ALL($%d)`, len(args)+1)
		args = append(args, q.ExcludeHosts)
	}
	sb.WriteString(` ORDER BY score DESC, fingerprint ASC`)
	if q.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("scan links: %w", err)
	}
	defer rows.Close()

	var links []crawler.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// ResetInFlight returns every SCHEDULED or FETCHING link to DISCOVERED.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET state = $1 WHERE state IN ($2, $3)`, s.links)
	tag, err := s.pool.Exec(ctx, query,
		string(crawler.StateDiscovered), string(crawler.StateScheduled), string(crawler.StateFetching))
	if err != nil {
		return 0, fmt.Errorf("reset in-flight links: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Fingerprints streams every stored fingerprint to fn.
func (s *Store) Fingerprints(ctx context.Context, fn func(string) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT fingerprint FROM %s`, s.links))
	if err != nil {
		return fmt.Errorf("list fingerprints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return fmt.Errorf("scan fingerprint: %w", err)
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate fingerprints: %w", err)
	}
	return nil
}

// PutHost persists a host's politeness gate.
func (s *Store) PutHost(ctx context.Context, host string, nextAllowed time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (host, next_allowed_at) VALUES ($1, $2)
ON CONFLICT (host) DO UPDATE SET next_allowed_at = EXCLUDED.next_allowed_at`, s.hosts)
	if _, err := s.pool.Exec(ctx, query, host, frontier.EncodeTime(nextAllowed)); err != nil {
		return fmt.Errorf("put host: %w", err)
	}
	return nil
}

// Hosts loads all persisted politeness gates.
func (s *Store) Hosts(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT host, next_allowed_at FROM %s`, s.hosts))
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()
	hosts := make(map[string]time.Time)
	for rows.Next() {
		var (
			host string
			next int64
		)
		if err := rows.Scan(&host, &next); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts[host] = frontier.DecodeTime(next)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

// CountByState aggregates links per state.
func (s *Store) CountByState(ctx context.Context) (map[crawler.State]int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, s.links))
	if err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.State]int)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[crawler.State(state)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
