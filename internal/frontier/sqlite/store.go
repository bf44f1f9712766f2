// Package sqlite provides an embedded, file-backed frontier store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
)

const linkColumns = `fingerprint, url, host, score, depth, state, attempts,
	discovered_at, last_attempt_at, eligible_at, outcome`

const schema = `
CREATE TABLE IF NOT EXISTS links (
	fingerprint TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	score REAL NOT NULL,
	depth INTEGER NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	discovered_at INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	eligible_at INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_links_ready ON links(state, score DESC, fingerprint);

CREATE TABLE IF NOT EXISTS hosts (
	host TEXT PRIMARY KEY,
	next_allowed_at INTEGER NOT NULL
);
`

// Store implements frontier.Store on a single SQLite file.
// Writes run with synchronous=FULL so a returned call is on disk.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database file at path, creating parent directories as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create frontier directory: %w", err)
		}
	}

	dsn := "file:" + path + "?mode=rwc" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open frontier database: %w", err)
	}
	// One writer keeps every transition strictly ordered on disk.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create frontier schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (crawler.Link, error) {
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
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE fingerprint = ?`, fingerprint)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Link{}, frontier.ErrNotFound
	}
	if err != nil {
		return crawler.Link{}, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

// Put upserts the full link row.
func (s *Store) Put(ctx context.Context, link crawler.Link) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO links (`+linkColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO UPDATE SET
		url = excluded.url,
		host = excluded.host,
		score = excluded.score,
		depth = excluded.depth,
		state = excluded.state,
		attempts = excluded.attempts,
		discovered_at = excluded.discovered_at,
		last_attempt_at = excluded.last_attempt_at,
		eligible_at = excluded.eligible_at,
		outcome = excluded.outcome`,
		link.Fingerprint, link.URL, link.Host, link.Score, link.Depth, string(link.State), link.Attempts,
		frontier.EncodeTime(link.DiscoveredAt), frontier.EncodeTime(link.LastAttemptAt),
		frontier.EncodeTime(link.EligibleAt), link.Outcome,
	)
	if err != nil {
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

// Scan walks the ready index in (score desc, fingerprint asc) order.
func (s *Store) Scan(ctx context.Context, q frontier.ScanQuery) ([]crawler.Link, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + linkColumns + ` FROM links WHERE state = ? AND eligible_at <= ?`)
	args := []any{string(q.State), frontier.EncodeTime(q.EligibleBy)}
	if q.After != nil {
		sb.WriteString(` AND (score < ? OR (score = ? AND fingerprint > ?))`)
		args = append(args, q.After.Score, q.After.Score, q.After.Fingerprint)
	}
	if len(q.ExcludeHosts) > 0 {
		excluded, err := json.Marshal(q.ExcludeHosts)
		if err != nil {
			return nil, fmt.Errorf("encode excluded hosts: %w", err)
		}
		sb.WriteString(` AND host NOT IN (SELECT value FROM json_each(?))`)
		args = append(args, string(excluded))
	}
	sb.WriteString(` ORDER BY score DESC, fingerprint ASC`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("scan links: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET state = ? WHERE state IN (?, ?)`,
		string(crawler.StateDiscovered), string(crawler.StateScheduled), string(crawler.StateFetching),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight links: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset in-flight rows affected: %w", err)
	}
	return n, nil
}

// Fingerprints streams every stored fingerprint to fn.
func (s *Store) Fingerprints(ctx context.Context, fn func(string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM links`)
	if err != nil {
		return fmt.Errorf("list fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO hosts (host, next_allowed_at) VALUES (?, ?)
	ON CONFLICT(host) DO UPDATE SET next_allowed_at = excluded.next_allowed_at`,
		host, frontier.EncodeTime(nextAllowed),
	)
	if err != nil {
		return fmt.Errorf("put host: %w", err)
	}
	return nil
}

// Hosts loads all persisted politeness gates.
func (s *Store) Hosts(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, next_allowed_at FROM hosts`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM links GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[crawler.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[crawler.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
