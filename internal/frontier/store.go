package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// ErrNotFound signals that no link exists for the requested fingerprint.
var ErrNotFound = errors.New("link not found")

// ErrInvalidTransition is returned when a mark operation does not apply to the link's state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrClosed is returned once the frontier has been closed.
var ErrClosed = errors.New("frontier closed")

// PersistenceError wraps a durable-store failure. Callers treat it as fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("frontier %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err (or anything it wraps) is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Cursor is a keyset position in (score desc, fingerprint asc) order.
type Cursor struct {
	Score       float64
	Fingerprint string
}

// ScanQuery selects links in one state, eligible by a point in time, in descending score order.
type ScanQuery struct {
	State      crawler.State
	EligibleBy time.Time
	// After resumes the scan strictly after this position when non-nil.
	After *Cursor
	// ExcludeHosts drops links on these hosts inside the store, so a throttled or
	// saturated host never eats into the scan budget.
	ExcludeHosts []string
	Limit        int
}

// Store is the durable layout behind the frontier: keyed by fingerprint, with a
// descending-score range scan. Every write must be durable when the call returns.
type Store interface {
	// Get loads a link or returns ErrNotFound.
	Get(ctx context.Context, fingerprint string) (crawler.Link, error)
	// Put inserts or replaces the full link row.
	Put(ctx context.Context, link crawler.Link) error
	// Scan returns links matching q ordered by score desc, fingerprint asc.
	Scan(ctx context.Context, q ScanQuery) ([]crawler.Link, error)
	// ResetInFlight returns SCHEDULED and FETCHING links to DISCOVERED.
	ResetInFlight(ctx context.Context) (int64, error)
	// Fingerprints calls fn for every stored fingerprint.
	Fingerprints(ctx context.Context, fn func(fingerprint string) error) error
	// PutHost persists a host's politeness gate.
	PutHost(ctx context.Context, host string, nextAllowed time.Time) error
	// Hosts loads every persisted politeness gate.
	Hosts(ctx context.Context) (map[string]time.Time, error)
	// CountByState aggregates link counts.
	CountByState(ctx context.Context) (map[crawler.State]int, error)
	Close() error
}

// EncodeTime maps a timestamp to the integer column representation (0 for zero time).
func EncodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// DecodeTime reverses EncodeTime. Timestamps come back in UTC.
func DecodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
