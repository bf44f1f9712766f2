// Package frontier owns the durable, deduplicated, score-ordered set of
// discovered links together with per-host politeness state.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/clock/system"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
)

// InsertOutcome reports what Insert did with a submitted URL.
type InsertOutcome string

// Insert outcomes.
const (
	Inserted  InsertOutcome = "inserted"
	Updated   InsertOutcome = "updated"
	Unchanged InsertOutcome = "unchanged"
	Rejected  InsertOutcome = "rejected"
)

const scanPageSize = 256

// Config tunes scheduling and retry behavior.
type Config struct {
	MaxRetries         int
	PerHostCap         int
	PolitenessDelay    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	ScanWindow         int
	BloomCapacity      uint
	BloomFalsePositive float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PerHostCap <= 0 {
		c.PerHostCap = 1
	}
	if c.PolitenessDelay < 0 {
		c.PolitenessDelay = 0
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 10_000
	}
	return c
}

// Frontier is safe for concurrent use.
type Frontier struct {
	store   Store
	cfg     Config
	clock   crawler.Clock
	logger  *zap.Logger
	backoff *crawler.ExponentialBackoff

	hosts   *hostTable
	seen    *seenFilter
	locks   stripedLocks
	batchMu sync.Mutex
	closed  atomic.Bool
}

// Open wraps store, restores host gates, and returns orphaned in-flight links to DISCOVERED.
func Open(ctx context.Context, store Store, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Frontier, error) {
	if store == nil {
		return nil, errors.New("frontier store is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	f := &Frontier{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.Named("frontier"),
		backoff: crawler.NewExponentialBackoff(cfg.BackoffBase, cfg.BackoffMax),
		hosts:   newHostTable(),
		seen:    newSeenFilter(cfg.BloomCapacity, cfg.BloomFalsePositive),
	}

	recovered, err := store.ResetInFlight(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "reset in-flight", Err: err}
	}
	gates, err := store.Hosts(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load hosts", Err: err}
	}
	for host, next := range gates {
		f.hosts.restore(host, next)
	}
	known := 0
	err = store.Fingerprints(ctx, func(fp string) error {
		f.seen.add(fp)
		known++
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: "load fingerprints", Err: err}
	}

	f.logger.Info("frontier opened",
		zap.Int("links", known),
		zap.Int("hosts", len(gates)),
		zap.Int64("recovered_in_flight", recovered),
	)
	return f, nil
}

// Insert adds a link or merges it into the existing entry for its fingerprint,
// keeping the maximum score and minimum depth.
func (f *Frontier) Insert(ctx context.Context, rawURL string, score float64, depth int) (InsertOutcome, error) {
	if f.closed.Load() {
		return Rejected, ErrClosed
	}
	canonical, err := crawler.Canonicalize(rawURL)
	if err != nil {
		metrics.ObserveInsert(string(Rejected))
		return Rejected, nil
	}
	if math.IsNaN(score) {
		score = 0
	}
	if depth < 0 {
		depth = 0
	}
	fp := crawler.Fingerprint(canonical)

	unlock := f.locks.lock(fp)
	defer unlock()

	if f.seen.mayContain(fp) {
		existing, err := f.store.Get(ctx, fp)
		switch {
		case err == nil:
			outcome, err := f.merge(ctx, existing, score, depth)
			if err != nil {
				return Rejected, err
			}
			metrics.ObserveInsert(string(outcome))
			return outcome, nil
		case !errors.Is(err, ErrNotFound):
			return Rejected, &PersistenceError{Op: "get", Err: err}
		}
	}

	link := crawler.Link{
		URL:          canonical,
		Fingerprint:  fp,
		Host:         crawler.Host(canonical),
		Score:        score,
		Depth:        depth,
		State:        crawler.StateDiscovered,
		DiscoveredAt: f.clock.Now(),
	}
	if err := f.store.Put(ctx, link); err != nil {
		return Rejected, &PersistenceError{Op: "insert", Err: err}
	}
	f.seen.add(fp)
	metrics.ObserveInsert(string(Inserted))
	metrics.ObserveTransition(string(crawler.StateDiscovered))
	return Inserted, nil
}

func (f *Frontier) merge(ctx context.Context, existing crawler.Link, score float64, depth int) (InsertOutcome, error) {
	if existing.State.Terminal() {
		return Rejected, nil
	}
	changed := false
	if score > existing.Score {
		existing.Score = score
		changed = true
	}
	if depth < existing.Depth {
		existing.Depth = depth
		changed = true
	}
	if !changed {
		return Unchanged, nil
	}
	if err := f.store.Put(ctx, existing); err != nil {
		return Rejected, &PersistenceError{Op: "update", Err: err}
	}
	return Updated, nil
}

// NextBatch claims up to size eligible DISCOVERED links in descending score order.
// Links on throttled or saturated hosts are skipped. Returned links are SCHEDULED.
func (f *Frontier) NextBatch(ctx context.Context, size int) ([]crawler.Link, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if size <= 0 {
		return nil, nil
	}

	f.batchMu.Lock()
	defer f.batchMu.Unlock()

	now := f.clock.Now()
	batch := make([]crawler.Link, 0, size)
	excluded := f.hosts.unavailable(now, f.cfg.PerHostCap)
	var after *Cursor
	scanned := 0
	for len(batch) < size && scanned < f.cfg.ScanWindow {
		limit := min(scanPageSize, f.cfg.ScanWindow-scanned)
		page, err := f.store.Scan(ctx, ScanQuery{
			State:        crawler.StateDiscovered,
			EligibleBy:   now,
			After:        after,
			ExcludeHosts: hostList(excluded),
			Limit:        limit,
		})
		if err != nil {
			return nil, &PersistenceError{Op: "scan", Err: err}
		}
		if len(page) == 0 {
			break
		}

		// Once a host fills up, the rest of the page is re-read without it.
		grew := false
		for _, candidate := range page {
			if len(batch) >= size || grew {
				break
			}
			scanned++
			after = &Cursor{Score: candidate.Score, Fingerprint: candidate.Fingerprint}
			if _, skip := excluded[candidate.Host]; skip {
				continue
			}
			link, ok, err := f.claim(ctx, candidate, now)
			if err != nil {
				return nil, err
			}
			if ok {
				batch = append(batch, link)
			}
			if !f.hosts.available(candidate.Host, now, f.cfg.PerHostCap) {
				excluded[candidate.Host] = struct{}{}
				grew = true
			}
		}
		if !grew && len(page) < limit {
			break
		}
	}

	metrics.ObserveBatch(len(batch))
	return batch, nil
}

func hostList(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for host := range set {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func (f *Frontier) claim(ctx context.Context, candidate crawler.Link, now time.Time) (crawler.Link, bool, error) {
	if !f.hosts.tryAcquire(candidate.Host, now, f.cfg.PerHostCap) {
		return crawler.Link{}, false, nil
	}
	unlock := f.locks.lock(candidate.Fingerprint)
	defer unlock()

	current, err := f.store.Get(ctx, candidate.Fingerprint)
	if err != nil {
		f.hosts.unreserve(candidate.Host)
		if errors.Is(err, ErrNotFound) {
			return crawler.Link{}, false, nil
		}
		return crawler.Link{}, false, &PersistenceError{Op: "get", Err: err}
	}
	if current.State != crawler.StateDiscovered || current.EligibleAt.After(now) {
		f.hosts.unreserve(candidate.Host)
		return crawler.Link{}, false, nil
	}
	current.State = crawler.StateScheduled
	if err := f.store.Put(ctx, current); err != nil {
		f.hosts.unreserve(candidate.Host)
		return crawler.Link{}, false, &PersistenceError{Op: "schedule", Err: err}
	}
	metrics.ObserveTransition(string(crawler.StateScheduled))
	return current, true, nil
}

// MarkFetching moves a SCHEDULED link to FETCHING. It is a no-op for a link already FETCHING.
func (f *Frontier) MarkFetching(ctx context.Context, fingerprint string) error {
	_, err := f.transition(ctx, "mark fetching", fingerprint, func(link *crawler.Link, now time.Time) (bool, error) {
		switch link.State {
		case crawler.StateFetching:
			return false, nil
		case crawler.StateScheduled:
			link.State = crawler.StateFetching
			link.LastAttemptAt = now
			return true, nil
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.State, crawler.StateFetching)
		}
	})
	return err
}

// MarkDone completes a dispatched link. Completing a DONE link again is a no-op.
func (f *Frontier) MarkDone(ctx context.Context, fingerprint, outcome string) error {
	released := false
	link, err := f.transition(ctx, "mark done", fingerprint, func(link *crawler.Link, now time.Time) (bool, error) {
		switch {
		case link.State == crawler.StateDone:
			return false, nil
		case link.State.InFlight():
			link.State = crawler.StateDone
			link.Attempts++
			link.LastAttemptAt = now
			link.Outcome = outcome
			released = true
			return true, nil
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.State, crawler.StateDone)
		}
	})
	if err != nil {
		return err
	}
	if released {
		return f.completeHost(ctx, link.Host)
	}
	return nil
}

// MarkFailed records a failed attempt. A retryable failure under the retry budget
// returns the link to DISCOVERED behind a backoff; anything else is FAILED for good.
// The resulting state is returned.
func (f *Frontier) MarkFailed(ctx context.Context, fingerprint string, retryable bool, reason string) (crawler.State, error) {
	link, err := f.transition(ctx, "mark failed", fingerprint, func(link *crawler.Link, now time.Time) (bool, error) {
		if !link.State.InFlight() {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.State, crawler.StateFailed)
		}
		link.Attempts++
		link.LastAttemptAt = now
		link.Outcome = reason
		if retryable && link.Attempts < f.cfg.MaxRetries {
			link.State = crawler.StateDiscovered
			link.EligibleAt = now.Add(f.backoff.Backoff(link.Attempts))
		} else {
			link.State = crawler.StateFailed
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if link.State == crawler.StateFailed {
		f.logger.Debug("link failed permanently",
			zap.String("fingerprint", fingerprint),
			zap.Int("attempts", link.Attempts),
			zap.String("reason", reason),
		)
	}
	return link.State, f.completeHost(ctx, link.Host)
}

// Release returns a dispatched link to DISCOVERED without counting an attempt
// or advancing its host's politeness gate.
func (f *Frontier) Release(ctx context.Context, fingerprint string) error {
	link, err := f.transition(ctx, "release", fingerprint, func(link *crawler.Link, _ time.Time) (bool, error) {
		if !link.State.InFlight() {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.State, crawler.StateDiscovered)
		}
		link.State = crawler.StateDiscovered
		return true, nil
	})
	if err != nil {
		return err
	}
	f.hosts.unreserve(link.Host)
	return nil
}

// transition loads a link under its stripe lock, applies mutate, and persists the
// result when mutate reports a change.
func (f *Frontier) transition(
	ctx context.Context,
	op, fingerprint string,
	mutate func(link *crawler.Link, now time.Time) (bool, error),
) (crawler.Link, error) {
	if f.closed.Load() {
		return crawler.Link{}, ErrClosed
	}
	unlock := f.locks.lock(fingerprint)
	defer unlock()

	link, err := f.store.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return crawler.Link{}, fmt.Errorf("%s %s: %w", op, fingerprint, ErrNotFound)
		}
		return crawler.Link{}, &PersistenceError{Op: op, Err: err}
	}
	changed, err := mutate(&link, f.clock.Now())
	if err != nil {
		return crawler.Link{}, fmt.Errorf("%s %s: %w", op, fingerprint, err)
	}
	if !changed {
		return link, nil
	}
	if err := f.store.Put(ctx, link); err != nil {
		return crawler.Link{}, &PersistenceError{Op: op, Err: err}
	}
	metrics.ObserveTransition(string(link.State))
	return link, nil
}

func (f *Frontier) completeHost(ctx context.Context, host string) error {
	next := f.hosts.complete(host, f.clock.Now(), f.cfg.PolitenessDelay)
	if err := f.store.PutHost(ctx, host, next); err != nil {
		return &PersistenceError{Op: "put host", Err: err}
	}
	return nil
}

// Get returns the stored link for fingerprint.
func (f *Frontier) Get(ctx context.Context, fingerprint string) (crawler.Link, error) {
	if f.closed.Load() {
		return crawler.Link{}, ErrClosed
	}
	link, err := f.store.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return crawler.Link{}, err
		}
		return crawler.Link{}, &PersistenceError{Op: "get", Err: err}
	}
	return link, nil
}

// Host returns a snapshot of the schedule entry for host.
func (f *Frontier) Host(host string) (crawler.HostEntry, bool) {
	return f.hosts.snapshot(host)
}

// Stats counts links per state.
func (f *Frontier) Stats(ctx context.Context) (map[crawler.State]int, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	counts, err := f.store.CountByState(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "count", Err: err}
	}
	return counts, nil
}

// Close closes the underlying store. Further calls return ErrClosed.
func (f *Frontier) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Wait out a running batch claim before the store goes away.
	f.batchMu.Lock()
	defer f.batchMu.Unlock()
	if err := f.store.Close(); err != nil {
		return fmt.Errorf("close frontier store: %w", err)
	}
	return nil
}
