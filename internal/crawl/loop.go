// Package crawl drives the crawl: it pulls batches from the frontier, hands them
// to a downloader and harvests the results back into the frontier.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/clock/system"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
	"github.com/JakeFAU/focused-crawler/internal/telemetry"
)

// State is the lifecycle state of a Loop.
type State string

// Loop states. A loop only moves forward through them.
const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// ErrAlreadyStarted is returned by Run on a loop that has left IDLE.
var ErrAlreadyStarted = errors.New("crawl loop already started")

// Frontier is the part of the frontier the loop drives.
type Frontier interface {
	Insert(ctx context.Context, rawURL string, score float64, depth int) (frontier.InsertOutcome, error)
	NextBatch(ctx context.Context, size int) ([]crawler.Link, error)
	MarkFetching(ctx context.Context, fingerprint string) error
	MarkDone(ctx context.Context, fingerprint, outcome string) error
	MarkFailed(ctx context.Context, fingerprint string, retryable bool, reason string) (crawler.State, error)
	Release(ctx context.Context, fingerprint string) error
	Stats(ctx context.Context) (map[crawler.State]int, error)
}

// Config controls Loop behavior.
type Config struct {
	// BatchSize caps links requested per NextBatch call.
	BatchSize int
	// MaxInFlight bounds links dispatched and not yet harvested.
	MaxInFlight int
	// PollInterval spaces frontier re-polls while waiting.
	PollInterval time.Duration
	// WaitForSeeds keeps the loop polling when the frontier runs dry instead of stopping.
	WaitForSeeds bool
	// MaxDepth drops outbound links deeper than this; zero means unlimited.
	MaxDepth int
	// MaxBatches stops dispatch after this many batches; zero means unlimited.
	MaxBatches int
	// Scope drops outbound links outside the crawl; nil keeps every link.
	Scope LinkScope
}

// LinkScope decides whether an outbound link may enter the frontier.
type LinkScope interface {
	AllowLink(rawURL string) bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4 * c.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Stats is a snapshot of loop counters.
type Stats struct {
	State         State                       `json:"state"`
	Batches       int                         `json:"batches"`
	Dispatched    int                         `json:"dispatched"`
	InFlight      int                         `json:"in_flight"`
	Results       map[crawler.FetchStatus]int `json:"results"`
	PagesStored   int                         `json:"pages_stored"`
	LinksInserted int                         `json:"links_inserted"`
	LinksUpdated  int                         `json:"links_updated"`
	LinksDropped  int                         `json:"links_dropped"`
	DistinctHosts uint64                      `json:"distinct_hosts"`
}

// Loop is the crawl driver. It is single use: Run may be called once.
type Loop struct {
	frontier   Frontier
	downloader crawler.Downloader
	oracle     crawler.Oracle
	target     crawler.TargetStorage
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger

	state atomic.Value
	wake  chan struct{}

	mu    sync.Mutex
	stats Stats
	hosts *hyperloglog.Sketch

	// Owned by the Run goroutine.
	inFlight int
	results  chan crawler.FetchResult
}

// New constructs a Loop. target may be nil; a nil clock uses the system clock.
func New(
	f Frontier,
	downloader crawler.Downloader,
	oracle crawler.Oracle,
	target crawler.TargetStorage,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		frontier:   f,
		downloader: downloader,
		oracle:     oracle,
		target:     target,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("crawl"),
		wake:       make(chan struct{}, 1),
		stats:      Stats{Results: make(map[crawler.FetchStatus]int)},
		hosts:      hyperloglog.New(),
		results:    make(chan crawler.FetchResult, cfg.MaxInFlight),
	}
	l.state.Store(StateIdle)
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	s, _ := l.state.Load().(State)
	return s
}

// Wake cuts an idle wait short, e.g. after new seeds were inserted.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.stats
	out.State = l.State()
	out.Results = make(map[crawler.FetchStatus]int, len(l.stats.Results))
	for k, v := range l.stats.Results {
		out.Results[k] = v
	}
	out.DistinctHosts = l.hosts.Estimate()
	return out
}

// Run crawls until the frontier is exhausted (unless WaitForSeeds is set) or ctx is canceled.
// Cancellation stops dispatch; fetches already in flight are harvested before Run returns.
// A frontier persistence failure stops the loop immediately and is returned.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(StateIdle, StateRunning) {
		return ErrAlreadyStarted
	}
	l.logger.Info("crawl loop running",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Int("max_in_flight", l.cfg.MaxInFlight),
		zap.Bool("wait_for_seeds", l.cfg.WaitForSeeds),
	)

	// Frontier writes and fetches outlive ctx so a shutdown never strands a claimed link.
	work := context.WithoutCancel(ctx)

	if err := l.run(ctx, work); err != nil {
		l.state.Store(StateStopped)
		l.logger.Error("crawl loop halted", zap.Error(err), zap.Int("in_flight", l.inFlight))
		return err
	}

	l.state.Store(StateStopping)
	l.logger.Info("crawl loop draining", zap.Int("in_flight", l.inFlight))
	for l.inFlight > 0 {
		if err := l.harvest(work, <-l.results); err != nil {
			l.state.Store(StateStopped)
			return err
		}
	}
	l.state.Store(StateStopped)
	stats := l.Stats()
	l.logger.Info("crawl loop stopped",
		zap.Int("batches", stats.Batches),
		zap.Int("dispatched", stats.Dispatched),
		zap.Int("pages_stored", stats.PagesStored),
		zap.Int("links_inserted", stats.LinksInserted),
		zap.Uint64("distinct_hosts", stats.DistinctHosts),
	)
	return nil
}

func (l *Loop) run(ctx, work context.Context) error {
	batches := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.harvestReady(work); err != nil {
			return err
		}

		exhausted := l.cfg.MaxBatches > 0 && batches >= l.cfg.MaxBatches
		room := l.cfg.MaxInFlight - l.inFlight
		if room > 0 && !exhausted {
			batch, err := l.frontier.NextBatch(work, min(l.cfg.BatchSize, room))
			if err != nil {
				return fmt.Errorf("next batch: %w", err)
			}
			if len(batch) > 0 {
				if err := l.dispatch(work, batch); err != nil {
					return err
				}
				batches++
				continue
			}
		}

		if l.inFlight == 0 {
			done, err := l.idle(work, exhausted)
			if err != nil || done {
				return err
			}
			if err := l.waitIdle(ctx); err != nil {
				return nil
			}
			continue
		}

		if err := l.waitResult(ctx, work, room > 0 && !exhausted); err != nil {
			return err
		}
	}
}

// idle reports whether the loop should stop with nothing in flight.
func (l *Loop) idle(ctx context.Context, exhausted bool) (bool, error) {
	if exhausted {
		return true, nil
	}
	counts, err := l.frontier.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("frontier stats: %w", err)
	}
	// Links waiting on a politeness gate or a retry backoff are still pending.
	if counts[crawler.StateDiscovered] > 0 || l.cfg.WaitForSeeds {
		return false, nil
	}
	l.logger.Info("frontier exhausted")
	return true, nil
}

func (l *Loop) waitIdle(ctx context.Context) error {
	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.wake:
	case <-timer.C:
	}
	return nil
}

// waitResult blocks for one result. With poll set it also returns after the poll
// interval so newly eligible links get dispatched.
func (l *Loop) waitResult(ctx, work context.Context, poll bool) error {
	var tick <-chan time.Time
	if poll {
		timer := time.NewTimer(l.cfg.PollInterval)
		defer timer.Stop()
		tick = timer.C
	}
	select {
	case <-ctx.Done():
		return nil
	case res := <-l.results:
		return l.harvest(work, res)
	case <-l.wake:
	case <-tick:
	}
	return nil
}

func (l *Loop) harvestReady(work context.Context) error {
	for {
		select {
		case res := <-l.results:
			if err := l.harvest(work, res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (l *Loop) dispatch(work context.Context, batch []crawler.Link) error {
	ready := batch[:0]
	for _, link := range batch {
		if err := l.frontier.MarkFetching(work, link.Fingerprint); err != nil {
			if frontier.IsPersistence(err) {
				return fmt.Errorf("mark fetching %s: %w", link.Fingerprint, err)
			}
			l.logger.Warn("link not dispatched", zap.String("url", link.URL), zap.Error(err))
			if err := l.frontier.Release(work, link.Fingerprint); err != nil && frontier.IsPersistence(err) {
				return fmt.Errorf("release %s: %w", link.Fingerprint, err)
			}
			continue
		}
		ready = append(ready, link)
	}
	if len(ready) == 0 {
		return nil
	}

	l.inFlight += len(ready)
	metrics.AddInflight(len(ready))
	l.mu.Lock()
	l.stats.Batches++
	l.stats.Dispatched += len(ready)
	l.stats.InFlight = l.inFlight
	l.mu.Unlock()
	l.logger.Debug("batch dispatched", zap.Int("size", len(ready)), zap.Int("in_flight", l.inFlight))

	go l.forward(l.downloader.Fetch(work, ready), ready)
	return nil
}

// forward relays one batch's results. A downloader that closes its channel early
// gets the missing links reported as LOST so in-flight accounting stays exact.
func (l *Loop) forward(ch <-chan crawler.FetchResult, batch []crawler.Link) {
	pending := make(map[string]crawler.Link, len(batch))
	for _, link := range batch {
		pending[link.Fingerprint] = link
	}
	for res := range ch {
		if _, ok := pending[res.Fingerprint]; !ok {
			l.logger.Debug("unexpected result dropped", zap.String("fingerprint", res.Fingerprint))
			continue
		}
		delete(pending, res.Fingerprint)
		l.results <- res
	}
	for _, link := range pending {
		l.results <- crawler.FetchResult{
			Fingerprint: link.Fingerprint,
			URL:         link.URL,
			Depth:       link.Depth,
			Status:      crawler.FetchLost,
			Err:         "downloader closed without a result",
		}
	}
}

func (l *Loop) harvest(work context.Context, res crawler.FetchResult) error {
	l.inFlight--
	metrics.AddInflight(-1)
	metrics.ObserveFetch(string(res.Status), res.Duration)
	l.mu.Lock()
	l.stats.Results[res.Status]++
	l.stats.InFlight = l.inFlight
	l.mu.Unlock()

	ctx, span := telemetry.Tracer("crawl").Start(work, "harvest")
	defer span.End()
	span.SetAttributes(
		attribute.String("url", res.URL),
		attribute.String("status", string(res.Status)),
		attribute.String("node", res.Node),
	)

	var err error
	switch res.Status {
	case crawler.FetchOK:
		err = l.harvestPage(ctx, res)
	case crawler.FetchFailedPermanent:
		err = l.fail(ctx, res, false)
	default:
		err = l.fail(ctx, res, true)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if frontier.IsPersistence(err) {
			return err
		}
		l.logger.Warn("harvest skipped", zap.String("url", res.URL), zap.Error(err))
	}
	return nil
}

func (l *Loop) harvestPage(ctx context.Context, res crawler.FetchResult) error {
	page := crawler.PageFromResult(res, l.clock.Now())
	host := crawler.Host(res.URL)

	relevance, err := l.oracle.ScorePage(ctx, page)
	if err != nil {
		l.logger.Warn("page scoring failed", zap.String("url", res.URL), zap.Error(err))
		relevance = 0
	}
	if l.target != nil {
		if err := l.target.Store(ctx, page, relevance); err != nil {
			l.logger.Error("target storage failed", zap.String("url", res.URL), zap.Error(err))
		} else {
			l.mu.Lock()
			l.stats.PagesStored++
			l.mu.Unlock()
		}
	}

	var inserted, updated, dropped int
	depth := res.Depth + 1
	for _, out := range res.OutboundLinks {
		if l.cfg.MaxDepth > 0 && depth > l.cfg.MaxDepth {
			dropped += len(res.OutboundLinks)
			break
		}
		if l.cfg.Scope != nil && !l.cfg.Scope.AllowLink(out.URL) {
			dropped++
			continue
		}
		score, err := l.oracle.ScoreLink(ctx, page, out)
		if err != nil {
			l.logger.Debug("link scoring failed", zap.String("url", out.URL), zap.Error(err))
			dropped++
			continue
		}
		outcome, err := l.frontier.Insert(ctx, out.URL, score, depth)
		if err != nil {
			err = fmt.Errorf("insert %s: %w", out.URL, err)
			if frontier.IsPersistence(err) {
				return err
			}
			// The page stays unharvested; hand it back so its host slot is freed.
			if _, ferr := l.frontier.MarkFailed(ctx, res.Fingerprint, true, err.Error()); ferr != nil {
				return errors.Join(err, fmt.Errorf("mark failed %s: %w", res.Fingerprint, ferr))
			}
			return err
		}
		switch outcome {
		case frontier.Inserted:
			inserted++
		case frontier.Updated:
			updated++
		}
	}

	l.mu.Lock()
	l.stats.LinksInserted += inserted
	l.stats.LinksUpdated += updated
	l.stats.LinksDropped += dropped
	l.hosts.Insert([]byte(host))
	l.mu.Unlock()

	if err := l.frontier.MarkDone(ctx, res.Fingerprint, fmt.Sprintf("ok %d", res.StatusCode)); err != nil {
		return fmt.Errorf("mark done %s: %w", res.Fingerprint, err)
	}
	l.logger.Debug("page harvested",
		zap.String("url", res.URL),
		zap.Float64("relevance", relevance),
		zap.Int("links_inserted", inserted),
		zap.Int("links_updated", updated),
	)
	return nil
}

func (l *Loop) fail(ctx context.Context, res crawler.FetchResult, retryable bool) error {
	state, err := l.frontier.MarkFailed(ctx, res.Fingerprint, retryable, res.Err)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", res.Fingerprint, err)
	}
	if res.Status == crawler.FetchLost {
		l.logger.Info("fetch lost", zap.String("url", res.URL), zap.String("node", res.Node), zap.String("state", string(state)))
		return nil
	}
	l.logger.Debug("fetch failed",
		zap.String("url", res.URL),
		zap.String("status", string(res.Status)),
		zap.String("error", res.Err),
		zap.String("state", string(state)),
	)
	return nil
}
