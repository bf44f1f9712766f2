package crawl

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
	"github.com/JakeFAU/focused-crawler/internal/frontier/sqlite"
)

func openFrontier(t *testing.T, cfg frontier.Config) *frontier.Frontier {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "frontier.db"))
	require.NoError(t, err)
	f, err := frontier.Open(ctx, store, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func canonical(t *testing.T, raw string) string {
	t.Helper()
	c, err := crawler.Canonicalize(raw)
	require.NoError(t, err)
	return c
}

// downloaderFunc serves each link on its own goroutine with handle.
type downloaderFunc func(ctx context.Context, link crawler.Link) crawler.FetchResult

func (d downloaderFunc) Fetch(ctx context.Context, batch []crawler.Link) <-chan crawler.FetchResult {
	out := make(chan crawler.FetchResult, len(batch))
	var wg sync.WaitGroup
	for _, link := range batch {
		wg.Go(func() {
			res := d(ctx, link)
			res.Fingerprint = link.Fingerprint
			res.URL = link.URL
			res.Depth = link.Depth
			out <- res
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// graph maps a URL to the links its page contains.
func graphDownloader(graph map[string][]string) downloaderFunc {
	return func(_ context.Context, link crawler.Link) crawler.FetchResult {
		res := crawler.FetchResult{Status: crawler.FetchOK, StatusCode: 200, ContentType: "text/html", Content: []byte("<html></html>")}
		for _, u := range graph[link.URL] {
			res.OutboundLinks = append(res.OutboundLinks, crawler.OutboundLink{URL: u})
		}
		return res
	}
}

type stubOracle struct {
	page  float64
	links map[string]float64
}

func (o stubOracle) ScorePage(context.Context, crawler.Page) (float64, error) {
	return o.page, nil
}

func (o stubOracle) ScoreLink(_ context.Context, _ crawler.Page, link crawler.OutboundLink) (float64, error) {
	if s, ok := o.links[link.URL]; ok {
		return s, nil
	}
	return 0.5, nil
}

type recordingTarget struct {
	mu    sync.Mutex
	pages map[string]float64
}

func (r *recordingTarget) Store(_ context.Context, page crawler.Page, relevance float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages == nil {
		r.pages = map[string]float64{}
	}
	r.pages[page.URL] = relevance
	return nil
}

func TestSeedScenarioAfterOneCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{})
	seed := canonical(t, "http://a.example/")
	high := canonical(t, "http://b.example/solar")
	low := canonical(t, "http://c.example/misc")

	_, err := f.Insert(ctx, seed, 1.0, 0)
	require.NoError(t, err)

	target := &recordingTarget{}
	loop := New(f,
		graphDownloader(map[string][]string{seed: {high, low}}),
		stubOracle{page: 1.0, links: map[string]float64{high: 0.9, low: 0.2}},
		target, nil,
		Config{MaxBatches: 1, PollInterval: 10 * time.Millisecond},
		nil,
	)
	require.NoError(t, loop.Run(ctx))
	require.Equal(t, StateStopped, loop.State())

	seedLink, err := f.Get(ctx, crawler.Fingerprint(seed))
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, seedLink.State)

	for url, score := range map[string]float64{high: 0.9, low: 0.2} {
		link, err := f.Get(ctx, crawler.Fingerprint(url))
		require.NoError(t, err)
		require.Equal(t, crawler.StateDiscovered, link.State)
		require.InDelta(t, score, link.Score, 1e-9)
		require.Equal(t, 1, link.Depth)
	}

	batch, err := f.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, high, batch[0].URL)

	require.InDelta(t, 1.0, target.pages[seed], 1e-9)
	stats := loop.Stats()
	require.Equal(t, 1, stats.Batches)
	require.Equal(t, 2, stats.LinksInserted)
	require.Equal(t, 1, stats.Results[crawler.FetchOK])
	require.EqualValues(t, 1, stats.DistinctHosts)
}

func TestCrawlRunsUntilFrontierIsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{})
	root := canonical(t, "http://a.example/")
	graph := map[string][]string{
		root:                                 {canonical(t, "http://a.example/1"), canonical(t, "http://b.example/")},
		canonical(t, "http://a.example/1"):   {root, canonical(t, "http://c.example/deep")},
		canonical(t, "http://b.example/"):    {canonical(t, "http://a.example/1")},
		canonical(t, "http://c.example/deep"): {canonical(t, "http://d.example/too-deep")},
	}
	_, err := f.Insert(ctx, root, 1, 0)
	require.NoError(t, err)

	loop := New(f, graphDownloader(graph), stubOracle{page: 0.5}, nil, nil,
		Config{BatchSize: 2, MaxInFlight: 2, MaxDepth: 2, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, loop.Run(ctx))

	counts, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, counts[crawler.StateDone])
	require.Zero(t, counts[crawler.StateDiscovered])

	_, err = f.Get(ctx, crawler.Fingerprint(canonical(t, "http://d.example/too-deep")))
	require.ErrorIs(t, err, frontier.ErrNotFound)
	stats := loop.Stats()
	require.Equal(t, 4, stats.Dispatched)
	require.Equal(t, 1, stats.LinksDropped)
	require.Zero(t, stats.InFlight)
}

type scopeFunc func(string) bool

func (f scopeFunc) AllowLink(u string) bool { return f(u) }

func TestScopeDropsOutOfScopeLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{})
	seed := canonical(t, "http://a.example/")
	inside := canonical(t, "http://a.example/in")
	outside := canonical(t, "http://b.example/out")
	_, err := f.Insert(ctx, seed, 1, 0)
	require.NoError(t, err)

	loop := New(f, graphDownloader(map[string][]string{seed: {inside, outside}}), stubOracle{page: 1}, nil, nil,
		Config{
			MaxBatches:   1,
			PollInterval: 5 * time.Millisecond,
			Scope:        scopeFunc(func(u string) bool { return crawler.Host(u) == "a.example" }),
		}, nil)
	require.NoError(t, loop.Run(ctx))

	_, err = f.Get(ctx, crawler.Fingerprint(inside))
	require.NoError(t, err)
	_, err = f.Get(ctx, crawler.Fingerprint(outside))
	require.ErrorIs(t, err, frontier.ErrNotFound)
	require.Equal(t, 1, loop.Stats().LinksInserted)
	require.Equal(t, 1, loop.Stats().LinksDropped)
}

func TestRetryableFailuresExhaustBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	flaky := canonical(t, "http://flaky.example/")
	gone := canonical(t, "http://gone.example/")
	for _, u := range []string{flaky, gone} {
		_, err := f.Insert(ctx, u, 1, 0)
		require.NoError(t, err)
	}

	var attempts atomic.Int32
	downloader := downloaderFunc(func(_ context.Context, link crawler.Link) crawler.FetchResult {
		if link.URL == gone {
			return crawler.FetchResult{Status: crawler.FetchFailedPermanent, StatusCode: 404, Err: "http status 404"}
		}
		attempts.Add(1)
		return crawler.FetchResult{Status: crawler.FetchFailedRetryable, Err: "connection reset"}
	})

	loop := New(f, downloader, stubOracle{}, nil, nil, Config{PollInterval: 2 * time.Millisecond}, nil)
	require.NoError(t, loop.Run(ctx))

	require.EqualValues(t, 3, attempts.Load())
	for _, u := range []string{flaky, gone} {
		link, err := f.Get(ctx, crawler.Fingerprint(u))
		require.NoError(t, err)
		require.Equal(t, crawler.StateFailed, link.State)
	}
	stats := loop.Stats()
	require.Equal(t, 3, stats.Results[crawler.FetchFailedRetryable])
	require.Equal(t, 1, stats.Results[crawler.FetchFailedPermanent])
}

func TestShutdownDrainsInFlightFetches(t *testing.T) {
	t.Parallel()

	f := openFrontier(t, frontier.Config{})
	url := canonical(t, "http://slow.example/")
	_, err := f.Insert(context.Background(), url, 1, 0)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	downloader := downloaderFunc(func(ctx context.Context, _ crawler.Link) crawler.FetchResult {
		close(started)
		<-release
		if ctx.Err() != nil {
			return crawler.FetchResult{Status: crawler.FetchFailedRetryable, Err: "canceled"}
		}
		return crawler.FetchResult{Status: crawler.FetchOK, StatusCode: 200}
	})

	ctx, cancel := context.WithCancel(context.Background())
	loop := New(f, downloader, stubOracle{}, nil, nil, Config{WaitForSeeds: true, PollInterval: 5 * time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	<-started
	cancel()
	require.Eventually(t, func() bool { return loop.State() == StateStopping }, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	require.Equal(t, StateStopped, loop.State())

	link, err := f.Get(context.Background(), crawler.Fingerprint(url))
	require.NoError(t, err)
	require.Equal(t, crawler.StateDone, link.State, "in-flight fetch completed and was harvested")
}

func TestMaxInFlightBoundsOutstandingLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{})
	for _, host := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		_, err := f.Insert(ctx, "http://"+host+".example/", 1, 0)
		require.NoError(t, err)
	}

	var active, peak atomic.Int32
	downloader := downloaderFunc(func(context.Context, crawler.Link) crawler.FetchResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return crawler.FetchResult{Status: crawler.FetchOK, StatusCode: 200}
	})

	loop := New(f, downloader, stubOracle{}, nil, nil, Config{BatchSize: 8, MaxInFlight: 3, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, loop.Run(ctx))
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Equal(t, 8, loop.Stats().Results[crawler.FetchOK])
}

func TestIdleWaitPicksUpNewSeeds(t *testing.T) {
	t.Parallel()

	f := openFrontier(t, frontier.Config{})
	fetched := make(chan string, 1)
	downloader := downloaderFunc(func(_ context.Context, link crawler.Link) crawler.FetchResult {
		fetched <- link.URL
		return crawler.FetchResult{Status: crawler.FetchOK, StatusCode: 200}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := New(f, downloader, stubOracle{}, nil, nil, Config{WaitForSeeds: true, PollInterval: time.Hour}, nil)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == StateRunning }, time.Second, time.Millisecond)
	_, err := f.Insert(context.Background(), "http://late.example/", 1, 0)
	require.NoError(t, err)
	loop.Wake()

	select {
	case u := <-fetched:
		require.Equal(t, "http://late.example/", u)
	case <-time.After(2 * time.Second):
		t.Fatal("woken loop did not dispatch the new seed")
	}
	cancel()
	require.NoError(t, <-done)
	require.ErrorIs(t, loop.Run(context.Background()), ErrAlreadyStarted)
}

type brokenFrontier struct {
	Frontier
}

func (brokenFrontier) NextBatch(context.Context, int) ([]crawler.Link, error) {
	return nil, &frontier.PersistenceError{Op: "scan", Err: errors.New("disk I/O error")}
}

func TestPersistenceFailureHaltsLoop(t *testing.T) {
	t.Parallel()

	loop := New(brokenFrontier{}, graphDownloader(nil), stubOracle{}, nil, nil, Config{}, nil)
	err := loop.Run(context.Background())
	require.Error(t, err)
	require.True(t, frontier.IsPersistence(err))
	require.Equal(t, StateStopped, loop.State())
}

// rejectingFrontier fails inserts of one URL without a persistence error.
type rejectingFrontier struct {
	*frontier.Frontier
	reject string
}

func (r rejectingFrontier) Insert(ctx context.Context, rawURL string, score float64, depth int) (frontier.InsertOutcome, error) {
	if rawURL == r.reject {
		return frontier.Rejected, errors.New("insert refused")
	}
	return r.Frontier.Insert(ctx, rawURL, score, depth)
}

func TestFailedInsertReleasesHarvestedLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	seed := canonical(t, "http://a.example/")
	bad := canonical(t, "http://b.example/")
	_, err := f.Insert(ctx, seed, 1, 0)
	require.NoError(t, err)

	loop := New(rejectingFrontier{Frontier: f, reject: bad}, graphDownloader(map[string][]string{seed: {bad}}),
		stubOracle{page: 1}, nil, nil, Config{PollInterval: 2 * time.Millisecond}, nil)
	require.NoError(t, loop.Run(ctx))

	link, err := f.Get(ctx, crawler.Fingerprint(seed))
	require.NoError(t, err)
	require.Equal(t, crawler.StateFailed, link.State)
	require.Equal(t, 2, link.Attempts)
	entry, ok := f.Host("a.example")
	require.True(t, ok)
	require.Zero(t, entry.InFlightCount)
	require.Equal(t, 2, loop.Stats().Dispatched)
}

type closingDownloader struct{}

func (closingDownloader) Fetch(context.Context, []crawler.Link) <-chan crawler.FetchResult {
	ch := make(chan crawler.FetchResult)
	close(ch)
	return ch
}

func TestMissingResultsAreTreatedAsLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := openFrontier(t, frontier.Config{MaxRetries: 1})
	url := canonical(t, "http://a.example/")
	_, err := f.Insert(ctx, url, 1, 0)
	require.NoError(t, err)

	loop := New(f, closingDownloader{}, stubOracle{}, nil, nil, Config{PollInterval: time.Millisecond}, nil)
	require.NoError(t, loop.Run(ctx))
	require.Equal(t, 1, loop.Stats().Results[crawler.FetchLost])

	link, err := f.Get(ctx, crawler.Fingerprint(url))
	require.NoError(t, err)
	require.Equal(t, crawler.StateFailed, link.State)
}
