// Package executor fetches batches of frontier links with bounded global and per-host concurrency.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/policy/ratelimit"
)

// Config controls Executor behavior.
type Config struct {
	// Workers bounds concurrent fetches across all hosts.
	Workers int
	// PerHostCap bounds concurrent fetches against one host.
	PerHostCap int
	// Timeout bounds a single fetch attempt.
	Timeout time.Duration
	// PolitenessDelay spaces requests to the same host; zero disables local pacing.
	PolitenessDelay time.Duration
	UserAgent       string
	// Node is stamped on every result; empty for single-process crawls.
	Node string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PerHostCap <= 0 {
		c.PerHostCap = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Executor implements crawler.Downloader on top of a single-URL Fetcher.
type Executor struct {
	fetcher   crawler.Fetcher
	extractor crawler.LinkExtractor
	limiter   *ratelimit.Limiter
	workers   *semaphore.Weighted
	cfg       Config
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// New constructs an Executor. A nil extractor yields results without outbound links.
func New(fetcher crawler.Fetcher, extractor crawler.LinkExtractor, cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		fetcher:   fetcher,
		extractor: extractor,
		limiter:   ratelimit.New(ratelimit.FromDelay(cfg.PolitenessDelay)),
		workers:   semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:       cfg,
		logger:    logger.Named("executor"),
		hosts:     make(map[string]*semaphore.Weighted),
	}
}

// Fetch starts one fetch per link and yields results in completion order.
// The channel is buffered to the batch size and closed after the last result,
// so an abandoned consumer never blocks the workers.
func (e *Executor) Fetch(ctx context.Context, batch []crawler.Link) <-chan crawler.FetchResult {
	out := make(chan crawler.FetchResult, len(batch))
	var wg sync.WaitGroup
	for _, link := range batch {
		wg.Go(func() {
			out <- e.fetchOne(ctx, link)
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (e *Executor) hostSlots(host string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(e.cfg.PerHostCap))
		e.hosts[host] = sem
	}
	return sem
}

func (e *Executor) fetchOne(ctx context.Context, link crawler.Link) crawler.FetchResult {
	result := crawler.FetchResult{
		Fingerprint: link.Fingerprint,
		URL:         link.URL,
		Depth:       link.Depth,
		Node:        e.cfg.Node,
	}
	host := link.Host
	if host == "" {
		host = crawler.Host(link.URL)
	}

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return e.fail(result, 0, fmt.Errorf("acquire worker: %w", err))
	}
	defer e.workers.Release(1)

	slots := e.hostSlots(host)
	if err := slots.Acquire(ctx, 1); err != nil {
		return e.fail(result, 0, fmt.Errorf("acquire host slot: %w", err))
	}
	defer slots.Release(1)

	if err := e.limiter.Wait(ctx, host); err != nil {
		return e.fail(result, 0, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.fetcher.Fetch(fetchCtx, crawler.FetchRequest{URL: link.URL, UserAgent: e.cfg.UserAgent})
	result.Duration = time.Since(start)
	if resp.Duration > 0 {
		result.Duration = resp.Duration
	}
	status := Classify(resp.StatusCode, err)
	if status != crawler.FetchOK {
		if err == nil {
			err = fmt.Errorf("http status %d", resp.StatusCode)
		}
		return e.fail(result, resp.StatusCode, err)
	}

	result.Status = crawler.FetchOK
	result.StatusCode = resp.StatusCode
	result.ContentType = resp.ContentType
	result.Content = resp.Body
	if e.extractor != nil {
		base := resp.URL
		if base == "" {
			base = link.URL
		}
		links, err := e.extractor.Extract(base, resp.ContentType, resp.Body)
		if err != nil {
			e.logger.Debug("link extraction failed", zap.String("url", link.URL), zap.Error(err))
		}
		result.OutboundLinks = links
	}
	e.logger.Debug("fetched",
		zap.String("url", link.URL),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("links", len(result.OutboundLinks)),
		zap.Duration("duration", result.Duration),
	)
	return result
}

func (e *Executor) fail(result crawler.FetchResult, statusCode int, err error) crawler.FetchResult {
	result.Status = Classify(statusCode, err)
	result.StatusCode = statusCode
	result.Err = err.Error()
	e.logger.Debug("fetch failed",
		zap.String("url", result.URL),
		zap.String("status", string(result.Status)),
		zap.Int("status_code", statusCode),
		zap.Error(err),
	)
	return result
}

// Classify maps a fetch outcome onto the retry taxonomy.
// Server errors, throttling, timeouts and connection failures are retryable.
// Client errors, malformed URLs, robots exclusions and unknown hosts are permanent.
func Classify(statusCode int, err error) crawler.FetchStatus {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return crawler.FetchFailedRetryable
	case statusCode >= 400:
		return crawler.FetchFailedPermanent
	}
	if err == nil {
		if statusCode == 0 {
			return crawler.FetchFailedRetryable
		}
		return crawler.FetchOK
	}
	if errors.Is(err, crawler.ErrInvalidURL) || errors.Is(err, crawler.ErrRobotsDisallowed) {
		return crawler.FetchFailedPermanent
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return crawler.FetchFailedPermanent
	}
	return crawler.FetchFailedRetryable
}
