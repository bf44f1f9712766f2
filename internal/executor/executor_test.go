package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/focused-crawler/internal/fetcher/colly"
)

func linkFor(t *testing.T, raw string) crawler.Link {
	t.Helper()
	canonical, err := crawler.Canonicalize(raw)
	require.NoError(t, err)
	return crawler.Link{
		URL:         canonical,
		Fingerprint: crawler.Fingerprint(canonical),
		Host:        crawler.Host(canonical),
		State:       crawler.StateScheduled,
	}
}

func collect(ch <-chan crawler.FetchResult) map[string]crawler.FetchResult {
	out := make(map[string]crawler.FetchResult)
	for res := range ch {
		out[res.URL] = res
	}
	return out
}

func TestExecutorClassifiesHTTPOutcomes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/next">next</a></body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/throttled", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	exec := New(
		collyfetcher.New(collyfetcher.Config{UserAgent: "test-agent", Timeout: 5 * time.Second}),
		extract.New(extract.Config{}),
		Config{Workers: 4, PerHostCap: 4, Node: "node-a"},
		nil,
	)
	batch := []crawler.Link{
		linkFor(t, srv.URL+"/ok"),
		linkFor(t, srv.URL+"/missing"),
		linkFor(t, srv.URL+"/unavailable"),
		linkFor(t, srv.URL+"/throttled"),
	}

	results := collect(exec.Fetch(context.Background(), batch))
	require.Len(t, results, 4)

	ok := results[batch[0].URL]
	require.Equal(t, crawler.FetchOK, ok.Status)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	require.Equal(t, batch[0].Fingerprint, ok.Fingerprint)
	require.Equal(t, "node-a", ok.Node)
	require.Contains(t, string(ok.Content), "next")
	require.Equal(t, []crawler.OutboundLink{{URL: srv.URL + "/next", AnchorText: "next"}}, ok.OutboundLinks)

	missing := results[batch[1].URL]
	require.Equal(t, crawler.FetchFailedPermanent, missing.Status)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	require.NotEmpty(t, missing.Err)

	require.Equal(t, crawler.FetchFailedRetryable, results[batch[2].URL].Status)
	require.Equal(t, crawler.FetchFailedRetryable, results[batch[3].URL].Status)
}

func TestExecutorTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	exec := New(collyfetcher.New(collyfetcher.Config{}), nil, Config{Timeout: 100 * time.Millisecond}, nil)
	link := linkFor(t, srv.URL+"/slow")

	results := collect(exec.Fetch(context.Background(), []crawler.Link{link}))
	res := results[link.URL]
	require.Equal(t, crawler.FetchFailedRetryable, res.Status)
	require.NotEmpty(t, res.Err)
}

type recordingFetcher struct {
	delay time.Duration

	mu          sync.Mutex
	perHost     map[string]int
	maxPerHost  map[string]int
	active      atomic.Int32
	maxActive   atomic.Int32
	invocations atomic.Int32
}

func newRecordingFetcher(delay time.Duration) *recordingFetcher {
	return &recordingFetcher{delay: delay, perHost: map[string]int{}, maxPerHost: map[string]int{}}
}

func (f *recordingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.invocations.Add(1)
	host := crawler.Host(req.URL)
	f.mu.Lock()
	f.perHost[host]++
	if f.perHost[host] > f.maxPerHost[host] {
		f.maxPerHost[host] = f.perHost[host]
	}
	f.mu.Unlock()
	n := f.active.Add(1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	defer func() {
		f.active.Add(-1)
		f.mu.Lock()
		f.perHost[host]--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", ctx.Err())
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, ContentType: "text/plain"}, nil
}

func TestExecutorBoundsGlobalAndPerHostConcurrency(t *testing.T) {
	t.Parallel()

	fetcher := newRecordingFetcher(20 * time.Millisecond)
	exec := New(fetcher, nil, Config{Workers: 3, PerHostCap: 1}, nil)

	var batch []crawler.Link
	for _, host := range []string{"a.example", "b.example", "c.example", "d.example"} {
		for i := range 3 {
			batch = append(batch, linkFor(t, fmt.Sprintf("http://%s/page/%d", host, i)))
		}
	}

	results := collect(exec.Fetch(context.Background(), batch))
	require.Len(t, results, len(batch))
	for _, res := range results {
		assert.Equal(t, crawler.FetchOK, res.Status)
	}
	require.EqualValues(t, len(batch), fetcher.invocations.Load())
	require.LessOrEqual(t, fetcher.maxActive.Load(), int32(3))
	for host, peak := range fetcher.maxPerHost {
		assert.Equal(t, 1, peak, "host %s exceeded its cap", host)
	}
}

func TestExecutorYieldsResultsAsTheyComplete(t *testing.T) {
	t.Parallel()

	slow := make(chan struct{})
	fetcher := fetcherFunc(func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		if crawler.Host(req.URL) == "slow.example" {
			select {
			case <-slow:
			case <-ctx.Done():
				return crawler.FetchResponse{}, ctx.Err()
			}
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	exec := New(fetcher, nil, Config{Workers: 2}, nil)

	fast := linkFor(t, "http://fast.example/")
	ch := exec.Fetch(context.Background(), []crawler.Link{linkFor(t, "http://slow.example/"), fast})

	select {
	case res := <-ch:
		require.Equal(t, fast.URL, res.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("fast result was held back by the slow fetch")
	}
	close(slow)
	res, ok := <-ch
	require.True(t, ok)
	require.Equal(t, crawler.FetchOK, res.Status)
	_, ok = <-ch
	require.False(t, ok, "channel closes after the last result")
}

func TestExecutorCanceledContextFailsRetryably(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := New(newRecordingFetcher(time.Second), nil, Config{}, nil)
	results := collect(exec.Fetch(ctx, []crawler.Link{linkFor(t, "http://a.example/")}))
	require.Len(t, results, 1)
	for _, res := range results {
		require.Equal(t, crawler.FetchFailedRetryable, res.Status)
	}
}

func TestExecutorEmptyBatchClosesImmediately(t *testing.T) {
	t.Parallel()

	exec := New(newRecordingFetcher(0), nil, Config{}, nil)
	_, ok := <-exec.Fetch(context.Background(), nil)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		err    error
		want   crawler.FetchStatus
	}{
		{"success", http.StatusOK, nil, crawler.FetchOK},
		{"redirect", http.StatusMovedPermanently, nil, crawler.FetchOK},
		{"not found", http.StatusNotFound, nil, crawler.FetchFailedPermanent},
		{"gone", http.StatusGone, nil, crawler.FetchFailedPermanent},
		{"throttled", http.StatusTooManyRequests, nil, crawler.FetchFailedRetryable},
		{"server error", http.StatusBadGateway, nil, crawler.FetchFailedRetryable},
		{"deadline", 0, context.DeadlineExceeded, crawler.FetchFailedRetryable},
		{"connection reset", 0, &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, crawler.FetchFailedRetryable},
		{"nxdomain", 0, fmt.Errorf("dial: %w", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}), crawler.FetchFailedPermanent},
		{"dns timeout", 0, &net.DNSError{Err: "timeout", Name: "slow.example", IsTimeout: true}, crawler.FetchFailedRetryable},
		{"invalid url", 0, fmt.Errorf("visit: %w", crawler.ErrInvalidURL), crawler.FetchFailedPermanent},
		{"robots", 0, fmt.Errorf("visit: %w", crawler.ErrRobotsDisallowed), crawler.FetchFailedPermanent},
		{"no response", 0, nil, crawler.FetchFailedRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.status, tc.err))
		})
	}
}

type fetcherFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}
