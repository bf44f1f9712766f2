package collyfetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRobotsRetryReturnsAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
		},
	}
	transport := &robotsAwareTransport{base: base}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, 4, base.calls)
	require.NotEmpty(t, resp.Header.Get(fallbackHeader))
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{resp: httptest.NewRecorder().Result()},
		},
	}
	transport := &robotsAwareTransport{base: base}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	require.Empty(t, resp.Header.Get(fallbackHeader))
}

func TestRobotsCacheExpiresAndSkipsServerErrors(t *testing.T) {
	t.Parallel()

	ok := func() *http.Response {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("User-agent: *\nAllow: /")),
			Header:     make(http.Header),
		}
	}
	unavailable := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}
	base := &stubRoundTripper{results: []roundTripResult{
		{resp: unavailable},
		{resp: ok()},
		{resp: ok()},
	}}
	cache := newRobotsCacheTransport(base, time.Minute)
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	fetch := func() int {
		req := httptest.NewRequest(http.MethodGet, "https://Example.com/robots.txt", nil)
		resp, err := cache.RoundTrip(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode
	}

	require.Equal(t, http.StatusServiceUnavailable, fetch())
	require.Equal(t, http.StatusOK, fetch())
	require.Equal(t, http.StatusOK, fetch())
	require.Equal(t, 2, base.calls, "second success served from cache")

	now = now.Add(2 * time.Minute)
	require.Equal(t, http.StatusOK, fetch())
	require.Equal(t, 3, base.calls)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	if len(s.results) == 0 {
		return nil, context.DeadlineExceeded
	}
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
