package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "frontier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func link(fp string, score float64, state crawler.State) crawler.Link {
	return crawler.Link{
		URL:          "http://" + fp + ".example/",
		Fingerprint:  fp,
		Host:         fp + ".example",
		Score:        score,
		State:        state,
		DiscoveredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPutGetRoundTripKeepsTimes(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	want := link("a", 0.4, crawler.StateFetching)
	want.Attempts = 2
	want.LastAttemptAt = time.Unix(1700000500, 123).UTC()
	want.Outcome = "timeout"
	require.NoError(t, s.Put(ctx, want))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, want.URL, got.URL)
	require.Equal(t, want.State, got.State)
	require.Equal(t, 2, got.Attempts)
	require.True(t, got.LastAttemptAt.Equal(want.LastAttemptAt))
	require.True(t, got.EligibleAt.IsZero())

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, frontier.ErrNotFound)
}

func TestScanOrdersAndPagesByKeyset(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700001000, 0).UTC()

	for _, l := range []crawler.Link{
		link("c", 0.5, crawler.StateDiscovered),
		link("a", 0.5, crawler.StateDiscovered),
		link("b", 0.9, crawler.StateDiscovered),
		link("d", 0.1, crawler.StateDiscovered),
		link("e", 1.0, crawler.StateDone),
	} {
		require.NoError(t, s.Put(ctx, l))
	}
	later := link("f", 0.95, crawler.StateDiscovered)
	later.EligibleAt = now.Add(time.Minute)
	require.NoError(t, s.Put(ctx, later))

	page, err := s.Scan(ctx, frontier.ScanQuery{State: crawler.StateDiscovered, EligibleBy: now, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "b", page[0].Fingerprint)
	require.Equal(t, "a", page[1].Fingerprint)

	rest, err := s.Scan(ctx, frontier.ScanQuery{
		State:      crawler.StateDiscovered,
		EligibleBy: now,
		After:      &frontier.Cursor{Score: page[1].Score, Fingerprint: page[1].Fingerprint},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, "c", rest[0].Fingerprint)
	require.Equal(t, "d", rest[1].Fingerprint)
}

func TestScanSkipsExcludedHosts(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700001000, 0).UTC()
	for _, l := range []crawler.Link{
		link("a", 0.9, crawler.StateDiscovered),
		link("b", 0.8, crawler.StateDiscovered),
		link("c", 0.7, crawler.StateDiscovered),
	} {
		require.NoError(t, s.Put(ctx, l))
	}

	page, err := s.Scan(ctx, frontier.ScanQuery{
		State:        crawler.StateDiscovered,
		EligibleBy:   now,
		ExcludeHosts: []string{"a.example", "c.example"},
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0].Fingerprint)
}

func TestResetInFlightHostsAndCounts(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, link("a", 0.1, crawler.StateScheduled)))
	require.NoError(t, s.Put(ctx, link("b", 0.2, crawler.StateFetching)))
	require.NoError(t, s.Put(ctx, link("c", 0.3, crawler.StateDone)))

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, map[crawler.State]int{crawler.StateDiscovered: 2, crawler.StateDone: 1}, counts)

	gate := time.Unix(1700002000, 0).UTC()
	require.NoError(t, s.PutHost(ctx, "a.example", gate))
	require.NoError(t, s.PutHost(ctx, "a.example", gate.Add(time.Second)))
	hosts, err := s.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.True(t, hosts["a.example"].Equal(gate.Add(time.Second)))

	var fps []string
	require.NoError(t, s.Fingerprints(ctx, func(fp string) error {
		fps = append(fps, fp)
		return nil
	}))
	require.ElementsMatch(t, []string{"a", "b", "c"}, fps)
}
