package frontier

import (
	"sync"
	"time"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// hostTable holds the politeness gate and dispatch slots for every host.
type hostTable struct {
	mu      sync.Mutex
	entries map[string]*crawler.HostEntry
}

func newHostTable() *hostTable {
	return &hostTable{entries: make(map[string]*crawler.HostEntry)}
}

func (t *hostTable) entry(host string) *crawler.HostEntry {
	e, ok := t.entries[host]
	if !ok {
		e = &crawler.HostEntry{Host: host}
		t.entries[host] = e
	}
	return e
}

// restore seeds a politeness gate loaded from the store.
func (t *hostTable) restore(host string, nextAllowed time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(host).NextAllowedFetchTime = nextAllowed
}

// tryAcquire takes a dispatch slot if the host is past its gate and under cap.
func (t *hostTable) tryAcquire(host string, now time.Time, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(host)
	if now.Before(e.NextAllowedFetchTime) || e.InFlightCount >= limit {
		return false
	}
	e.InFlightCount++
	return true
}

// available reports whether host could take another dispatch at now.
func (t *hostTable) available(host string, now time.Time, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[host]
	return !ok || (!now.Before(e.NextAllowedFetchTime) && e.InFlightCount < limit)
}

// unavailable lists the hosts that are gated or at their slot limit at now.
func (t *hostTable) unavailable(now time.Time, limit int) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{})
	for host, e := range t.entries {
		if now.Before(e.NextAllowedFetchTime) || e.InFlightCount >= limit {
			out[host] = struct{}{}
		}
	}
	return out
}

// unreserve gives a slot back without touching the politeness gate.
func (t *hostTable) unreserve(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(host)
	if e.InFlightCount > 0 {
		e.InFlightCount--
	}
}

// complete frees a slot and pushes the gate to at least now+delay. It returns the new gate.
func (t *hostTable) complete(host string, now time.Time, delay time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(host)
	if e.InFlightCount > 0 {
		e.InFlightCount--
	}
	next := now.Add(delay)
	if next.After(e.NextAllowedFetchTime) {
		e.NextAllowedFetchTime = next
	}
	return e.NextAllowedFetchTime
}

func (t *hostTable) snapshot(host string) (crawler.HostEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[host]
	if !ok {
		return crawler.HostEntry{}, false
	}
	return *e, true
}
