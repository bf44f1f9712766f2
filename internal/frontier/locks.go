package frontier

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks serializes work per fingerprint while letting unrelated
// fingerprints proceed in parallel.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedLocks) lock(fingerprint string) func() {
	m := &s.stripes[xxhash.Sum64String(fingerprint)%lockStripes]
	m.Lock()
	return m.Unlock
}

// seenFilter answers "definitely never inserted" without a store round trip.
type seenFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

func newSeenFilter(capacity uint, falsePositive float64) *seenFilter {
	if capacity == 0 {
		capacity = 1_000_000
	}
	if falsePositive <= 0 || falsePositive >= 1 {
		falsePositive = 0.01
	}
	return &seenFilter{filter: bloom.NewWithEstimates(capacity, falsePositive)}
}

func (s *seenFilter) add(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.AddString(fingerprint)
}

func (s *seenFilter) mayContain(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.TestString(fingerprint)
}
