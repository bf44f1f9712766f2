package crawler

import (
	"testing"
	"time"
)

func TestExponentialBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialBackoff(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		full := 100 * time.Millisecond << (attempt - 1)
		if full > time.Second {
			full = time.Second
		}
		got := p.Backoff(attempt)
		if got < full/2 || got > full {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, full/2, full)
		}
	}
}

func TestExponentialBackoffDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialBackoff(0, 0)
	if got := p.Backoff(0); got < 500*time.Millisecond || got > time.Second {
		t.Fatalf("expected default first backoff within [500ms, 1s], got %v", got)
	}
}
