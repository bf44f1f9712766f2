package crawler

import (
	"context"
	"io"
	"time"
)

// Downloader fetches a batch of links and yields results as each one completes.
// The returned channel delivers exactly one result per link and is then closed.
type Downloader interface {
	Fetch(ctx context.Context, batch []Link) <-chan FetchResult
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor pulls outbound links out of a fetched document.
type LinkExtractor interface {
	Extract(baseURL string, contentType string, body []byte) ([]OutboundLink, error)
}

// Oracle estimates topical relevance. Scores are in [0, 1].
type Oracle interface {
	ScorePage(ctx context.Context, page Page) (float64, error)
	ScoreLink(ctx context.Context, from Page, link OutboundLink) (float64, error)
}

// TargetStorage receives every fetched page together with its relevance.
type TargetStorage interface {
	Store(ctx context.Context, page Page, relevance float64) error
}

// PageRecorder indexes harvested pages.
type PageRecorder interface {
	RecordPage(ctx context.Context, record PageRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
