package crawler

import (
	"time"
)

// State represents the lifecycle state of a frontier link.
type State string

// Link states persisted in the frontier store.
const (
	StateDiscovered State = "DISCOVERED"
	StateScheduled  State = "SCHEDULED"
	StateFetching   State = "FETCHING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// InFlight reports whether a link in state s holds a host dispatch slot.
func (s State) InFlight() bool {
	return s == StateScheduled || s == StateFetching
}

// Link is one discovered URL tracked by the frontier.
type Link struct {
	URL           string    `json:"url"`
	Fingerprint   string    `json:"fingerprint"`
	Host          string    `json:"host"`
	Score         float64   `json:"score"`
	Depth         int       `json:"depth"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	DiscoveredAt  time.Time `json:"discovered_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	// EligibleAt gates retries; the link is not dispatched before it.
	EligibleAt time.Time `json:"eligible_at,omitzero"`
	// Outcome records the final note passed to MarkDone or the last failure.
	Outcome string `json:"outcome,omitempty"`
}

// HostEntry is the per-host politeness state owned by the frontier.
type HostEntry struct {
	Host                 string    `json:"host"`
	NextAllowedFetchTime time.Time `json:"next_allowed_fetch_time"`
	InFlightCount        int       `json:"in_flight_count"`
}

// FetchStatus classifies the outcome of one fetch attempt.
type FetchStatus string

// Fetch outcomes reported by downloaders.
const (
	FetchOK              FetchStatus = "OK"
	FetchFailedRetryable FetchStatus = "FAILED_RETRYABLE"
	FetchFailedPermanent FetchStatus = "FAILED_PERMANENT"
	// FetchLost means the work was abandoned (lease expiry, node death) and must be re-dispatched.
	FetchLost FetchStatus = "LOST"
)

// Retryable reports whether the link should return to the frontier for another attempt.
func (s FetchStatus) Retryable() bool {
	return s == FetchFailedRetryable || s == FetchLost
}

// OutboundLink is a link extracted from a fetched page.
type OutboundLink struct {
	URL        string `json:"url"`
	AnchorText string `json:"anchor_text,omitempty"`
}

// FetchResult is produced once per dispatched link.
type FetchResult struct {
	Fingerprint   string         `json:"fingerprint"`
	URL           string         `json:"url"`
	Depth         int            `json:"depth"`
	Status        FetchStatus    `json:"status"`
	StatusCode    int            `json:"status_code,omitempty"`
	ContentType   string         `json:"content_type,omitempty"`
	Content       []byte         `json:"content,omitempty"`
	OutboundLinks []OutboundLink `json:"outbound_links,omitempty"`
	Err           string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
	// Node is the cluster node that performed the fetch; empty for local fetches.
	Node string `json:"node,omitempty"`
}

// Page is the view of a fetched document handed to the oracle and target storage.
type Page struct {
	URL         string
	Fingerprint string
	Depth       int
	StatusCode  int
	ContentType string
	Content     []byte
	Links       []OutboundLink
	FetchedAt   time.Time
}

// PageFromResult builds a Page from a successful fetch result.
func PageFromResult(res FetchResult, fetchedAt time.Time) Page {
	return Page{
		URL:         res.URL,
		Fingerprint: res.Fingerprint,
		Depth:       res.Depth,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Content:     res.Content,
		Links:       res.OutboundLinks,
		FetchedAt:   fetchedAt,
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL       string
	UserAgent string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// PageRecord is the index row written for every harvested page.
type PageRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Depth       int       `json:"depth"`
	Relevance   float64   `json:"relevance"`
	Relevant    bool      `json:"relevant"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}
