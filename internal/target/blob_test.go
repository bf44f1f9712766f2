package target

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/focused-crawler/internal/publisher/memory"
	"github.com/JakeFAU/focused-crawler/internal/storage/memory"
)

type recordingIndex struct {
	mu      sync.Mutex
	records []crawler.PageRecord
}

func (r *recordingIndex) RecordPage(_ context.Context, rec crawler.PageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "page-id", nil }

func page(rawURL string) crawler.Page {
	return crawler.Page{
		URL:         rawURL,
		Fingerprint: crawler.Fingerprint(rawURL),
		Depth:       2,
		StatusCode:  200,
		ContentType: "text/html",
		Content:     []byte("<html>solar</html>"),
		FetchedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestStoreKeepsRelevantPages(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	idx := &recordingIndex{}
	tgt, err := New(blobs, pub, idx, sha256.New(), fixedIDs{}, Config{Threshold: 0.5, Prefix: "/pages/", Topic: "relevant"}, nil)
	require.NoError(t, err)

	p := page("http://a.example:8080/solar")
	require.NoError(t, tgt.Store(context.Background(), p, 0.9))

	path := "pages/a.example_8080/" + p.Fingerprint + ".html"
	obj, ok := blobs.Get(path)
	require.True(t, ok)
	require.Equal(t, p.Content, obj.Data)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "relevant", msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "memory://"+path, note.BlobURI)
	require.Equal(t, "a.example:8080", note.Host)
	require.NotEmpty(t, note.ContentHash)
	require.Equal(t, "0.900", note.Attributes()["relevance"])

	require.Len(t, idx.records, 1)
	require.True(t, idx.records[0].Relevant)
	require.Equal(t, "page-id", idx.records[0].ID)
}

func TestStoreIndexesButSkipsIrrelevantPages(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	idx := &recordingIndex{}
	tgt, err := New(blobs, pub, idx, sha256.New(), nil, Config{Threshold: 0.5, Topic: "relevant"}, nil)
	require.NoError(t, err)

	require.NoError(t, tgt.Store(context.Background(), page("http://b.example/"), 0.1))
	require.Empty(t, blobs.Paths())
	require.Empty(t, pub.Messages())
	require.Len(t, idx.records, 1)
	require.False(t, idx.records[0].Relevant)
	require.Empty(t, idx.records[0].BlobURI)
}

func TestStoreSurfacesPublishFailure(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	tgt, err := New(memory.NewBlobStore(), pub, nil, sha256.New(), nil, Config{Topic: "relevant"}, nil)
	require.NoError(t, err)

	err = tgt.Store(context.Background(), page("http://c.example/"), 1)
	require.ErrorIs(t, err, boom)
}

func TestNewRequiresBlobsAndHasher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, sha256.New(), nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), nil, nil, nil, nil, Config{}, nil)
	require.Error(t, err)
}
