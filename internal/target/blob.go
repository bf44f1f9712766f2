// Package target persists relevant pages and announces them to downstream consumers.
package target

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// Config controls which pages are kept and where they go.
type Config struct {
	// Threshold is the minimum relevance for a page to be stored and announced.
	Threshold float64
	// Prefix is prepended to every object path.
	Prefix string
	// Topic receives a Notification per stored page; empty disables publishing.
	Topic string
}

// Notification announces a stored page.
type Notification struct {
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	Host        string    `json:"host"`
	Depth       int       `json:"depth"`
	Relevance   float64   `json:"relevance"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Attributes exposes routing keys as Pub/Sub message attributes.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"host":        n.Host,
		"fingerprint": n.Fingerprint,
		"relevance":   strconv.FormatFloat(n.Relevance, 'f', 3, 64),
	}
}

// Blob implements crawler.TargetStorage on a BlobStore, with optional indexing and publishing.
type Blob struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	index     crawler.PageRecorder
	hasher    crawler.Hasher
	ids       crawler.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Blob target. blobs and hasher are required; the rest may be nil.
func New(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	index crawler.PageRecorder,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Blob, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blob{
		blobs:     blobs,
		publisher: publisher,
		index:     index,
		hasher:    hasher,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("target"),
	}, nil
}

// Store indexes every page and keeps the ones at or above the relevance threshold.
func (b *Blob) Store(ctx context.Context, page crawler.Page, relevance float64) error {
	hash, err := b.hasher.Hash(page.Content)
	if err != nil {
		return fmt.Errorf("hash page %s: %w", page.URL, err)
	}
	host := crawler.Host(page.URL)
	record := crawler.PageRecord{
		Fingerprint: page.Fingerprint,
		URL:         page.URL,
		Host:        host,
		Depth:       page.Depth,
		Relevance:   relevance,
		Relevant:    relevance >= b.cfg.Threshold,
		StatusCode:  page.StatusCode,
		ContentType: page.ContentType,
		ContentHash: hash,
		FetchedAt:   page.FetchedAt,
	}
	if b.ids != nil {
		if record.ID, err = b.ids.NewID(); err != nil {
			return fmt.Errorf("page id: %w", err)
		}
	}

	if record.Relevant {
		contentType := page.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		uri, err := b.blobs.PutObject(ctx, b.objectPath(host, page.Fingerprint), contentType, bytes.NewReader(page.Content))
		if err != nil {
			return fmt.Errorf("store page %s: %w", page.URL, err)
		}
		record.BlobURI = uri
	}

	if b.index != nil {
		if err := b.index.RecordPage(ctx, record); err != nil {
			return fmt.Errorf("index page %s: %w", page.URL, err)
		}
	}

	if !record.Relevant || b.publisher == nil || b.cfg.Topic == "" {
		return nil
	}
	id, err := b.publisher.Publish(ctx, b.cfg.Topic, Notification{
		URL:         page.URL,
		Fingerprint: page.Fingerprint,
		Host:        host,
		Depth:       page.Depth,
		Relevance:   relevance,
		BlobURI:     record.BlobURI,
		ContentHash: hash,
		FetchedAt:   page.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("announce page %s: %w", page.URL, err)
	}
	b.logger.Debug("page announced",
		zap.String("url", page.URL),
		zap.Float64("relevance", relevance),
		zap.String("message_id", id),
	)
	return nil
}

func (b *Blob) objectPath(host, fingerprint string) string {
	host = strings.ReplaceAll(host, ":", "_")
	prefix := strings.Trim(b.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, fingerprint)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, fingerprint)
}
