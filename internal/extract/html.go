// Package extract pulls outbound links out of fetched HTML documents.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// Config tunes which anchors become outbound links.
type Config struct {
	// MaxLinks caps links per page; zero means no cap.
	MaxLinks int
	// SkipNofollow drops anchors carrying rel="nofollow".
	SkipNofollow bool
}

// HTML implements crawler.LinkExtractor with goquery.
type HTML struct {
	cfg Config
}

// New returns an HTML extractor.
func New(cfg Config) *HTML {
	return &HTML{cfg: cfg}
}

// Extract returns absolute http(s) links found in body, deduplicated in document order.
// Non-HTML content yields no links.
func (h *HTML) Extract(baseURL, contentType string, body []byte) ([]crawler.OutboundLink, error) {
	if !isHTML(contentType, body) {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := baseURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.Resolve(baseURL, href); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	var links []crawler.OutboundLink
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if h.cfg.MaxLinks > 0 && len(links) >= h.cfg.MaxLinks {
			return false
		}
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if skipHref(href) {
			return true
		}
		if h.cfg.SkipNofollow {
			if rel, ok := sel.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "nofollow") {
				return true
			}
		}
		abs, err := crawler.Resolve(base, href)
		if err != nil {
			return true
		}
		canonical, err := crawler.Canonicalize(abs)
		if err != nil {
			return true
		}
		if _, dup := seen[canonical]; dup {
			return true
		}
		seen[canonical] = struct{}{}
		links = append(links, crawler.OutboundLink{
			URL:        canonical,
			AnchorText: strings.Join(strings.Fields(sel.Text()), " "),
		})
		return true
	})
	return links, nil
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	// Unlabeled bodies are sniffed.
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}
