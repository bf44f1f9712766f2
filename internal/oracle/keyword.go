// Package oracle provides relevance scoring for pages and outbound links.
package oracle

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// MaxScore is the highest relevance an oracle reports; seeds are inserted at it.
const MaxScore = 1.0

// Config controls the keyword oracle.
type Config struct {
	// Keywords are matched case-insensitively against page text and link context.
	Keywords []string
	// Saturation is the number of weighted hits at which a page scores ~0.63.
	Saturation float64
	// TitleWeight multiplies hits found in the <title> element.
	TitleWeight float64
}

// Keyword scores documents by weighted keyword hits, squashed into [0, 1].
type Keyword struct {
	keywords []string
	cfg      Config
}

// NewKeyword builds a keyword oracle. Empty keywords are ignored.
func NewKeyword(cfg Config) *Keyword {
	if cfg.Saturation <= 0 {
		cfg.Saturation = 5
	}
	if cfg.TitleWeight <= 0 {
		cfg.TitleWeight = 3
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &Keyword{keywords: keywords, cfg: cfg}
}

// ScorePage rates the page's visible text and title.
func (k *Keyword) ScorePage(_ context.Context, page crawler.Page) (float64, error) {
	if len(k.keywords) == 0 || len(page.Content) == 0 {
		return 0, nil
	}
	title, text, err := pageText(page)
	if err != nil {
		return 0, err
	}
	hits := k.cfg.TitleWeight*float64(k.count(title)) + float64(k.count(text))
	return k.squash(hits), nil
}

// ScoreLink rates an outbound link by its URL tokens and anchor text.
func (k *Keyword) ScoreLink(_ context.Context, _ crawler.Page, link crawler.OutboundLink) (float64, error) {
	if len(k.keywords) == 0 {
		return 0, nil
	}
	haystack := strings.ToLower(link.AnchorText) + " " + urlTokens(link.URL)
	matched := 0
	for _, kw := range k.keywords {
		if strings.Contains(haystack, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(k.keywords)), nil
}

func (k *Keyword) count(text string) int {
	text = strings.ToLower(text)
	total := 0
	for _, kw := range k.keywords {
		total += strings.Count(text, kw)
	}
	return total
}

func (k *Keyword) squash(hits float64) float64 {
	if hits <= 0 {
		return 0
	}
	return 1 - math.Exp(-hits/k.cfg.Saturation)
}

func pageText(page crawler.Page) (string, string, error) {
	if !strings.Contains(strings.ToLower(page.ContentType), "html") && page.ContentType != "" {
		return "", string(page.Content), nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return "", "", fmt.Errorf("parse page %s: %w", page.URL, err)
	}
	doc.Find("script, style, noscript").Remove()
	title := doc.Find("title").First().Text()
	return title, doc.Find("body").Text(), nil
}

func urlTokens(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	replacer := strings.NewReplacer("/", " ", "-", " ", "_", " ", ".", " ", "+", " ")
	return strings.ToLower(replacer.Replace(u.Host + u.Path))
}
