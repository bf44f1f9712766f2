package headless

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
)

// Promoter fetches with a plain HTTP probe and re-fetches with a renderer when the
// probe body looks like a client-side rendered shell.
type Promoter struct {
	probe    crawler.Fetcher
	renderer crawler.Fetcher
	detect   *Heuristic
	logger   *zap.Logger
}

var _ crawler.Fetcher = (*Promoter)(nil)

// NewPromoter wraps probe. A nil detector uses the default heuristic.
func NewPromoter(probe, renderer crawler.Fetcher, detect *Heuristic, logger *zap.Logger) *Promoter {
	if detect == nil {
		detect = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{probe: probe, renderer: renderer, detect: detect, logger: logger.Named("headless")}
}

// Fetch returns the probe response unless a render was needed and succeeded.
// A failed render falls back to the probe response.
func (p *Promoter) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := p.probe.Fetch(ctx, request)
	if err != nil || !isHTML(resp.ContentType) || !p.detect.ShouldRender(resp.StatusCode, resp.Body) {
		return resp, err
	}

	rendered, err := p.renderer.Fetch(ctx, crawler.FetchRequest{URL: resp.URL, UserAgent: request.UserAgent})
	if err != nil {
		metrics.ObserveRender("failed")
		p.logger.Debug("render failed; keeping probe response", zap.String("url", resp.URL), zap.Error(err))
		return resp, nil
	}
	metrics.ObserveRender("rendered")
	rendered.Duration += resp.Duration
	return rendered, nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
