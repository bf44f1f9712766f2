// Package api exposes the admin HTTP interface for crawler, coordinator and fetcher processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/crawl"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/fetchernode"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
	"github.com/JakeFAU/focused-crawler/internal/middleware"
	"github.com/JakeFAU/focused-crawler/internal/router"
	"github.com/JakeFAU/focused-crawler/internal/seeds"
)

const (
	maxSeedBody     = 1 << 20
	maxSeedsPerCall = 10000
)

// Frontier is the read and seed surface of the frontier used by the API.
type Frontier interface {
	seeds.Inserter
	Get(ctx context.Context, fingerprint string) (crawler.Link, error)
	Host(host string) (crawler.HostEntry, bool)
	Stats(ctx context.Context) (map[crawler.State]int, error)
}

// Loop exposes crawl progress and lets new seeds wake an idle loop.
type Loop interface {
	Stats() crawl.Stats
	Wake()
}

// Cluster exposes the router's view of the fetcher fleet.
type Cluster interface {
	Nodes() []router.NodeView
	Stats() router.Stats
}

// Fetcher exposes fetcher node counters.
type Fetcher interface {
	Stats() fetchernode.Stats
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Options wires optional components; routes for absent components are not mounted.
type Options struct {
	Frontier Frontier
	Loop     Loop
	Cluster  Cluster
	Fetcher  Fetcher
	// SeedScore is the priority given to seeds submitted over HTTP.
	SeedScore float64
	// APIKey enables key authentication on /v1 when set.
	APIKey         string
	RequestTimeout time.Duration
	Checks         map[string]Check
}

// Server wires HTTP handlers to the crawl components.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recover(s.logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeout(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(middleware.APIKey(opts.APIKey))
		}
		if opts.Frontier != nil {
			r.Get("/frontier/stats", s.frontierStats)
			r.Get("/frontier/links/{fingerprint}", s.getLink)
			r.Get("/frontier/hosts/{host}", s.getHost)
			r.Post("/seeds", s.addSeeds)
		}
		if opts.Cluster != nil {
			r.Get("/cluster/nodes", s.clusterNodes)
			r.Get("/cluster/stats", s.clusterStats)
		}
		if opts.Fetcher != nil {
			r.Get("/fetcher/stats", s.fetcherStats)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type frontierStatsResponse struct {
	States map[crawler.State]int `json:"states"`
	Loop   *crawl.Stats          `json:"loop,omitempty"`
}

func (s *Server) frontierStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Frontier.Stats(r.Context())
	if err != nil {
		s.logger.Error("frontier stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "frontier unavailable")
		return
	}
	resp := frontierStatsResponse{States: counts}
	if s.opts.Loop != nil {
		stats := s.opts.Loop.Stats()
		resp.Loop = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.opts.Frontier.Get(r.Context(), chi.URLParam(r, "fingerprint"))
	switch {
	case errors.Is(err, frontier.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "link not found")
	case err != nil:
		s.logger.Error("frontier lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "frontier unavailable")
	default:
		s.writeJSON(w, http.StatusOK, link)
	}
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.opts.Frontier.Host(chi.URLParam(r, "host"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "host not scheduled")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type seedRequest struct {
	URLs  []string `json:"urls"`
	Score *float64 `json:"score"`
}

func (s *Server) addSeeds(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSeedBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch {
	case len(req.URLs) == 0:
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	case len(req.URLs) > maxSeedsPerCall:
		s.writeError(w, http.StatusRequestEntityTooLarge, "too many urls")
		return
	}
	score := s.opts.SeedScore
	if req.Score != nil {
		if *req.Score < 0 || *req.Score > 1 {
			s.writeError(w, http.StatusBadRequest, "score must be within [0, 1]")
			return
		}
		score = *req.Score
	}

	counts, err := seeds.Load(r.Context(), s.opts.Frontier, req.URLs, score)
	if err != nil {
		s.logger.Error("seed insert failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "frontier unavailable")
		return
	}
	if counts[frontier.Inserted]+counts[frontier.Updated] > 0 && s.opts.Loop != nil {
		s.opts.Loop.Wake()
	}
	s.logger.Info("seeds submitted", zap.Int("urls", len(req.URLs)), zap.Any("outcomes", counts))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"outcomes": counts})
}

func (s *Server) clusterNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": s.opts.Cluster.Nodes()})
}

func (s *Server) clusterStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Cluster.Stats())
}

func (s *Server) fetcherStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Fetcher.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
