package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/api"
	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/cluster/memory"
	clusterpubsub "github.com/JakeFAU/focused-crawler/internal/cluster/pubsub"
	"github.com/JakeFAU/focused-crawler/internal/config"
	"github.com/JakeFAU/focused-crawler/internal/crawl"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/executor"
	"github.com/JakeFAU/focused-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/focused-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/focused-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
	pgfrontier "github.com/JakeFAU/focused-crawler/internal/frontier/postgres"
	"github.com/JakeFAU/focused-crawler/internal/frontier/sqlite"
	"github.com/JakeFAU/focused-crawler/internal/hash/sha256"
	idgen "github.com/JakeFAU/focused-crawler/internal/id/uuid"
	"github.com/JakeFAU/focused-crawler/internal/logging"
	"github.com/JakeFAU/focused-crawler/internal/oracle"
	"github.com/JakeFAU/focused-crawler/internal/policy/scope"
	pspub "github.com/JakeFAU/focused-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/focused-crawler/internal/storage/gcs"
	"github.com/JakeFAU/focused-crawler/internal/storage/local"
	"github.com/JakeFAU/focused-crawler/internal/storage/postgres"
	"github.com/JakeFAU/focused-crawler/internal/target"
	"github.com/JakeFAU/focused-crawler/internal/telemetry"
)

// Process roles, used in logs, traces and heartbeats.
const (
	roleCrawler     = "crawler"
	roleCoordinator = cluster.RoleCoordinator
	roleFetcher     = cluster.RoleFetcher
	roleAdmin       = "admin"
)

const shutdownTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func(context.Context) error
}

// process holds the configuration, logger and resources of one command invocation.
// Resources are released in reverse order of acquisition by Close.
type process struct {
	cfg     config.Config
	nodeID  string
	logger  *zap.Logger
	closers []closer

	pubsub   *pubsub.Client
	renderer *headless.Renderer
}

func newProcess(ctx context.Context, opts *rootOptions, role string) (*process, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = defaultNodeID(role)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Role:        role,
		NodeID:      nodeID,
	})
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	p := &process{cfg: cfg, nodeID: nodeID, logger: logger}
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		p.onClose("tracer provider", tp.Shutdown)
	}
	return p, nil
}

func defaultNodeID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = role
	}
	return host + "-" + uuid.NewString()[:8]
}

func (p *process) onClose(name string, fn func(context.Context) error) {
	p.closers = append(p.closers, closer{name: name, fn: fn})
}

// Close releases every resource, logging failures, and flushes the logger.
func (p *process) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(p.closers) - 1; i >= 0; i-- {
		c := p.closers[i]
		if err := c.fn(ctx); err != nil {
			p.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	p.closers = nil
	_ = p.logger.Sync()
}

func (p *process) openFrontier(ctx context.Context) (*frontier.Frontier, error) {
	fc := p.cfg.Frontier
	var store frontier.Store
	switch fc.Backend {
	case config.BackendPostgres:
		s, err := pgfrontier.NewStore(ctx, pgfrontier.Config{
			DSN:         fc.DSN,
			TablePrefix: fc.TablePrefix,
			MaxConns:    fc.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := sqlite.Open(ctx, fc.Path)
		if err != nil {
			return nil, err
		}
		store = s
	}

	f, err := frontier.Open(ctx, store, frontier.Config{
		MaxRetries:         fc.MaxRetries,
		PerHostCap:         fc.PerHostCap,
		PolitenessDelay:    fc.PolitenessDelay,
		BackoffBase:        fc.BackoffBase,
		BackoffMax:         fc.BackoffMax,
		ScanWindow:         fc.ScanWindow,
		BloomCapacity:      fc.BloomCapacity,
		BloomFalsePositive: fc.BloomFalsePositive,
	}, nil, p.logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p.onClose("frontier", func(context.Context) error { return f.Close() })
	return f, nil
}

func (p *process) newExecutor(node string) (*executor.Executor, error) {
	fc := p.cfg.Fetch
	var fetcher crawler.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       fc.Timeout,
		MaxBodyBytes:  fc.MaxBodyBytes,
		RobotsTTL:     fc.RobotsTTL,
	})
	if fc.Headless.Enabled {
		renderer, err := p.headlessRenderer()
		if err != nil {
			return nil, err
		}
		fetcher = headless.NewPromoter(fetcher, renderer, headless.NewHeuristic(fc.Headless.MinBodyBytes), p.logger)
	}
	extractor := extract.New(extract.Config{MaxLinks: fc.MaxLinks, SkipNofollow: fc.SkipNofollow})
	return executor.New(fetcher, extractor, executor.Config{
		Workers:         fc.Workers,
		PerHostCap:      fc.PerHostCap,
		Timeout:         fc.Timeout,
		PolitenessDelay: fc.PolitenessDelay,
		UserAgent:       fc.UserAgent,
		Node:            node,
	}, p.logger), nil
}

// headlessRenderer returns the process-wide browser, starting it on first use.
func (p *process) headlessRenderer() (*headless.Renderer, error) {
	if p.renderer != nil {
		return p.renderer, nil
	}
	hc := p.cfg.Fetch.Headless
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:       hc.MaxParallel,
		NavigationTimeout: hc.NavigationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("start headless renderer: %w", err)
	}
	p.onClose("headless renderer", func(context.Context) error { return r.Close() })
	p.renderer = r
	return r, nil
}

func (p *process) newOracle() *oracle.Keyword {
	oc := p.cfg.Oracle
	if len(oc.Keywords) == 0 {
		p.logger.Warn("no oracle keywords configured; every page scores zero")
	}
	return oracle.NewKeyword(oracle.Config{
		Keywords:    oc.Keywords,
		Saturation:  oc.Saturation,
		TitleWeight: oc.TitleWeight,
	})
}

func (p *process) crawlConfig() (crawl.Config, error) {
	cc := p.cfg.Crawler
	policy, err := scope.New(scope.Config{AllowedHosts: cc.AllowedHosts, DenyPatterns: cc.DenyPatterns})
	if err != nil {
		return crawl.Config{}, fmt.Errorf("crawler scope: %w", err)
	}
	return crawl.Config{
		BatchSize:    cc.BatchSize,
		MaxInFlight:  cc.MaxInFlight,
		PollInterval: cc.PollInterval,
		WaitForSeeds: cc.WaitForSeeds,
		MaxDepth:     cc.MaxDepth,
		MaxBatches:   cc.MaxBatches,
		Scope:        policy,
	}, nil
}

// newTarget builds the relevant-page sink. It returns nil when the target backend is none.
func (p *process) newTarget(ctx context.Context) (crawler.TargetStorage, error) {
	tc := p.cfg.Target
	var blobs crawler.BlobStore
	switch tc.Backend {
	case config.TargetNone:
		return nil, nil
	case config.TargetGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: tc.Bucket, CacheControl: tc.CacheControl})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		p.onClose("gcs", func(context.Context) error { return store.Close() })
		blobs = store
	default:
		store, err := local.New(local.Config{BaseDir: tc.Dir})
		if err != nil {
			return nil, err
		}
		blobs = store
	}

	var index crawler.PageRecorder
	if p.cfg.Index.DSN != "" {
		idx, err := postgres.NewPageIndex(ctx, postgres.Config{DSN: p.cfg.Index.DSN, Table: p.cfg.Index.Table})
		if err != nil {
			return nil, err
		}
		p.onClose("page index", func(context.Context) error { idx.Close(); return nil })
		index = idx
	}

	var publisher crawler.Publisher
	if tc.Topic != "" {
		client, err := p.pubsubClient(ctx)
		if err != nil {
			return nil, err
		}
		pub := pspub.New(client.Publisher(tc.Topic))
		p.onClose("page publisher", func(context.Context) error { pub.Stop(); return nil })
		publisher = pub
	}

	blob, err := target.New(blobs, publisher, index, sha256.NewContent(), idgen.New(), target.Config{
		Threshold: tc.Threshold,
		Prefix:    tc.Prefix,
		Topic:     tc.Topic,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// pubsubClient returns the process-wide Pub/Sub client, creating it on first use.
func (p *process) pubsubClient(ctx context.Context) (*pubsub.Client, error) {
	if p.pubsub != nil {
		return p.pubsub, nil
	}
	if err := p.cfg.RequirePubSub(); err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, p.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p.onClose("pubsub client", func(context.Context) error { return client.Close() })
	p.pubsub = client
	return client, nil
}

func (p *process) membershipConfig() cluster.MembershipConfig {
	return cluster.MembershipConfig{
		SuspectAfter: p.cfg.Cluster.SuspectAfter,
		DeadAfter:    p.cfg.Cluster.DeadAfter,
	}
}

// joinCluster attaches node id to the configured transport. net is only used by the memory transport.
func (p *process) joinCluster(ctx context.Context, net *memory.Network, id string) (cluster.Coordinator, error) {
	cc := p.cfg.Cluster
	var coord cluster.Coordinator
	switch cc.Transport {
	case config.TransportMemory:
		if net == nil {
			return nil, errors.New("the memory transport only connects nodes within one process")
		}
		coord = net.Join(id, memory.Config{
			Membership:   p.membershipConfig(),
			ReapInterval: cc.ReapInterval,
		}, nil, p.logger)
	default:
		client, err := p.pubsubClient(ctx)
		if err != nil {
			return nil, err
		}
		c, err := clusterpubsub.New(ctx, client, id, clusterpubsub.Config{
			Topic:              cc.Topic,
			Subscription:       subscriptionFor(cc.Subscription, id, p.nodeID),
			DeleteSubscription: cc.DeleteSubscription,
			Membership:         p.membershipConfig(),
			ReapInterval:       cc.ReapInterval,
		}, nil, p.logger)
		if err != nil {
			return nil, err
		}
		coord = c
	}
	p.onClose("cluster "+id, func(context.Context) error { return coord.Close() })
	return coord, nil
}

// subscriptionFor only applies a configured subscription to the process's own node.
func subscriptionFor(configured, id, self string) string {
	if id != self {
		return ""
	}
	return configured
}

// serveAdmin runs the admin HTTP server until ctx is done.
func (p *process) serveAdmin(ctx context.Context, opts api.Options) error {
	opts.APIKey = p.cfg.Server.APIKey
	opts.RequestTimeout = p.cfg.Server.RequestTimeout
	opts.SeedScore = p.cfg.Oracle.SeedScore
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", p.cfg.Server.Port),
		Handler:           api.NewServer(opts, p.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("admin server started", zap.Int("port", p.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("admin server shutdown error", zap.Error(err))
	}
	return <-errCh
}

func frontierCheck(f *frontier.Frontier) api.Check {
	return func(ctx context.Context) error {
		_, err := f.Stats(ctx)
		return err
	}
}
