package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/focused-crawler/internal/api"
	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/cluster/memory"
	"github.com/JakeFAU/focused-crawler/internal/config"
	"github.com/JakeFAU/focused-crawler/internal/crawl"
	"github.com/JakeFAU/focused-crawler/internal/fetchernode"
	idgen "github.com/JakeFAU/focused-crawler/internal/id/uuid"
	"github.com/JakeFAU/focused-crawler/internal/router"
)

// newCoordinatorCmd creates the distributed crawl subcommand.
func newCoordinatorCmd(opts *rootOptions) *cobra.Command {
	var seedsFile string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Crawl by routing fetches to fetcher nodes",
		Long: `Runs the crawl loop and hands every fetch to the fetcher node that owns the
link's host. With the memory transport the fetcher nodes run inside this
process; with the pubsub transport they are separate "fetcher" processes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newProcess(cmd.Context(), opts, roleCoordinator)
			if err != nil {
				return err
			}
			defer p.Close()
			return runCoordinator(cmd.Context(), p, seedsFile)
		},
	}
	cmd.Flags().StringVar(&seedsFile, "seeds", "", "file with one seed URL per line")
	return cmd
}

func runCoordinator(ctx context.Context, p *process, seedsFile string) error {
	cc := p.cfg.Cluster
	f, err := p.openFrontier(ctx)
	if err != nil {
		return err
	}
	if err := p.loadSeeds(ctx, f, seedsFile); err != nil {
		return err
	}
	tgt, err := p.newTarget(ctx)
	if err != nil {
		return err
	}

	var net *memory.Network
	if cc.Transport == config.TransportMemory {
		net = memory.NewNetwork()
	}
	coord, err := p.joinCluster(ctx, net, p.nodeID)
	if err != nil {
		return err
	}
	r, err := router.New(coord, idgen.New(), nil, router.Config{
		LeaseTTL:     cc.LeaseTTL,
		ReapInterval: cc.ReapInterval,
	}, p.logger)
	if err != nil {
		return err
	}

	var fetchers []*fetchernode.Node
	if net != nil {
		for i := range cc.LocalFetchers {
			node, err := p.localFetcher(ctx, net, fmt.Sprintf("%s-fetcher-%d", p.nodeID, i))
			if err != nil {
				return err
			}
			fetchers = append(fetchers, node)
		}
	}

	crawlCfg, err := p.crawlConfig()
	if err != nil {
		return err
	}
	loop := crawl.New(f, r, p.newOracle(), tgt, nil, crawlCfg, p.logger)

	// The router and fetchers outlive ctx until the loop has drained its in-flight links.
	clusterCtx, stopCluster := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCluster()
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopServer()
		defer stopCluster()
		return loop.Run(gctx)
	})
	g.Go(func() error { return r.Run(clusterCtx) })
	g.Go(func() error {
		cluster.SendHeartbeats(clusterCtx, coord, cc.HeartbeatInterval,
			cluster.Heartbeat{Address: cc.Address, Role: cluster.RoleCoordinator},
			func(err error) { p.logger.Warn("heartbeat failed", zap.Error(err)) })
		return nil
	})
	for _, node := range fetchers {
		g.Go(func() error { return node.Run(clusterCtx) })
	}
	g.Go(func() error {
		return p.serveAdmin(serverCtx, api.Options{
			Frontier: f,
			Loop:     loop,
			Cluster:  r,
			Checks:   map[string]api.Check{"frontier": frontierCheck(f)},
		})
	})
	return g.Wait()
}

// localFetcher starts an in-process fetcher node on the memory network.
func (p *process) localFetcher(ctx context.Context, net *memory.Network, id string) (*fetchernode.Node, error) {
	coord, err := p.joinCluster(ctx, net, id)
	if err != nil {
		return nil, err
	}
	exec, err := p.newExecutor(id)
	if err != nil {
		return nil, err
	}
	return fetchernode.New(coord, exec, p.fetcherNodeConfig(), p.logger.With(zap.String("fetcher", id)))
}

func (p *process) fetcherNodeConfig() fetchernode.Config {
	cc := p.cfg.Cluster
	return fetchernode.Config{
		BatchSize:         cc.BatchSize,
		FlushDelay:        cc.FlushDelay,
		HeartbeatInterval: cc.HeartbeatInterval,
		Address:           cc.Address,
	}
}
