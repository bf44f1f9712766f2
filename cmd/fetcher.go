package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/focused-crawler/internal/api"
	"github.com/JakeFAU/focused-crawler/internal/config"
	"github.com/JakeFAU/focused-crawler/internal/fetchernode"
)

// newFetcherCmd creates the fetcher node subcommand.
func newFetcherCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetcher",
		Short: "Run a fetcher node for a coordinator",
		Long: `Joins the cluster over Pub/Sub, announces itself with heartbeats and fetches
the links a coordinator assigns to it. On shutdown it leaves the cluster so
its hosts move to the remaining fetchers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newProcess(cmd.Context(), opts, roleFetcher)
			if err != nil {
				return err
			}
			defer p.Close()
			return runFetcher(cmd.Context(), p)
		},
	}
}

func runFetcher(ctx context.Context, p *process) error {
	if p.cfg.Cluster.Transport != config.TransportPubSub {
		return errors.New("fetcher processes require the pubsub cluster transport")
	}
	coord, err := p.joinCluster(ctx, nil, p.nodeID)
	if err != nil {
		return err
	}
	exec, err := p.newExecutor(p.nodeID)
	if err != nil {
		return err
	}
	node, err := fetchernode.New(coord, exec, p.fetcherNodeConfig(), p.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g.Go(func() error {
		defer stopServer()
		return node.Run(gctx)
	})
	g.Go(func() error {
		return p.serveAdmin(serverCtx, api.Options{Fetcher: node})
	})
	return g.Wait()
}
