package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/focused-crawler/internal/api"
	"github.com/JakeFAU/focused-crawler/internal/crawl"
	"github.com/JakeFAU/focused-crawler/internal/frontier"
	"github.com/JakeFAU/focused-crawler/internal/seeds"
)

// newCrawlCmd creates the single-process crawl subcommand.
func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var seedsFile string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl in a single process",
		Long: `Runs the crawl loop with a local fetch executor. The frontier is persisted,
so an interrupted crawl resumes where it stopped when started again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newProcess(cmd.Context(), opts, roleCrawler)
			if err != nil {
				return err
			}
			defer p.Close()
			return runCrawl(cmd.Context(), p, seedsFile)
		},
	}
	cmd.Flags().StringVar(&seedsFile, "seeds", "", "file with one seed URL per line")
	return cmd
}

func runCrawl(ctx context.Context, p *process, seedsFile string) error {
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

	exec, err := p.newExecutor(p.nodeID)
	if err != nil {
		return err
	}
	crawlCfg, err := p.crawlConfig()
	if err != nil {
		return err
	}
	loop := crawl.New(f, exec, p.newOracle(), tgt, nil, crawlCfg, p.logger)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g.Go(func() error {
		defer stopServer()
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return p.serveAdmin(serverCtx, api.Options{
			Frontier: f,
			Loop:     loop,
			Checks:   map[string]api.Check{"frontier": frontierCheck(f)},
		})
	})
	return g.Wait()
}

// loadSeeds inserts the seeds in path, if any, at the configured seed score.
func (p *process) loadSeeds(ctx context.Context, f *frontier.Frontier, path string) error {
	if path == "" {
		return nil
	}
	urls, err := seeds.ReadFile(path)
	if err != nil {
		return err
	}
	counts, err := seeds.Load(ctx, f, urls, p.cfg.Oracle.SeedScore)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}
	p.logger.Info("seeds loaded",
		zap.String("file", path),
		zap.Int("inserted", counts[frontier.Inserted]),
		zap.Int("updated", counts[frontier.Updated]),
		zap.Int("unchanged", counts[frontier.Unchanged]),
		zap.Int("rejected", counts[frontier.Rejected]),
	)
	return nil
}
