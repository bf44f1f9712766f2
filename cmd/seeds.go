package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/focused-crawler/internal/frontier"
	"github.com/JakeFAU/focused-crawler/internal/seeds"
)

// newAddSeedsCmd creates the subcommand that seeds the persisted frontier.
func newAddSeedsCmd(opts *rootOptions) *cobra.Command {
	var (
		seedsFile string
		score     float64
	)
	cmd := &cobra.Command{
		Use:   "add-seeds",
		Short: "Insert seed URLs into the frontier and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seedsFile == "" {
				return errors.New("--seeds is required")
			}
			p, err := newProcess(cmd.Context(), opts, roleAdmin)
			if err != nil {
				return err
			}
			defer p.Close()

			if !cmd.Flags().Changed("score") {
				score = p.cfg.Oracle.SeedScore
			}
			if score < 0 || score > 1 {
				return fmt.Errorf("--score must be within [0, 1], got %v", score)
			}
			urls, err := seeds.ReadFile(seedsFile)
			if err != nil {
				return err
			}
			f, err := p.openFrontier(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := seeds.Load(cmd.Context(), f, urls, score)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, outcome := range []frontier.InsertOutcome{frontier.Inserted, frontier.Updated, frontier.Unchanged, frontier.Rejected} {
				fmt.Fprintf(out, "%-10s %d\n", outcome, counts[outcome])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seedsFile, "seeds", "", "file with one seed URL per line")
	cmd.Flags().Float64Var(&score, "score", 0, "priority given to the seeds (default oracle.seed_score)")
	return cmd
}
