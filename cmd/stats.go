package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

var frontierStates = []crawler.State{
	crawler.StateDiscovered,
	crawler.StateScheduled,
	crawler.StateFetching,
	crawler.StateDone,
	crawler.StateFailed,
}

// newStatsCmd creates the subcommand that prints frontier counts per state.
func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print frontier link counts per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newProcess(cmd.Context(), opts, roleAdmin)
			if err != nil {
				return err
			}
			defer p.Close()

			f, err := p.openFrontier(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := f.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			}
			total := 0
			for _, state := range frontierStates {
				fmt.Fprintf(out, "%-11s %d\n", state, counts[state])
				total += counts[state]
			}
			fmt.Fprintf(out, "%-11s %d\n", "TOTAL", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print counts as JSON")
	return cmd
}
