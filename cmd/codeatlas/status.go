package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/observability"
)

func statusCmd(g *globalOptions) *cobra.Command {
	var logs int
	cmd := &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Show the status of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			ctx := cmd.Context()
			analysis, err := a.jobs.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get analysis %s: %w", args[0], err)
			}
			arts, err := a.store.ListArtifacts(ctx, analysis.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeSummary(out, analysis, len(arts))

			if logs <= 0 {
				return nil
			}
			all, err := a.store.ListLogs(ctx, analysis.ID, 0, 0)
			if err != nil {
				return err
			}
			if len(all) > logs {
				all = all[len(all)-logs:]
			}
			fmt.Fprintf(out, "\n%s\n", color.New(color.FgYellow).Sprint("Recent events:"))
			for _, l := range all {
				fmt.Fprintln(out, "  "+formatLog(l))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&logs, "logs", 10, "number of recent events to show (0 hides them)")
	return cmd
}
