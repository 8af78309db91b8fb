package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/searcher"
)

func askCmd(g *globalOptions) *cobra.Command {
	var snippets bool
	cmd := &cobra.Command{
		Use:   "ask <analysis-id> <question>",
		Short: "Ask a question about an analyzed repository",
		Long: `Ask retrieves the code chunks closest to the question and answers from them
only. The answer is followed by citations pointing at the retrieved code.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args[1:], " "))
			if question == "" {
				return fmt.Errorf("question cannot be empty")
			}

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
			answer, err := a.searcher.Answer(ctx, a.llm, analysis.ProjectID, question, searcher.WithAnalysis(analysis.ID, a.jobs))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, answer.Answer)
			if len(answer.Citations) == 0 {
				return nil
			}
			green := color.New(color.FgGreen).SprintFunc()
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Fprintf(out, "\n%s\n", color.New(color.FgYellow).Sprint("Citations:"))
			for i, c := range answer.Citations {
				fmt.Fprintf(out, "  [%d] %s:%d-%d %s\n", i+1, green(c.FilePath), c.StartLine, c.EndLine, gray(fmt.Sprintf("score %.3f", c.Score)))
				if snippets {
					for _, line := range strings.Split(c.Snippet, "\n") {
						fmt.Fprintf(out, "      %s\n", gray(line))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&snippets, "snippets", false, "print the cited code snippets")
	return cmd
}
