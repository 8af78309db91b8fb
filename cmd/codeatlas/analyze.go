package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/runner"
	"github.com/dshills/codeatlas/pkg/types"
)

type analyzeOptions struct {
	name               string
	personas           []string
	depth              string
	verbosity          string
	webSearch          bool
	diagrams           bool
	diagramPreferences []string
	context            string
}

func analyzeCmd(g *globalOptions) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Analyze a repository in the foreground",
		Long: `Analyze runs a full analysis of the repository at path and streams its
events until it finishes. Interrupting the command cancels the analysis; it can
be restarted later through the MCP server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.analysisConfig()
			if err != nil {
				return err
			}
			return runAnalyze(cmd, g, args[0], opts, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "project name (default is the directory name)")
	f.StringSliceVar(&opts.personas, "persona", nil, "writer personas to run: sde, pm (repeatable)")
	f.StringVar(&opts.depth, "depth", string(types.DepthStandard), "documentation depth: quick, standard, deep")
	f.StringVar(&opts.verbosity, "verbosity", string(types.VerbosityNormal), "documentation verbosity: low, normal, high")
	f.BoolVar(&opts.webSearch, "web-search", false, "research knowledge gaps with the configured web search server")
	f.BoolVar(&opts.diagrams, "diagrams", false, "emit Mermaid diagram artifacts")
	f.StringSliceVar(&opts.diagramPreferences, "diagram", nil, "diagram kinds: architecture, sequence, flowchart, entity_relationship")
	f.StringVar(&opts.context, "context", "", "initial instruction for the writers")
	return cmd
}

// analysisConfig validates the flags into an analysis configuration
func (o *analyzeOptions) analysisConfig() (types.AnalysisConfig, error) {
	cfg := types.AnalysisConfig{
		Depth:              types.Depth(o.depth),
		Verbosity:          types.Verbosity(o.verbosity),
		EnableWebSearch:    o.webSearch,
		EnableDiagrams:     o.diagrams || len(o.diagramPreferences) > 0,
		DiagramPreferences: o.diagramPreferences,
	}
	switch cfg.Depth {
	case types.DepthQuick, types.DepthStandard, types.DepthDeep:
	default:
		return cfg, fmt.Errorf("invalid --depth %q", o.depth)
	}
	switch cfg.Verbosity {
	case types.VerbosityLow, types.VerbosityNormal, types.VerbosityHigh:
	default:
		return cfg, fmt.Errorf("invalid --verbosity %q", o.verbosity)
	}
	for _, p := range o.personas {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "sde":
			cfg.Personas.SDE = true
		case "pm":
			cfg.Personas.PM = true
		default:
			return cfg, fmt.Errorf("invalid --persona %q", p)
		}
	}
	return cfg, nil
}

func runAnalyze(cmd *cobra.Command, g *globalOptions, path string, opts *analyzeOptions, cfg types.AnalysisConfig) error {
	a, err := newApp(g, observability.ModeCLI, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analysis, err := a.runner.Start(ctx, runner.Options{
		RootPath: path,
		Name:     opts.name,
		Config:   cfg,
		Context:  strings.TrimSpace(opts.context),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s %s\n", cyan("Analysis started:"), analysis.ID)

	printer := newEventPrinter(out)
	for ev := range a.jobs.Stream(ctx, analysis.ID, 0) {
		printer.print(ev)
	}

	// Interrupted: record why before the runner is stopped
	bg := context.Background()
	if ctx.Err() != nil {
		if _, err := a.runner.Cancel(bg, analysis.ID, "Interrupted from the command line"); err != nil {
			a.logger.Warn("failed to cancel analysis", "analysis_id", analysis.ID, "error", err)
		}
	}
	waitCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()
	runErr := a.runner.Wait(waitCtx, analysis.ID)

	final, err := a.jobs.Get(bg, analysis.ID)
	if err != nil {
		return err
	}
	arts, err := a.store.ListArtifacts(bg, analysis.ID)
	if err != nil {
		return err
	}
	writeSummary(out, final, len(arts))

	switch final.Status {
	case types.StatusCompleted:
		fmt.Fprintf(out, "\nRead the results with: codeatlas artifacts %s\n", final.ID)
		return nil
	case types.StatusFailed:
		return fmt.Errorf("analysis failed: %s", final.ErrorMessage)
	case types.StatusCancelled:
		return fmt.Errorf("analysis cancelled: %s", final.ErrorMessage)
	}
	if runErr != nil {
		return runErr
	}
	return fmt.Errorf("analysis stopped in status %s", final.Status)
}
