// Package main provides the entry point for the codeatlas CLI and MCP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "codeatlas",
		Short: "Repository analysis and documentation generation",
		Long: `codeatlas indexes a source repository, embeds its code and drives a set of
documentation writers over it. Analyses can be paused, steered with extra
context, cancelled and restarted.

Commands:
  serve      Run the MCP server on stdio
  analyze    Analyze a repository in the foreground`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default is ./.codeatlas.yaml or $HOME/.codeatlas.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(g))
	rootCmd.AddCommand(analyzeCmd(g))
	rootCmd.AddCommand(statusCmd(g))
	rootCmd.AddCommand(askCmd(g))
	rootCmd.AddCommand(artifactsCmd(g))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "codeatlas %s (built: %s)\n", version, buildTime)
			fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
		},
	}
}
