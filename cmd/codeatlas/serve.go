package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/mcp"
	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/storage"
)

// shutdownTimeout bounds how long stopping runners and flushing may take
const shutdownTimeout = 10 * time.Second

func serveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Serve exposes analysis control, Q&A and code search as MCP tools over
stdin/stdout. Logs are written to stderr. When metrics.listen is configured a
Prometheus endpoint is served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Stdout is reserved for the protocol
			a, err := newApp(g, observability.ModeMCP, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.close(shutdownCtx)
			}()

			if a.cfg.Metrics.Listen != "" {
				go func() {
					if err := a.obs.ServeMetrics(ctx, a.cfg.Metrics.Listen); err != nil {
						a.logger.Error("metrics endpoint stopped", "error", err)
					}
				}()
			}

			srv, err := mcp.NewServer(mcp.Deps{
				Storage:  a.store,
				Jobs:     a.jobs,
				Runner:   a.runner,
				Searcher: a.searcher,
				LLM:      a.llm,
				Logger:   a.logger,
			}, version)
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			a.logger.Info("MCP server ready, listening on stdio",
				"version", version, "build_mode", storage.BuildMode, "driver", storage.DriverName)
			if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			a.logger.Info("server stopped")
			return nil
		},
	}
}
