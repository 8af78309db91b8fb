package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/storage"
)

func artifactsCmd(g *globalOptions) *cobra.Command {
	var (
		artifactType string
		outDir       string
		show         bool
	)
	cmd := &cobra.Command{
		Use:   "artifacts <analysis-id>",
		Short: "List, print or export the artifacts of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeCLI, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			ctx := cmd.Context()
			if _, err := a.jobs.Get(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to get analysis %s: %w", args[0], err)
			}
			all, err := a.store.ListArtifacts(ctx, args[0])
			if err != nil {
				return err
			}
			arts := filterArtifacts(all, artifactType)

			out := cmd.OutOrStdout()
			switch {
			case outDir != "":
				return exportArtifacts(out, arts, outDir)
			case show:
				for _, art := range arts {
					fmt.Fprintf(out, "%s\n\n%s\n\n", color.New(color.FgCyan, color.Bold).Sprint("# "+art.Title), art.Content)
				}
				return nil
			default:
				listArtifacts(out, arts)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&artifactType, "type", "", "only artifacts of this type (e.g. sde_report)")
	cmd.Flags().StringVar(&outDir, "out", "", "write artifacts into this directory")
	cmd.Flags().BoolVar(&show, "show", false, "print artifact contents")
	return cmd
}

func filterArtifacts(arts []*storage.Artifact, artifactType string) []*storage.Artifact {
	if artifactType == "" {
		return arts
	}
	out := make([]*storage.Artifact, 0, len(arts))
	for _, art := range arts {
		if art.ArtifactType == artifactType {
			out = append(out, art)
		}
	}
	return out
}

func listArtifacts(out io.Writer, arts []*storage.Artifact) {
	if len(arts) == 0 {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("No artifacts"))
		return
	}
	for _, art := range arts {
		persona := art.Persona
		if persona == "" {
			persona = "-"
		}
		fmt.Fprintf(out, "  %-30s %-4s %-9s %8s  %s\n",
			color.New(color.FgGreen).Sprint(art.ArtifactType), persona, art.Format,
			humanize.Bytes(uint64(len(art.Content))), art.Title)
	}
}

func exportArtifacts(out io.Writer, arts []*storage.Artifact, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, art := range arts {
		path := filepath.Join(dir, artifactFileName(art))
		if err := os.WriteFile(path, []byte(art.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(out, "wrote %s (%s)\n", path, humanize.Bytes(uint64(len(art.Content))))
	}
	return nil
}

// artifactFileName names an exported artifact after its type and format
func artifactFileName(art *storage.Artifact) string {
	ext := ".txt"
	switch art.Format {
	case "markdown":
		ext = ".md"
	case "json":
		ext = ".json"
	case "mermaid":
		ext = ".mmd"
	}
	return art.ArtifactType + ext
}
