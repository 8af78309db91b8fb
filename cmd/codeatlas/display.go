package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// eventPrinter renders an analysis event stream, one line per log entry and
// one line per status or stage change
type eventPrinter struct {
	out        io.Writer
	lastStatus types.Status
	lastStage  types.Stage
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out}
}

func (p *eventPrinter) print(ev jobstate.Event) {
	switch ev.Type {
	case jobstate.EventLog:
		if ev.Log != nil {
			fmt.Fprintln(p.out, formatLog(ev.Log))
		}
	case jobstate.EventStatus:
		if ev.Status == nil {
			return
		}
		if ev.Status.Status == p.lastStatus && ev.Status.Stage == p.lastStage {
			return
		}
		p.lastStatus, p.lastStage = ev.Status.Status, ev.Status.Stage
		fmt.Fprintln(p.out, formatSnapshot(ev.Status))
	}
}

// formatLog renders one log entry as
//
//	[15:04:05] stage  message (file 3/10)
func formatLog(l *storage.AnalysisLog) string {
	gray := color.New(color.FgHiBlack).SprintFunc()

	var b strings.Builder
	b.WriteString(gray("[" + l.CreatedAt.Local().Format("15:04:05") + "]"))
	b.WriteString(" ")
	b.WriteString(levelIcon(l.Level))
	if l.Stage != types.StageNone {
		b.WriteString(" ")
		b.WriteString(color.New(color.FgMagenta).Sprint(l.Stage))
	}
	b.WriteString(" ")
	b.WriteString(levelColor(l.Level).Sprint(l.Message))
	if l.TotalFiles > 0 {
		b.WriteString(gray(fmt.Sprintf(" (file %d/%d)", l.FileIndex, l.TotalFiles)))
	}
	if l.Progress != nil {
		b.WriteString(gray(fmt.Sprintf(" %d%%", *l.Progress)))
	}
	return b.String()
}

func formatSnapshot(s *jobstate.Snapshot) string {
	stage := string(s.Stage)
	if stage == "" {
		stage = "-"
	}
	line := fmt.Sprintf("%s %s %s %d%%",
		statusColor(s.Status).Sprint("●"),
		statusColor(s.Status).Sprint(s.Status),
		color.New(color.FgMagenta).Sprint(stage),
		s.ProgressPercentage)
	if s.ErrorMessage != "" {
		line += " " + color.New(color.FgRed).Sprint(s.ErrorMessage)
	}
	return line
}

// writeSummary prints the final state of an analysis
func writeSummary(out io.Writer, a *storage.Analysis, artifacts int) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(out, "\n%s\n", cyan("=== Analysis "+a.ID+" ==="))
	fmt.Fprintf(out, "  %s %s\n", yellow("Status:   "), statusColor(a.Status).Sprint(a.Status))
	if a.Stage != types.StageNone {
		fmt.Fprintf(out, "  %s %s (%d%%)\n", yellow("Stage:    "), a.Stage, a.ProgressPercentage)
	}
	if a.TotalFiles > 0 {
		fmt.Fprintf(out, "  %s %s of %s\n", yellow("Files:    "), humanize.Comma(int64(a.ProcessedFiles)), humanize.Comma(int64(a.TotalFiles)))
	}
	fmt.Fprintf(out, "  %s %s\n", yellow("Chunks:   "), humanize.Comma(int64(a.TotalChunks)))
	fmt.Fprintf(out, "  %s %s ($%.4f)\n", yellow("Tokens:   "), humanize.Comma(a.TokensUsed), a.EstimatedCost)
	if a.Paused && a.PausedAt != nil {
		fmt.Fprintf(out, "  %s %s\n", yellow("Paused:   "), humanize.Time(*a.PausedAt))
	}
	if n := len(a.UserContext.Instructions); n > 0 {
		fmt.Fprintf(out, "  %s %d", yellow("Context:  "), n)
		if a.UserContext.PendingContext {
			fmt.Fprint(out, " (pending)")
		}
		fmt.Fprintln(out)
	}
	if a.StartedAt != nil {
		fmt.Fprintf(out, "  %s %s\n", yellow("Started:  "), humanize.Time(*a.StartedAt))
		end := time.Now()
		if a.CompletedAt != nil {
			end = *a.CompletedAt
		}
		fmt.Fprintf(out, "  %s %s\n", yellow("Duration: "), end.Sub(*a.StartedAt).Round(time.Second))
	}
	if artifacts >= 0 {
		fmt.Fprintf(out, "  %s %d\n", yellow("Artifacts:"), artifacts)
	}
	if a.ErrorMessage != "" {
		fmt.Fprintf(out, "  %s %s\n", yellow("Error:    "), color.New(color.FgRed).Sprint(a.ErrorMessage))
	}
}

func levelIcon(level types.LogLevel) string {
	switch level {
	case types.LevelMilestone:
		return "✓"
	case types.LevelWarning:
		return "⚠"
	case types.LevelError:
		return "✗"
	default:
		return "•"
	}
}

func levelColor(level types.LogLevel) *color.Color {
	switch level {
	case types.LevelMilestone:
		return color.New(color.FgGreen, color.Bold)
	case types.LevelWarning:
		return color.New(color.FgYellow)
	case types.LevelError:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func statusColor(s types.Status) *color.Color {
	switch s {
	case types.StatusCompleted:
		return color.New(color.FgGreen)
	case types.StatusFailed:
		return color.New(color.FgRed)
	case types.StatusCancelled, types.StatusPaused:
		return color.New(color.FgYellow)
	case types.StatusPending:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgCyan)
	}
}
