package jobstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// AddUserContext appends an instruction for the writers. Context sent to a
// finished analysis is logged and dropped. While agents run, the instruction
// is also flagged pending so the orchestrator interrupts before writing.
func (s *Service) AddUserContext(ctx context.Context, id, text, scope string) (*storage.Analysis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("context text is required")
	}
	if scope == "" {
		scope = types.ScopeGlobal
	}

	var ignored types.Status
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status.Terminal() {
			ignored = a.Status
			return errUnchanged
		}
		a.UserContext.Instructions = append(a.UserContext.Instructions, types.Instruction{
			Text:      text,
			Scope:     scope,
			Timestamp: s.now().UTC(),
		})
		if a.Stage == types.StageAgentOrchestration {
			a.UserContext.PendingContext = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ignored != "" {
		s.logBestEffort(ctx, id, types.LevelWarning, fmt.Sprintf("Context ignored: analysis is %s", ignored))
		return a, nil
	}

	if err := s.AddInteraction(ctx, id, types.InteractionContext, text, scope, ""); err != nil {
		s.logger.Warn("failed to record context interaction", "analysis_id", id, "error", err)
	}
	s.logBestEffort(ctx, id, types.LevelInfo, fmt.Sprintf("Context added (scope=%s)", scope))
	if a.UserContext.PendingContext {
		s.logBestEffort(ctx, id, types.LevelInfo, "Context queued for agent interruption")
	}
	return a, nil
}

// ApplyResumedContext consumes the pending interrupt. instr is appended only
// when it differs from the latest instruction, so replays are harmless.
func (s *Service) ApplyResumedContext(ctx context.Context, id string, instr *types.Instruction) (*storage.Analysis, error) {
	changed := false
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if instr != nil && strings.TrimSpace(instr.Text) != "" {
			latest, ok := a.UserContext.Latest()
			if !ok || latest.Text != instr.Text {
				in := *instr
				if in.Scope == "" {
					in.Scope = types.ScopeGlobal
				}
				if in.Timestamp.IsZero() {
					in.Timestamp = s.now().UTC()
				}
				a.UserContext.Instructions = append(a.UserContext.Instructions, in)
				changed = true
			}
		}
		if a.UserContext.PendingContext {
			a.UserContext.PendingContext = false
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logBestEffort(ctx, id, types.LevelInfo, "Context applied to agents")
	}
	return a, nil
}
