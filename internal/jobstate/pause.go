package jobstate

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

var pausableStages = map[types.Stage]bool{
	types.StageRepoScan:            true,
	types.StageCodeChunking:        true,
	types.StageEmbeddingGeneration: true,
	types.StageAgentOrchestration:  true,
}

// PauseAllowed reports whether a can be paused right now
func PauseAllowed(a *storage.Analysis) bool {
	if a.Status.Terminal() {
		return false
	}
	if pausableStages[a.Stage] {
		return true
	}
	return a.Status == types.StatusAnalyzing && a.Stage == types.StageNone
}

// Pause suspends work at the next gate
func (s *Service) Pause(ctx context.Context, id string) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if !PauseAllowed(a) {
			return fmt.Errorf("%w: status=%s stage=%s", ErrPauseNotAllowed, a.Status, a.Stage)
		}
		if !a.Paused || a.PausedAt == nil {
			now := s.now()
			a.PausedAt = &now
		}
		a.Status = types.StatusPaused
		a.Paused = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelInfo, "Analysis paused by user")
	return a, nil
}

// Resume releases a paused analysis back to the phase it was in
func (s *Service) Resume(ctx context.Context, id string) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status != types.StatusPaused && !a.Paused {
			return fmt.Errorf("%w: status=%s", ErrNotPaused, a.Status)
		}
		if a.Status.Terminal() {
			return ErrTerminal
		}
		a.Paused = false
		a.PausedAt = nil
		if a.Stage.Orchestrating() || a.Stage == types.StageNone {
			a.Status = types.StatusAnalyzing
		} else {
			a.Status = types.StatusPreprocessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelInfo, "Analysis resumed")
	return a, nil
}

// WaitIfPaused blocks while the analysis is paused. It returns ErrCancelled
// once the analysis is terminal, and cancels the analysis with ErrPauseTimeout
// when the pause outlives PauseTimeout.
func (s *Service) WaitIfPaused(ctx context.Context, id string) error {
	waiting := false
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		a, err := s.store.GetAnalysis(ctx, id)
		if err != nil {
			return fmt.Errorf("load analysis: %w", err)
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrCancelled, a.Status)
		}
		if !a.Paused || !PauseAllowed(a) {
			if waiting {
				s.logBestEffort(ctx, id, types.LevelInfo, "Pause gate released; resuming work")
			}
			return nil
		}
		if !waiting {
			waiting = true
			s.logBestEffort(ctx, id, types.LevelInfo, "Pause gate waiting for resume")
		}
		if a.PausedAt != nil && s.now().Sub(*a.PausedAt) > s.cfg.PauseTimeout {
			if _, err := s.Cancel(ctx, id, "Pause timeout exceeded"); err != nil {
				s.logger.Warn("failed to cancel after pause timeout", "analysis_id", id, "error", err)
			}
			return ErrPauseTimeout
		}

		if timer == nil {
			timer = time.NewTimer(s.cfg.PollInterval)
		} else {
			timer.Reset(s.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Gate binds WaitIfPaused to one analysis, in the shape pipeline hooks expect
func (s *Service) Gate(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.WaitIfPaused(ctx, id)
	}
}
