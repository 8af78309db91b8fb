package jobstate

import (
	"context"
	"time"

	"github.com/dshills/codeatlas/internal/broadcast"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// EventType distinguishes log lines from status snapshots
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
)

// Event is what subscribers of an analysis receive
type Event struct {
	Type       EventType            `json:"type"`
	AnalysisID string               `json:"analysis_id"`
	Log        *storage.AnalysisLog `json:"log,omitempty"`
	Status     *Snapshot            `json:"status,omitempty"`
}

// Snapshot is the externally visible state of an analysis
type Snapshot struct {
	Status             types.Status `json:"status"`
	Stage              types.Stage  `json:"stage"`
	ProgressPercentage int          `json:"progress_percentage"`
	ProcessedFiles     int          `json:"processed_files"`
	TotalFiles         int          `json:"total_files"`
	CurrentFile        string       `json:"current_file,omitempty"`
	TotalChunks        int          `json:"total_chunks"`
	TokensUsed         int64        `json:"tokens_used"`
	EstimatedCost      float64      `json:"estimated_cost"`
	Paused             bool         `json:"paused"`
	PendingContext     bool         `json:"pending_context"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// SnapshotOf copies the visible fields of a
func SnapshotOf(a *storage.Analysis) *Snapshot {
	return &Snapshot{
		Status:             a.Status,
		Stage:              a.Stage,
		ProgressPercentage: a.ProgressPercentage,
		ProcessedFiles:     a.ProcessedFiles,
		TotalFiles:         a.TotalFiles,
		CurrentFile:        a.CurrentFile,
		TotalChunks:        a.TotalChunks,
		TokensUsed:         a.TokensUsed,
		EstimatedCost:      a.EstimatedCost,
		Paused:             a.Paused,
		PendingContext:     a.UserContext.PendingContext,
		ErrorMessage:       a.ErrorMessage,
		UpdatedAt:          a.UpdatedAt,
	}
}

// streamGrace is how long Stream keeps reading after a terminal status
const streamGrace = 250 * time.Millisecond

// Subscribe returns a raw live subscription for id. Messages may be dropped
// when the subscriber falls behind; use Stream for a gap-free log feed.
func (s *Service) Subscribe(id string) *broadcast.Subscription[Event] {
	return s.hub.Subscribe(id, broadcast.DefaultBuffer)
}

// Stream delivers every persisted log after afterLogID in order, then keeps
// following live events until ctx ends or the analysis finishes. Log events
// are delivered at least once and never out of order: each live log event
// triggers a re-read of the store from the cursor, which fills any gap the
// hub dropped. The channel is closed when the stream ends.
func (s *Service) Stream(ctx context.Context, id string, afterLogID int64) <-chan Event {
	out := make(chan Event, broadcast.DefaultBuffer)
	sub := s.Subscribe(id)

	go func() {
		defer close(out)
		defer sub.Close()

		cursor := afterLogID
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		catchUp := func() bool {
			logs, err := s.store.ListLogs(ctx, id, cursor, 0)
			if err != nil {
				s.logger.Warn("stream catch-up failed", "analysis_id", id, "error", err)
				return ctx.Err() == nil
			}
			for _, l := range logs {
				if !send(Event{Type: EventLog, AnalysisID: id, Log: l}) {
					return false
				}
				cursor = l.ID
			}
			return true
		}

		if !catchUp() {
			return
		}
		if a, err := s.store.GetAnalysis(ctx, id); err == nil {
			if !send(Event{Type: EventStatus, AnalysisID: id, Status: SnapshotOf(a)}) {
				return
			}
			if a.Status.Terminal() {
				return
			}
		}

		var grace <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-grace:
				catchUp()
				return
			case ev, ok := <-sub.C:
				if !ok {
					catchUp()
					return
				}
				switch ev.Type {
				case EventLog:
					if ev.Log == nil || ev.Log.ID <= cursor {
						continue
					}
					if !catchUp() {
						return
					}
				case EventStatus:
					if !send(ev) {
						return
					}
					if ev.Status != nil && ev.Status.Status.Terminal() && grace == nil {
						// final log lines are written right after the status flips
						grace = time.After(streamGrace)
					}
				}
			}
		}
	}()
	return out
}
