package jobstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codeatlas/internal/broadcast"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

var (
	// ErrPauseTimeout is returned by the pause gate once a pause outlives PauseTimeout
	ErrPauseTimeout = errors.New("pause timeout exceeded")
	// ErrCancelled is returned by the pause gate when the analysis was cancelled
	ErrCancelled = errors.New("analysis cancelled")
	// ErrPauseNotAllowed is returned when pausing outside a pausable stage
	ErrPauseNotAllowed = errors.New("pause not allowed in current state")
	// ErrNotPaused is returned when resuming an analysis that is not paused
	ErrNotPaused = errors.New("analysis is not paused")
	// ErrTerminal is returned when mutating an analysis that already finished
	ErrTerminal = errors.New("analysis already finished")
)

// Config tunes the pause gate
type Config struct {
	PauseTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig pauses for at most five minutes, polling twice a second
func DefaultConfig() Config {
	return Config{PauseTimeout: 5 * time.Minute, PollInterval: 500 * time.Millisecond}
}

// Service owns every state transition of an analysis. Each mutation runs in
// its own short transaction and then broadcasts a status event; a failed
// broadcast never fails the mutation.
type Service struct {
	store  storage.Storage
	hub    *broadcast.Hub[Event]
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. A nil hub gets a private one.
func NewService(store storage.Storage, hub *broadcast.Hub[Event], cfg Config, opts ...Option) *Service {
	d := DefaultConfig()
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = d.PauseTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if hub == nil {
		hub = broadcast.New[Event]()
	}
	s := &Service{store: store, hub: hub, cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new pending analysis for projectID
func (s *Service) Create(ctx context.Context, projectID int64, cfg types.AnalysisConfig) (*storage.Analysis, error) {
	a := &storage.Analysis{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    types.StatusPending,
		Config:    cfg.WithDefaults(),
	}
	if err := s.store.CreateAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	s.publishStatus(a)
	return a, nil
}

// Get loads an analysis
func (s *Service) Get(ctx context.Context, id string) (*storage.Analysis, error) {
	return s.store.GetAnalysis(ctx, id)
}

// Update is a partial progress update; nil fields are left alone
type Update struct {
	Status         *types.Status
	Stage          *types.Stage
	Progress       *int
	ProcessedFiles *int
	TotalFiles     *int
	CurrentFile    *string
	TotalChunks    *int
	StartedAt      *time.Time
}

// UpdateProgress applies u. Terminal analyses are returned untouched, and a
// paused analysis keeps its paused status.
func (s *Service) UpdateProgress(ctx context.Context, id string, u Update) (*storage.Analysis, error) {
	return s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status.Terminal() {
			return errUnchanged
		}
		if u.Status != nil && !a.Paused {
			a.Status = *u.Status
		}
		if u.Stage != nil {
			a.Stage = *u.Stage
		}
		if u.Progress != nil {
			a.ProgressPercentage = clampPercent(*u.Progress)
		}
		if u.ProcessedFiles != nil {
			a.ProcessedFiles = *u.ProcessedFiles
		}
		if u.TotalFiles != nil {
			a.TotalFiles = *u.TotalFiles
		}
		if u.CurrentFile != nil {
			a.CurrentFile = *u.CurrentFile
		}
		if u.TotalChunks != nil {
			a.TotalChunks = *u.TotalChunks
		}
		if u.StartedAt != nil {
			t := *u.StartedAt
			a.StartedAt = &t
		}
		return nil
	})
}

// AddUsage atomically adds billed tokens and cost
func (s *Service) AddUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	if tokens <= 0 && cost <= 0 {
		return nil
	}
	if err := s.store.AddAnalysisUsage(ctx, id, tokens, cost); err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if a, err := s.store.GetAnalysis(ctx, id); err == nil {
		s.publishStatus(a)
	}
	return nil
}

// LogEntry is a log line to append to an analysis
type LogEntry struct {
	Level       types.LogLevel
	Message     string
	Stage       types.Stage
	CurrentFile string
	FileIndex   int
	TotalFiles  int
	Progress    *int
}

// LogEvent persists entry and broadcasts it
func (s *Service) LogEvent(ctx context.Context, id string, entry LogEntry) (*storage.AnalysisLog, error) {
	l := &storage.AnalysisLog{
		AnalysisID:  id,
		Level:       entry.Level,
		Message:     entry.Message,
		Stage:       entry.Stage,
		CurrentFile: entry.CurrentFile,
		FileIndex:   entry.FileIndex,
		TotalFiles:  entry.TotalFiles,
		Progress:    entry.Progress,
	}
	if err := s.store.AppendLog(ctx, l); err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}
	s.hub.Publish(id, Event{Type: EventLog, AnalysisID: id, Log: l})
	return l, nil
}

// Cancel marks the analysis cancelled with reason
func (s *Service) Cancel(ctx context.Context, id, reason string) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status.Terminal() {
			return ErrTerminal
		}
		now := s.now()
		a.Status = types.StatusCancelled
		a.Paused = false
		a.PausedAt = nil
		a.ErrorMessage = reason
		a.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelWarning, "Analysis cancelled: "+reason)
	return a, nil
}

// Complete marks the analysis completed at 100%
func (s *Service) Complete(ctx context.Context, id string) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status.Terminal() {
			return ErrTerminal
		}
		now := s.now()
		a.Status = types.StatusCompleted
		a.Stage = types.StageCompleted
		a.ProgressPercentage = 100
		a.Paused = false
		a.PausedAt = nil
		a.UserContext.PendingContext = false
		a.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelMilestone, "Analysis completed")
	return a, nil
}

// Fail marks the analysis failed with msg
func (s *Service) Fail(ctx context.Context, id, msg string) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if a.Status.Terminal() {
			return ErrTerminal
		}
		now := s.now()
		a.Status = types.StatusFailed
		a.Paused = false
		a.PausedAt = nil
		a.ErrorMessage = msg
		a.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelError, "Analysis failed: "+truncate(msg, 200))
	return a, nil
}

// RestartFrom names where a restarted analysis picks up
type RestartFrom string

const (
	RestartPreprocessing RestartFrom = "preprocessing"
	RestartOrchestration RestartFrom = "agent_orchestration"
)

// RestartPoint resumes orchestration when that is where the analysis stopped,
// otherwise preprocessing starts over
func RestartPoint(a *storage.Analysis) RestartFrom {
	if a.Stage.Orchestrating() {
		return RestartOrchestration
	}
	return RestartPreprocessing
}

// ResetForRestart rewinds the analysis to from
func (s *Service) ResetForRestart(ctx context.Context, id string, from RestartFrom) (*storage.Analysis, error) {
	a, err := s.mutate(ctx, id, func(a *storage.Analysis) error {
		if from == RestartPreprocessing {
			a.Status = types.StatusPreprocessing
			a.Stage = types.StageRepoScan
			a.ProcessedFiles = 0
			a.TotalFiles = 0
			a.CurrentFile = ""
			a.TotalChunks = 0
			a.TokensUsed = 0
			a.EstimatedCost = 0
		} else {
			a.Status = types.StatusAnalyzing
			a.Stage = types.StageAgentOrchestration
		}
		a.ProgressPercentage = 0
		a.Paused = false
		a.PausedAt = nil
		a.CompletedAt = nil
		a.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logBestEffort(ctx, id, types.LevelInfo, fmt.Sprintf("Analysis restarted from %s", from))
	return a, nil
}

// AddInteraction records a question or context exchange
func (s *Service) AddInteraction(ctx context.Context, id string, kind types.InteractionKind, content, scope, response string) error {
	err := s.store.AddInteraction(ctx, &storage.Interaction{
		AnalysisID: id,
		Kind:       kind,
		Scope:      scope,
		Content:    content,
		Response:   response,
	})
	if err != nil {
		return fmt.Errorf("add interaction: %w", err)
	}
	return nil
}

// errUnchanged aborts a mutation without reporting an error
var errUnchanged = errors.New("unchanged")

// mutate runs fn in a transaction and broadcasts the result
func (s *Service) mutate(ctx context.Context, id string, fn func(*storage.Analysis) error) (*storage.Analysis, error) {
	a, err := s.store.UpdateAnalysis(ctx, id, fn)
	if errors.Is(err, errUnchanged) {
		return s.store.GetAnalysis(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.publishStatus(a)
	return a, nil
}

func (s *Service) publishStatus(a *storage.Analysis) {
	s.hub.Publish(a.ID, Event{Type: EventStatus, AnalysisID: a.ID, Status: SnapshotOf(a)})
}

// logBestEffort appends a log line, reporting failures only to the process log
func (s *Service) logBestEffort(ctx context.Context, id string, level types.LogLevel, msg string) {
	if _, err := s.LogEvent(ctx, id, LogEntry{Level: level, Message: msg}); err != nil {
		s.logger.Warn("failed to append analysis log", "analysis_id", id, "error", err)
	}
}

func clampPercent(p int) int {
	return max(0, min(p, 100))
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
