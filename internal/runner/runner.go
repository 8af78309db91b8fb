package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/orchestrator"
	"github.com/dshills/codeatlas/internal/pipeline"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

var (
	// ErrAlreadyRunning is returned when a runner is already active for the analysis
	ErrAlreadyRunning = errors.New("analysis is already running")
	// ErrProjectNotFound fails analyses whose project row is gone
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotRestartable is returned when restarting an analysis that did not fail or get cancelled
	ErrNotRestartable = errors.New("only failed or cancelled analyses can be restarted")
)

// Options starts a new analysis
type Options struct {
	RootPath string
	Name     string // defaults to the root directory name
	Config   types.AnalysisConfig
	// Context is an optional first instruction for the writers
	Context string
}

// Runner executes analyses in the background, one goroutine per analysis
type Runner struct {
	store    storage.Storage
	jobs     *jobstate.Service
	pipeline *pipeline.Pipeline
	orch     *orchestrator.Orchestrator
	metrics  *observability.Metrics
	logger   *slog.Logger

	guard *pipeline.LockSet
	base  context.Context
	stop  context.CancelFunc

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a Runner. Runs are detached from the contexts passed to Start
// and Restart and stop only through Cancel or Shutdown.
func New(store storage.Storage, jobs *jobstate.Service, p *pipeline.Pipeline, orch *orchestrator.Orchestrator, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		jobs:     jobs,
		pipeline: p,
		orch:     orch,
		metrics:  metrics,
		logger:   logger,
		guard:    pipeline.NewLockSet(),
		base:     base,
		stop:     stop,
		runs:     make(map[string]*activeRun),
	}
}

// Start creates the project (by root path) and a pending analysis, then runs
// it in the background
func (r *Runner) Start(ctx context.Context, opts Options) (*storage.Analysis, error) {
	root, err := filepath.Abs(opts.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(root)
	}
	project, err := r.store.GetOrCreateProject(ctx, root, name)
	if err != nil {
		return nil, fmt.Errorf("get or create project: %w", err)
	}
	a, err := r.jobs.Create(ctx, project.ID, opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Context != "" {
		if a, err = r.jobs.AddUserContext(ctx, a.ID, opts.Context, types.ScopeGlobal); err != nil {
			return nil, fmt.Errorf("add initial context: %w", err)
		}
	}
	r.metrics.AnalysisStarted(ctx)
	r.logger.Info("analysis created", "analysis_id", a.ID, "project_id", project.ID, "root", root)

	if err := r.launch(a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// Restart rewinds a failed or cancelled analysis to its restart point and runs
// it again. Restarting from preprocessing discards the agent checkpoint.
func (r *Runner) Restart(ctx context.Context, id string) (*storage.Analysis, error) {
	if r.Running(id) {
		return nil, ErrAlreadyRunning
	}
	a, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.StatusFailed && a.Status != types.StatusCancelled {
		return nil, fmt.Errorf("%w: status=%s", ErrNotRestartable, a.Status)
	}
	from := jobstate.RestartPoint(a)
	if from == jobstate.RestartPreprocessing {
		if err := r.store.DeleteCheckpoint(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("discard checkpoint: %w", err)
		}
	}
	if a, err = r.jobs.ResetForRestart(ctx, id, from); err != nil {
		return nil, err
	}
	r.metrics.AnalysisStarted(ctx)
	if err := r.launch(id); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel marks the analysis cancelled and stops its runner
func (r *Runner) Cancel(ctx context.Context, id, reason string) (*storage.Analysis, error) {
	if reason == "" {
		reason = "Cancelled by user"
	}
	a, err := r.jobs.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	r.metrics.AnalysisFinished(ctx, string(types.StatusCancelled))

	r.mu.Lock()
	run := r.runs[id]
	r.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return a, nil
}

// Resume releases a paused analysis. A runner blocked at its pause gate picks
// up on its own; an analysis paused by an earlier process gets a new runner,
// which continues from the agent checkpoint when one exists.
func (r *Runner) Resume(ctx context.Context, id string) (*storage.Analysis, error) {
	a, err := r.jobs.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Running(id) {
		return a, nil
	}
	r.logger.Info("relaunching resumed analysis", "analysis_id", id, "stage", a.Stage)
	if err := r.launch(id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		return nil, err
	}
	return a, nil
}

// Running reports whether a runner is active for id
func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[id]
	return ok
}

// Wait blocks until the runner for id returns and reports its error. It
// returns nil at once when no runner is active; the outcome of a finished run
// is recorded on the analysis.
func (r *Runner) Wait(ctx context.Context, id string) error {
	r.mu.Lock()
	run := r.runs[id]
	r.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-run.done:
		return run.err
	}
}

// Shutdown stops every active runner and waits for them to return. The
// analyses keep their last state and can be restarted.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	r.mu.Lock()
	runs := make([]*activeRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	for _, run := range runs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-run.done:
		}
	}
	return nil
}

// launch starts the background runner for id unless one is active
func (r *Runner) launch(id string) error {
	lock := r.guard.Get(id)
	if !lock.TryAcquire() {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(r.base)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.runs[id] = run
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.runs, id)
			r.mu.Unlock()
			lock.Release()
			close(run.done)
		}()
		run.err = r.Run(ctx, id)
	}()
	return nil
}

// Run executes analysis id in the calling goroutine: preprocessing unless the
// analysis already reached the agents, then the agent graph, artifacts and
// completion. Pause timeouts and cancellation end the run without error.
func (r *Runner) Run(ctx context.Context, id string) error {
	err := r.run(ctx, id)
	if err == nil {
		return nil
	}
	return r.finish(ctx, id, err)
}

func (r *Runner) run(ctx context.Context, id string) error {
	a, err := r.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	project, err := r.store.GetProjectByID(ctx, a.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("load project: %w", err)
	}

	now := time.Now()
	if a.Stage.Orchestrating() {
		if a.StartedAt == nil {
			if _, err := r.jobs.UpdateProgress(ctx, id, jobstate.Update{StartedAt: &now}); err != nil {
				return err
			}
		}
		r.log(ctx, id, types.LevelInfo, "Resuming agent orchestration from checkpoint", types.StageAgentOrchestration)
	} else if err := r.preprocess(ctx, a, project, now); err != nil {
		return err
	}

	if err := r.jobs.WaitIfPaused(ctx, id); err != nil {
		return err
	}
	r.log(ctx, id, types.LevelMilestone, "Starting agent orchestration", types.StageAgentOrchestration)
	if a, err = r.jobs.Get(ctx, id); err != nil {
		return err
	}
	if latest, ok := a.UserContext.Latest(); ok && latest.Text != "" {
		r.log(ctx, id, types.LevelInfo, "Initial suggestions: "+truncate(latest.Text, 200), types.StageAgentOrchestration)
	}

	state, err := r.orch.Run(ctx, orchestrator.Input{
		AnalysisID: id,
		ProjectID:  a.ProjectID,
		Config:     a.Config,
	}, orchestrator.Hooks{Gate: r.jobs.Gate(id)})
	if err != nil {
		return err
	}

	stage := types.StageDocumentationGeneration
	if _, err := r.jobs.UpdateProgress(ctx, id, jobstate.Update{Stage: &stage}); err != nil {
		return err
	}
	r.log(ctx, id, types.LevelMilestone, "Agent orchestration completed", stage)

	artifacts, err := BuildArtifacts(state)
	if err != nil {
		return err
	}
	saved, err := r.saveArtifacts(ctx, id, artifacts)
	if err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	if !saved && len(artifacts) > 0 {
		r.log(ctx, id, types.LevelInfo, "Artifacts already stored; keeping the existing set", stage)
	}

	if _, err := r.jobs.Complete(ctx, id); err != nil {
		return err
	}
	r.metrics.AnalysisFinished(ctx, string(types.StatusCompleted))
	r.logger.Info("analysis completed", "analysis_id", id, "artifacts", len(artifacts))
	return nil
}

// saveArtifacts stores artifacts unless the analysis already has some, so a
// run restored from a completed checkpoint never writes a second set
func (r *Runner) saveArtifacts(ctx context.Context, id string, artifacts []*storage.Artifact) (bool, error) {
	if len(artifacts) == 0 {
		return false, nil
	}
	saved := false
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		existing, err := tx.ListArtifacts(ctx, id)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		saved = true
		return tx.SaveArtifacts(ctx, artifacts)
	})
	return saved, err
}

// preprocess runs the pipeline and resets progress for the agent phase
func (r *Runner) preprocess(ctx context.Context, a *storage.Analysis, project *storage.Project, now time.Time) error {
	id := a.ID
	status, stage, zero := types.StatusPreprocessing, types.StageRepoScan, 0
	_, err := r.jobs.UpdateProgress(ctx, id, jobstate.Update{
		Status:    &status,
		Stage:     &stage,
		Progress:  &zero,
		StartedAt: &now,
	})
	if err != nil {
		return err
	}
	if err := r.jobs.WaitIfPaused(ctx, id); err != nil {
		return err
	}

	stats, err := r.pipeline.Run(ctx, pipeline.Input{
		AnalysisID: id,
		ProjectID:  project.ID,
		RootPath:   project.RootPath,
	}, pipeline.Hooks{
		Gate: r.jobs.Gate(id),
		Emit: r.bridge(id),
		RecordUsage: func(ctx context.Context, tokens int64, cost float64) error {
			return r.jobs.AddUsage(ctx, id, tokens, cost)
		},
	})
	if err != nil {
		return err
	}
	r.log(ctx, id, types.LevelMilestone, "Preprocessing completed", stage)

	// Agent progress runs on its own 0-100 scale
	status, stage = types.StatusAnalyzing, types.StageAgentOrchestration
	hundred := 100
	_, err = r.jobs.UpdateProgress(ctx, id, jobstate.Update{
		Status:         &status,
		Stage:          &stage,
		Progress:       &zero,
		ProcessedFiles: &zero,
		TotalFiles:     &hundred,
		TotalChunks:    &stats.ChunksCreated,
	})
	return err
}

// bridge maps pipeline events onto job progress and log entries
func (r *Runner) bridge(id string) func(context.Context, pipeline.Event) {
	return func(ctx context.Context, ev pipeline.Event) {
		switch ev.Kind {
		case pipeline.EventProgress:
			stage := ev.Stage
			u := jobstate.Update{
				Stage:          &stage,
				Progress:       ev.Percent,
				ProcessedFiles: &ev.FileIndex,
				TotalFiles:     &ev.TotalFiles,
			}
			if ev.CurrentFile != "" {
				u.CurrentFile = &ev.CurrentFile
			}
			if _, err := r.jobs.UpdateProgress(ctx, id, u); err != nil {
				r.logger.Warn("failed to update progress", "analysis_id", id, "error", err)
			}
			if ev.CurrentFile == "" {
				return
			}
			_, err := r.jobs.LogEvent(ctx, id, jobstate.LogEntry{
				Level:       types.LevelInfo,
				Message:     fmt.Sprintf("%s: %s", ev.Stage, ev.CurrentFile),
				Stage:       ev.Stage,
				CurrentFile: ev.CurrentFile,
				FileIndex:   ev.FileIndex,
				TotalFiles:  ev.TotalFiles,
				Progress:    ev.Percent,
			})
			if err != nil {
				r.logger.Warn("failed to log progress", "analysis_id", id, "error", err)
			}
		case pipeline.EventLog:
			level := ev.Level
			if level == "" {
				level = types.LevelInfo
			}
			r.log(ctx, id, level, ev.Message, ev.Stage)
		}
	}
}

// finish classifies a run error. Pause timeouts and cancellation are silent;
// anything else fails the analysis unless it already reached a terminal state.
func (r *Runner) finish(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, jobstate.ErrPauseTimeout), errors.Is(err, jobstate.ErrCancelled):
		r.logger.Info("analysis stopped", "analysis_id", id, "reason", err)
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		r.logger.Info("analysis run interrupted", "analysis_id", id)
		return nil
	}

	// The run context may be gone; the failure still has to be recorded
	wctx := context.WithoutCancel(ctx)
	if a, gerr := r.jobs.Get(wctx, id); gerr == nil && a.Status.Terminal() {
		r.logger.Info("analysis already finished, keeping final state", "analysis_id", id, "status", a.Status, "error", err)
		return nil
	}
	r.logger.Error("analysis failed", "analysis_id", id, "error", err)
	if _, ferr := r.jobs.Fail(wctx, id, err.Error()); ferr != nil && !errors.Is(ferr, jobstate.ErrTerminal) {
		r.logger.Warn("failed to mark analysis failed", "analysis_id", id, "error", ferr)
	}
	r.metrics.AnalysisFinished(wctx, string(types.StatusFailed))
	return err
}

func (r *Runner) log(ctx context.Context, id string, level types.LogLevel, msg string, stage types.Stage) {
	if _, err := r.jobs.LogEvent(ctx, id, jobstate.LogEntry{Level: level, Message: msg, Stage: stage}); err != nil {
		r.logger.Warn("failed to append analysis log", "analysis_id", id, "error", err)
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
