package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/internal/websearch"
	"github.com/dshills/codeatlas/pkg/types"
)

// ErrNoInterrupt is returned by Resume when the run is not suspended
var ErrNoInterrupt = errors.New("run has no pending interrupt")

// Jobs is the slice of the job state machine the graph reports through
type Jobs interface {
	Get(ctx context.Context, id string) (*storage.Analysis, error)
	UpdateProgress(ctx context.Context, id string, u jobstate.Update) (*storage.Analysis, error)
	LogEvent(ctx context.Context, id string, entry jobstate.LogEntry) (*storage.AnalysisLog, error)
	AddUsage(ctx context.Context, id string, tokens int64, cost float64) error
	ApplyResumedContext(ctx context.Context, id string, instr *types.Instruction) (*storage.Analysis, error)
}

// Input starts a run. The analysis id doubles as the run id.
type Input struct {
	AnalysisID string
	ProjectID  int64
	Config     types.AnalysisConfig
}

// Hooks are optional callbacks invoked between graph steps
type Hooks struct {
	// Gate blocks while the analysis is paused
	Gate func(ctx context.Context) error
}

// Orchestrator drives the agent graph
//
//	route -> structure -> web_research -> human_input -> {sde_writer, pm_writer} -> join
//
// checkpointing after every node so a restarted run picks up where it stopped
type Orchestrator struct {
	store   storage.Storage
	jobs    Jobs
	llm     llm.Client
	web     websearch.Searcher
	metrics *observability.Metrics
	logger  *slog.Logger

	// maxSyntaxFiles caps files parsed per language by the structure step
	maxSyntaxFiles int
}

// New creates an Orchestrator. client and web may be nil.
func New(store storage.Storage, jobs Jobs, client llm.Client, web websearch.Searcher, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	if client == nil {
		client = llm.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:          store,
		jobs:           jobs,
		llm:            client,
		web:            web,
		metrics:        metrics,
		logger:         logger,
		maxSyntaxFiles: 300,
	}
}

// Run executes the graph for in.AnalysisID, continuing from a saved
// checkpoint when one exists. Interrupts are resumed automatically with the
// instruction they carry.
func (o *Orchestrator) Run(ctx context.Context, in Input, hooks Hooks) (*State, error) {
	cp, err := o.loadCheckpoint(ctx, in.AnalysisID)
	if err != nil {
		return nil, err
	}
	switch {
	case cp == nil:
		cp = &Checkpoint{
			State: State{
				AnalysisID: in.AnalysisID,
				ProjectID:  in.ProjectID,
				Config:     in.Config.WithDefaults(),
			},
			Frontier: []Node{NodeRoute},
		}
	case cp.Completed:
		o.log(ctx, cp, types.LevelInfo, "Agent results restored from checkpoint")
		return &cp.State, nil
	default:
		o.log(ctx, cp, types.LevelInfo, fmt.Sprintf("Resuming agent graph from checkpoint (next: %s)", joinNodes(cp.Frontier)))
	}
	return o.drive(ctx, cp, hooks, nil)
}

// Resume continues a suspended run with value. An empty value replays the
// latest known instruction.
func (o *Orchestrator) Resume(ctx context.Context, runID string, value types.Instruction, hooks Hooks) (*State, error) {
	cp, err := o.loadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Interrupt == nil {
		return nil, ErrNoInterrupt
	}
	return o.drive(ctx, cp, hooks, &value)
}

// drive alternates graph execution and interrupt resumption until the graph
// finishes. value, when set, resumes the interrupt already pending in cp.
func (o *Orchestrator) drive(ctx context.Context, cp *Checkpoint, hooks Hooks, value *types.Instruction) (*State, error) {
	for {
		if cp.Interrupt != nil {
			v := cp.Interrupt.ResumeWith
			if value != nil {
				v = *value
				value = nil
			}
			if err := o.applyResume(ctx, cp, v); err != nil {
				return nil, err
			}
		}
		intr, err := o.execute(ctx, cp, hooks)
		if err != nil {
			return nil, err
		}
		if intr == nil {
			return &cp.State, nil
		}
	}
}

// applyResume folds the resume value into state and releases the writers
func (o *Orchestrator) applyResume(ctx context.Context, cp *Checkpoint, v types.Instruction) error {
	if strings.TrimSpace(v.Text) == "" {
		if a, err := o.jobs.Get(ctx, cp.State.AnalysisID); err == nil {
			if latest, ok := a.UserContext.Latest(); ok {
				v = latest
			}
		}
	}
	o.log(ctx, cp, types.LevelInfo, "Applying user context update")

	var instr *types.Instruction
	if strings.TrimSpace(v.Text) != "" {
		instr = &v
	}
	a, err := o.jobs.ApplyResumedContext(ctx, cp.State.AnalysisID, instr)
	if err != nil {
		return fmt.Errorf("apply resumed context: %w", err)
	}
	cp.State.Instructions = append([]types.Instruction(nil), a.UserContext.Instructions...)
	cp.Interrupt = nil
	cp.Frontier = append([]Node(nil), cp.State.Writers...)
	return o.saveCheckpoint(ctx, cp)
}

// execute runs supersteps until the frontier is empty or an interrupt fires
func (o *Orchestrator) execute(ctx context.Context, cp *Checkpoint, hooks Hooks) (*Interrupt, error) {
	for len(cp.Frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hooks.Gate != nil {
			if err := hooks.Gate(ctx); err != nil {
				return nil, err
			}
		}

		if cp.Frontier[0].writer() {
			if err := o.runWriters(ctx, cp); err != nil {
				return nil, err
			}
			continue
		}

		node := cp.Frontier[0]
		started := time.Now()
		next, intr, err := o.runNode(ctx, node, &cp.State)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node, err)
		}
		o.metrics.StageDuration(ctx, string(node), time.Since(started))
		if intr != nil {
			cp.Interrupt = intr
			if err := o.saveCheckpoint(ctx, cp); err != nil {
				return nil, err
			}
			return intr, nil
		}
		cp.Frontier = next
		if err := o.saveCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
	}
	cp.Completed = true
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return nil, nil
}

func (o *Orchestrator) runNode(ctx context.Context, node Node, st *State) ([]Node, *Interrupt, error) {
	switch node {
	case NodeRoute:
		return o.route(ctx, st)
	case NodeStructure:
		return o.structure(ctx, st)
	case NodeWebResearch:
		return o.webResearch(ctx, st)
	case NodeHumanInput:
		return o.humanInput(ctx, st)
	case NodeJoin:
		o.progress(ctx, st.AnalysisID, 100)
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown node %q", node)
	}
}

// runWriters runs every pending writer concurrently. Each finished writer
// is removed from the frontier and checkpointed on its own.
func (o *Orchestrator) runWriters(ctx context.Context, cp *Checkpoint) error {
	var mu sync.Mutex
	snapshot := cp.State
	pending := append([]Node(nil), cp.Frontier...)

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range pending {
		g.Go(func() error {
			started := time.Now()
			var apply func(*State)
			switch node {
			case NodeSDEWriter:
				out, report := o.writeSDE(gctx, &snapshot)
				apply = func(st *State) {
					st.SDEOutput = out
					st.SDEStructured = report
				}
				o.progress(gctx, snapshot.AnalysisID, 60)
			case NodePMWriter:
				out := o.writePM(gctx, &snapshot)
				apply = func(st *State) { st.PMOutput = out }
				o.progress(gctx, snapshot.AnalysisID, 80)
			default:
				return fmt.Errorf("unknown writer %q", node)
			}
			o.metrics.StageDuration(gctx, string(node), time.Since(started))

			mu.Lock()
			defer mu.Unlock()
			apply(&cp.State)
			cp.Frontier = removeNode(cp.Frontier, node)
			return o.saveCheckpoint(gctx, cp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	cp.Frontier = []Node{NodeJoin}
	return o.saveCheckpoint(ctx, cp)
}

func (o *Orchestrator) route(ctx context.Context, st *State) ([]Node, *Interrupt, error) {
	st.Writers = Route(st.Config.Personas)
	if a, err := o.jobs.Get(ctx, st.AnalysisID); err == nil {
		st.Instructions = append([]types.Instruction(nil), a.UserContext.Instructions...)
	}
	sde, pm := false, false
	for _, w := range st.Writers {
		sde = sde || w == NodeSDEWriter
		pm = pm || w == NodePMWriter
	}
	o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo,
		fmt.Sprintf("Coordinator: routing agents (sde=%t, pm=%t)", sde, pm))
	return []Node{NodeStructure}, nil, nil
}

// humanInput suspends the graph when context arrived while agents ran
func (o *Orchestrator) humanInput(ctx context.Context, st *State) ([]Node, *Interrupt, error) {
	next := append([]Node(nil), st.Writers...)
	a, err := o.jobs.Get(ctx, st.AnalysisID)
	if err != nil {
		return nil, nil, fmt.Errorf("load analysis: %w", err)
	}
	if a.Status.Terminal() {
		return next, nil, nil
	}
	st.Instructions = append([]types.Instruction(nil), a.UserContext.Instructions...)
	if !a.UserContext.PendingContext {
		return next, nil, nil
	}
	latest, _ := a.UserContext.Latest()
	if latest.Scope == "" {
		latest.Scope = types.ScopeGlobal
	}
	return nil, &Interrupt{Type: InterruptContextUpdate, ResumeWith: latest}, nil
}

func (o *Orchestrator) progress(ctx context.Context, id string, pct int) {
	if _, err := o.jobs.UpdateProgress(ctx, id, jobstate.Update{Progress: &pct}); err != nil {
		o.logger.Warn("failed to update progress", "analysis_id", id, "error", err)
	}
}

func (o *Orchestrator) log(ctx context.Context, cp *Checkpoint, level types.LogLevel, msg string) {
	o.logStage(ctx, cp.State.AnalysisID, types.StageAgentOrchestration, level, msg)
}

func (o *Orchestrator) logStage(ctx context.Context, id string, stage types.Stage, level types.LogLevel, msg string) {
	if _, err := o.jobs.LogEvent(ctx, id, jobstate.LogEntry{Level: level, Message: msg, Stage: stage}); err != nil {
		o.logger.Warn("failed to append analysis log", "analysis_id", id, "error", err)
	}
}

// recordUsage bills a completion against the analysis
func (o *Orchestrator) recordUsage(ctx context.Context, id string, comp *llm.Completion) {
	if comp == nil {
		return
	}
	tokens := comp.InputTokens + comp.OutputTokens
	if err := o.jobs.AddUsage(ctx, id, tokens, comp.Cost()); err != nil {
		o.logger.Warn("failed to record llm usage", "analysis_id", id, "error", err)
	}
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	payload, err := o.store.LoadCheckpoint(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		o.logger.Warn("discarding unreadable checkpoint", "run_id", runID, "error", err)
		return nil, nil
	}
	return &cp, nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := o.store.SaveCheckpoint(ctx, cp.State.AnalysisID, payload); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func removeNode(nodes []Node, n Node) []Node {
	out := nodes[:0:0]
	for _, have := range nodes {
		if have != n {
			out = append(out, have)
		}
	}
	return out
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
