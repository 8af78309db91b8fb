package types

import "time"

// Status is the lifecycle state of an analysis
type Status string

const (
	StatusPending       Status = "pending"
	StatusPreprocessing Status = "preprocessing"
	StatusAnalyzing     Status = "analyzing"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage is the pipeline step an analysis is currently in
type Stage string

const (
	StageNone                    Stage = ""
	StageRepoScan                Stage = "repo_scan"
	StageCodeChunking            Stage = "code_chunking"
	StageEmbeddingGeneration     Stage = "embedding_generation"
	StageAgentOrchestration      Stage = "agent_orchestration"
	StageDocumentationGeneration Stage = "documentation_generation"
	StageCompleted               Stage = "completed"
)

// Orchestrating reports whether the stage belongs to the agent phase
func (s Stage) Orchestrating() bool {
	return s == StageAgentOrchestration || s == StageDocumentationGeneration
}

// Depth controls how thorough generated documentation should be
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Verbosity controls the length of generated documentation
type Verbosity string

const (
	VerbosityLow    Verbosity = "low"
	VerbosityNormal Verbosity = "normal"
	VerbosityHigh   Verbosity = "high"
)

// Personas selects the writer stages that run
type Personas struct {
	SDE bool `json:"sde"`
	PM  bool `json:"pm"`
}

// AnalysisConfig holds the per-run options chosen at start
type AnalysisConfig struct {
	Depth              Depth     `json:"depth"`
	Verbosity          Verbosity `json:"verbosity"`
	Personas           Personas  `json:"personas"`
	EnableWebSearch    bool      `json:"enable_web_search"`
	EnableDiagrams     bool      `json:"enable_diagrams"`
	DiagramPreferences []string  `json:"diagram_preferences,omitempty"`
}

// WithDefaults fills unset options
func (c AnalysisConfig) WithDefaults() AnalysisConfig {
	if c.Depth == "" {
		c.Depth = DepthStandard
	}
	if c.Verbosity == "" {
		c.Verbosity = VerbosityNormal
	}
	if c.EnableDiagrams && len(c.DiagramPreferences) == 0 {
		c.DiagramPreferences = []string{"architecture"}
	}
	return c
}

// Instruction is one piece of user guidance fed to the writers
type Instruction struct {
	Text      string    `json:"text"`
	Scope     string    `json:"scope"`
	Timestamp time.Time `json:"timestamp"`
}

// UserContext is the ordered instruction list plus the interrupt flag
type UserContext struct {
	Instructions   []Instruction `json:"instructions"`
	PendingContext bool          `json:"pending_context"`
}

// Latest returns the most recent instruction, if any
func (uc UserContext) Latest() (Instruction, bool) {
	if len(uc.Instructions) == 0 {
		return Instruction{}, false
	}
	return uc.Instructions[len(uc.Instructions)-1], true
}

// LogLevel is the severity of an analysis log entry
type LogLevel string

const (
	LevelInfo      LogLevel = "info"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelMilestone LogLevel = "milestone"
)

// InteractionKind distinguishes questions from context additions
type InteractionKind string

const (
	InteractionQuestion InteractionKind = "question"
	InteractionContext  InteractionKind = "context"
)

// Default scope applied to instructions that do not name one
const ScopeGlobal = "global"
