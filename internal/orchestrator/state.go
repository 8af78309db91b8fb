package orchestrator

import (
	"time"

	"github.com/dshills/codeatlas/pkg/types"
)

// Node names a step of the agent graph
type Node string

const (
	NodeRoute       Node = "route"
	NodeStructure   Node = "structure"
	NodeWebResearch Node = "web_research"
	NodeHumanInput  Node = "human_input"
	NodeSDEWriter   Node = "sde_writer"
	NodePMWriter    Node = "pm_writer"
	NodeJoin        Node = "join"
)

func (n Node) writer() bool {
	return n == NodeSDEWriter || n == NodePMWriter
}

// Route picks the writer branches for personas. With neither persona
// selected the PM writer runs.
func Route(p types.Personas) []Node {
	var out []Node
	if p.SDE {
		out = append(out, NodeSDEWriter)
	}
	if p.PM {
		out = append(out, NodePMWriter)
	}
	if len(out) == 0 {
		out = []Node{NodePMWriter}
	}
	return out
}

// APIRoute is a detected HTTP route or router prefix. Method is "N/A" for
// prefixes and path-only registrations.
type APIRoute struct {
	Framework string `json:"framework"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Handler   string `json:"handler,omitempty"`
	FilePath  string `json:"file_path"`
}

// RepoSummary is what the structure step learned about the repository
type RepoSummary struct {
	RepositoryType   string            `json:"repository_type"`
	PrimaryFramework string            `json:"primary_framework,omitempty"`
	TotalFiles       int               `json:"total_files"`
	CodeFiles        int               `json:"code_files"`
	EntryPoints      map[string]string `json:"entry_points"`
	ConfigFiles      []string          `json:"config_files"`
	APIChunkHits     int               `json:"api_chunk_hits"`
	APIRoutes        []APIRoute        `json:"api_routes"`
	EntrypointFiles  []string          `json:"entrypoint_files"`
	ModelHints       []string          `json:"model_hints"`
	FrameworkHints   []string          `json:"framework_hints"`
}

// Knowledge gaps reported by the structure step
const (
	GapNoRoutes      = "no_api_routes_detected"
	GapNoEntrypoints = "no_entrypoints_detected"
	GapNoModels      = "no_models_detected"
)

// State is the data flowing through the graph. It is checkpointed as JSON.
type State struct {
	AnalysisID    string               `json:"analysis_id"`
	ProjectID     int64                `json:"project_id"`
	Config        types.AnalysisConfig `json:"config"`
	Writers       []Node               `json:"writers"`
	Summary       *RepoSummary         `json:"repo_summary,omitempty"`
	KnowledgeGaps []string             `json:"knowledge_gaps"`
	WebFindings   string               `json:"web_findings,omitempty"`
	Instructions  []types.Instruction  `json:"instructions"`
	SDEOutput     string               `json:"sde_output,omitempty"`
	SDEStructured *SDEReport           `json:"sde_structured,omitempty"`
	PMOutput      string               `json:"pm_output,omitempty"`
}

// Interrupt suspends the graph before the writers so new user context can
// be folded in. ResumeWith is the instruction the driver resumes with.
type Interrupt struct {
	Type       string            `json:"type"`
	ResumeWith types.Instruction `json:"resume_with"`
}

// InterruptContextUpdate is the only interrupt type
const InterruptContextUpdate = "context_update"

// Checkpoint is the persisted progress of one run
type Checkpoint struct {
	State     State      `json:"state"`
	Frontier  []Node     `json:"frontier"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
	Completed bool       `json:"completed"`
	UpdatedAt time.Time  `json:"updated_at"`
}
