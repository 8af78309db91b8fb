package runner

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/dshills/codeatlas/internal/orchestrator"
	"github.com/dshills/codeatlas/internal/storage"
)

// Artifact types written at the end of a run
const (
	ArtifactSDEReport           = "sde_report"
	ArtifactSDEStructured       = "sde_report_structured"
	ArtifactPMReport            = "pm_report"
	ArtifactWebFindings         = "web_findings"
	ArtifactDiagramPreferences  = "diagram_preferences"
	ArtifactDiagramArchitecture = "diagram_architecture"
	ArtifactDiagramSequence     = "diagram_sequence"
	ArtifactDiagramFlowchart    = "diagram_flowchart"
	ArtifactDiagramER           = "diagram_entity_relationship"
)

// BuildArtifacts turns the final graph state into the documents stored for
// the analysis. Diagrams are derived from the repository summary alone, so
// the same state always yields the same artifacts.
func BuildArtifacts(st *orchestrator.State) ([]*storage.Artifact, error) {
	id := st.AnalysisID
	var out []*storage.Artifact
	add := func(kind, persona, title, format, content string) {
		out = append(out, &storage.Artifact{
			AnalysisID:   id,
			ArtifactType: kind,
			Persona:      persona,
			Title:        title,
			Format:       format,
			Content:      content,
		})
	}

	if st.SDEOutput != "" {
		add(ArtifactSDEReport, "sde", "SDE Summary", "markdown", st.SDEOutput)
	}
	if st.SDEStructured != nil {
		raw, err := json.Marshal(st.SDEStructured)
		if err != nil {
			return nil, fmt.Errorf("encode structured sde report: %w", err)
		}
		add(ArtifactSDEStructured, "sde", "SDE Summary (Structured)", "json", string(raw))
	}
	if st.PMOutput != "" {
		add(ArtifactPMReport, "pm", "PM Summary", "markdown", st.PMOutput)
	}
	if st.WebFindings != "" {
		add(ArtifactWebFindings, "", "Web Research Findings", "markdown", st.WebFindings)
	}

	cfg := st.Config.WithDefaults()
	if !cfg.EnableDiagrams {
		return out, nil
	}
	prefs, err := json.Marshal(map[string][]string{"diagram_preferences": cfg.DiagramPreferences})
	if err != nil {
		return nil, fmt.Errorf("encode diagram preferences: %w", err)
	}
	add(ArtifactDiagramPreferences, "", "Diagram Preferences", "json", string(prefs))

	d := newDiagrams(st.Summary)
	want := func(name string) bool { return slices.Contains(cfg.DiagramPreferences, name) }
	if want("architecture") {
		add(ArtifactDiagramArchitecture, "", "Architecture Diagram", "mermaid", d.architecture())
	}
	if want("sequence") {
		add(ArtifactDiagramSequence, "", "Sequence Diagram", "mermaid", d.sequence())
	}
	if want("flowchart") {
		title := "Analysis Flowchart"
		if len(d.routes) > 0 {
			title = "Request Flow"
		}
		add(ArtifactDiagramFlowchart, "", title, "mermaid", d.flowchart())
	}
	if want("entity_relationship") {
		add(ArtifactDiagramER, "", "Entity Relationship Diagram", "mermaid", d.entityRelationship())
	}
	return out, nil
}

// diagrams renders Mermaid sources from a repository summary
type diagrams struct {
	repoType    string
	framework   string
	entryNames  []string
	routes      []orchestrator.APIRoute
	models      []string
	configFiles []string
}

func newDiagrams(s *orchestrator.RepoSummary) *diagrams {
	if s == nil {
		s = &orchestrator.RepoSummary{}
	}
	d := &diagrams{
		repoType:    s.RepositoryType,
		framework:   s.PrimaryFramework,
		routes:      s.APIRoutes,
		models:      s.ModelHints,
		configFiles: s.ConfigFiles,
	}
	if d.repoType == "" {
		d.repoType = "repo"
	}
	if d.framework == "" {
		d.framework = "framework"
	}

	keys := make([]string, 0, len(s.EntryPoints))
	for k := range s.EntryPoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.entryNames = append(d.entryNames, s.EntryPoints[k])
	}
	d.entryNames = head(d.entryNames, 5)
	if len(d.entryNames) == 0 {
		for _, f := range head(s.EntrypointFiles, 5) {
			d.entryNames = append(d.entryNames, baseName(f))
		}
	}
	if len(d.entryNames) == 0 {
		d.entryNames = []string{"app entry"}
	}
	return d
}

func (d *diagrams) architecture() string {
	lines := []string{
		"flowchart LR",
		fmt.Sprintf("    Client[Client] --> API[%s]", mermaidSafe(d.repoType+" "+d.framework+" API", 40)),
	}

	eps := make([]string, 0, 4)
	for _, n := range head(d.entryNames, 4) {
		eps = append(eps, mermaidSafe(n, 20))
	}
	lines = append(lines, fmt.Sprintf("    API --> EP[Entrypoints: %s]", mermaidSafe(strings.Join(eps, ", "), 50)))

	if len(d.routes) > 0 {
		label := fmt.Sprintf("%d routes", len(d.routes))
		if samples := segments(head(d.routes, 20)); len(samples) > 0 {
			label += " e.g. /" + samples[0]
		}
		lines = append(lines, fmt.Sprintf("    API --> Routes[%s]", mermaidSafe(label, 40)))
	} else {
		lines = append(lines, "    API --> Routes[API Routes]")
	}

	if len(d.models) > 0 {
		label := strings.Join(head(d.models, 6), ", ")
		if len(d.models) > 8 {
			label = fmt.Sprintf("%d models e.g. %s", len(d.models), strings.Join(head(d.models, 3), ", "))
		}
		lines = append(lines, fmt.Sprintf("    API --> Models[%s]", mermaidSafe(label, 45)))
	}
	lines = append(lines, "    API --> DB[(Database)]")

	if len(d.configFiles) > 0 {
		names := make([]string, 0, 3)
		for _, c := range head(d.configFiles, 3) {
			names = append(names, mermaidSafe(baseName(c), 15))
		}
		lines = append(lines, fmt.Sprintf("    API -.-> Config[%s]", mermaidSafe(strings.Join(names, ", "), 40)))
	}
	return strings.Join(lines, "\n")
}

func (d *diagrams) sequence() string {
	lines := []string{"sequenceDiagram", "    participant Client", "    participant API", "    participant DB"}
	if len(d.routes) > 0 {
		for _, r := range head(d.routes, 5) {
			method := strings.ToUpper(r.Method)
			if method == "" {
				method = "GET"
			}
			p := strings.TrimSpace(r.Path)
			if p == "" {
				p = "/"
			}
			if len(p) > 32 {
				p = p[:29] + "..."
			}
			lines = append(lines,
				fmt.Sprintf("    Client->>API: %s %s", method, p),
				"    API->>DB: Query / Validate",
				"    DB-->>API: Result",
				"    API-->>Client: Response",
			)
		}
		return strings.Join(lines, "\n")
	}

	login := "Login"
	for _, m := range d.models {
		if strings.Contains(m, "Login") || strings.Contains(m, "Token") || strings.Contains(m, "User") {
			login = "Login / " + m
			break
		}
	}
	lines = append(lines,
		"    Client->>API: "+login,
		"    API->>DB: Validate credentials",
		"    DB-->>API: User / Token",
		"    API-->>Client: Token / UserResponse",
		"    Client->>API: List / Create (e.g. Projects)",
		"    API->>DB: Query",
		"    DB-->>API: Result",
		"    API-->>Client: ListResponse",
	)
	return strings.Join(lines, "\n")
}

func (d *diagrams) flowchart() string {
	if len(d.routes) == 0 {
		return strings.Join([]string{
			"flowchart TD",
			"    Start[Start] --> Scan[Repo scan]",
			"    Scan --> Chunk[Code chunking]",
			"    Chunk --> Embed[Embeddings]",
			"    Embed --> Agents[Agent orchestration]",
			"    Agents --> End[Done]",
		}, "\n")
	}
	lines := []string{"flowchart TD", "    Start[Client] --> API[API]"}
	prev := "API"
	for i, seg := range head(segments(head(d.routes, 30)), 6) {
		node := fmt.Sprintf("S%d", i)
		lines = append(lines, fmt.Sprintf("    %s --> %s[%s]", prev, node, mermaidSafe(seg, 25)))
		prev = node
	}
	lines = append(lines, fmt.Sprintf("    %s --> Response[Response]", prev))
	return strings.Join(lines, "\n")
}

func (d *diagrams) entityRelationship() string {
	if len(d.models) == 0 {
		return strings.Join([]string{
			"erDiagram",
			"    USER ||--o{ PROJECT : owns",
			"    PROJECT ||--o{ ANALYSIS : has",
			"    PROJECT ||--o{ CODE_CHUNK : contains",
			"    ANALYSIS ||--o{ ANALYSIS_LOG : logs",
		}, "\n")
	}
	joined := strings.Join(d.models, " ")
	lines := []string{"erDiagram"}
	if strings.Contains(strings.ToUpper(joined), "USER") {
		lines = append(lines, "    USER ||--o{ PROJECT : owns")
	}
	if strings.Contains(strings.ToUpper(joined), "PROJECT") {
		lines = append(lines, "    PROJECT ||--o{ ANALYSIS : has")
	}
	lines = append(lines,
		"    PROJECT ||--o{ CODE_CHUNK : contains",
		"    ANALYSIS ||--o{ ANALYSIS_LOG : logs",
	)
	if strings.Contains(joined, "AnalysisArtifact") {
		lines = append(lines, "    ANALYSIS ||--o{ ANALYSIS_ARTIFACT : produces")
	}
	return strings.Join(lines, "\n")
}

// mermaidSafe strips characters that break Mermaid labels and truncates to
// maxLen runes
func mermaidSafe(s string, maxLen int) string {
	s = strings.NewReplacer("[", "(", "]", ")", `"`, "'", "\n", " ").Replace(s)
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return s
}

// segments returns the sorted distinct first path segments of routes. Paths
// without one count as "api".
func segments(routes []orchestrator.APIRoute) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range routes {
		seg := "api"
		if parts := strings.Split(strings.TrimSpace(r.Path), "/"); len(parts) > 1 && parts[1] != "" {
			seg = parts[1]
		}
		if !seen[seg] {
			seen[seg] = true
			out = append(out, seg)
		}
	}
	sort.Strings(out)
	return out
}

func baseName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
