package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/pkg/types"
)

const (
	sdeSystemPrompt = "You are a technical writer producing software engineering documentation from structured repository data. " +
		"Output ONLY valid JSON with the keys summary, architecture, api_endpoints, data_models, code_structure, " +
		"setup, security, notes and sources. api_endpoints items have method, path, description and file_path; " +
		"data_models items have name and purpose; sources maps section keys to lists of file paths."
	pmSystemPrompt = "You are a product manager documenting features and user flows from repository metadata. " +
		"Output only valid Markdown."

	previewLength = 500
	webNotesLimit = 600
)

// Text is a report field that tolerates lists and objects where a string
// was expected
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = Text(strings.Join(list, "\n"))
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = ""
		return nil
	}
	*t = Text(bytes.TrimSpace(data))
	return nil
}

// Endpoint is one API entry of an SDE report. Raw holds entries the model
// returned as plain strings.
type Endpoint struct {
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Raw         string `json:"raw,omitempty"`
}

func (e *Endpoint) UnmarshalJSON(data []byte) error {
	type plain Endpoint
	var p plain
	if err := json.Unmarshal(data, &p); err == nil {
		*e = Endpoint(p)
		return nil
	}
	var t Text
	_ = t.UnmarshalJSON(data)
	*e = Endpoint{Raw: string(t)}
	return nil
}

func (e Endpoint) line() string {
	if e.Raw != "" {
		return "- " + e.Raw
	}
	line := strings.TrimSpace(e.Method + " " + e.Path)
	if e.Description != "" {
		line += " - " + e.Description
	}
	if e.FilePath != "" {
		line += " (" + e.FilePath + ")"
	}
	return "- " + strings.TrimSpace(line)
}

// DataModel is one data model entry of an SDE report
type DataModel struct {
	Name    string `json:"name,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

func (m *DataModel) UnmarshalJSON(data []byte) error {
	type plain DataModel
	var p plain
	if err := json.Unmarshal(data, &p); err == nil {
		*m = DataModel(p)
		return nil
	}
	var t Text
	_ = t.UnmarshalJSON(data)
	*m = DataModel{Raw: string(t)}
	return nil
}

func (m DataModel) line() string {
	switch {
	case m.Raw != "":
		return "- " + m.Raw
	case m.Purpose != "":
		return "- " + m.Name + ": " + m.Purpose
	default:
		return "- " + m.Name
	}
}

// List decodes a JSON array, or a single value as a one element list
type List[T any] []T

func (l *List[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var item T
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return err
	}
	*l = List[T]{item}
	return nil
}

// Sources maps report sections to supporting file paths
type Sources map[string]List[Text]

func (s *Sources) UnmarshalJSON(data []byte) error {
	var m map[string]List[Text]
	if err := json.Unmarshal(data, &m); err != nil {
		*s = nil
		return nil
	}
	*s = m
	return nil
}

// SDEReport is the structured output of the SDE writer
type SDEReport struct {
	Summary       Text            `json:"summary"`
	Architecture  Text            `json:"architecture"`
	APIEndpoints  List[Endpoint]  `json:"api_endpoints"`
	DataModels    List[DataModel] `json:"data_models"`
	CodeStructure Text            `json:"code_structure"`
	Setup         Text            `json:"setup"`
	Security      Text            `json:"security"`
	Notes         Text            `json:"notes"`
	Sources       Sources         `json:"sources,omitempty"`
}

func (r *SDEReport) empty() bool {
	return r.Summary == "" && r.Architecture == "" && len(r.APIEndpoints) == 0 &&
		len(r.DataModels) == 0 && r.CodeStructure == "" && r.Setup == "" &&
		r.Security == "" && r.Notes == ""
}

// Markdown renders the report with a fixed section layout
func (r *SDEReport) Markdown() string {
	var parts []string
	if s := strings.TrimSpace(string(r.Summary)); s != "" {
		parts = append(parts, "# SDE Summary\n"+s+"\n")
	}
	parts = append(parts, r.section("Architecture", string(r.Architecture), "architecture"))

	api := "No API routes/handlers detected in the provided analysis."
	if len(r.APIEndpoints) > 0 {
		lines := make([]string, len(r.APIEndpoints))
		for i, e := range r.APIEndpoints {
			lines[i] = e.line()
		}
		api = strings.Join(lines, "\n")
	}
	parts = append(parts, r.section("API / Endpoints", api, "api"))

	models := "No data models detected in the provided analysis."
	if len(r.DataModels) > 0 {
		lines := make([]string, len(r.DataModels))
		for i, m := range r.DataModels {
			lines[i] = m.line()
		}
		models = strings.Join(lines, "\n")
	}
	parts = append(parts,
		r.section("Database / Data Models", models, "data_models"),
		r.section("Code Structure", string(r.CodeStructure), "code_structure"),
		r.section("Setup & Run", string(r.Setup), "setup"),
		r.section("Security & Authentication", string(r.Security), "security"),
	)
	if strings.TrimSpace(string(r.Notes)) != "" {
		parts = append(parts, r.section("Notes", string(r.Notes), ""))
	}
	return strings.Join(parts, "\n")
}

func (r *SDEReport) section(title, body, sourceKey string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		body = "Not detected in the data."
	}
	out := "## " + title + "\n" + body + "\n"
	if sourceKey == "" {
		return out
	}
	if src := r.Sources[sourceKey]; len(src) > 0 {
		names := make([]string, len(src))
		for i, s := range src {
			names[i] = string(s)
		}
		out += "\n**Sources:** " + strings.Join(names, ", ") + "\n"
	}
	return out
}

// writerContext is the JSON payload both writers receive
type writerContext struct {
	RepoSummary      *RepoSummary    `json:"repo_summary"`
	WebFindings      string          `json:"web_findings,omitempty"`
	InstructionBlock string          `json:"instruction_block"`
	AnalysisDepth    types.Depth     `json:"analysis_depth"`
	Verbosity        types.Verbosity `json:"verbosity"`
}

func (o *Orchestrator) writeSDE(ctx context.Context, st *State) (string, *SDEReport) {
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelInfo, "SDE writer: compiling technical summary")

	block := InstructionBlock(st.Instructions)
	payload, err := json.Marshal(writerContext{
		RepoSummary:      st.Summary,
		WebFindings:      firstNonEmpty(st.WebFindings, "none"),
		InstructionBlock: block,
		AnalysisDepth:    st.Config.Depth,
		Verbosity:        st.Config.Verbosity,
	})
	var report *SDEReport
	if err == nil {
		user := "Generate an SDE report as JSON only.\nContext:\n" + string(payload) + "\n"
		parsed, comp, err := llm.CompleteJSON[SDEReport](ctx, o.llm, sdeSystemPrompt, user)
		o.recordUsage(ctx, st.AnalysisID, comp)
		switch {
		case err == nil && !parsed.empty():
			report = &parsed
		case err != nil && !errors.Is(err, llm.ErrUnavailable):
			o.logger.Warn("sde report generation failed", "analysis_id", st.AnalysisID, "error", err)
		}
	}

	var out string
	if report != nil {
		out = report.Markdown()
	} else {
		out = sdeFallback(st, block)
	}
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelMilestone, "SDE writer: technical summary generated")
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelInfo, preview(out))
	return out, report
}

func (o *Orchestrator) writePM(ctx context.Context, st *State) string {
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelInfo, "PM writer: compiling business summary")

	block := InstructionBlock(st.Instructions)
	var out string
	payload, err := json.Marshal(writerContext{
		RepoSummary:      st.Summary,
		InstructionBlock: block,
		AnalysisDepth:    st.Config.Depth,
		Verbosity:        st.Config.Verbosity,
	})
	if err == nil {
		user := "Generate a PM report in Markdown.\nContext:\n" + string(payload) + "\n"
		comp, err := o.llm.Complete(ctx, pmSystemPrompt, user)
		switch {
		case err == nil:
			o.recordUsage(ctx, st.AnalysisID, comp)
			out = strings.TrimSpace(comp.Text)
		case !errors.Is(err, llm.ErrUnavailable):
			o.logger.Warn("pm report generation failed", "analysis_id", st.AnalysisID, "error", err)
		}
	}
	if out == "" {
		out = pmFallback(st, block)
	}
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelMilestone, "PM writer: business summary generated")
	o.logStage(ctx, st.AnalysisID, types.StageDocumentationGeneration, types.LevelInfo, preview(out))
	return out
}

// InstructionBlock renders user instructions as "- (scope) text" lines, or
// "none" when there are none
func InstructionBlock(instructions []types.Instruction) string {
	var lines []string
	for _, in := range instructions {
		text := strings.TrimSpace(in.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- (%s) %s", firstNonEmpty(in.Scope, types.ScopeGlobal), text))
	}
	if len(lines) == 0 {
		return "none"
	}
	return strings.Join(lines, "\n")
}

func sdeFallback(st *State, block string) string {
	s := summaryOrEmpty(st.Summary)
	notes := "none"
	if st.WebFindings != "" {
		notes = truncate(st.WebFindings, webNotesLimit)
	}
	return fmt.Sprintf("SDE Summary (depth=%s):\n- Repo type: %s\n- Framework: %s\n- Code files: %d\n"+
		"- Entry points: %s\n- API hints: %d\n- Web notes: %s\n- User context:\n%s",
		st.Config.Depth, s.RepositoryType, frameworkOrNone(s), s.CodeFiles,
		entryPointList(s.EntryPoints), s.APIChunkHits, notes, block)
}

func pmFallback(st *State, block string) string {
	s := summaryOrEmpty(st.Summary)
	return fmt.Sprintf("PM Summary (depth=%s):\n- Product foundation: %s project\n- Key framework: %s\n"+
		"- Entry points: %s\n- Scope estimate: %d code files\n- User context:\n%s",
		st.Config.Depth, s.RepositoryType, frameworkOrNone(s), entryPointList(s.EntryPoints), s.CodeFiles, block)
}

func summaryOrEmpty(s *RepoSummary) *RepoSummary {
	if s == nil {
		return &RepoSummary{RepositoryType: "unknown"}
	}
	return s
}

func frameworkOrNone(s *RepoSummary) string {
	return firstNonEmpty(s.PrimaryFramework, "none")
}

// entryPointList lists entry point values ordered by key
func entryPointList(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return "[" + strings.Join(vals, ", ") + "]"
}

func preview(s string) string {
	if len([]rune(s)) <= previewLength {
		return s
	}
	return truncate(s, previewLength) + "..."
}
