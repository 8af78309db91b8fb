package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/internal/websearch"
	"github.com/dshills/codeatlas/pkg/types"
)

const fastapiApp = `from fastapi import FastAPI, APIRouter
from pydantic import BaseModel

app = FastAPI()
router = APIRouter(prefix="/v1")


class Item(BaseModel):
    name: str


@app.get("/items")
def list_items():
    return []


@router.post("/items")
def create_item(item: Item):
    return item


app.include_router(router, prefix="/api")

if __name__ == "__main__":
    import uvicorn
    uvicorn.run(app)
`

type fakeSearcher struct {
	queries []string
	resp    *websearch.Response
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) (*websearch.Response, error) {
	f.queries = append(f.queries, query)
	return f.resp, f.err
}

type OrchestratorSuite struct {
	suite.Suite
	ctx     context.Context
	store   *storage.SQLiteStorage
	jobs    *jobstate.Service
	project *storage.Project
	root    string
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := storage.NewSQLiteStorage(":memory:")
	s.Require().NoError(err)
	s.store = st
	s.root = s.T().TempDir()
	s.project, err = st.GetOrCreateProject(s.ctx, s.root, "demo")
	s.Require().NoError(err)
	s.jobs = jobstate.NewService(st, nil, jobstate.DefaultConfig())
}

func (s *OrchestratorSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *OrchestratorSuite) addSource(rel, lang, content string) {
	path := filepath.Join(s.root, filepath.FromSlash(rel))
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o755))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))

	f := &storage.File{ProjectID: s.project.ID, FilePath: rel, FileType: "code", Language: lang}
	s.Require().NoError(s.store.UpsertFile(s.ctx, f))
	s.Require().NoError(s.store.InsertChunk(s.ctx, &storage.Chunk{
		ProjectID: s.project.ID,
		FileID:    f.ID,
		FilePath:  rel,
		Kind:      types.KindModule,
		Name:      filepath.Base(rel),
		Content:   content,
		StartLine: 1,
		EndLine:   strings.Count(content, "\n") + 1,
		Language:  lang,
	}))
}

func (s *OrchestratorSuite) analysis(cfg types.AnalysisConfig) *storage.Analysis {
	a, err := s.jobs.Create(s.ctx, s.project.ID, cfg)
	s.Require().NoError(err)
	status, stage := types.StatusAnalyzing, types.StageAgentOrchestration
	a, err = s.jobs.UpdateProgress(s.ctx, a.ID, jobstate.Update{Status: &status, Stage: &stage})
	s.Require().NoError(err)
	return a
}

func (s *OrchestratorSuite) input(a *storage.Analysis) Input {
	return Input{AnalysisID: a.ID, ProjectID: a.ProjectID, Config: a.Config}
}

func (s *OrchestratorSuite) messages(id string) []string {
	logs, err := s.store.ListLogs(s.ctx, id, 0, 0)
	s.Require().NoError(err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func (s *OrchestratorSuite) TestRunWithFallbackWriters() {
	s.addSource("main.py", "python", fastapiApp)
	a := s.analysis(types.AnalysisConfig{Personas: types.Personas{SDE: true, PM: true}})

	o := New(s.store, s.jobs, nil, nil, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)

	s.Equal([]Node{NodeSDEWriter, NodePMWriter}, st.Writers)
	s.True(strings.HasPrefix(st.SDEOutput, "SDE Summary (depth=standard):"), st.SDEOutput)
	s.True(strings.HasPrefix(st.PMOutput, "PM Summary (depth=standard):"), st.PMOutput)
	s.Contains(st.PMOutput, "- User context:\nnone")
	s.Nil(st.SDEStructured)
	s.Equal("Web search disabled by configuration.", st.WebFindings)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(100, got.ProgressPercentage)

	msgs := s.messages(a.ID)
	s.Contains(msgs, "Coordinator: routing agents (sde=true, pm=true)")
	s.Contains(msgs, "SDE writer: technical summary generated")
	s.Contains(msgs, "PM writer: business summary generated")
}

func (s *OrchestratorSuite) TestStructureMinesRoutesAndModels() {
	s.addSource("main.py", "python", fastapiApp)
	s.Require().NoError(s.store.UpsertRepository(s.ctx, &storage.Repository{
		ProjectID:        s.project.ID,
		RepositoryType:   "python",
		PrimaryFramework: "FastAPI",
		TotalFiles:       1,
		CodeFiles:        1,
	}))
	a := s.analysis(types.AnalysisConfig{})

	o := New(s.store, s.jobs, nil, nil, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)
	s.Require().NotNil(st.Summary)

	sum := st.Summary
	s.Equal("python", sum.RepositoryType)
	s.Equal("FastAPI", sum.PrimaryFramework)
	s.Equal(1, sum.APIChunkHits)
	s.Contains(sum.FrameworkHints, "FastAPI")
	s.Equal([]string{"main.py"}, sum.EntrypointFiles)
	s.Contains(sum.ModelHints, "Item")

	type key struct{ method, path string }
	routes := map[key]bool{}
	for _, r := range sum.APIRoutes {
		routes[key{r.Method, r.Path}] = true
	}
	s.True(routes[key{"GET", "/items"}])
	s.True(routes[key{"POST", "/items"}])
	s.True(routes[key{"N/A", "/v1"}])
	s.True(routes[key{"N/A", "/api"}])
	s.Empty(st.KnowledgeGaps)
	s.Contains(s.messages(a.ID), "Structure: detected python repo with 1 code files and 1 API hints")
}

func (s *OrchestratorSuite) TestKnowledgeGapsDriveWebResearch() {
	a := s.analysis(types.AnalysisConfig{EnableWebSearch: true})
	web := &fakeSearcher{resp: &websearch.Response{
		Query:   "q",
		Results: []websearch.Result{{Title: "Hardening APIs", Link: "https://example.com/a", Snippet: "use TLS"}},
	}}

	o := New(s.store, s.jobs, nil, web, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)

	s.Equal([]string{GapNoRoutes, GapNoEntrypoints, GapNoModels}, st.KnowledgeGaps)
	s.Require().Len(web.queries, 1)
	s.Contains(web.queries[0], "Latest best practices for unknown APIs, security, and deployment.")
	s.Contains(web.queries[0], "Focus on these gaps: no_api_routes_detected, no_entrypoints_detected, no_models_detected.")
	s.Contains(st.WebFindings, "1. **[Hardening APIs](https://example.com/a)**")
}

func (s *OrchestratorSuite) TestWebResearchFailure() {
	a := s.analysis(types.AnalysisConfig{EnableWebSearch: true})
	o := New(s.store, s.jobs, nil, &fakeSearcher{err: errors.New("boom")}, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)
	s.Equal(findingsFailure, st.WebFindings)
}

func (s *OrchestratorSuite) TestPendingContextInterruptsOnce() {
	a := s.analysis(types.AnalysisConfig{Personas: types.Personas{SDE: true, PM: true}})
	_, err := s.jobs.AddUserContext(s.ctx, a.ID, "focus on auth", "")
	s.Require().NoError(err)
	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().True(got.UserContext.PendingContext)

	o := New(s.store, s.jobs, nil, nil, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)

	s.Contains(st.SDEOutput, "- (global) focus on auth")
	s.Contains(st.PMOutput, "- (global) focus on auth")

	got, err = s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.False(got.UserContext.PendingContext)
	s.Len(got.UserContext.Instructions, 1)

	applied := 0
	for _, m := range s.messages(a.ID) {
		if m == "Applying user context update" {
			applied++
		}
	}
	s.Equal(1, applied)
}

func (s *OrchestratorSuite) TestResumeSuspendedRun() {
	a := s.analysis(types.AnalysisConfig{})
	cp := Checkpoint{
		State: State{
			AnalysisID: a.ID,
			ProjectID:  a.ProjectID,
			Config:     a.Config,
			Writers:    []Node{NodePMWriter},
		},
		Interrupt: &Interrupt{Type: InterruptContextUpdate},
	}
	payload, err := json.Marshal(cp)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, a.ID, payload))

	o := New(s.store, s.jobs, nil, nil, nil, nil)
	st, err := o.Resume(s.ctx, a.ID, types.Instruction{Text: "target investors", Scope: "pm"}, Hooks{})
	s.Require().NoError(err)
	s.Contains(st.PMOutput, "- (pm) target investors")
	s.NotContains(s.messages(a.ID), "Coordinator: routing agents (sde=false, pm=true)")

	_, err = o.Resume(s.ctx, a.ID, types.Instruction{}, Hooks{})
	s.ErrorIs(err, ErrNoInterrupt)
}

func (s *OrchestratorSuite) TestCompletedCheckpointIsNotReExecuted() {
	a := s.analysis(types.AnalysisConfig{})
	var calls atomic.Int32
	client := llm.ClientFunc(func(context.Context, string, string) (*llm.Completion, error) {
		calls.Add(1)
		return &llm.Completion{Text: "# PM Report", Model: "claude-sonnet-4-5"}, nil
	})

	o := New(s.store, s.jobs, client, nil, nil, nil)
	first, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)
	s.Equal(int32(1), calls.Load())

	second, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)
	s.Equal(int32(1), calls.Load())
	s.Equal(first.PMOutput, second.PMOutput)
	s.Contains(s.messages(a.ID), "Agent results restored from checkpoint")
}

func (s *OrchestratorSuite) TestPartialCheckpointContinues() {
	a := s.analysis(types.AnalysisConfig{Personas: types.Personas{SDE: true, PM: true}})
	cp := Checkpoint{
		State: State{
			AnalysisID: a.ID,
			ProjectID:  a.ProjectID,
			Config:     a.Config,
			Writers:    []Node{NodeSDEWriter, NodePMWriter},
			SDEOutput:  "already written",
		},
		Frontier: []Node{NodePMWriter},
	}
	payload, err := json.Marshal(cp)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, a.ID, payload))

	o := New(s.store, s.jobs, nil, nil, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)
	s.Equal("already written", st.SDEOutput)
	s.NotEmpty(st.PMOutput)
	s.NotContains(s.messages(a.ID), "SDE writer: compiling technical summary")
}

func (s *OrchestratorSuite) TestLLMWritersRecordUsage() {
	a := s.analysis(types.AnalysisConfig{Personas: types.Personas{SDE: true, PM: true}})
	client := llm.ClientFunc(func(_ context.Context, system, _ string) (*llm.Completion, error) {
		comp := &llm.Completion{InputTokens: 100, OutputTokens: 50, Model: "claude-sonnet-4-5"}
		if system == sdeSystemPrompt {
			comp.Text = "```json\n" + `{"summary": "A small API.", "api_endpoints": ["GET /items"],
				"data_models": {"name": "Item", "purpose": "catalog entry"},
				"sources": {"architecture": "main.py"},}` + "\n```"
		} else {
			comp.Text = "# Product Overview\nCatalog service."
		}
		return comp, nil
	})

	o := New(s.store, s.jobs, client, nil, nil, nil)
	st, err := o.Run(s.ctx, s.input(a), Hooks{})
	s.Require().NoError(err)

	s.Require().NotNil(st.SDEStructured)
	s.Contains(st.SDEOutput, "# SDE Summary\nA small API.")
	s.Contains(st.SDEOutput, "## API / Endpoints\n- GET /items")
	s.Contains(st.SDEOutput, "## Database / Data Models\n- Item: catalog entry")
	s.Contains(st.SDEOutput, "**Sources:** main.py")
	s.Equal("# Product Overview\nCatalog service.", st.PMOutput)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(int64(300), got.TokensUsed)
	s.Greater(got.EstimatedCost, 0.0)
}

func (s *OrchestratorSuite) TestGateErrorStopsRun() {
	a := s.analysis(types.AnalysisConfig{})
	o := New(s.store, s.jobs, nil, nil, nil, nil)
	_, err := o.Run(s.ctx, s.input(a), Hooks{Gate: func(context.Context) error {
		return jobstate.ErrCancelled
	}})
	s.ErrorIs(err, jobstate.ErrCancelled)
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		in   types.Personas
		want []Node
	}{
		{"none defaults to pm", types.Personas{}, []Node{NodePMWriter}},
		{"sde only", types.Personas{SDE: true}, []Node{NodeSDEWriter}},
		{"pm only", types.Personas{PM: true}, []Node{NodePMWriter}},
		{"both", types.Personas{SDE: true, PM: true}, []Node{NodeSDEWriter, NodePMWriter}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.in))
		})
	}
}

func TestFormatFindings(t *testing.T) {
	assert.Equal(t,
		"**Web Research**\n\nWeb search was not available for this analysis. No external references could be added.",
		FormatFindings(nil))
	assert.Equal(t,
		"**Web Research**\n\nWeb search was not available for this analysis. quota exhausted. No external references could be added.",
		FormatFindings(&websearch.Response{Message: "quota exhausted"}))

	resp := &websearch.Response{Query: "gin security"}
	for i := range 12 {
		resp.Results = append(resp.Results, websearch.Result{Title: fmt.Sprintf("r%d", i), Link: "https://x.test"})
	}
	resp.Results[0] = websearch.Result{Snippet: "no title or link"}
	out := FormatFindings(resp)
	assert.True(t, strings.HasPrefix(out, "**Web Research Findings**\n\n*Query:* gin security\n\n1. **Untitled**\n   no title or link"))
	assert.Contains(t, out, "10. **[r9](https://x.test)**")
	assert.NotContains(t, out, "11.")
}

func TestInstructionBlock(t *testing.T) {
	assert.Equal(t, "none", InstructionBlock(nil))
	assert.Equal(t, "- (global) a\n- (sde) b", InstructionBlock([]types.Instruction{
		{Text: "a"}, {Text: "  "}, {Text: "b", Scope: "sde"},
	}))
}

func TestSDEReportMarkdownDefaults(t *testing.T) {
	r := &SDEReport{Architecture: "Layered."}
	md := r.Markdown()
	assert.NotContains(t, md, "# SDE Summary")
	assert.Contains(t, md, "## Architecture\nLayered.\n")
	assert.Contains(t, md, "## API / Endpoints\nNo API routes/handlers detected in the provided analysis.")
	assert.Contains(t, md, "## Database / Data Models\nNo data models detected in the provided analysis.")
	assert.Contains(t, md, "## Setup & Run\nNot detected in the data.")
	assert.NotContains(t, md, "## Notes")
}

func TestSDEReportTolerantDecode(t *testing.T) {
	r, err := llm.ParseJSON[SDEReport](`{
		"summary": ["line one", "line two"],
		"api_endpoints": [{"method": "POST", "path": "/login", "description": "auth", "file_path": "auth.py"}, 42],
		"notes": {"k": "v"}
	}`)
	require.NoError(t, err)
	assert.Equal(t, Text("line one\nline two"), r.Summary)
	require.Len(t, r.APIEndpoints, 2)
	assert.Equal(t, "- POST /login - auth (auth.py)", r.APIEndpoints[0].line())
	assert.Equal(t, "- 42", r.APIEndpoints[1].line())
	assert.Equal(t, Text(`{"k": "v"}`), r.Notes)
}

func TestMineChunks(t *testing.T) {
	chunks := []*storage.Chunk{
		{FilePath: "app.py", Language: "python", Content: `
@app.route("/login", methods=["GET", "POST"])
def login(): ...
urlpatterns = [path("users/", views.users)]
class User(models.Model):
    pass
`},
		{FilePath: "cmd/api/main.go", Language: "go", Content: `
r := gin.Default()
r.GET("/health", health)
http.HandleFunc("DELETE /users/{id}", deleteUser)
http.ListenAndServe(":8080", nil)
`},
		{FilePath: "server.js", Language: "javascript", Content: "const app = express()\napp.post('/orders', create)\napp.listen(3000)\n"},
	}
	var f findings
	hits := mineChunks(chunks, &f)
	assert.Equal(t, 2, hits)

	routes := dedupRoutes(f.routes)
	var got []string
	for _, r := range routes {
		got = append(got, r.Framework+" "+r.Method+" "+r.Path)
	}
	assert.ElementsMatch(t, []string{
		"flask GET /login", "flask POST /login", "django N/A users/",
		"gin GET /health", "net/http DELETE /users/{id}", "express POST /orders",
	}, got)
	assert.Contains(t, f.models, "User")
	assert.ElementsMatch(t, []string{"Django", "Express", "Gin", "net/http"}, sortedSet(f.frameworks))
	assert.ElementsMatch(t, []string{"cmd/api/main.go", "server.js"}, sortedSet(f.entrypoints))
}

func TestWalkGo(t *testing.T) {
	src := `package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users", listUsers)
	mux.Handle("/static/", http.FileServer(nil))
	r := gin.Default()
	r.POST("/orders", handlers.Create)
}
`
	var f findings
	walkGo("main.go", []byte(src), &f)
	assert.Equal(t, []string{"main.go"}, f.entrypoints)
	assert.ElementsMatch(t, []string{"Gin", "net/http"}, f.frameworks)
	require.Len(t, f.routes, 3)
	assert.Equal(t, APIRoute{Framework: "net/http", Method: "GET", Path: "/users", Handler: "listUsers", FilePath: "main.go"}, f.routes[0])
	assert.Equal(t, "N/A", f.routes[1].Method)
	assert.Equal(t, APIRoute{Framework: "gin", Method: "POST", Path: "/orders", Handler: "handlers.Create", FilePath: "main.go"}, f.routes[2])
}

func TestWalkPython(t *testing.T) {
	src := `import django
from myapp import views

bp = Blueprint("api", __name__)

@bp.route("/submit", methods=["POST"])
def submit():
    pass

class Order(db.Model):
    pass

urlpatterns = [
    path("orders/", views.orders),
    include("shop.urls"),
]

if __name__ == '__main__':
    run()
`
	var f findings
	require.NoError(t, walkPython(context.Background(), newPythonParser(), "app.py", []byte(src), &f))
	assert.Contains(t, f.routes, APIRoute{Framework: "flask", Method: "POST", Path: "/submit", Handler: "submit", FilePath: "app.py"})
	assert.Contains(t, f.routes, APIRoute{Framework: "django", Method: "N/A", Path: "orders/", FilePath: "app.py"})
	assert.Contains(t, f.routes, APIRoute{Framework: "django", Method: "N/A", Path: "shop.urls", FilePath: "app.py"})
	assert.Contains(t, f.models, "Order")
	assert.Equal(t, []string{"Django", "Flask"}, sortedSet(f.frameworks))
	assert.Equal(t, []string{"app.py"}, f.entrypoints)
}
