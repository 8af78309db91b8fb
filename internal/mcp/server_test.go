package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/orchestrator"
	"github.com/dshills/codeatlas/internal/pipeline"
	"github.com/dshills/codeatlas/internal/runner"
	"github.com/dshills/codeatlas/internal/searcher"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

const usersApp = `from fastapi import FastAPI

app = FastAPI()


@app.get("/users")
def list_users():
    """Return every registered user."""
    return []
`

type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

type ServerSuite struct {
	suite.Suite
	ctx   context.Context
	root  string
	store storage.Storage
	jobs  *jobstate.Service
	srv   *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx = context.Background()
	s.root = s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, "main.py"), []byte(usersApp), 0o600))
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, "requirements.txt"), []byte("fastapi\n"), 0o600))

	store, err := storage.NewSQLiteStorage(":memory:")
	s.Require().NoError(err)
	s.store = store
	s.jobs = jobstate.NewService(store, nil, jobstate.Config{PauseTimeout: time.Minute, PollInterval: 10 * time.Millisecond})

	p := pipeline.New(store, nil, pipeline.Config{}, nil, nil)
	orch := orchestrator.New(store, s.jobs, nil, nil, nil, nil)
	r := runner.New(store, s.jobs, p, orch, nil, nil)

	s.srv, err = NewServer(Deps{
		Storage:  store,
		Jobs:     s.jobs,
		Runner:   r,
		Searcher: searcher.New(store, nil, nil),
	}, "test")
	s.Require().NoError(err)

	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		_ = store.Close()
	})
}

// call invokes h and decodes its JSON text result
func (s *ServerSuite) call(h handler, args map[string]interface{}) (map[string]interface{}, error) {
	res, err := h(s.ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}})
	if err != nil {
		return nil, err
	}
	s.Require().Len(res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	s.Require().True(ok, "expected text content")
	var out map[string]interface{}
	s.Require().NoError(json.Unmarshal([]byte(text.Text), &out))
	return out, nil
}

func (s *ServerSuite) requireCode(err error, code int) {
	s.Require().Error(err)
	var mcpErr *MCPError
	s.Require().True(errors.As(err, &mcpErr), "expected MCPError, got %T", err)
	s.Equal(code, mcpErr.Code)
}

// newAnalysis creates an analysis without a runner, in the given phase
func (s *ServerSuite) newAnalysis(status types.Status, stage types.Stage) string {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	_, err = s.jobs.UpdateProgress(s.ctx, a.ID, jobstate.Update{Status: &status, Stage: &stage})
	s.Require().NoError(err)
	return a.ID
}

func (s *ServerSuite) TestFullAnalysisOverTools() {
	out, err := s.call(s.srv.handleStartAnalysis, map[string]interface{}{
		"path":            s.root,
		"personas":        []interface{}{"sde"},
		"enable_diagrams": true,
		"context":         "Focus on the user endpoints",
	})
	s.Require().NoError(err)
	id, _ := out["analysis_id"].(string)
	s.Require().NotEmpty(id)
	s.Contains(out["message"], "Analysis started")

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	s.Require().NoError(s.srv.runner.Wait(ctx, id))
	s.Require().Eventually(func() bool { return !s.srv.runner.Running(id) }, 5*time.Second, 10*time.Millisecond)

	status, err := s.call(s.srv.handleGetStatus, map[string]interface{}{"analysis_id": id})
	s.Require().NoError(err)
	s.Equal("completed", status["status"])
	s.EqualValues(100, status["progress_percentage"])
	s.Equal(false, status["running"])
	s.EqualValues(1, status["instructions"])
	s.NotEmpty(status["completed_at"])

	arts, err := s.call(s.srv.handleListArtifacts, map[string]interface{}{"analysis_id": id})
	s.Require().NoError(err)
	kinds := map[string]bool{}
	for _, item := range arts["artifacts"].([]interface{}) {
		kinds[item.(map[string]interface{})["artifact_type"].(string)] = true
	}
	s.True(kinds["sde_report"])
	s.True(kinds["diagram_architecture"])
	s.False(kinds["pm_report"])

	filtered, err := s.call(s.srv.handleListArtifacts, map[string]interface{}{
		"analysis_id":     id,
		"artifact_type":   "diagram_architecture",
		"include_content": false,
	})
	s.Require().NoError(err)
	s.EqualValues(1, filtered["count"])
	item := filtered["artifacts"].([]interface{})[0].(map[string]interface{})
	s.Equal("mermaid", item["format"])
	s.NotContains(item, "content")
	s.Positive(item["size"])

	logs, err := s.call(s.srv.handleGetLogs, map[string]interface{}{"analysis_id": id, "limit": 2})
	s.Require().NoError(err)
	entries := logs["logs"].([]interface{})
	s.Len(entries, 2)
	last := entries[1].(map[string]interface{})
	s.Equal(last["id"], logs["next_after"])

	rest, err := s.call(s.srv.handleGetLogs, map[string]interface{}{"analysis_id": id, "after_id": logs["next_after"]})
	s.Require().NoError(err)
	var messages []string
	for _, e := range rest["logs"].([]interface{}) {
		messages = append(messages, e.(map[string]interface{})["message"].(string))
	}
	s.Contains(messages, "Analysis completed")

	found, err := s.call(s.srv.handleSearchCode, map[string]interface{}{"analysis_id": id, "query": "users"})
	s.Require().NoError(err)
	s.NotEmpty(found["results"])
	meta := found["metadata"].(map[string]interface{})
	s.Equal("keyword", meta["search_mode"])

	answer, err := s.call(s.srv.handleAskQuestion, map[string]interface{}{"analysis_id": id, "question": "Which function lists users?"})
	s.Require().NoError(err)
	s.Contains(answer["answer"], "relevant code section")
	s.NotEmpty(answer["citations"])

	interactions, err := s.store.ListInteractions(s.ctx, id)
	s.Require().NoError(err)
	var asked bool
	for _, in := range interactions {
		asked = asked || in.Kind == types.InteractionQuestion
	}
	s.True(asked)
}

func (s *ServerSuite) TestStartAnalysisValidation() {
	_, err := s.call(s.srv.handleStartAnalysis, map[string]interface{}{})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.call(s.srv.handleStartAnalysis, map[string]interface{}{"path": "relative/dir"})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.call(s.srv.handleStartAnalysis, map[string]interface{}{"path": filepath.Join(s.root, "main.py")})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.call(s.srv.handleStartAnalysis, map[string]interface{}{"path": s.root, "personas": []interface{}{"cfo"}})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.call(s.srv.handleStartAnalysis, map[string]interface{}{"path": s.root, "depth": "bottomless"})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.srv.handleStartAnalysis(s.ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: "nope"}})
	s.requireCode(err, ErrorCodeInvalidParams)
}

func (s *ServerSuite) TestUnknownAnalysis() {
	for name, h := range map[string]handler{
		"get_status":     s.srv.handleGetStatus,
		"pause_analysis": s.srv.handlePauseAnalysis,
		"list_artifacts": s.srv.handleListArtifacts,
		"get_logs":       s.srv.handleGetLogs,
	} {
		_, err := s.call(h, map[string]interface{}{"analysis_id": "missing"})
		s.Run(name, func() { s.requireCode(err, ErrorCodeNotFound) })
	}

	_, err := s.call(s.srv.handleGetStatus, map[string]interface{}{})
	s.requireCode(err, ErrorCodeInvalidParams)
}

func (s *ServerSuite) TestPauseAndResume() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)

	out, err := s.call(s.srv.handlePauseAnalysis, map[string]interface{}{"analysis_id": id})
	s.Require().NoError(err)
	s.Equal("paused", out["status"])
	s.Equal(true, out["paused"])

	out, err = s.call(s.srv.handleResumeAnalysis, map[string]interface{}{"analysis_id": id})
	s.Require().NoError(err)
	s.Equal(false, out["paused"])

	_, err = s.call(s.srv.handleResumeAnalysis, map[string]interface{}{"analysis_id": id})
	s.requireCode(err, ErrorCodeInvalidState)
}

func (s *ServerSuite) TestPauseNotAllowedOutsidePausableStages() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageDocumentationGeneration)
	_, err := s.call(s.srv.handlePauseAnalysis, map[string]interface{}{"analysis_id": id})
	s.requireCode(err, ErrorCodeInvalidState)
}

func (s *ServerSuite) TestCancelAnalysis() {
	id := s.newAnalysis(types.StatusPreprocessing, types.StageRepoScan)

	out, err := s.call(s.srv.handleCancelAnalysis, map[string]interface{}{"analysis_id": id, "reason": "wrong repo"})
	s.Require().NoError(err)
	s.Equal("cancelled", out["status"])
	s.Equal("wrong repo", out["error_message"])

	_, err = s.call(s.srv.handleCancelAnalysis, map[string]interface{}{"analysis_id": id})
	s.requireCode(err, ErrorCodeInvalidState)
}

func (s *ServerSuite) TestAddContext() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)

	_, err := s.call(s.srv.handleAddContext, map[string]interface{}{"analysis_id": id, "text": "  "})
	s.requireCode(err, ErrorCodeInvalidParams)

	out, err := s.call(s.srv.handleAddContext, map[string]interface{}{"analysis_id": id, "text": "Mention rate limits"})
	s.Require().NoError(err)
	s.Equal(true, out["accepted"])
	s.Equal(true, out["pending_context"])
	s.EqualValues(1, out["instructions"])

	_, err = s.jobs.Complete(s.ctx, id)
	s.Require().NoError(err)
	out, err = s.call(s.srv.handleAddContext, map[string]interface{}{"analysis_id": id, "text": "Too late"})
	s.Require().NoError(err)
	s.Equal(false, out["accepted"])
	s.Contains(out["message"], "completed")
	s.EqualValues(1, out["instructions"])
}

func (s *ServerSuite) TestRestartFinishedAnalysis() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)
	_, err := s.jobs.Fail(s.ctx, id, "boom")
	s.Require().NoError(err)

	out, err := s.call(s.srv.handleRestartAnalysis, map[string]interface{}{"analysis_id": id})
	s.Require().NoError(err)
	s.Equal("agent_orchestration", out["restarted_from"])

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	s.Require().NoError(s.srv.runner.Wait(ctx, id))
}

func (s *ServerSuite) TestRestartRejectsCompletedAnalysis() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageDocumentationGeneration)
	_, err := s.jobs.Complete(s.ctx, id)
	s.Require().NoError(err)

	_, err = s.call(s.srv.handleRestartAnalysis, map[string]interface{}{"analysis_id": id})
	s.requireCode(err, ErrorCodeInvalidState)

	got, err := s.jobs.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
}

func (s *ServerSuite) TestAskQuestionValidation() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)

	_, err := s.call(s.srv.handleAskQuestion, map[string]interface{}{"analysis_id": id, "question": " "})
	s.requireCode(err, ErrorCodeEmptyQuery)

	out, err := s.call(s.srv.handleAskQuestion, map[string]interface{}{"analysis_id": id, "question": "anything indexed?"})
	s.Require().NoError(err)
	s.Equal("No relevant code found for this question.", out["answer"])
	s.Empty(out["citations"])
}

func (s *ServerSuite) TestSearchCodeValidation() {
	_, err := s.call(s.srv.handleSearchCode, map[string]interface{}{"query": ""})
	s.requireCode(err, ErrorCodeEmptyQuery)

	_, err = s.call(s.srv.handleSearchCode, map[string]interface{}{"query": "users"})
	s.requireCode(err, ErrorCodeInvalidParams)

	_, err = s.call(s.srv.handleSearchCode, map[string]interface{}{"query": "users", "project_id": 999})
	s.requireCode(err, ErrorCodeNotFound)

	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)
	_, err = s.call(s.srv.handleSearchCode, map[string]interface{}{"query": "users", "analysis_id": id, "limit": 500})
	s.requireCode(err, ErrorCodeInvalidParams)
}

func (s *ServerSuite) TestGetLogsLimit() {
	id := s.newAnalysis(types.StatusAnalyzing, types.StageAgentOrchestration)
	_, err := s.call(s.srv.handleGetLogs, map[string]interface{}{"analysis_id": id, "limit": 0})
	s.requireCode(err, ErrorCodeInvalidParams)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Deps{}, "test")
	require.Error(t, err)
}

func TestToolSchemas(t *testing.T) {
	tools := []mcp.Tool{
		startAnalysisTool(), getStatusTool(), pauseAnalysisTool(), resumeAnalysisTool(),
		cancelAnalysisTool(), restartAnalysisTool(), addContextTool(), askQuestionTool(),
		listArtifactsTool(), getLogsTool(), searchCodeTool(),
	}
	seen := map[string]bool{}
	for _, tool := range tools {
		assert.False(t, seen[tool.Name], "duplicate tool %s", tool.Name)
		seen[tool.Name] = true
		assert.Equal(t, "object", tool.InputSchema.Type)
		assert.NotEmpty(t, tool.Description)
		for _, req := range tool.InputSchema.Required {
			assert.Contains(t, tool.InputSchema.Properties, req, "%s requires undeclared %s", tool.Name, req)
		}
	}
	assert.Len(t, seen, 11)
	assert.Equal(t, []string{"analysis_id", "text"}, addContextTool().InputSchema.Required)
}

func TestMCPError(t *testing.T) {
	err := newMCPError(ErrorCodeNotFound, "analysis not found", map[string]interface{}{"analysis_id": "x"})
	assert.Equal(t, "MCP error -32001: analysis not found", err.Error())

	mapped := toMCPError("failed", jobstate.ErrTerminal)
	var mcpErr *MCPError
	require.True(t, errors.As(mapped, &mcpErr))
	assert.Equal(t, ErrorCodeInvalidState, mcpErr.Code)

	mapped = toMCPError("failed", runner.ErrAlreadyRunning)
	require.True(t, errors.As(mapped, &mcpErr))
	assert.Equal(t, ErrorCodeAlreadyRunning, mcpErr.Code)
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]interface{}{
		"f":     float64(3),
		"i":     7,
		"b":     true,
		"s":     "x",
		"list":  []interface{}{"a", 1, "", "b"},
		"typed": []string{"c"},
	}
	assert.Equal(t, 3, getIntDefault(args, "f", 0))
	assert.Equal(t, 7, getIntDefault(args, "i", 0))
	assert.Equal(t, 9, getIntDefault(args, "missing", 9))
	assert.InDelta(t, 3.0, getFloatDefault(args, "f", 0), 1e-9)
	assert.True(t, getBoolDefault(args, "b", false))
	assert.Equal(t, "x", getStringDefault(args, "s", ""))
	assert.Equal(t, []string{"a", "b"}, getStringSlice(args, "list"))
	assert.Equal(t, []string{"c"}, getStringSlice(args, "typed"))
	assert.Nil(t, getStringSlice(args, "missing"))
}
