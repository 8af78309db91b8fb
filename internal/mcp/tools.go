package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/runner"
	"github.com/dshills/codeatlas/internal/searcher"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams  = -32602 // Invalid method parameters
	ErrorCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound       = -32001 // Analysis or project does not exist
	ErrorCodeAlreadyRunning = -32002 // A runner is already active for the analysis
	ErrorCodeInvalidState   = -32003 // Transition not allowed in the current status
	ErrorCodeEmptyQuery     = -32004 // Query parameter is empty
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// handleStartAnalysis handles the start_analysis tool invocation
func (s *Server) handleStartAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	if err := validatePath(path); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	cfg, err := analysisConfig(args)
	if err != nil {
		return nil, err
	}

	a, err := s.runner.Start(ctx, runner.Options{
		RootPath: path,
		Name:     getStringDefault(args, "name", ""),
		Config:   cfg,
		Context:  strings.TrimSpace(getStringDefault(args, "context", "")),
	})
	if err != nil {
		return nil, toMCPError("failed to start analysis", err)
	}

	response := statusView(a)
	response["message"] = "Analysis started. Poll get_status or read get_logs to follow progress."
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	a, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to get status", err)
	}
	response := statusView(a)
	response["running"] = s.runner.Running(id)
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handlePauseAnalysis handles the pause_analysis tool invocation
func (s *Server) handlePauseAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	a, err := s.jobs.Pause(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to pause analysis", err)
	}
	return mcp.NewToolResultText(formatJSON(statusView(a))), nil
}

// handleResumeAnalysis handles the resume_analysis tool invocation
func (s *Server) handleResumeAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	a, err := s.runner.Resume(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to resume analysis", err)
	}
	return mcp.NewToolResultText(formatJSON(statusView(a))), nil
}

// handleCancelAnalysis handles the cancel_analysis tool invocation
func (s *Server) handleCancelAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, args, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	a, err := s.runner.Cancel(ctx, id, strings.TrimSpace(getStringDefault(args, "reason", "")))
	if err != nil {
		return nil, toMCPError("failed to cancel analysis", err)
	}
	return mcp.NewToolResultText(formatJSON(statusView(a))), nil
}

// handleRestartAnalysis handles the restart_analysis tool invocation
func (s *Server) handleRestartAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	a, err := s.runner.Restart(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to restart analysis", err)
	}
	response := statusView(a)
	response["restarted_from"] = string(jobstate.RestartPoint(a))
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleAddContext handles the add_context tool invocation
func (s *Server) handleAddContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, args, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(getStringDefault(args, "text", ""))
	if text == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "text parameter is required", map[string]interface{}{
			"param":  "text",
			"reason": "missing or empty",
		})
	}
	scope := getStringDefault(args, "scope", types.ScopeGlobal)

	a, err := s.jobs.AddUserContext(ctx, id, text, scope)
	if err != nil {
		return nil, toMCPError("failed to add context", err)
	}

	response := map[string]interface{}{
		"analysis_id":     a.ID,
		"accepted":        !a.Status.Terminal(),
		"instructions":    len(a.UserContext.Instructions),
		"pending_context": a.UserContext.PendingContext,
	}
	if a.Status.Terminal() {
		response["message"] = fmt.Sprintf("Context ignored: analysis is %s", a.Status)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleAskQuestion handles the ask_question tool invocation
func (s *Server) handleAskQuestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, args, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(getStringDefault(args, "question", ""))
	if question == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "question parameter is required and cannot be empty", map[string]interface{}{
			"param":  "question",
			"reason": "missing or empty",
		})
	}

	a, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to load analysis", err)
	}
	answer, err := s.searcher.Answer(ctx, s.llm, a.ProjectID, question, searcher.WithAnalysis(id, s.jobs))
	if err != nil {
		return nil, toMCPError("failed to answer question", err)
	}

	citations := make([]interface{}, 0, len(answer.Citations))
	for _, c := range answer.Citations {
		citations = append(citations, map[string]interface{}{
			"file_path":  c.FilePath,
			"start_line": c.StartLine,
			"end_line":   c.EndLine,
			"language":   c.Language,
			"score":      c.Score,
			"snippet":    c.Snippet,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"answer":    answer.Answer,
		"citations": citations,
	})), nil
}

// handleListArtifacts handles the list_artifacts tool invocation
func (s *Server) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, args, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	if _, err := s.jobs.Get(ctx, id); err != nil {
		return nil, toMCPError("failed to load analysis", err)
	}
	arts, err := s.storage.ListArtifacts(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to list artifacts", err)
	}

	filter := getStringDefault(args, "artifact_type", "")
	withContent := getBoolDefault(args, "include_content", true)
	items := make([]interface{}, 0, len(arts))
	for _, art := range arts {
		if filter != "" && art.ArtifactType != filter {
			continue
		}
		item := map[string]interface{}{
			"id":            art.ID,
			"artifact_type": art.ArtifactType,
			"persona":       art.Persona,
			"title":         art.Title,
			"format":        art.Format,
			"size":          len(art.Content),
			"created_at":    art.CreatedAt.Format(time.RFC3339),
		}
		if withContent {
			item["content"] = art.Content
		}
		items = append(items, item)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"analysis_id": id,
		"count":       len(items),
		"artifacts":   items,
	})), nil
}

// handleGetLogs handles the get_logs tool invocation
func (s *Server) handleGetLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, args, err := analysisArgs(request)
	if err != nil {
		return nil, err
	}
	limit := getIntDefault(args, "limit", defaultLogLimit)
	if limit < 1 || limit > maxLogLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit out of range", map[string]interface{}{
			"param":  "limit",
			"reason": fmt.Sprintf("must be between 1 and %d", maxLogLimit),
		})
	}
	afterID := int64(getIntDefault(args, "after_id", 0))

	if _, err := s.jobs.Get(ctx, id); err != nil {
		return nil, toMCPError("failed to load analysis", err)
	}
	logs, err := s.storage.ListLogs(ctx, id, afterID, limit)
	if err != nil {
		return nil, toMCPError("failed to read logs", err)
	}

	entries := make([]interface{}, 0, len(logs))
	next := afterID
	for _, l := range logs {
		entry := map[string]interface{}{
			"id":         l.ID,
			"level":      l.Level,
			"message":    l.Message,
			"created_at": l.CreatedAt.Format(time.RFC3339),
		}
		if l.Stage != types.StageNone {
			entry["stage"] = l.Stage
		}
		if l.CurrentFile != "" {
			entry["current_file"] = l.CurrentFile
			entry["file_index"] = l.FileIndex
			entry["total_files"] = l.TotalFiles
		}
		if l.Progress != nil {
			entry["progress"] = *l.Progress
		}
		entries = append(entries, entry)
		next = l.ID
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"analysis_id": id,
		"logs":        entries,
		"next_after":  next,
	})), nil
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	projectID := int64(getIntDefault(args, "project_id", 0))
	if id := getStringDefault(args, "analysis_id", ""); id != "" {
		a, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, toMCPError("failed to load analysis", err)
		}
		projectID = a.ProjectID
	}
	if projectID <= 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "analysis_id or project_id is required", map[string]interface{}{
			"param":  "analysis_id",
			"reason": "missing or empty",
		})
	}
	if _, err := s.storage.GetProjectByID(ctx, projectID); err != nil {
		return nil, toMCPError("failed to load project", err)
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit out of range", map[string]interface{}{
			"param":  "limit",
			"reason": fmt.Sprintf("must be between 1 and %d", searcher.MaxLimit),
		})
	}

	resp, err := s.searcher.Search(ctx, searcher.Request{
		ProjectID: projectID,
		Query:     query,
		Limit:     limit,
		Threshold: getFloatDefault(args, "threshold", 0),
	})
	if err != nil {
		return nil, toMCPError("search failed", err)
	}

	results := make([]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]interface{}{
			"rank":       r.Rank,
			"score":      r.Score,
			"confidence": r.Confidence,
			"name":       r.Name,
			"kind":       r.Kind,
			"file_path":  r.FilePath,
			"language":   r.Language,
			"start_line": r.StartLine,
			"end_line":   r.EndLine,
			"content":    r.Content,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"results": results,
		"metadata": map[string]interface{}{
			"project_id":    projectID,
			"total_results": len(results),
			"search_mode":   resp.Mode,
			"cache_hit":     resp.CacheHit,
			"duration_ms":   resp.Duration.Milliseconds(),
		},
	})), nil
}

// Helper functions

// statusView renders the externally visible state of a
func statusView(a *storage.Analysis) map[string]interface{} {
	snap := jobstate.SnapshotOf(a)
	view := map[string]interface{}{
		"analysis_id":         a.ID,
		"project_id":          a.ProjectID,
		"status":              snap.Status,
		"stage":               snap.Stage,
		"progress_percentage": snap.ProgressPercentage,
		"processed_files":     snap.ProcessedFiles,
		"total_files":         snap.TotalFiles,
		"total_chunks":        snap.TotalChunks,
		"tokens_used":         snap.TokensUsed,
		"estimated_cost":      snap.EstimatedCost,
		"paused":              snap.Paused,
		"pending_context":     snap.PendingContext,
		"instructions":        len(a.UserContext.Instructions),
	}
	if snap.CurrentFile != "" {
		view["current_file"] = snap.CurrentFile
	}
	if snap.ErrorMessage != "" {
		view["error_message"] = snap.ErrorMessage
	}
	if a.StartedAt != nil {
		view["started_at"] = a.StartedAt.Format(time.RFC3339)
	}
	if a.CompletedAt != nil {
		view["completed_at"] = a.CompletedAt.Format(time.RFC3339)
	}
	return view
}

// analysisConfig reads the optional analysis options of start_analysis
func analysisConfig(args map[string]interface{}) (types.AnalysisConfig, error) {
	cfg := types.AnalysisConfig{
		Depth:              types.Depth(getStringDefault(args, "depth", "")),
		Verbosity:          types.Verbosity(getStringDefault(args, "verbosity", "")),
		EnableWebSearch:    getBoolDefault(args, "enable_web_search", false),
		EnableDiagrams:     getBoolDefault(args, "enable_diagrams", false),
		DiagramPreferences: getStringSlice(args, "diagram_preferences"),
	}
	switch cfg.Depth {
	case "", types.DepthQuick, types.DepthStandard, types.DepthDeep:
	default:
		return cfg, invalidParam("depth", fmt.Sprintf("unknown depth %q", cfg.Depth))
	}
	switch cfg.Verbosity {
	case "", types.VerbosityLow, types.VerbosityNormal, types.VerbosityHigh:
	default:
		return cfg, invalidParam("verbosity", fmt.Sprintf("unknown verbosity %q", cfg.Verbosity))
	}
	for _, p := range getStringSlice(args, "personas") {
		switch strings.ToLower(p) {
		case "sde":
			cfg.Personas.SDE = true
		case "pm":
			cfg.Personas.PM = true
		default:
			return cfg, invalidParam("personas", fmt.Sprintf("unknown persona %q", p))
		}
	}
	return cfg, nil
}

// arguments extracts the argument map of a tool call
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// analysisArgs extracts the arguments and the required analysis_id
func analysisArgs(request mcp.CallToolRequest) (string, map[string]interface{}, error) {
	args, err := arguments(request)
	if err != nil {
		return "", nil, err
	}
	id, ok := args["analysis_id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", nil, newMCPError(ErrorCodeInvalidParams, "analysis_id parameter is required", map[string]interface{}{
			"param":  "analysis_id",
			"reason": "missing or empty",
		})
	}
	return strings.TrimSpace(id), args, nil
}

func invalidParam(param, reason string) error {
	return newMCPError(ErrorCodeInvalidParams, "invalid "+param, map[string]interface{}{
		"param":  param,
		"reason": reason,
	})
}

// toMCPError maps component errors onto MCP error codes
func toMCPError(message string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = ErrorCodeNotFound
	case errors.Is(err, runner.ErrAlreadyRunning):
		code = ErrorCodeAlreadyRunning
	case errors.Is(err, jobstate.ErrPauseNotAllowed),
		errors.Is(err, jobstate.ErrNotPaused),
		errors.Is(err, jobstate.ErrTerminal),
		errors.Is(err, runner.ErrNotRestartable):
		code = ErrorCodeInvalidState
	case errors.Is(err, searcher.ErrEmptyQuery):
		code = ErrorCodeEmptyQuery
	}
	return newMCPError(code, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validatePath checks that path is an absolute, readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	if val, ok := args[key].(int64); ok {
		return int(val)
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts a string array parameter. JSON decoding yields
// []interface{}; direct callers may pass []string.
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
