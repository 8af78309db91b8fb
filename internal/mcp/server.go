package mcp

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/internal/runner"
	"github.com/dshills/codeatlas/internal/searcher"
	"github.com/dshills/codeatlas/internal/storage"
)

// ServerName is the MCP server name
const ServerName = "codeatlas"

// Deps are the components the tools drive
type Deps struct {
	Storage  storage.Storage
	Jobs     *jobstate.Service
	Runner   *runner.Runner
	Searcher *searcher.Searcher
	LLM      llm.Client // optional
	Logger   *slog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	storage  storage.Storage
	jobs     *jobstate.Service
	runner   *runner.Runner
	searcher *searcher.Searcher
	llm      llm.Client
	logger   *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps, version string) (*Server, error) {
	if deps.Storage == nil || deps.Jobs == nil || deps.Runner == nil || deps.Searcher == nil {
		return nil, errors.New("mcp: storage, jobs, runner and searcher are required")
	}
	if deps.LLM == nil {
		deps.LLM = llm.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		mcp:      server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		storage:  deps.Storage,
		jobs:     deps.Jobs,
		runner:   deps.Runner,
		searcher: deps.Searcher,
		llm:      deps.LLM,
		logger:   deps.Logger,
	}
	s.registerTools()
	return s, nil
}

// Serve speaks MCP over in/out until ctx ends or the client disconnects.
// Protocol errors are logged through the server logger, never to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(&slogWriter{logger: s.logger}, "", 0))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(startAnalysisTool(), s.handleStartAnalysis)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(pauseAnalysisTool(), s.handlePauseAnalysis)
	s.mcp.AddTool(resumeAnalysisTool(), s.handleResumeAnalysis)
	s.mcp.AddTool(cancelAnalysisTool(), s.handleCancelAnalysis)
	s.mcp.AddTool(restartAnalysisTool(), s.handleRestartAnalysis)
	s.mcp.AddTool(addContextTool(), s.handleAddContext)
	s.mcp.AddTool(askQuestionTool(), s.handleAskQuestion)
	s.mcp.AddTool(listArtifactsTool(), s.handleListArtifacts)
	s.mcp.AddTool(getLogsTool(), s.handleGetLogs)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
}

// slogWriter adapts the stdio server's *log.Logger to slog
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Error("mcp transport", "error", msg)
	return len(p), nil
}
