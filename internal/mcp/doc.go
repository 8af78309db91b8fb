// Package mcp implements the Model Context Protocol (MCP) server for CodeAtlas.
//
// The server exposes analysis control and retrieval to AI coding assistants:
//   - start_analysis: Analyze a repository in the background
//   - get_status, get_logs: Follow progress and read the event history
//   - pause_analysis, resume_analysis, cancel_analysis, restart_analysis: Control a run
//   - add_context: Steer the documentation writers while they run
//   - ask_question: Answer a question from retrieved code, with citations
//   - list_artifacts: Read the generated reports and diagrams
//   - search_code: Search the indexed chunks of an analyzed repository
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only. All logging goes to stderr.
//
// # Basic Usage
//
//	codeatlas serve
//
// # Lifecycle
//
// start_analysis returns as soon as the analysis row exists; the run continues
// in a background goroutine owned by the runner. A typical session:
//
//	start_analysis {"path": "/src/shop", "personas": ["sde"], "enable_diagrams": true}
//	get_status     {"analysis_id": "6f0c..."}          → status, stage, progress
//	add_context    {"analysis_id": "6f0c...", "text": "Focus on checkout"}
//	get_logs       {"analysis_id": "6f0c...", "after_id": 42}
//	list_artifacts {"analysis_id": "6f0c...", "artifact_type": "sde_report"}
//	ask_question   {"analysis_id": "6f0c...", "question": "Where are orders persisted?"}
//
// Pausing is only allowed while scanning, chunking, embedding or running the
// agents. A pause that outlives the configured timeout cancels the analysis.
// resume_analysis relaunches the run when the process that paused it is gone.
//
// # Error Handling
//
// Handlers return *MCPError values with JSON-RPC codes:
//
//	-32602  Invalid params (missing analysis_id, relative path, bad persona)
//	-32603  Internal error
//	-32001  Analysis or project not found
//	-32002  Analysis already running
//	-32003  Transition not allowed (pause while completed, resume while running)
//	-32004  Empty query or question
package mcp
