package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// analysisIDProperty is shared by every tool that addresses one analysis
func analysisIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Analysis id returned by start_analysis",
	}
}

// byID builds the schema of a tool whose only required input is analysis_id
func byID(name, description string, extra map[string]interface{}) mcp.Tool {
	props := map[string]interface{}{"analysis_id": analysisIDProperty()}
	for k, v := range extra {
		props[k] = v
	}
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"analysis_id"},
		},
	}
}

// startAnalysisTool returns the tool definition for start_analysis
func startAnalysisTool() mcp.Tool {
	return mcp.Tool{
		Name:        "start_analysis",
		Description: "Analyze a repository on disk in the background and generate documentation for the selected personas",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the repository root",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Project name (defaults to the directory name)",
				},
				"personas": map[string]interface{}{
					"type":        "array",
					"description": "Writers to run; the business writer runs when none is selected",
					"items": map[string]interface{}{
						"type": "string",
						"enum": []string{"sde", "pm"},
					},
				},
				"depth": map[string]interface{}{
					"type":    "string",
					"enum":    []string{"quick", "standard", "deep"},
					"default": "standard",
				},
				"verbosity": map[string]interface{}{
					"type":    "string",
					"enum":    []string{"low", "normal", "high"},
					"default": "normal",
				},
				"enable_web_search": map[string]interface{}{
					"type":        "boolean",
					"description": "Research knowledge gaps with the configured web search server",
					"default":     false,
				},
				"enable_diagrams": map[string]interface{}{
					"type":        "boolean",
					"description": "Emit Mermaid diagram artifacts",
					"default":     false,
				},
				"diagram_preferences": map[string]interface{}{
					"type":        "array",
					"description": "Diagrams to emit when enable_diagrams is set",
					"items": map[string]interface{}{
						"type": "string",
						"enum": []string{"architecture", "sequence", "flowchart", "entity_relationship"},
					},
				},
				"context": map[string]interface{}{
					"type":        "string",
					"description": "Initial instruction for the writers",
				},
			},
			Required: []string{"path"},
		},
	}
}

func getStatusTool() mcp.Tool {
	return byID("get_status", "Report status, stage, progress, token usage and cost of an analysis", nil)
}

func pauseAnalysisTool() mcp.Tool {
	return byID("pause_analysis", "Pause a running analysis at its next checkpoint", nil)
}

func resumeAnalysisTool() mcp.Tool {
	return byID("resume_analysis", "Resume a paused analysis", nil)
}

func cancelAnalysisTool() mcp.Tool {
	return byID("cancel_analysis", "Cancel an analysis", map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Recorded as the analysis error message",
		},
	})
}

func restartAnalysisTool() mcp.Tool {
	return byID("restart_analysis",
		"Restart a failed or cancelled analysis. Runs that reached agent orchestration resume from their checkpoint; others start over from the repository scan",
		nil)
}

func addContextTool() mcp.Tool {
	t := byID("add_context", "Add an instruction for the documentation writers. While agents run, the writers pause to pick it up", map[string]interface{}{
		"text": map[string]interface{}{
			"type":        "string",
			"description": "Instruction text",
		},
		"scope": map[string]interface{}{
			"type":        "string",
			"description": "Instruction scope",
			"default":     "global",
		},
	})
	t.InputSchema.Required = append(t.InputSchema.Required, "text")
	return t
}

func askQuestionTool() mcp.Tool {
	t := byID("ask_question", "Answer a question about the analyzed repository using retrieved code as the only context", map[string]interface{}{
		"question": map[string]interface{}{
			"type":        "string",
			"description": "Question in natural language",
		},
	})
	t.InputSchema.Required = append(t.InputSchema.Required, "question")
	return t
}

func listArtifactsTool() mcp.Tool {
	return byID("list_artifacts", "List the reports and diagrams produced by a completed analysis", map[string]interface{}{
		"artifact_type": map[string]interface{}{
			"type":        "string",
			"description": "Only return artifacts of this type (e.g. sde_report, diagram_architecture)",
		},
		"include_content": map[string]interface{}{
			"type":    "boolean",
			"default": true,
		},
	})
}

func getLogsTool() mcp.Tool {
	return byID("get_logs", "Read the ordered event log of an analysis", map[string]interface{}{
		"after_id": map[string]interface{}{
			"type":        "integer",
			"description": "Only return entries after this log id",
			"default":     0,
		},
		"limit": map[string]interface{}{
			"type":    "integer",
			"default": defaultLogLimit,
			"minimum": 1,
			"maximum": maxLogLimit,
		},
	})
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search the indexed code of an analyzed repository. Uses vector similarity when an embedding provider is configured, keyword search otherwise",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"analysis_id": analysisIDProperty(),
				"project_id": map[string]interface{}{
					"type":        "integer",
					"description": "Project id, as an alternative to analysis_id",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     5,
					"minimum":     1,
					"maximum":     100,
				},
				"threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum similarity score for vector results",
					"default":     0.5,
				},
			},
			Required: []string{"query"},
		},
	}
}
