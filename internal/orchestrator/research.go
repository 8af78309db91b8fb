package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/codeatlas/internal/websearch"
	"github.com/dshills/codeatlas/pkg/types"
)

const (
	webSearchLimit  = 5
	maxWebFindings  = 10
	findingsFailure = "Web search failed; see logs for details."
)

func (o *Orchestrator) webResearch(ctx context.Context, st *State) ([]Node, *Interrupt, error) {
	next := []Node{NodeHumanInput}
	defer o.progress(ctx, st.AnalysisID, 40)

	if !st.Config.EnableWebSearch {
		o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo, "Web research: disabled by configuration")
		st.WebFindings = "Web search disabled by configuration."
		return next, nil, nil
	}
	if len(st.KnowledgeGaps) == 0 {
		o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo, "Web research: no knowledge gaps detected, skipping")
		st.WebFindings = "No knowledge gaps detected. Web search skipped."
		return next, nil, nil
	}

	framework := "software"
	if st.Summary != nil {
		framework = firstNonEmpty(st.Summary.PrimaryFramework, st.Summary.RepositoryType, framework)
	}
	query := fmt.Sprintf("Latest best practices for %s APIs, security, and deployment. Focus on these gaps: %s. "+
		"Provide concise bullet points with references.", framework, strings.Join(st.KnowledgeGaps, ", "))

	if o.web == nil {
		o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelWarning, "Web research: no search server configured")
		st.WebFindings = FormatFindings(nil)
		return next, nil, nil
	}

	o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo,
		fmt.Sprintf("Web research: searching latest best practices for %s", framework))
	resp, err := o.web.Search(ctx, query, webSearchLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelWarning,
			fmt.Sprintf("Web research: failed to fetch web data (%s)", truncate(err.Error(), 120)))
		st.WebFindings = findingsFailure
		return next, nil, nil
	}
	o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo, "Web research: search completed")
	st.WebFindings = FormatFindings(resp)
	return next, nil, nil
}

// FormatFindings renders a search response as markdown. It never includes
// the raw tool payload.
func FormatFindings(resp *websearch.Response) string {
	if resp == nil || len(resp.Results) == 0 {
		msg := ""
		if resp != nil {
			msg = strings.TrimSpace(resp.Message)
		}
		if msg != "" {
			return "**Web Research**\n\nWeb search was not available for this analysis. " + msg + ". No external references could be added."
		}
		return "**Web Research**\n\nWeb search was not available for this analysis. No external references could be added."
	}

	var b strings.Builder
	b.WriteString("**Web Research Findings**\n\n")
	if q := strings.TrimSpace(resp.Query); q != "" {
		fmt.Fprintf(&b, "*Query:* %s\n\n", q)
	}
	for i, r := range resp.Results {
		if i == maxWebFindings {
			break
		}
		title := firstNonEmpty(r.Title, "Untitled")
		if r.Link != "" {
			fmt.Fprintf(&b, "%d. **[%s](%s)**\n", i+1, title, r.Link)
		} else {
			fmt.Fprintf(&b, "%d. **%s**\n", i+1, title)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
