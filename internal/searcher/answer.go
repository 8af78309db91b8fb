package searcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/pkg/types"
)

const (
	answerLimit     = 5
	answerThreshold = 0.25
	snippetChars    = 500

	noResultsAnswer = "No relevant code found for this question."

	answerSystemPrompt = "You are a codebase assistant. Answer the user's question using ONLY the provided code snippets. " +
		"Be concise. Do not invent code or file names not in the context. " +
		"If the snippets do not contain enough information, say so briefly."
)

// Recorder stores usage and the question exchange against an analysis
type Recorder interface {
	AddUsage(ctx context.Context, id string, tokens int64, cost float64) error
	AddInteraction(ctx context.Context, id string, kind types.InteractionKind, content, scope, response string) error
}

// AnswerOption configures a single Answer call
type AnswerOption func(*answerOptions)

type answerOptions struct {
	analysisID string
	recorder   Recorder
}

// WithAnalysis records token usage and the question on analysis id
func WithAnalysis(id string, rec Recorder) AnswerOption {
	return func(o *answerOptions) {
		o.analysisID = id
		o.recorder = rec
	}
}

// Answer retrieves the closest chunks for question and asks client to answer
// from them only. The returned citations always reflect the retrieved
// chunks, whether or not the model produced text.
func (s *Searcher) Answer(ctx context.Context, client llm.Client, projectID int64, question string, opts ...AnswerOption) (*types.Answer, error) {
	var o answerOptions
	for _, opt := range opts {
		opt(&o)
	}

	resp, err := s.Search(ctx, Request{
		ProjectID: projectID,
		Query:     question,
		Limit:     answerLimit,
		Threshold: answerThreshold,
	})
	if err != nil {
		return nil, err
	}

	answer := &types.Answer{Answer: noResultsAnswer, Citations: citations(resp.Results)}
	if len(resp.Results) > 0 {
		answer.Answer = s.generate(ctx, client, question, resp.Results, o)
	}

	if o.recorder != nil && o.analysisID != "" {
		if err := o.recorder.AddInteraction(ctx, o.analysisID, types.InteractionQuestion, question, types.ScopeGlobal, answer.Answer); err != nil {
			s.logger.Warn("failed to record question", "analysis_id", o.analysisID, "error", err)
		}
	}
	return answer, nil
}

// generate asks the model for an answer, falling back to a summary of the
// citations when it is unavailable or fails
func (s *Searcher) generate(ctx context.Context, client llm.Client, question string, results []types.SearchResult, o answerOptions) string {
	fallback := fmt.Sprintf("Found %d relevant code section(s). See citations below for file locations and snippets.", len(results))
	if !llm.Enabled(client) {
		return fallback
	}

	prompt := fmt.Sprintf("Question: %s\n\nRelevant code:\n%s", question, contextWindow(results))
	completion, err := client.Complete(ctx, answerSystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("answer generation failed", "error", err)
		return fallback
	}
	if o.recorder != nil && o.analysisID != "" {
		tokens := completion.InputTokens + completion.OutputTokens
		if err := o.recorder.AddUsage(ctx, o.analysisID, tokens, completion.Cost()); err != nil {
			s.logger.Warn("failed to record usage", "analysis_id", o.analysisID, "error", err)
		}
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return fallback
	}
	return text
}

func contextWindow(results []types.SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "\n--- Chunk %d (%s) ---\n%s\n", i+1, r.Name, clip(r.Content, snippetChars))
	}
	return b.String()
}

func citations(results []types.SearchResult) []types.Citation {
	out := make([]types.Citation, 0, len(results))
	for _, r := range results {
		out = append(out, types.Citation{
			FilePath:  r.FilePath,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Snippet:   clip(r.Content, snippetChars),
			Score:     r.Score,
			Language:  r.Language,
		})
	}
	return out
}

// clip cuts s to at most n runes
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
