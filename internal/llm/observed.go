package llm

import (
	"context"
	"errors"

	"github.com/dshills/codeatlas/internal/observability"
)

// Observed wraps a Client and records call outcomes and token counts
type Observed struct {
	next    Client
	metrics *observability.Metrics
}

// Observe wraps c with metrics. A Disabled client is returned as is.
func Observe(c Client, m *observability.Metrics) Client {
	if !Enabled(c) || m == nil {
		return c
	}
	return &Observed{next: c, metrics: m}
}

// Complete forwards to the wrapped client
func (o *Observed) Complete(ctx context.Context, system, user string) (*Completion, error) {
	comp, err := o.next.Complete(ctx, system, user)
	switch {
	case err == nil:
		o.metrics.LLMCall(ctx, "success")
		o.metrics.Tokens(ctx, "llm_input", comp.InputTokens)
		o.metrics.Tokens(ctx, "llm_output", comp.OutputTokens)
	case errors.Is(err, ErrCircuitOpen):
		o.metrics.LLMCall(ctx, "circuit_open")
	case errors.Is(err, context.Canceled):
		o.metrics.LLMCall(ctx, "cancelled")
	default:
		o.metrics.LLMCall(ctx, "error")
	}
	return comp, err
}
