package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

const (
	metricAnalysesStarted  = "codeatlas.analyses.started"
	metricAnalysesFinished = "codeatlas.analyses.finished"
	metricFilesProcessed   = "codeatlas.files.processed"
	metricChunksCreated    = "codeatlas.chunks.created"
	metricEmbeddingBatches = "codeatlas.embedding.batches"
	metricLLMCalls         = "codeatlas.llm.calls"
	metricTokens           = "codeatlas.tokens"
	metricStageDuration    = "codeatlas.stage.duration.seconds"

	attrStatus  = "status"
	attrOutcome = "outcome"
	attrKind    = "kind"
	attrStage   = "stage"
)

// stage durations run from sub-second scans to long orchestrations
var stageBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800}

// Metrics holds the instruments recorded across an analysis. A nil *Metrics
// records nothing.
type Metrics struct {
	analysesStarted  metric.Int64Counter
	analysesFinished metric.Int64Counter
	filesProcessed   metric.Int64Counter
	chunksCreated    metric.Int64Counter
	embeddingBatches metric.Int64Counter
	llmCalls         metric.Int64Counter
	tokens           metric.Int64Counter
	stageDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments from mt
func NewMetrics(mt metric.Meter) (*Metrics, error) {
	b := &metricBuilder{meter: mt}
	m := &Metrics{
		analysesStarted:  b.counter(metricAnalysesStarted, "Analyses started", "{analysis}"),
		analysesFinished: b.counter(metricAnalysesFinished, "Analyses finished by terminal status", "{analysis}"),
		filesProcessed:   b.counter(metricFilesProcessed, "Source files extracted", "{file}"),
		chunksCreated:    b.counter(metricChunksCreated, "Code chunks persisted", "{chunk}"),
		embeddingBatches: b.counter(metricEmbeddingBatches, "Embedding batches by outcome", "{batch}"),
		llmCalls:         b.counter(metricLLMCalls, "LLM completions by outcome", "{call}"),
		tokens:           b.counter(metricTokens, "Billed tokens by kind", "{token}"),
		stageDuration:    b.histogram(metricStageDuration, "Stage wall time", "s", stageBuckets...),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by the no-op provider
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noopmetric.NewMeterProvider().Meter(meterName))
	if err != nil {
		// the noop meter never fails
		panic(err)
	}
	return m
}

func (m *Metrics) AnalysisStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.analysesStarted.Add(ctx, 1)
}

func (m *Metrics) AnalysisFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.analysesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

func (m *Metrics) FilesProcessed(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.filesProcessed.Add(ctx, int64(n))
}

func (m *Metrics) ChunksCreated(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksCreated.Add(ctx, int64(n))
}

// EmbeddingBatch counts one embedding batch outcome (success, retry, failure, timeout)
func (m *Metrics) EmbeddingBatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.embeddingBatches.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

func (m *Metrics) LLMCall(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// Tokens adds billed tokens; kind is embedding, input or output
func (m *Metrics) Tokens(ctx context.Context, kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(ctx, n, metric.WithAttributes(attribute.String(attrKind, kind)))
}

func (m *Metrics) StageDuration(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(attrStage, stage)))
}

// metricBuilder keeps the first instrument creation error
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)
	return c
}

func (b *metricBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...))
	b.setErr(name, err)
	return h
}

func (b *metricBuilder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}
