package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/codeatlas/pkg/types"
)

// ErrTooManyFailures aborts preprocessing once more than MaxFailures batches failed
var ErrTooManyFailures = errors.New("too many embedding failures")

var (
	errCallTimeout   = errors.New("embedding call timed out")
	errWindowTimeout = errors.New("embedding window timed out")
)

// Batch outcomes reported to BatcherHooks.OnBatch
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// PendingChunk is a persisted chunk waiting for a vector
type PendingChunk struct {
	ChunkID int64
	Text    string
}

// Vector is an embedding ready to be stored for a chunk
type Vector struct {
	ChunkID  int64
	Values   []float32
	Provider string
	Model    string
}

// VectorSink persists the vectors of one successful batch
type VectorSink interface {
	SaveEmbeddings(ctx context.Context, vectors []Vector) error
}

// VectorSinkFunc adapts a function to VectorSink
type VectorSinkFunc func(ctx context.Context, vectors []Vector) error

func (f VectorSinkFunc) SaveEmbeddings(ctx context.Context, vectors []Vector) error {
	return f(ctx, vectors)
}

// UsageRecorder accumulates billed tokens and cost
type UsageRecorder interface {
	RecordUsage(ctx context.Context, tokens int64, cost float64) error
}

// UsageRecorderFunc adapts a function to UsageRecorder
type UsageRecorderFunc func(ctx context.Context, tokens int64, cost float64) error

func (f UsageRecorderFunc) RecordUsage(ctx context.Context, tokens int64, cost float64) error {
	return f(ctx, tokens, cost)
}

// BatcherConfig bounds windows, batches and timeouts
type BatcherConfig struct {
	FilesPerWindow     int
	MaxChunksPerWindow int
	BatchSize          int
	CallTimeout        time.Duration
	WindowTimeout      time.Duration
	MaxFailures        int
}

// DefaultBatcherConfig flushes every 2 files or 80 chunks, in calls of 20 texts
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		FilesPerWindow:     2,
		MaxChunksPerWindow: 80,
		BatchSize:          DefaultBatchSize,
		CallTimeout:        60 * time.Second,
		WindowTimeout:      120 * time.Second,
		MaxFailures:        2,
	}
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	d := DefaultBatcherConfig()
	if c.FilesPerWindow <= 0 {
		c.FilesPerWindow = d.FilesPerWindow
	}
	if c.MaxChunksPerWindow <= 0 {
		c.MaxChunksPerWindow = d.MaxChunksPerWindow
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		c.BatchSize = d.BatchSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.WindowTimeout <= 0 {
		c.WindowTimeout = d.WindowTimeout
	}
	if c.MaxFailures < 0 {
		c.MaxFailures = d.MaxFailures
	}
	return c
}

// BatcherHooks connect the batcher to the job it runs for. All are optional.
type BatcherHooks struct {
	// Gate blocks while the job is paused; its error aborts embedding
	Gate func(ctx context.Context) error
	// Notify appends a line to the job log
	Notify func(ctx context.Context, level types.LogLevel, message string)
	// OnStart runs once, before the first provider call
	OnStart func(ctx context.Context)
	// OnBatch observes each batch outcome
	OnBatch func(ctx context.Context, outcome string)
}

// Batcher accumulates chunks into windows and embeds each window in fixed-size
// provider calls. Failures are counted across the batcher's lifetime. A Batcher
// is not safe for concurrent use.
type Batcher struct {
	emb    Embedder
	sink   VectorSink
	usage  UsageRecorder
	cfg    BatcherConfig
	hooks  BatcherHooks
	logger *slog.Logger
	now    func() time.Time

	window   []PendingChunk
	files    int
	failures int
	embedded int
	started  bool
}

// NewBatcher creates a batcher; usage may be nil
func NewBatcher(emb Embedder, sink VectorSink, usage UsageRecorder, cfg BatcherConfig, hooks BatcherHooks, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		emb:    emb,
		sink:   sink,
		usage:  usage,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		logger: logger,
		now:    time.Now,
	}
}

// Add puts one file's chunks in the window and flushes when the window is full
func (b *Batcher) Add(ctx context.Context, chunks []PendingChunk) error {
	b.files++
	b.window = append(b.window, chunks...)
	if len(b.window) == 0 {
		return nil
	}
	if b.files < b.cfg.FilesPerWindow && len(b.window) < b.cfg.MaxChunksPerWindow {
		return nil
	}
	return b.flush(ctx, "Embedding generation timed out; skipping this window.", "Embedded window")
}

// Flush embeds whatever is left in the window
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx, "Embedding generation timed out; skipping final window.", "Embedded final window")
}

// EmbedRemaining embeds chunks that still lack vectors after the walk
func (b *Batcher) EmbedRemaining(ctx context.Context, chunks []PendingChunk) error {
	if len(chunks) == 0 {
		b.notify(ctx, types.LevelInfo, "All chunks already have embeddings")
		return nil
	}
	n, err := b.runWindow(ctx, chunks, "Embedding generation timed out; skipping remaining chunks.")
	if err != nil {
		return err
	}
	b.logger.Debug("embedded remaining chunks", "count", n)
	return nil
}

// Failures is the cumulative number of failed batches and windows
func (b *Batcher) Failures() int { return b.failures }

// Embedded is the number of vectors persisted so far
func (b *Batcher) Embedded() int { return b.embedded }

// Pending is the number of chunks waiting in the current window
func (b *Batcher) Pending() int { return len(b.window) }

func (b *Batcher) flush(ctx context.Context, timeoutMsg, doneMsg string) error {
	pending := b.window
	b.window = nil
	b.files = 0
	if len(pending) == 0 {
		return nil
	}
	n, err := b.runWindow(ctx, pending, timeoutMsg)
	if err != nil {
		return err
	}
	b.notify(ctx, types.LevelInfo, fmt.Sprintf("%s - %d embeddings created", doneMsg, n))
	return nil
}

// runWindow embeds chunks in BatchSize calls under one window deadline.
// Time spent blocked in the pause gate does not count against the deadline.
func (b *Batcher) runWindow(ctx context.Context, chunks []PendingChunk, timeoutMsg string) (int, error) {
	if _, err := b.gate(ctx); err != nil {
		return 0, err
	}
	if !b.started {
		b.started = true
		if b.hooks.OnStart != nil {
			b.hooks.OnStart(ctx)
		}
	}

	deadline := b.now().Add(b.cfg.WindowTimeout)
	size := b.cfg.BatchSize
	total := (len(chunks) + size - 1) / size
	count := 0
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(chunks))

		waited, err := b.gate(ctx)
		if err != nil {
			return count, err
		}
		deadline = deadline.Add(waited)

		n, err := b.embedBatch(ctx, chunks[start:end], i+1, total, &deadline)
		switch {
		case err == nil:
			count += n
		case ctx.Err() != nil:
			return count, ctx.Err()
		case errors.Is(err, errWindowTimeout):
			b.observe(ctx, OutcomeTimeout)
			return count, b.registerFailure(ctx, timeoutMsg)
		case isGateError(err):
			return count, errors.Unwrap(err)
		default:
			msg := fmt.Sprintf("Error on batch %d: %s. Skipping this batch.", i+1, truncate(err.Error(), 100))
			if errors.Is(err, errCallTimeout) {
				msg = fmt.Sprintf("Timeout on batch %d: %s. Skipping this batch.", i+1, truncate(err.Error(), 100))
			}
			if ferr := b.registerFailure(ctx, msg); ferr != nil {
				return count, ferr
			}
		}
	}
	return count, nil
}

// gateError wraps a gate failure met mid-batch so it is never counted as a batch failure
type gateError struct{ err error }

func (g *gateError) Error() string { return g.err.Error() }
func (g *gateError) Unwrap() error { return g.err }

func isGateError(err error) bool {
	var g *gateError
	return errors.As(err, &g)
}

func (b *Batcher) embedBatch(ctx context.Context, batch []PendingChunk, idx, total int, deadline *time.Time) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	b.notify(ctx, types.LevelInfo, fmt.Sprintf("Processing embedding batch %d/%d (%d chunks)...", idx, total, len(batch)))

	resp, err := b.call(ctx, texts, *deadline)
	if errors.Is(err, errCallTimeout) {
		b.observe(ctx, OutcomeRetry)
		b.notify(ctx, types.LevelWarning, fmt.Sprintf("Timeout waiting for embedding response for batch %d. Retrying...", idx))
		waited, gerr := b.gate(ctx)
		if gerr != nil {
			return 0, &gateError{err: gerr}
		}
		*deadline = deadline.Add(waited)
		resp, err = b.call(ctx, texts, *deadline)
	}
	if err != nil {
		if !errors.Is(err, errWindowTimeout) {
			b.observe(ctx, OutcomeFailure)
		}
		return 0, err
	}

	vectors := make([]Vector, len(batch))
	for i, c := range batch {
		emb := resp.Embeddings[i]
		vectors[i] = Vector{ChunkID: c.ChunkID, Values: emb.Vector, Provider: emb.Provider, Model: emb.Model}
	}
	if err := b.sink.SaveEmbeddings(ctx, vectors); err != nil {
		b.observe(ctx, OutcomeFailure)
		return 0, fmt.Errorf("save embeddings: %w", err)
	}
	b.recordUsage(ctx, resp)
	b.observe(ctx, OutcomeSuccess)

	b.embedded += len(batch)
	b.notify(ctx, types.LevelInfo, fmt.Sprintf("Embedded batch %d/%d - %d embeddings created so far", idx, total, b.embedded))
	return len(batch), nil
}

// call runs one provider request bounded by CallTimeout and the window deadline
func (b *Batcher) call(ctx context.Context, texts []string, deadline time.Time) (*BatchEmbeddingResponse, error) {
	remaining := deadline.Sub(b.now())
	if remaining <= 0 {
		return nil, errWindowTimeout
	}
	timeout, windowBound := b.cfg.CallTimeout, false
	if remaining < timeout {
		timeout, windowBound = remaining, true
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := b.emb.GenerateBatch(cctx, BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			if windowBound {
				return nil, errWindowTimeout
			}
			return nil, fmt.Errorf("%w after %s", errCallTimeout, timeout)
		}
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderFailed, len(texts), len(resp.Embeddings))
	}
	return resp, nil
}

func (b *Batcher) recordUsage(ctx context.Context, resp *BatchEmbeddingResponse) {
	if b.usage == nil || resp.TokensUsed <= 0 {
		return
	}
	cost := Cost(resp.Provider, resp.Model, resp.TokensUsed)
	if err := b.usage.RecordUsage(ctx, int64(resp.TokensUsed), cost); err != nil {
		b.logger.Warn("failed to record embedding usage", "error", err)
	}
}

func (b *Batcher) registerFailure(ctx context.Context, message string) error {
	b.failures++
	b.notify(ctx, types.LevelWarning, message)
	b.logger.Warn("embedding failure", "failures", b.failures, "message", message)
	if b.failures > b.cfg.MaxFailures {
		b.notify(ctx, types.LevelError, fmt.Sprintf("Embedding failed more than %d batches; aborting analysis", b.cfg.MaxFailures))
		return fmt.Errorf("%w: %d failed batches", ErrTooManyFailures, b.failures)
	}
	return nil
}

// gate runs the pause gate and reports how long it blocked
func (b *Batcher) gate(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.hooks.Gate == nil {
		return 0, nil
	}
	start := b.now()
	if err := b.hooks.Gate(ctx); err != nil {
		return 0, err
	}
	return b.now().Sub(start), nil
}

func (b *Batcher) notify(ctx context.Context, level types.LogLevel, message string) {
	if b.hooks.Notify != nil {
		b.hooks.Notify(ctx, level, message)
	}
}

func (b *Batcher) observe(ctx context.Context, outcome string) {
	if b.hooks.OnBatch != nil {
		b.hooks.OnBatch(ctx, outcome)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
