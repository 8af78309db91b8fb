package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/src-d/enry/v2"

	"github.com/dshills/codeatlas/internal/chunker"
	"github.com/dshills/codeatlas/internal/embedder"
	"github.com/dshills/codeatlas/internal/extractor"
	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/scanner"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// ErrAlreadyRunning is returned when the project is already being preprocessed
var ErrAlreadyRunning = errors.New("preprocessing already running for project")

// EventKind distinguishes log lines from progress updates
type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
)

// Event is one observable step of a preprocessing run
type Event struct {
	Kind        EventKind
	Level       types.LogLevel
	Message     string
	Stage       types.Stage
	Percent     *int
	CurrentFile string
	FileIndex   int
	TotalFiles  int
}

// Input names the analysis and repository to preprocess
type Input struct {
	AnalysisID string
	ProjectID  int64
	RootPath   string
}

// Hooks connect a run to its job. All are optional.
type Hooks struct {
	// Gate blocks while the job is paused. Its error aborts the run.
	Gate func(ctx context.Context) error
	// Emit delivers events in order
	Emit func(ctx context.Context, ev Event)
	// RecordUsage accumulates embedding tokens and cost
	RecordUsage func(ctx context.Context, tokens int64, cost float64) error
}

// Config contains configuration for the pipeline
type Config struct {
	MaxChunkChars int
	Batcher       embedder.BatcherConfig
	Skip          []string // extra names or globs for the scanner
}

// Stats summarizes a run
type Stats struct {
	TotalFiles        int
	FilesProcessed    int
	FilesSkipped      int // unchanged since the last run
	FilesFailed       int
	ChunksCreated     int
	Embedded          int
	EmbeddingFailures int
	Duration          time.Duration
}

// Pipeline coordinates preprocessing: scan -> extract -> split -> store -> embed
type Pipeline struct {
	store    storage.Storage
	scanner  *scanner.Scanner
	registry *extractor.Registry
	splitter *chunker.Splitter
	emb      embedder.Embedder // nil skips embeddings
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
	locks    *LockSet
}

// New creates a pipeline. emb may be nil when no provider is configured.
func New(store storage.Storage, emb embedder.Embedder, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		scanner:  scanner.New(scanner.WithSkip(cfg.Skip...), scanner.WithLogger(logger)),
		registry: extractor.NewRegistry(),
		splitter: chunker.New(cfg.MaxChunkChars),
		emb:      emb,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		locks:    NewLockSet(),
	}
}

// run carries the state of one Run call
type run struct {
	*Pipeline
	in      Input
	hooks   Hooks
	batcher *embedder.Batcher
	stats   Stats
	total   int
	index   int
}

// Run preprocesses the repository at in.RootPath into in.ProjectID. Unchanged
// files keep their chunks, so a restarted run only extracts what changed.
func (p *Pipeline) Run(ctx context.Context, in Input, hooks Hooks) (*Stats, error) {
	lock := p.locks.Get(in.ProjectID)
	if !lock.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer lock.Release()

	start := time.Now()
	r := &run{Pipeline: p, in: in, hooks: hooks}
	if p.emb != nil {
		r.batcher = embedder.NewBatcher(p.emb, embedder.VectorSinkFunc(r.saveEmbeddings), r.usageRecorder(),
			p.cfg.Batcher, embedder.BatcherHooks{
				Gate:    hooks.Gate,
				Notify:  r.log,
				OnStart: r.embeddingStarted,
				OnBatch: func(ctx context.Context, outcome string) { p.metrics.EmbeddingBatch(ctx, outcome) },
			}, p.logger)
	}

	if err := r.execute(ctx); err != nil {
		return nil, err
	}
	r.stats.Duration = time.Since(start)
	p.logger.Info("preprocessing finished",
		"analysis_id", in.AnalysisID,
		"files", r.stats.FilesProcessed,
		"skipped", r.stats.FilesSkipped,
		"chunks", r.stats.ChunksCreated,
		"duration", r.stats.Duration)
	return &r.stats, nil
}

func (r *run) execute(ctx context.Context) error {
	if _, err := os.Stat(r.in.RootPath); err != nil {
		return fmt.Errorf("repository not found: %s: %w", r.in.RootPath, err)
	}

	// Step 1: scan
	if err := r.gate(ctx); err != nil {
		return err
	}
	r.emit(ctx, Event{Kind: EventLog, Level: types.LevelInfo, Message: "Step 1: Analyzing repository structure", Stage: types.StageRepoScan})
	scanStart := time.Now()
	res, err := r.scanner.Scan(ctx, r.in.RootPath)
	if err != nil {
		return fmt.Errorf("scan repository: %w", err)
	}
	r.metrics.StageDuration(ctx, string(types.StageRepoScan), time.Since(scanStart))
	if err := r.store.UpsertRepository(ctx, repositoryRecord(r.in.ProjectID, res.Summary)); err != nil {
		return fmt.Errorf("save repository metadata: %w", err)
	}

	// Step 2: extract
	if err := r.gate(ctx); err != nil {
		return err
	}
	r.emit(ctx, Event{Kind: EventLog, Level: types.LevelInfo, Message: "Step 2: Processing files and extracting code chunks", Stage: types.StageCodeChunking})
	chunkStart := time.Now()
	files := res.SourceFiles()
	r.total = len(files)
	r.stats.TotalFiles = r.total
	for _, f := range files {
		if err := r.processFile(ctx, f); err != nil {
			return err
		}
	}
	r.metrics.StageDuration(ctx, string(types.StageCodeChunking), time.Since(chunkStart))

	// Step 3: embed what the windows left behind
	if err := r.embedTail(ctx); err != nil {
		return err
	}

	if err := r.store.UpdateRepositoryProgress(ctx, r.in.ProjectID, "completed", r.index, r.stats.ChunksCreated, true); err != nil {
		return fmt.Errorf("mark repository preprocessed: %w", err)
	}
	return nil
}

// processFile extracts and stores one file. Extraction problems are logged and
// skipped; gate, storage and embedding-threshold errors abort the run.
func (r *run) processFile(ctx context.Context, f scanner.File) error {
	if err := r.gate(ctx); err != nil {
		return err
	}
	r.index++
	percent := min(r.index*100/max(r.total, 1), 99)
	r.emit(ctx, Event{
		Kind:        EventProgress,
		Stage:       types.StageCodeChunking,
		Percent:     &percent,
		CurrentFile: f.Path,
		FileIndex:   r.index,
		TotalFiles:  r.total,
	})
	r.log(ctx, types.LevelInfo, fmt.Sprintf("Processing: %s (%s)", f.Path, f.Language))

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		r.fileFailed(ctx, f, err)
		return nil
	}
	if enry.IsBinary(content) {
		r.logger.Debug("skipping binary file", "path", f.Path)
		return nil
	}
	hash := sha256.Sum256(content)

	existing, err := r.store.GetFile(ctx, r.in.ProjectID, f.Path)
	switch {
	case err == nil && existing.ContentHash == hash:
		r.stats.FilesSkipped++
		r.stats.ChunksCreated += existing.ChunksCreated
		r.logger.Debug("file unchanged, keeping chunks", "path", f.Path)
		return nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load file record: %w", err)
	}

	raw, err := r.registry.Extract(ctx, f.Language, f.Path, content)
	if err != nil {
		r.fileFailed(ctx, f, err)
		return nil
	}
	units := r.splitter.SplitAll(raw)
	if len(units) > 0 {
		r.log(ctx, types.LevelInfo, fmt.Sprintf("Extracted %d code chunks from %s", len(units), f.Path))
	}

	record := fileRecord(r.in.ProjectID, f, hash, content, raw, units)
	chunks := make([]*storage.Chunk, len(units))
	err = r.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpsertFile(ctx, record); err != nil {
			return err
		}
		if existing != nil {
			if err := tx.DeleteChunksByFile(ctx, record.ID); err != nil {
				return err
			}
		}
		for i := range units {
			chunks[i] = chunkRecord(record, f, units[i])
			if err := tx.InsertChunk(ctx, chunks[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", f.Path, err)
	}

	r.stats.FilesProcessed++
	r.stats.ChunksCreated += len(chunks)
	r.metrics.FilesProcessed(ctx, 1)
	r.metrics.ChunksCreated(ctx, len(chunks))

	if r.batcher == nil {
		return nil
	}
	pending := make([]embedder.PendingChunk, len(chunks))
	for i, c := range chunks {
		pending[i] = embedder.PendingChunk{ChunkID: c.ID, Text: chunker.EmbedText(units[i])}
	}
	return r.batcher.Add(ctx, pending)
}

func (r *run) embedTail(ctx context.Context) error {
	if r.batcher == nil {
		r.log(ctx, types.LevelWarning, "Embedding provider not configured - skipping embeddings")
		r.logger.Warn("no embedding provider configured, skipping embeddings")
		return nil
	}
	embedStart := time.Now()
	defer func() {
		r.stats.Embedded = r.batcher.Embedded()
		r.stats.EmbeddingFailures = r.batcher.Failures()
	}()

	if err := r.batcher.Flush(ctx); err != nil {
		return err
	}
	missing, err := r.store.ListChunksWithoutEmbedding(ctx, r.in.ProjectID)
	if err != nil {
		return fmt.Errorf("list chunks without embeddings: %w", err)
	}
	pending := make([]embedder.PendingChunk, len(missing))
	for i, c := range missing {
		pending[i] = embedder.PendingChunk{ChunkID: c.ID, Text: chunker.EmbedText(types.Unit{
			Name:      c.Name,
			Kind:      c.Kind,
			Docstring: c.Docstring,
			Content:   c.Content,
		})}
	}
	if err := r.batcher.EmbedRemaining(ctx, pending); err != nil {
		return err
	}
	r.metrics.StageDuration(ctx, string(types.StageEmbeddingGeneration), time.Since(embedStart))
	return nil
}

func (r *run) embeddingStarted(ctx context.Context) {
	r.emit(ctx, Event{
		Kind:       EventProgress,
		Stage:      types.StageEmbeddingGeneration,
		FileIndex:  r.index,
		TotalFiles: r.total,
	})
	r.log(ctx, types.LevelInfo, "Starting embeddings generation")
}

// saveEmbeddings persists one batch of vectors in a short transaction
func (r *run) saveEmbeddings(ctx context.Context, vectors []embedder.Vector) error {
	return r.store.WithTx(ctx, func(tx storage.Tx) error {
		for _, v := range vectors {
			err := tx.UpsertEmbedding(ctx, &storage.Embedding{
				ChunkID:   v.ChunkID,
				Vector:    storage.SerializeVector(v.Values),
				Dimension: len(v.Values),
				Provider:  v.Provider,
				Model:     v.Model,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *run) usageRecorder() embedder.UsageRecorder {
	return embedder.UsageRecorderFunc(func(ctx context.Context, tokens int64, cost float64) error {
		r.metrics.Tokens(ctx, "embedding", tokens)
		if r.hooks.RecordUsage == nil {
			return nil
		}
		return r.hooks.RecordUsage(ctx, tokens, cost)
	})
}

func (r *run) fileFailed(ctx context.Context, f scanner.File, err error) {
	r.stats.FilesFailed++
	r.logger.Warn("failed to process file", "path", f.Path, "error", err)
	r.log(ctx, types.LevelWarning, fmt.Sprintf("Error processing %s: %v", f.Path, err))
}

func (r *run) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.hooks.Gate == nil {
		return nil
	}
	return r.hooks.Gate(ctx)
}

func (r *run) emit(ctx context.Context, ev Event) {
	if r.hooks.Emit != nil {
		r.hooks.Emit(ctx, ev)
	}
}

func (r *run) log(ctx context.Context, level types.LogLevel, message string) {
	r.emit(ctx, Event{Kind: EventLog, Level: level, Message: message})
}

func repositoryRecord(projectID int64, s scanner.Summary) *storage.Repository {
	return &storage.Repository{
		ProjectID:           projectID,
		RepositoryType:      s.RepositoryType,
		PrimaryFramework:    s.PrimaryFramework,
		SecondaryFrameworks: s.SecondaryFrameworks,
		TotalFiles:          s.TotalFiles,
		CodeFiles:           s.CodeFiles,
		TestFiles:           s.TestFiles,
		ConfigFiles:         s.ConfigFiles,
		DocumentationFiles:  s.DocumentationFiles,
		EntryPoints:         s.EntryPoints,
		ConfigFilesList:     s.ConfigFilesList,
		Dependencies:        s.Dependencies,
		PreprocessingStatus: "processing",
	}
}

func fileRecord(projectID int64, f scanner.File, hash [32]byte, content []byte, raw, units []types.Unit) *storage.File {
	rec := &storage.File{
		ProjectID:     projectID,
		FilePath:      f.Path,
		FileName:      f.Name,
		FileType:      string(f.Type),
		Language:      f.Language,
		ContentHash:   hash,
		LinesOfCode:   countLines(content),
		IsTest:        f.IsTest,
		IsImportant:   f.IsImportant,
		ChunksCreated: len(units),
	}
	for i := range units {
		if units[i].Docstring != "" {
			rec.HasDocstring = true
			break
		}
	}
	for i := range raw {
		switch raw[i].Kind {
		case types.KindFunction:
			rec.FunctionCount++
		case types.KindClass:
			rec.ClassCount++
		}
	}
	return rec
}

func chunkRecord(file *storage.File, f scanner.File, u types.Unit) *storage.Chunk {
	return &storage.Chunk{
		ProjectID:    file.ProjectID,
		FileID:       file.ID,
		FilePath:     f.Path,
		Kind:         u.Kind,
		Name:         u.Name,
		Content:      u.Content,
		StartLine:    u.StartLine,
		EndLine:      u.EndLine,
		Language:     f.Language,
		Docstring:    u.Docstring,
		Dependencies: u.Dependencies,
		Parameters:   u.Parameters,
		ReturnType:   u.ReturnType,
		Parent:       u.Parent,
		IsImportant:  f.IsImportant,
	}
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
