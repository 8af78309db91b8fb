package storage

import (
	"context"
	"time"

	"github.com/dshills/codeatlas/pkg/types"
)

// Storage defines the interface for persisting analyses and the code data they index
type Storage interface {
	// Project operations
	GetOrCreateProject(ctx context.Context, rootPath, name string) (*Project, error)
	GetProjectByID(ctx context.Context, projectID int64) (*Project, error)

	// Repository metadata operations
	UpsertRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, projectID int64) (*Repository, error)
	UpdateRepositoryProgress(ctx context.Context, projectID int64, status string, filesProcessed, chunksCreated int, preprocessed bool) error

	// File operations
	UpsertFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, projectID int64, filePath string) (*File, error)
	ListFiles(ctx context.Context, projectID int64) ([]*File, error)

	// Chunk operations
	InsertChunk(ctx context.Context, chunk *Chunk) error
	GetChunk(ctx context.Context, chunkID int64) (*Chunk, error)
	GetChunks(ctx context.Context, chunkIDs []int64) ([]*Chunk, error)
	ListChunks(ctx context.Context, projectID int64) ([]*Chunk, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error)
	ListChunksWithoutEmbedding(ctx context.Context, projectID int64) ([]*Chunk, error)
	DeleteChunksByFile(ctx context.Context, fileID int64) error
	CountChunks(ctx context.Context, projectID int64) (int, error)

	// Embedding operations
	UpsertEmbedding(ctx context.Context, embedding *Embedding) error
	GetEmbedding(ctx context.Context, chunkID int64) (*Embedding, error)

	// Search operations
	SearchVector(ctx context.Context, projectID int64, vector []float32, limit int, minScore float64) ([]VectorResult, error)
	SearchText(ctx context.Context, projectID int64, query string, limit int) ([]TextResult, error)

	// Analysis operations
	CreateAnalysis(ctx context.Context, analysis *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, error)
	UpdateAnalysis(ctx context.Context, id string, mutate func(*Analysis) error) (*Analysis, error)
	AddAnalysisUsage(ctx context.Context, id string, tokens int64, cost float64) error

	// Log, interaction and artifact operations
	AppendLog(ctx context.Context, entry *AnalysisLog) error
	ListLogs(ctx context.Context, analysisID string, afterID int64, limit int) ([]*AnalysisLog, error)
	AddInteraction(ctx context.Context, interaction *Interaction) error
	ListInteractions(ctx context.Context, analysisID string) ([]*Interaction, error)
	SaveArtifacts(ctx context.Context, artifacts []*Artifact) error
	ListArtifacts(ctx context.Context, analysisID string) ([]*Artifact, error)

	// Checkpoint operations
	SaveCheckpoint(ctx context.Context, runID string, payload []byte) error
	LoadCheckpoint(ctx context.Context, runID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, runID string) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Project is a repository root on disk that analyses run against
type Project struct {
	ID        int64
	RootPath  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository holds the rollup produced by the repository scan
type Repository struct {
	ID                  int64
	ProjectID           int64
	RepositoryType      string
	PrimaryFramework    string
	SecondaryFrameworks []string
	TotalFiles          int
	CodeFiles           int
	TestFiles           int
	ConfigFiles         int
	DocumentationFiles  int
	EntryPoints         map[string]string
	ConfigFilesList     []string
	Dependencies        map[string][]string
	PreprocessingStatus string
	FilesProcessed      int
	ChunksCreated       int
	IsPreprocessed      bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// File represents a tracked source file
type File struct {
	ID            int64
	ProjectID     int64
	FilePath      string // Relative to project root
	FileName      string
	FileType      string // code, test, config, documentation
	Language      string
	ContentHash   [32]byte
	LinesOfCode   int
	IsTest        bool
	IsImportant   bool
	HasDocstring  bool
	FunctionCount int
	ClassCount    int
	ChunksCreated int
	UpdatedAt     time.Time
}

// Chunk is a persisted semantic unit
type Chunk struct {
	ID           int64
	ProjectID    int64
	FileID       int64
	FilePath     string
	Kind         types.ChunkKind
	Name         string
	Content      string
	StartLine    int
	EndLine      int
	Language     string
	Docstring    string
	Dependencies []string
	Parameters   []string
	ReturnType   string
	Parent       string
	IsImportant  bool
	HasEmbedding bool // Populated on reads
	CreatedAt    time.Time
}

// Embedding represents a vector embedding for a chunk
type Embedding struct {
	ID        int64
	ChunkID   int64
	Vector    []byte // Serialized float32 array
	Dimension int
	Provider  string
	Model     string
	CreatedAt time.Time
}

// Analysis is one analysis run over a project
type Analysis struct {
	ID                 string
	ProjectID          int64
	Status             types.Status
	Stage              types.Stage
	ProgressPercentage int
	ProcessedFiles     int
	TotalFiles         int
	CurrentFile        string
	TotalChunks        int
	TokensUsed         int64
	EstimatedCost      float64
	Config             types.AnalysisConfig
	Paused             bool
	PausedAt           *time.Time
	UserContext        types.UserContext
	ErrorMessage       string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AnalysisLog is an append-only event in an analysis history
type AnalysisLog struct {
	ID          int64
	AnalysisID  string
	Level       types.LogLevel
	Message     string
	Stage       types.Stage
	CurrentFile string
	FileIndex   int
	TotalFiles  int
	Progress    *int
	CreatedAt   time.Time
}

// Interaction records a question or context addition
type Interaction struct {
	ID         int64
	AnalysisID string
	Kind       types.InteractionKind
	Scope      string
	Content    string
	Response   string
	CreatedAt  time.Time
}

// Artifact is a final output document of an analysis
type Artifact struct {
	ID           int64
	AnalysisID   string
	ArtifactType string
	Persona      string
	Title        string
	Content      string
	Format       string
	CreatedAt    time.Time
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ChunkID int64
	Score   float64
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID   int64
	BM25Score float64
}
