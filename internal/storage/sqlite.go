package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dshills/codeatlas/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrNestedTx is returned when a transaction is started inside another
	ErrNestedTx = errors.New("nested transactions are not supported")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	store
	db *sql.DB
}

// store holds the query implementations shared by the database and its transactions
type store struct {
	q querier
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer; it also keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{store: store{q: db}, db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{store: store{q: tx}, tx: tx}, nil
}

// WithTx runs fn inside a transaction, committing on success
func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateAnalysis applies mutate to the stored analysis in its own transaction
func (s *SQLiteStorage) UpdateAnalysis(ctx context.Context, id string, mutate func(*Analysis) error) (*Analysis, error) {
	var updated *Analysis
	err := s.WithTx(ctx, func(tx Tx) error {
		a, err := tx.UpdateAnalysis(ctx, id, mutate)
		updated = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SaveArtifacts writes all artifacts in a single transaction
func (s *SQLiteStorage) SaveArtifacts(ctx context.Context, artifacts []*Artifact) error {
	return s.WithTx(ctx, func(tx Tx) error {
		return tx.SaveArtifacts(ctx, artifacts)
	})
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	store
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) Close() error {
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}

func (t *sqliteTx) WithTx(ctx context.Context, fn func(Tx) error) error {
	return fn(t)
}

func (t *sqliteTx) UpdateAnalysis(ctx context.Context, id string, mutate func(*Analysis) error) (*Analysis, error) {
	return t.updateAnalysis(ctx, id, mutate)
}

func (t *sqliteTx) SaveArtifacts(ctx context.Context, artifacts []*Artifact) error {
	return t.saveArtifacts(ctx, artifacts)
}

// Project operations

// GetOrCreateProject returns the project rooted at rootPath, creating it on first use
func (s *store) GetOrCreateProject(ctx context.Context, rootPath, name string) (*Project, error) {
	if name == "" {
		name = filepath.Base(rootPath)
	}
	query := `
		INSERT INTO projects (root_path, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(root_path) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id, root_path, name, created_at, updated_at
	`
	now := toMillis(time.Now())
	var p Project
	var created, updated int64
	err := s.q.QueryRowContext(ctx, query, rootPath, name, now, now).Scan(
		&p.ID, &p.RootPath, &p.Name, &created, &updated,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create project: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *store) GetProjectByID(ctx context.Context, projectID int64) (*Project, error) {
	query := `SELECT id, root_path, name, created_at, updated_at FROM projects WHERE id = ?`
	var p Project
	var created, updated int64
	err := s.q.QueryRowContext(ctx, query, projectID).Scan(&p.ID, &p.RootPath, &p.Name, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// File operations

const fileColumns = `id, project_id, file_path, file_name, file_type, language, content_hash,
	lines_of_code, is_test, is_important, has_docstring, function_count, class_count,
	chunks_created, updated_at`

func scanFile(row rowScanner) (*File, error) {
	var f File
	var hash []byte
	var updated int64
	err := row.Scan(
		&f.ID, &f.ProjectID, &f.FilePath, &f.FileName, &f.FileType, &f.Language, &hash,
		&f.LinesOfCode, &f.IsTest, &f.IsImportant, &f.HasDocstring, &f.FunctionCount,
		&f.ClassCount, &f.ChunksCreated, &updated,
	)
	if err != nil {
		return nil, err
	}
	copy(f.ContentHash[:], hash)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func (s *store) UpsertFile(ctx context.Context, file *File) error {
	query := `
		INSERT INTO files (project_id, file_path, file_name, file_type, language, content_hash,
			lines_of_code, is_test, is_important, has_docstring, function_count, class_count,
			chunks_created, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, file_path) DO UPDATE SET
			file_name = excluded.file_name,
			file_type = excluded.file_type,
			language = excluded.language,
			content_hash = excluded.content_hash,
			lines_of_code = excluded.lines_of_code,
			is_test = excluded.is_test,
			is_important = excluded.is_important,
			has_docstring = excluded.has_docstring,
			function_count = excluded.function_count,
			class_count = excluded.class_count,
			chunks_created = excluded.chunks_created,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	if file.FileName == "" {
		file.FileName = filepath.Base(file.FilePath)
	}
	err := s.q.QueryRowContext(ctx, query,
		file.ProjectID, file.FilePath, file.FileName, file.FileType, file.Language, file.ContentHash[:],
		file.LinesOfCode, file.IsTest, file.IsImportant, file.HasDocstring, file.FunctionCount,
		file.ClassCount, file.ChunksCreated, toMillis(now)).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	file.UpdatedAt = now
	return nil
}

func (s *store) GetFile(ctx context.Context, projectID int64, filePath string) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE project_id = ? AND file_path = ?`
	f, err := scanFile(s.q.QueryRowContext(ctx, query, projectID, filePath))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *store) ListFiles(ctx context.Context, projectID int64) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE project_id = ? ORDER BY file_path`
	rows, err := s.q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	files := make([]*File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Chunk operations

const chunkColumns = `c.id, c.project_id, c.file_id, c.file_path, c.chunk_type, c.name, c.content,
	c.start_line, c.end_line, c.language, c.docstring, c.dependencies, c.parameters,
	c.return_type, c.parent, c.is_important, c.created_at,
	EXISTS(SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id)`

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var kind, deps, params string
	var created int64
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.FileID, &c.FilePath, &kind, &c.Name, &c.Content,
		&c.StartLine, &c.EndLine, &c.Language, &c.Docstring, &deps, &params,
		&c.ReturnType, &c.Parent, &c.IsImportant, &created, &c.HasEmbedding,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = types.ChunkKind(kind)
	c.CreatedAt = fromMillis(created)
	if err := decodeJSON(deps, &c.Dependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(params, &c.Parameters); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *store) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*Chunk, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *store) InsertChunk(ctx context.Context, chunk *Chunk) error {
	deps, err := encodeJSON(nonNil(chunk.Dependencies))
	if err != nil {
		return err
	}
	params, err := encodeJSON(nonNil(chunk.Parameters))
	if err != nil {
		return err
	}
	query := `
		INSERT INTO chunks (project_id, file_id, file_path, chunk_type, name, content,
			start_line, end_line, language, docstring, dependencies, parameters,
			return_type, parent, is_important, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := s.q.ExecContext(ctx, query,
		chunk.ProjectID, chunk.FileID, chunk.FilePath, string(chunk.Kind), chunk.Name, chunk.Content,
		chunk.StartLine, chunk.EndLine, chunk.Language, chunk.Docstring, deps, params,
		chunk.ReturnType, chunk.Parent, chunk.IsImportant, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	chunk.ID = id
	chunk.CreatedAt = now
	return nil
}

func (s *store) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.id = ?`
	c, err := scanChunk(s.q.QueryRowContext(ctx, query, chunkID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChunks loads chunks by id, preserving the order of chunkIDs and skipping missing ones
func (s *store) GetChunks(ctx context.Context, chunkIDs []int64) ([]*Chunk, error) {
	if len(chunkIDs) == 0 {
		return []*Chunk{}, nil
	}
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.id IN (` + placeholders(len(chunkIDs)) + `)`
	found, err := s.queryChunks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	ordered := make([]*Chunk, 0, len(found))
	for _, id := range chunkIDs {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func (s *store) ListChunks(ctx context.Context, projectID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.project_id = ? ORDER BY c.file_path, c.start_line`
	return s.queryChunks(ctx, query, projectID)
}

func (s *store) ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.file_id = ? ORDER BY c.start_line, c.id`
	return s.queryChunks(ctx, query, fileID)
}

func (s *store) ListChunksWithoutEmbedding(ctx context.Context, projectID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c
		WHERE c.project_id = ?
		AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id)
		ORDER BY c.id`
	return s.queryChunks(ctx, query, projectID)
}

func (s *store) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *store) CountChunks(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

// Embedding operations

func (s *store) UpsertEmbedding(ctx context.Context, embedding *Embedding) error {
	query := `
		INSERT INTO embeddings (chunk_id, vector, dimension, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			provider = excluded.provider,
			model = excluded.model
		RETURNING id
	`
	now := time.Now()
	err := s.q.QueryRowContext(ctx, query,
		embedding.ChunkID, embedding.Vector, embedding.Dimension,
		embedding.Provider, embedding.Model, toMillis(now)).Scan(&embedding.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	embedding.CreatedAt = now
	return nil
}

func (s *store) GetEmbedding(ctx context.Context, chunkID int64) (*Embedding, error) {
	query := `SELECT id, chunk_id, vector, dimension, provider, model, created_at FROM embeddings WHERE chunk_id = ?`
	var e Embedding
	var created int64
	err := s.q.QueryRowContext(ctx, query, chunkID).Scan(
		&e.ID, &e.ChunkID, &e.Vector, &e.Dimension, &e.Provider, &e.Model, &created,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// Search operations

func (s *store) SearchVector(ctx context.Context, projectID int64, queryVector []float32, limit int, minScore float64) ([]VectorResult, error) {
	return searchVector(ctx, s.q, projectID, queryVector, limit, minScore)
}

func (s *store) SearchText(ctx context.Context, projectID int64, query string, limit int) ([]TextResult, error) {
	return searchText(ctx, s.q, projectID, query, limit)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
