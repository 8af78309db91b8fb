package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeatlas/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	return storage
}

func setupProjectFile(t *testing.T, s *SQLiteStorage) (*Project, *File) {
	ctx := context.Background()
	project, err := s.GetOrCreateProject(ctx, "/repo", "")
	require.NoError(t, err)
	file := &File{
		ProjectID:   project.ID,
		FilePath:    "app/main.py",
		FileType:    "code",
		Language:    "python",
		ContentHash: [32]byte{1, 2, 3},
	}
	require.NoError(t, s.UpsertFile(ctx, file))
	return project, file
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	assert.NotNil(t, storage.db)
}

func TestGetOrCreateProject(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	first, err := storage.GetOrCreateProject(ctx, "/work/shop", "")
	require.NoError(t, err)
	assert.Greater(t, first.ID, int64(0))
	assert.Equal(t, "shop", first.Name)

	again, err := storage.GetOrCreateProject(ctx, "/work/shop", "other")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "shop", again.Name)

	byID, err := storage.GetProjectByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "/work/shop", byID.RootPath)

	_, err = storage.GetProjectByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertFile(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, file := setupProjectFile(t, storage)
	firstID := file.ID
	assert.Equal(t, "main.py", file.FileName)

	file.ContentHash = [32]byte{9}
	file.FunctionCount = 4
	require.NoError(t, storage.UpsertFile(ctx, file))
	assert.Equal(t, firstID, file.ID)

	got, err := storage.GetFile(ctx, project.ID, "app/main.py")
	require.NoError(t, err)
	assert.Equal(t, [32]byte{9}, got.ContentHash)
	assert.Equal(t, 4, got.FunctionCount)

	_, err = storage.GetFile(ctx, project.ID, "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := storage.ListFiles(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestChunkLifecycle(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, file := setupProjectFile(t, storage)
	chunk := &Chunk{
		ProjectID:    project.ID,
		FileID:       file.ID,
		FilePath:     file.FilePath,
		Kind:         types.KindFunction,
		Name:         "create_order",
		Content:      "def create_order():\n    pass",
		StartLine:    3,
		EndLine:      4,
		Language:     "python",
		Dependencies: []string{"fastapi"},
	}
	require.NoError(t, storage.InsertChunk(ctx, chunk))
	assert.Greater(t, chunk.ID, int64(0))

	got, err := storage.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, "create_order", got.Name)
	assert.Equal(t, []string{"fastapi"}, got.Dependencies)
	assert.Empty(t, got.Parameters)
	assert.False(t, got.HasEmbedding)

	pending, err := storage.ListChunksWithoutEmbedding(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, storage.UpsertEmbedding(ctx, &Embedding{
		ChunkID:   chunk.ID,
		Vector:    SerializeVector([]float32{1, 0}),
		Dimension: 2,
		Provider:  "local",
		Model:     "test",
	}))

	pending, err = storage.ListChunksWithoutEmbedding(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err = storage.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.True(t, got.HasEmbedding)

	n, err := storage.CountChunks(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Deleting the file's chunks cascades to embeddings
	require.NoError(t, storage.DeleteChunksByFile(ctx, file.ID))
	_, err = storage.GetEmbedding(ctx, chunk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetChunks_PreservesOrder(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, file := setupProjectFile(t, storage)
	ids := make([]int64, 0, 3)
	for i, name := range []string{"a", "b", "c"} {
		c := &Chunk{ProjectID: project.ID, FileID: file.ID, FilePath: file.FilePath,
			Kind: types.KindFunction, Name: name, Content: name, StartLine: i + 1, EndLine: i + 1}
		require.NoError(t, storage.InsertChunk(ctx, c))
		ids = append(ids, c.ID)
	}

	got, err := storage.GetChunks(ctx, []int64{ids[2], 12345, ids[0]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Name)
	assert.Equal(t, "a", got[1].Name)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, file := setupProjectFile(t, storage)
	boom := errors.New("boom")
	err := storage.WithTx(ctx, func(tx Tx) error {
		c := &Chunk{ProjectID: project.ID, FileID: file.ID, FilePath: file.FilePath,
			Kind: types.KindModule, Name: "m", Content: "x", StartLine: 1, EndLine: 1}
		if err := tx.InsertChunk(ctx, c); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := storage.CountChunks(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTx_NestedBeginRejected(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	err := storage.WithTx(ctx, func(tx Tx) error {
		_, err := tx.BeginTx(ctx)
		return err
	})
	assert.ErrorIs(t, err, ErrNestedTx)
}

func TestRepositoryMetadata(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, _ := setupProjectFile(t, storage)
	repo := &Repository{
		ProjectID:        project.ID,
		RepositoryType:   "python",
		PrimaryFramework: "fastapi",
		EntryPoints:      map[string]string{"main.py": "main.py"},
		ConfigFilesList:  []string{"pyproject.toml"},
		Dependencies:     map[string][]string{"python": {"fastapi", "sqlalchemy"}},
	}
	require.NoError(t, storage.UpsertRepository(ctx, repo))

	require.NoError(t, storage.UpdateRepositoryProgress(ctx, project.ID, "completed", 3, 12, true))

	got, err := storage.GetRepository(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "fastapi", got.PrimaryFramework)
	assert.Equal(t, "main.py", got.EntryPoints["main.py"])
	assert.Equal(t, []string{"fastapi", "sqlalchemy"}, got.Dependencies["python"])
	assert.Equal(t, "completed", got.PreprocessingStatus)
	assert.Equal(t, 12, got.ChunksCreated)
	assert.True(t, got.IsPreprocessed)

	assert.ErrorIs(t, storage.UpdateRepositoryProgress(ctx, 404, "completed", 0, 0, true), ErrNotFound)
}
