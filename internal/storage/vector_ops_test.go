package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeatlas/pkg/types"
)

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func seedVectors(t *testing.T, s *SQLiteStorage, vectors map[string][]float32) (int64, map[string]int64) {
	ctx := context.Background()
	project, file := setupProjectFile(t, s)
	ids := make(map[string]int64, len(vectors))
	line := 1
	for name, vec := range vectors {
		c := &Chunk{ProjectID: project.ID, FileID: file.ID, FilePath: file.FilePath,
			Kind: types.KindFunction, Name: name, Content: "def " + name + "(): pass",
			StartLine: line, EndLine: line}
		line++
		require.NoError(t, s.InsertChunk(ctx, c))
		require.NoError(t, s.UpsertEmbedding(ctx, &Embedding{
			ChunkID: c.ID, Vector: SerializeVector(vec), Dimension: len(vec), Provider: "test", Model: "m",
		}))
		ids[name] = c.ID
	}
	return project.ID, ids
}

func TestSerializeRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3, 0}
	assert.Equal(t, v, deserializeVector(SerializeVector(v)))
}

func TestInnerProduct(t *testing.T) {
	assert.InDelta(t, 11.0, innerProduct([]float32{1, 2}, []float32{3, 4}), 1e-9)
	assert.Equal(t, 0.0, innerProduct([]float32{1}, []float32{1, 2}))
	assert.InDelta(t, 11.0, innerProductBlob(SerializeVector([]float32{1, 2}), SerializeVector([]float32{3, 4})), 1e-9)
}

func TestSearchVector_ExactDuplicateRanksFirst(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	query := normalize([]float32{0.3, 0.9, 0.1})
	projectID, ids := seedVectors(t, storage, map[string][]float32{
		"dup":     query,
		"near":    normalize([]float32{0.35, 0.85, 0.2}),
		"far":     normalize([]float32{-0.9, 0.1, 0.2}),
		"orthogo": normalize([]float32{0.9, -0.3, 0}),
	})

	results, err := storage.SearchVector(context.Background(), projectID, query, 5, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ids["dup"], results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.5)
		assert.NotEqual(t, ids["far"], r.ChunkID)
		assert.NotEqual(t, ids["orthogo"], r.ChunkID)
	}
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchVector_LimitAndDimensionMismatch(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	projectID, ids := seedVectors(t, storage, map[string][]float32{
		"a":     normalize([]float32{1, 0}),
		"b":     normalize([]float32{1, 0.1}),
		"wrong": normalize([]float32{1, 0, 0}),
	})

	results, err := storage.SearchVector(context.Background(), projectID, []float32{1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids["a"], results[0].ChunkID)

	results, err = storage.SearchVector(context.Background(), projectID, []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = storage.SearchVector(context.Background(), projectID, nil, 10, 0)
	assert.Error(t, err)
}

func TestSearchText(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	project, file := setupProjectFile(t, storage)
	for i, body := range []string{"def login(user): check password", "def render_home(): template"} {
		require.NoError(t, storage.InsertChunk(ctx, &Chunk{ProjectID: project.ID, FileID: file.ID,
			FilePath: file.FilePath, Kind: types.KindFunction, Name: "fn", Content: body,
			StartLine: i + 1, EndLine: i + 1}))
	}

	results, err := storage.SearchText(ctx, project.ID, `password AND "(injection*`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].BM25Score, 0.0)
	assert.LessOrEqual(t, results[0].BM25Score, 1.0)

	_, err = storage.SearchText(ctx, project.ID, "  ()*  ", 10)
	assert.Error(t, err)
}

func TestBuildFTSQuery(t *testing.T) {
	assert.Equal(t, `"user" OR "login_flow"`, buildFTSQuery("user? login_flow"))
	assert.Equal(t, "", buildFTSQuery("***"))
}
