package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// searchVector ranks a project's embeddings by inner product against queryVector
func searchVector(ctx context.Context, q querier, projectID int64, queryVector []float32, limit int, minScore float64) ([]VectorResult, error) {
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if VectorFunctionAvailable {
		return searchVectorSQL(ctx, q, projectID, queryVector, limit, minScore)
	}
	return searchVectorFallback(ctx, q, projectID, queryVector, limit, minScore)
}

// searchVectorSQL ranks inside SQLite using the registered inner_product function
func searchVectorSQL(ctx context.Context, q querier, projectID int64, queryVector []float32, limit int, minScore float64) ([]VectorResult, error) {
	if limit <= 0 {
		return []VectorResult{}, nil
	}
	blob := serializeVector(queryVector)
	query := `
		SELECT chunk_id, score FROM (
			SELECT c.id AS chunk_id, inner_product(e.vector, ?) AS score
			FROM chunks c
			INNER JOIN embeddings e ON c.id = e.chunk_id
			WHERE c.project_id = ? AND e.dimension = ?
		)
		WHERE score >= ?
		ORDER BY score DESC, chunk_id
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, blob, projectID, len(queryVector), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, limit)
	for rows.Next() {
		var r VectorResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchVectorFallback loads candidate vectors and ranks them in Go
func searchVectorFallback(ctx context.Context, q querier, projectID int64, queryVector []float32, limit int, minScore float64) ([]VectorResult, error) {
	query := `
		SELECT c.id, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		WHERE c.project_id = ?
	`
	rows, err := q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeScores(rows, queryVector, minScore)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	return buildVectorResults(candidates, limit), nil
}

// searchText performs BM25 full-text search using FTS5
func searchText(ctx context.Context, q querier, projectID int64, query string, limit int) ([]TextResult, error) {
	match := buildFTSQuery(query)
	if match == "" {
		return nil, fmt.Errorf("empty search query")
	}
	sqlQuery := `
		SELECT c.id, bm25(chunks_fts) AS score
		FROM chunks_fts
		INNER JOIN chunks c ON chunks_fts.rowid = c.id
		WHERE chunks_fts MATCH ? AND c.project_id = ?
		ORDER BY score
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, sqlQuery, match, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTextResults(rows)
}

// computeScores scores each row against the query, dropping those below minScore
func computeScores(rows *sql.Rows, queryVector []float32, minScore float64) ([]candidate, error) {
	queryBlob := serializeVector(queryVector)
	candidates := make([]candidate, 0, 256)
	for rows.Next() {
		var chunkID int64
		var blob []byte
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return nil, err
		}
		if len(blob) != len(queryBlob) {
			continue // Dimension mismatch, skip
		}
		score := innerProductBlob(blob, queryBlob)
		if score < minScore {
			continue
		}
		candidates = append(candidates, candidate{chunkID: chunkID, score: score})
	}
	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{ChunkID: candidates[i].chunkID, Score: candidates[i].score}
	}
	return results
}

// collectTextResults normalises BM25 scores into (0, 1]
func collectTextResults(rows *sql.Rows) ([]TextResult, error) {
	results := make([]TextResult, 0)
	for rows.Next() {
		var r TextResult
		if err := rows.Scan(&r.ChunkID, &r.BM25Score); err != nil {
			return nil, err
		}
		// BM25 scores are negative with lower being better, typically within [-50, 0]
		r.BM25Score = 1.0 / (1.0 + math.Abs(r.BM25Score)/50.0)
		results = append(results, r)
	}
	return results, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

// innerProduct of two equal-length vectors; mismatched lengths score 0
func innerProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// innerProductBlob is the SQL-side variant over serialized vectors
func innerProductBlob(a, b []byte) float64 {
	if len(a) != len(b) || len(a)%4 != 0 {
		return 0
	}
	var dot float64
	for i := 0; i < len(a); i += 4 {
		x := math.Float32frombits(binary.LittleEndian.Uint32(a[i:]))
		y := math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))
		dot += float64(x) * float64(y)
	}
	return dot
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	score   float64
}

// sortCandidates orders by score descending, then chunk id for stable output
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].chunkID < candidates[j].chunkID
		}
		return candidates[i].score > candidates[j].score
	})
}

// buildFTSQuery turns free text into an OR of quoted FTS5 terms so no input is parsed as syntax
func buildFTSQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// SerializeVector encodes a vector as the little-endian float32 blob stored in embeddings
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}
