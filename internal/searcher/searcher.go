package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/codeatlas/internal/embedder"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// Mode reports how a search was answered
type Mode string

const (
	ModeVector  Mode = "vector"  // Inner product over stored embeddings
	ModeKeyword Mode = "keyword" // FTS5 BM25 fallback
)

const (
	DefaultLimit     = 5
	DefaultThreshold = 0.5
	MaxLimit         = 100

	highConfidence = 0.8
	queryCacheSize = 1000
)

// ErrEmptyQuery is returned for blank queries
var ErrEmptyQuery = errors.New("query cannot be empty")

// Request contains parameters for a search operation
type Request struct {
	ProjectID int64
	Query     string
	Limit     int
	Threshold float64
}

// Response contains search results and metadata
type Response struct {
	Results  []types.SearchResult
	Mode     Mode
	Duration time.Duration
	CacheHit bool
}

// Searcher ranks stored chunks against natural language queries
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder
	logger   *slog.Logger

	cacheMu sync.Mutex
	vectors *lru.Cache[[32]byte, []float32]
}

// New creates a Searcher. emb may be nil, in which case every search uses
// the keyword fallback.
func New(store storage.Storage, emb embedder.Embedder, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	// Size is a positive constant so New cannot fail
	vectors, _ := lru.New[[32]byte, []float32](queryCacheSize)
	return &Searcher{
		storage:  store,
		embedder: emb,
		logger:   logger,
		vectors:  vectors,
	}
}

// Search embeds the query and returns chunks scoring at least Threshold,
// best first. When the query cannot be embedded it falls back to keyword
// search with low confidence.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	if err := validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	vector, hit, err := s.queryVector(ctx, req.Query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("query embedding unavailable, using keyword search", "error", err)
		resp, err := s.keywordSearch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Duration = time.Since(started)
		return resp, nil
	}

	matches, err := s.storage.SearchVector(ctx, req.ProjectID, vector, req.Limit, req.Threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	ranked := make([]rankedResult, len(matches))
	for i, m := range matches {
		ranked[i] = rankedResult{chunkID: m.ChunkID, score: m.Score, confidence: confidenceFor(m.Score)}
	}
	results, err := s.fetchResults(ctx, ranked)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Mode: ModeVector, Duration: time.Since(started), CacheHit: hit}, nil
}

// keywordSearch serves a request from the FTS5 index
func (s *Searcher) keywordSearch(ctx context.Context, req Request) (*Response, error) {
	matches, err := s.storage.SearchText(ctx, req.ProjectID, req.Query, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	ranked := make([]rankedResult, len(matches))
	for i, m := range matches {
		// bm25() is negative with better matches further below zero
		ranked[i] = rankedResult{chunkID: m.ChunkID, score: -m.BM25Score, confidence: types.ConfidenceLow}
	}
	results, err := s.fetchResults(ctx, ranked)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Mode: ModeKeyword}, nil
}

// queryVector returns the embedding of query, served from the LRU when the
// same provider and model embedded it before
func (s *Searcher) queryVector(ctx context.Context, query string) ([]float32, bool, error) {
	if s.embedder == nil {
		return nil, false, embedder.ErrNoProviderEnabled
	}
	key := sha256.Sum256([]byte(s.embedder.Provider() + "|" + s.embedder.Model() + "|" + query))

	s.cacheMu.Lock()
	cached, ok := s.vectors.Get(key)
	s.cacheMu.Unlock()
	if ok {
		return cached, true, nil
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: query})
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(emb.Vector) == 0 {
		return nil, false, fmt.Errorf("%w: empty query vector", embedder.ErrProviderFailed)
	}

	s.cacheMu.Lock()
	s.vectors.Add(key, emb.Vector)
	s.cacheMu.Unlock()
	return emb.Vector, false, nil
}

// rankedResult represents a chunk with its relevance score
type rankedResult struct {
	chunkID    int64
	score      float64
	confidence types.Confidence
}

// fetchResults loads chunk data for ranked hits, keeping rank order. Chunks
// deleted since ranking are skipped.
func (s *Searcher) fetchResults(ctx context.Context, ranked []rankedResult) ([]types.SearchResult, error) {
	if len(ranked) == 0 {
		return []types.SearchResult{}, nil
	}
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.chunkID
	}
	chunks, err := s.storage.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[int64]*storage.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]types.SearchResult, 0, len(ranked))
	for _, r := range ranked {
		chunk, ok := byID[r.chunkID]
		if !ok {
			continue
		}
		results = append(results, types.SearchResult{
			ChunkID:    chunk.ID,
			Rank:       len(results) + 1,
			Score:      r.score,
			Confidence: r.confidence,
			Name:       chunk.Name,
			Kind:       chunk.Kind,
			FilePath:   chunk.FilePath,
			Language:   chunk.Language,
			StartLine:  chunk.StartLine,
			EndLine:    chunk.EndLine,
			Content:    chunk.Content,
		})
	}
	return results, nil
}

// validateRequest ensures search request is valid
func validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.Threshold <= 0 {
		req.Threshold = DefaultThreshold
	}
	return nil
}

func confidenceFor(score float64) types.Confidence {
	if score >= highConfidence {
		return types.ConfidenceHigh
	}
	return types.ConfidenceMedium
}

// InvalidateCache drops every cached query vector, for example after the
// embedding provider changes
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.vectors.Purge()
	s.cacheMu.Unlock()
}
