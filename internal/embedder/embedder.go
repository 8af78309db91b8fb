package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
)

// Embedding is one vector with the provider that produced it
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // content hash used as the cache key
}

// EmbeddingRequest asks for a single vector
type EmbeddingRequest struct {
	Text  string
	Model string // optional override of the provider default
}

// BatchEmbeddingRequest asks for one vector per text, in order
type BatchEmbeddingRequest struct {
	Texts []string
	Model string
}

// BatchEmbeddingResponse carries vectors in request order plus billed usage.
// TokensUsed is zero when every text was served from cache.
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
	TokensUsed int
}

// Embedder generates vector embeddings for text
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts in one provider call
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	Dimension() int
	Provider() string
	Model() string
	Close() error
}

const defaultCacheSize = 10000

// Cache is an LRU of embeddings keyed by content hash
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a cache holding up to maxLen embeddings
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = defaultCacheSize
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](defaultCacheSize)
	}
	return &Cache{cache: cache}
}

// Get returns a copy of the cached embedding so callers cannot mutate the entry
func (c *Cache) Get(hash string) (*Embedding, bool) {
	if c == nil {
		return nil, false
	}
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	clone := *emb
	clone.Vector = append([]float32(nil), emb.Vector...)
	return &clone, true
}

// Set stores an embedding, evicting the least recently used entry when full
func (c *Cache) Set(hash string, emb *Embedding) {
	if c == nil || emb == nil {
		return
	}
	c.cache.Add(hash, emb)
}

func (c *Cache) size() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// ComputeHash is the SHA-256 hex digest of text
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateRequest rejects empty text
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest rejects empty batches and empty texts
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	for i, text := range req.Texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}

// cachedBatch splits a batch into cache hits and the indexes that still need a provider call
func cachedBatch(cache *Cache, texts []string) ([]*Embedding, []int) {
	out := make([]*Embedding, len(texts))
	var missing []int
	for i, text := range texts {
		if emb, ok := cache.Get(ComputeHash(text)); ok {
			out[i] = emb
			continue
		}
		missing = append(missing, i)
	}
	return out, missing
}
