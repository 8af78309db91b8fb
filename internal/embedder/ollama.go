package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaHost is where a local Ollama server listens
const DefaultOllamaHost = "http://localhost:11434"

// OllamaProvider embeds text with a model served by Ollama
type OllamaProvider struct {
	client    *api.Client
	model     string
	dimension int
	cache     *Cache
}

// NewOllamaProvider connects to host (DefaultOllamaHost when empty). No request
// is made until the first embedding.
func NewOllamaProvider(host, model string, cache *Cache) (*OllamaProvider, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &OllamaProvider{
		client:    api.NewClient(base, &http.Client{Timeout: 60 * time.Second}),
		model:     model,
		dimension: OllamaDimension,
		cache:     cache,
	}, nil
}

func (o *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := o.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (o *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = o.model
	}

	out, missing := cachedBatch(o.cache, req.Texts)
	resp := &BatchEmbeddingResponse{Embeddings: out, Provider: ProviderOllama, Model: model}
	if len(missing) == 0 {
		return resp, nil
	}

	input := make([]string, len(missing))
	for i, idx := range missing {
		input[i] = req.Texts[idx]
	}
	result, err := o.client.Embed(ctx, &api.EmbedRequest{Model: model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %w", ErrProviderFailed, err)
	}
	if len(result.Embeddings) != len(input) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderFailed, len(input), len(result.Embeddings))
	}

	for i, idx := range missing {
		vec := result.Embeddings[i]
		emb := &Embedding{
			Vector:    vec,
			Dimension: len(vec),
			Provider:  ProviderOllama,
			Model:     model,
			Hash:      ComputeHash(req.Texts[idx]),
		}
		o.cache.Set(emb.Hash, emb)
		out[idx] = emb
	}
	resp.TokensUsed = result.PromptEvalCount
	return resp, nil
}

// Dimension is the nomic-embed-text size; other models report their own length per vector
func (o *OllamaProvider) Dimension() int   { return o.dimension }
func (o *OllamaProvider) Provider() string { return ProviderOllama }
func (o *OllamaProvider) Model() string    { return o.model }
func (o *OllamaProvider) Close() error     { return nil }
