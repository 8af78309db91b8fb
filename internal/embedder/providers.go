package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"

	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	DefaultBatchSize = 20
	MaxBatchSize     = 100

	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	openAIEndpoint = "https://api.openai.com/v1/embeddings"
	jinaEndpoint   = "https://api.jina.ai/v1/embeddings"
)

// HTTPProvider talks to an OpenAI-compatible /v1/embeddings endpoint.
// Both OpenAI and Jina speak this format.
type HTTPProvider struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
	cache      *Cache
	retry      RetryConfig
}

// NewOpenAIProvider creates an embedder backed by the OpenAI embeddings API
func NewOpenAIProvider(apiKey, model string, cache *Cache) (*HTTPProvider, error) {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return newHTTPProvider(ProviderOpenAI, openAIEndpoint, apiKey, model, OpenAIDimension, cache)
}

// NewJinaProvider creates an embedder backed by the Jina AI embeddings API
func NewJinaProvider(apiKey, model string, cache *Cache) (*HTTPProvider, error) {
	if model == "" {
		model = DefaultJinaModel
	}
	return newHTTPProvider(ProviderJina, jinaEndpoint, apiKey, model, JinaDimension, cache)
}

func newHTTPProvider(name, endpoint, apiKey, model string, dim int, cache *Cache) (*HTTPProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s api key not set", ErrNoProviderEnabled, name)
	}
	return &HTTPProvider{
		name:       name,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimension:  dim,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      cache,
		retry:      DefaultRetryConfig(),
	}, nil
}

// WithEndpoint points the provider at another OpenAI-compatible server
func (p *HTTPProvider) WithEndpoint(url string) *HTTPProvider {
	p.endpoint = url
	return p
}

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch serves cached texts locally and sends the rest in a single request
func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	out, missing := cachedBatch(p.cache, req.Texts)
	resp := &BatchEmbeddingResponse{Embeddings: out, Provider: p.name, Model: model}
	if len(missing) == 0 {
		return resp, nil
	}

	texts := make([]string, len(missing))
	for i, idx := range missing {
		texts[i] = req.Texts[idx]
	}
	result, err := retryWithBackoff(ctx, p.retry, func() (*apiResult, error) {
		return p.callAPI(ctx, texts, model)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailed, p.name, err)
	}
	if len(result.embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderFailed, len(texts), len(result.embeddings))
	}

	for i, idx := range missing {
		emb := result.embeddings[i]
		emb.Hash = ComputeHash(req.Texts[idx])
		p.cache.Set(emb.Hash, emb)
		out[idx] = emb
	}
	resp.TokensUsed = result.tokens
	return resp, nil
}

type apiResult struct {
	embeddings []*Embedding
	tokens     int
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) (*apiResult, error) {
	body, err := json.Marshal(map[string]any{
		"input": texts,
		"model": model,
	})
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanent(apiErr)
		}
		return nil, apiErr
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// The API may return data out of order; index is authoritative
	sort.SliceStable(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })

	result := &apiResult{
		embeddings: make([]*Embedding, len(apiResp.Data)),
		tokens:     apiResp.Usage.TotalTokens,
	}
	if result.tokens == 0 {
		result.tokens = apiResp.Usage.PromptTokens
	}
	if apiResp.Model == "" {
		apiResp.Model = model
	}
	for i, data := range apiResp.Data {
		result.embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     apiResp.Model,
		}
	}
	return result, nil
}

func (p *HTTPProvider) Dimension() int   { return p.dimension }
func (p *HTTPProvider) Provider() string { return p.name }
func (p *HTTPProvider) Model() string    { return p.model }

func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider derives deterministic unit vectors from a hash of the text.
// It needs no network and is meant for tests and offline runs; similarity
// between vectors carries no meaning beyond identical texts scoring 1.
type LocalProvider struct {
	model string
	cache *Cache
}

func NewLocalProvider(cache *Cache) *LocalProvider {
	return &LocalProvider{model: "local-hash", cache: cache}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := ComputeHash(req.Text)
	if emb, ok := l.cache.Get(hash); ok {
		return emb, nil
	}
	emb := &Embedding{
		Vector:    NormalizeVector(hashVector(req.Text, LocalDimension)),
		Dimension: LocalDimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      hash,
	}
	l.cache.Set(hash, emb)
	return emb, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int   { return LocalDimension }
func (l *LocalProvider) Provider() string { return ProviderLocal }
func (l *LocalProvider) Model() string    { return l.model }
func (l *LocalProvider) Close() error     { return nil }

// hashVector stretches a SHA-256 chain over dim components in [-1, 1]
func hashVector(text string, dim int) []float32 {
	vector := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < dim; i++ {
		off := (i % 8) * 4
		if i > 0 && off == 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.LittleEndian.Uint32(block[off:])
		vector[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}
	return vector
}

// NormalizeVector scales v to unit length so inner product equals cosine similarity
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}
	return result
}
