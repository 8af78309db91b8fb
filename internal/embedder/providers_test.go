package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer answers in the OpenAI format, returning data in reverse order
func embeddingServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if status != http.StatusOK {
			http.Error(w, `{"error":"nope"}`, status)
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), float32(i)},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"data":  data,
			"usage": map[string]int{"prompt_tokens": 7, "total_tokens": 7},
		})
	}))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestHTTPProvider_GenerateBatch(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, http.StatusOK)
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "", NewCache(10))
	require.NoError(t, err)
	p.WithEndpoint(server.URL)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bbb"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)

	// Reordered by index
	assert.Equal(t, []float32{1, 0}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{3, 1}, resp.Embeddings[1].Vector)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, ProviderOpenAI, resp.Provider)
	assert.Equal(t, DefaultOpenAIModel, resp.Model)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_CacheSkipsCall(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, http.StatusOK)
	defer server.Close()

	p, err := NewJinaProvider("test-key", "", NewCache(10))
	require.NoError(t, err)
	p.WithEndpoint(server.URL)
	ctx := context.Background()

	_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a"}})
	require.NoError(t, err)

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "cc"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []float32{1, 0}, resp.Embeddings[0].Vector)
	// Only "cc" was sent, so it sits at index 0 of the second request
	assert.Equal(t, []float32{2, 0}, resp.Embeddings[1].Vector)

	resp, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"cc"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, resp.TokensUsed)
}

func TestHTTPProvider_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, http.StatusUnauthorized)
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "", nil)
	require.NoError(t, err)
	p.WithEndpoint(server.URL)
	p.retry = fastRetry()

	_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, http.StatusBadGateway)
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "", nil)
	require.NoError(t, err)
	p.WithEndpoint(server.URL)
	p.retry = fastRetry()

	_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a"}})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "", nil)
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
	_, err = NewJinaProvider("", "", nil)
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
}

func TestHTTPProvider_BatchTooLarge(t *testing.T) {
	p, err := NewOpenAIProvider("test-key", "", nil)
	require.NoError(t, err)
	texts := make([]string, MaxBatchSize+1)
	for i := range texts {
		texts[i] = "x"
	}
	_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: texts})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		got, err := retryWithBackoff(context.Background(), fastRetry(), func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, assert.AnError
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		attempts := 0
		_, err := retryWithBackoff(context.Background(), fastRetry(), func() (int, error) {
			attempts++
			return 0, permanent(assert.AnError)
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := retryWithBackoff(ctx, fastRetry(), func() (int, error) {
			return 0, assert.AnError
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestOllamaProvider_GenerateBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultOllamaModel, req.Model)

		embeddings := make([][]float32, len(req.Input))
		for i := range req.Input {
			embeddings[i] = []float32{float32(i), 1}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             req.Model,
			"embeddings":        embeddings,
			"prompt_eval_count": 12,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL, "", NewCache(10))
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{1, 1}, resp.Embeddings[1].Vector)
	assert.Equal(t, 12, resp.TokensUsed)
	assert.Equal(t, ProviderOllama, resp.Provider)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		provider string
		wantErr  error
	}{
		{"auto openai", Config{OpenAIKey: "k"}, ProviderOpenAI, nil},
		{"auto jina", Config{JinaKey: "k"}, ProviderJina, nil},
		{"explicit local", Config{Provider: "LOCAL"}, ProviderLocal, nil},
		{"explicit ollama", Config{Provider: "ollama"}, ProviderOllama, nil},
		{"nothing configured", Config{}, "", ErrNoProviderEnabled},
		{"explicit none", Config{Provider: "none", OpenAIKey: "k"}, "", ErrNoProviderEnabled},
		{"unknown", Config{Provider: "bogus"}, "", ErrUnsupportedModel},
		{"explicit openai without key", Config{Provider: "openai"}, "", ErrNoProviderEnabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, emb.Provider())
			assert.NoError(t, emb.Close())
		})
	}
}
