package embedder

import (
	"fmt"
	"strings"
)

// Config selects and configures an embedding provider
type Config struct {
	Provider   string // openai, jina, ollama, local, none; empty auto-detects
	Model      string
	OpenAIKey  string
	JinaKey    string
	OllamaHost string
	CacheSize  int
}

// New creates an embedder from cfg. With no explicit provider it picks OpenAI,
// then Jina, by which key is present. It returns ErrNoProviderEnabled when nothing
// is configured; callers treat that as "skip embeddings".
func New(cfg Config) (Embedder, error) {
	cache := NewCache(cfg.CacheSize)

	var (
		emb Embedder
		err error
	)
	switch DetectProvider(cfg) {
	case ProviderOpenAI:
		emb, err = asEmbedder(NewOpenAIProvider(cfg.OpenAIKey, cfg.Model, cache))
	case ProviderJina:
		emb, err = asEmbedder(NewJinaProvider(cfg.JinaKey, cfg.Model, cache))
	case ProviderOllama:
		emb, err = asEmbedder(NewOllamaProvider(cfg.OllamaHost, cfg.Model, cache))
	case ProviderLocal:
		emb = NewLocalProvider(cache)
	case "", "none":
		err = ErrNoProviderEnabled
	default:
		err = fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// asEmbedder keeps a failed constructor from producing a non-nil interface
func asEmbedder[T Embedder](p T, err error) (Embedder, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DetectProvider returns the provider New would build for cfg, or "" when none
func DetectProvider(cfg Config) string {
	if cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	if cfg.OpenAIKey != "" {
		return ProviderOpenAI
	}
	if cfg.JinaKey != "" {
		return ProviderJina
	}
	return ""
}
