package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/codeatlas/internal/embedder"
	"github.com/dshills/codeatlas/internal/llm"
)

const (
	configName = ".codeatlas"
	configType = "yaml"
	envPrefix  = "CODEATLAS"

	// DefaultDBPath is the default location for the database
	DefaultDBPath = "~/.codeatlas/codeatlas.db"
)

// wellKnownEnv binds keys to the unprefixed variables other tools already use
var wellKnownEnv = map[string]string{
	"embedding.openai_api_key": "OPENAI_API_KEY",
	"embedding.jina_api_key":   "JINA_API_KEY",
	"embedding.ollama_host":    "OLLAMA_HOST",
	"llm.api_key":              "ANTHROPIC_API_KEY",
	"websearch.server_url":     "MCP_SERVER_URL",
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. configPath selects the file explicitly; otherwise .codeatlas.yaml
// is looked up in the working directory and $HOME. A missing file is not an
// error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range wellKnownEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.listen", "")

	b := embedder.DefaultBatcherConfig()
	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.openai_api_key", "")
	v.SetDefault("embedding.jina_api_key", "")
	v.SetDefault("embedding.ollama_host", "")
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.batch_size", b.BatchSize)
	v.SetDefault("embedding.files_per_window", b.FilesPerWindow)
	v.SetDefault("embedding.max_chunks_per_window", b.MaxChunksPerWindow)
	v.SetDefault("embedding.max_failures", b.MaxFailures)
	v.SetDefault("embedding.call_timeout", b.CallTimeout)

	r := llm.DefaultRetryConfig()
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", llm.DefaultModel)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_retries", r.MaxRetries)
	v.SetDefault("llm.timeout", r.Timeout)
	v.SetDefault("llm.max_concurrent_calls", r.MaxConcurrentCalls)
	v.SetDefault("llm.requests_per_minute", 50)

	v.SetDefault("websearch.server_url", "")

	v.SetDefault("analysis.pause_timeout", 5*time.Minute)
	v.SetDefault("analysis.poll_interval", 500*time.Millisecond)
	v.SetDefault("analysis.max_chunk_chars", 0)
	v.SetDefault("analysis.skip", []string{})
}

// EmbedderConfig maps the embedding section onto the provider factory
func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:   c.Embedding.Provider,
		Model:      c.Embedding.Model,
		OpenAIKey:  c.Embedding.OpenAIKey,
		JinaKey:    c.Embedding.JinaKey,
		OllamaHost: c.Embedding.OllamaHost,
		CacheSize:  c.Embedding.CacheSize,
	}
}

// BatcherConfig maps the embedding section onto the pipeline batcher
func (c *Config) BatcherConfig() embedder.BatcherConfig {
	return embedder.BatcherConfig{
		FilesPerWindow:     c.Embedding.FilesPerWindow,
		MaxChunksPerWindow: c.Embedding.MaxChunksPerWindow,
		BatchSize:          c.Embedding.BatchSize,
		CallTimeout:        c.Embedding.CallTimeout,
		MaxFailures:        c.Embedding.MaxFailures,
	}
}

// LLMClientConfig maps the llm section onto the client constructor
func (c *Config) LLMClientConfig() llm.Config {
	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = c.LLM.MaxRetries
	if c.LLM.Timeout > 0 {
		retry.Timeout = c.LLM.Timeout
	}
	retry.MaxConcurrentCalls = c.LLM.MaxConcurrentCalls
	return llm.Config{
		APIKey:            c.LLM.APIKey,
		BaseURL:           c.LLM.BaseURL,
		Model:             c.LLM.Model,
		MaxTokens:         c.LLM.MaxTokens,
		Retry:             retry,
		RequestsPerMinute: c.LLM.RequestsPerMinute,
	}
}
