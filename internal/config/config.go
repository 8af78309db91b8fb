package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/codeatlas/internal/embedder"
)

// Config is the process configuration. Field tags use mapstructure for viper
// unmarshalling.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig selects level and format of the process logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig enables the Prometheus scrape endpoint
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// EmbeddingConfig selects the embedding provider and batching
type EmbeddingConfig struct {
	Provider           string        `mapstructure:"provider"`
	Model              string        `mapstructure:"model"`
	OpenAIKey          string        `mapstructure:"openai_api_key"`
	JinaKey            string        `mapstructure:"jina_api_key"`
	OllamaHost         string        `mapstructure:"ollama_host"`
	CacheSize          int           `mapstructure:"cache_size"`
	BatchSize          int           `mapstructure:"batch_size"`
	FilesPerWindow     int           `mapstructure:"files_per_window"`
	MaxChunksPerWindow int           `mapstructure:"max_chunks_per_window"`
	MaxFailures        int           `mapstructure:"max_failures"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
}

// LLMConfig configures the hosted model used by the writers and Q&A
type LLMConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	Model              string        `mapstructure:"model"`
	MaxTokens          int64         `mapstructure:"max_tokens"`
	MaxRetries         int           `mapstructure:"max_retries"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	RequestsPerMinute  int           `mapstructure:"requests_per_minute"`
}

// WebSearchConfig points at an MCP server exposing a WebSearch tool
type WebSearchConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// AnalysisConfig tunes analysis runs
type AnalysisConfig struct {
	PauseTimeout  time.Duration `mapstructure:"pause_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxChunkChars int           `mapstructure:"max_chunk_chars"`
	Skip          []string      `mapstructure:"skip"`
}

var (
	// ErrInvalidProvider is returned for unknown embedding providers
	ErrInvalidProvider = errors.New("invalid embedding provider")
	// ErrInvalidLogLevel is returned for unknown log levels
	ErrInvalidLogLevel = errors.New("invalid log level")
)

var validProviders = map[string]bool{
	"":                      true,
	"none":                  true,
	embedder.ProviderOpenAI: true,
	embedder.ProviderJina:   true,
	embedder.ProviderOllama: true,
	embedder.ProviderLocal:  true,
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks the configuration for values the components cannot use
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level))
	}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidProvider, c.Embedding.Provider))
	}
	if c.Embedding.BatchSize < 0 || c.Embedding.CacheSize < 0 {
		errs = append(errs, errors.New("embedding sizes must not be negative"))
	}
	if c.LLM.MaxTokens < 0 || c.LLM.MaxRetries < 0 || c.LLM.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("llm limits must not be negative"))
	}
	if c.Analysis.PauseTimeout <= 0 {
		errs = append(errs, errors.New("analysis.pause_timeout must be positive"))
	}
	if c.Analysis.PollInterval <= 0 {
		errs = append(errs, errors.New("analysis.poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// DatabasePath expands a leading ~ in Database.Path
func (c *Config) DatabasePath() (string, error) {
	p := c.Database.Path
	if p == ":memory:" || !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
