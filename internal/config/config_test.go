package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeatlas/internal/llm"
)

// isolate keeps the developer's environment and home config out of a test
func isolate(t *testing.T) {
	t.Helper()
	for _, env := range []string{"OPENAI_API_KEY", "JINA_API_KEY", "OLLAMA_HOST", "ANTHROPIC_API_KEY", "MCP_SERVER_URL"} {
		t.Setenv(env, "")
	}
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDBPath, cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Empty(t, cfg.Embedding.Provider)
	assert.Equal(t, 10000, cfg.Embedding.CacheSize)
	assert.Equal(t, llm.DefaultModel, cfg.LLM.Model)
	assert.Equal(t, 5*time.Minute, cfg.Analysis.PauseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Analysis.PollInterval)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/codeatlas.db
log:
  level: debug
  json: true
embedding:
  provider: ollama
  model: nomic-embed-text
analysis:
  pause_timeout: 90s
  skip: [fixtures, "*.gen.go"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/codeatlas.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 90*time.Second, cfg.Analysis.PauseTimeout)
	assert.Equal(t, []string{"fixtures", "*.gen.go"}, cfg.Analysis.Skip)
}

func TestLoadWorkingDirectoryFile(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".codeatlas.yaml", []byte("metrics:\n  listen: 127.0.0.1:9464\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CODEATLAS_LOG_LEVEL", "warn")
	t.Setenv("CODEATLAS_ANALYSIS_POLL_INTERVAL", "2s")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("MCP_SERVER_URL", "http://localhost:8931/mcp")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Analysis.PollInterval)
	assert.Equal(t, "sk-openai", cfg.Embedding.OpenAIKey)
	assert.Equal(t, "sk-anthropic", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:8931/mcp", cfg.WebSearch.ServerURL)
	assert.Equal(t, "http://ollama:11434", cfg.Embedding.OllamaHost)

	emb := cfg.EmbedderConfig()
	assert.Equal(t, "sk-openai", emb.OpenAIKey)
	assert.Equal(t, 10000, emb.CacheSize)

	client := cfg.LLMClientConfig()
	assert.Equal(t, "sk-anthropic", client.APIKey)
	assert.Equal(t, 50, client.RequestsPerMinute)
}

func TestPrefixedEnvWinsOverWellKnown(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "generic")
	t.Setenv("CODEATLAS_LLM_API_KEY", "specific")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "specific", cfg.LLM.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("CODEATLAS_EMBEDDING_PROVIDER", "word2vec")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidProvider)
}

func TestLoadMalformedFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Path: "x.db"},
			Log:      LogConfig{Level: "info"},
			Analysis: AnalysisConfig{PauseTimeout: time.Minute, PollInterval: time.Second},
		}
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Log.Level = "loud"
	assert.ErrorIs(t, c.Validate(), ErrInvalidLogLevel)

	c = valid()
	c.Database.Path = " "
	c.Analysis.PauseTimeout = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path is required")
	assert.Contains(t, err.Error(), "analysis.pause_timeout must be positive")

	c = valid()
	c.LLM.MaxTokens = -1
	assert.Error(t, c.Validate())
}

func TestDatabasePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c := &Config{Database: DatabaseConfig{Path: "~/.codeatlas/db.sqlite"}}
	p, err := c.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".codeatlas", "db.sqlite"), p)

	c.Database.Path = ":memory:"
	p, err = c.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", p)
}
