// Package config loads process configuration with viper.
//
// Values come from defaults, an optional YAML file (.codeatlas.yaml in the
// working directory or $HOME, or an explicit path) and environment variables
// prefixed CODEATLAS_ with dots replaced by underscores, for example
// CODEATLAS_LLM_MODEL. The provider keys also honour the unprefixed
// variables OPENAI_API_KEY, JINA_API_KEY, OLLAMA_HOST, ANTHROPIC_API_KEY and
// MCP_SERVER_URL; the prefixed form wins when both are set.
package config
