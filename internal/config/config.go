// Package config loads AgentPiazza configuration from a YAML file with
// environment variable overrides (PIAZZA_* prefix).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all AgentPiazza configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// SQLite relational store + vector index
	Database DatabaseConfig `yaml:"database"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM completion service
	Completion CompletionConfig `yaml:"completion"`

	// Scope guard
	Scope ScopeConfig `yaml:"scope"`

	// Search and blocker ranking
	Search SearchConfig `yaml:"search"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
//
// Env override keys are derived from the field names with split_words,
// never from envconfig alt-name tags: an alt name is also looked up
// unprefixed, so `envconfig:"PATH"` would read the shell's $PATH when
// PIAZZA_DATABASE_PATH is unset.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url" split_words:"true"`
}

// DatabaseConfig configures the SQLite storage layer.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint" split_words:"true"`
	OllamaModel    string `yaml:"ollama_model" split_words:"true"`
	GenAIAPIKey    string `yaml:"genai_api_key" split_words:"true"`
	GenAIModel     string `yaml:"genai_model" split_words:"true"`
	Dimensions     int    `yaml:"dimensions"`
}

// CompletionConfig configures the chat completion backend.
type CompletionConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// ScopeConfig configures the scope guard.
type ScopeConfig struct {
	// Description is the fixed scope text the reference embedding is
	// computed from. Changing it requires a process restart.
	Description string  `yaml:"description"`
	Threshold   float64 `yaml:"threshold"`
}

// SearchConfig configures semantic search and blocker detection.
type SearchConfig struct {
	DefaultTopK   int `yaml:"default_top_k" split_words:"true"`
	MaxTopK       int `yaml:"max_top_k" split_words:"true"`
	BlockerTopics int `yaml:"blocker_topics" split_words:"true"`
	GroundedTopN  int `yaml:"grounded_top_n" split_words:"true"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" split_words:"true"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "AgentPiazza",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:    ":8000",
			BaseURL: "http://localhost:8000",
		},

		Database: DatabaseConfig{
			Path: "data/piazza.db",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "all-minilm",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     384,
		},

		Completion: CompletionConfig{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.2",
			Timeout:  "120s",
		},

		Scope: ScopeConfig{
			Description: "Agentic Web Research - MIT Building with AI Agents course. " +
				"Topics include AI agents, LLMs, autonomous systems, web scraping, " +
				"RAG pipelines, tool use, prompt engineering, and agent frameworks.",
			Threshold: 0.3,
		},

		Search: SearchConfig{
			DefaultTopK:   5,
			MaxTopK:       20,
			BlockerTopics: 50,
			GroundedTopN:  15,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, then applies PIAZZA_* env
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	for prefix, target := range map[string]interface{}{
		"PIAZZA_SERVER":     &c.Server,
		"PIAZZA_DATABASE":   &c.Database,
		"PIAZZA_EMBEDDING":  &c.Embedding,
		"PIAZZA_COMPLETION": &c.Completion,
		"PIAZZA_SCOPE":      &c.Scope,
		"PIAZZA_SEARCH":     &c.Search,
		"PIAZZA_LOGGING":    &c.Logging,
	} {
		if err := envconfig.Process(prefix, target); err != nil {
			return fmt.Errorf("env override %s: %w", prefix, err)
		}
	}
	return nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("invalid embedding provider: %s (use 'ollama' or 'genai')", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Scope.Threshold < -1 || c.Scope.Threshold > 1 {
		return fmt.Errorf("scope threshold must be in [-1,1], got %.2f", c.Scope.Threshold)
	}
	if c.Scope.Description == "" {
		return fmt.Errorf("scope description must not be empty")
	}
	if c.Search.MaxTopK < c.Search.DefaultTopK {
		return fmt.Errorf("search max_top_k (%d) below default_top_k (%d)", c.Search.MaxTopK, c.Search.DefaultTopK)
	}
	if _, err := c.CompletionTimeout(); err != nil {
		return err
	}
	return nil
}

// CompletionTimeout parses the completion timeout string.
func (c *Config) CompletionTimeout() (time.Duration, error) {
	if c.Completion.Timeout == "" {
		return 120 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Completion.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid completion timeout %q: %w", c.Completion.Timeout, err)
	}
	return d, nil
}

// DataDir returns the directory holding the database (and logs).
func (c *Config) DataDir() string {
	return filepath.Dir(c.Database.Path)
}
