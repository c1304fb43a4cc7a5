// Package config provides configuration loading and structs for the kenkyu CLI and server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kenkyu/internal/models"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level,omitempty"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the paths of the metadata database and the index file.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
}

// IndexConfig selects the vector index kind and its HNSW parameters.
type IndexConfig struct {
	Kind string     `yaml:"kind"`
	HNSW HNSWConfig `yaml:"hnsw"`
}

// HNSWConfig holds graph construction and search parameters.
type HNSWConfig struct {
	M              int   `yaml:"m"`
	EFConstruction int   `yaml:"ef_construction"`
	EFSearch       int   `yaml:"ef_search"`
	Seed           int64 `yaml:"seed"`
}

// EmbeddingConfig holds embedder settings. Provider is mock, onnx or openai.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`

	ModelPath string `yaml:"model_path"`
	MaxTokens int    `yaml:"max_tokens"`

	Model             string  `yaml:"model,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	BatchSize         int     `yaml:"batch_size,omitempty"`
}

// RetrievalConfig holds the defaults applied to queries that leave them unset.
type RetrievalConfig struct {
	TopK                int      `yaml:"top_k"`
	MMREnabled          *bool    `yaml:"mmr_enabled"`
	Lambda              *float64 `yaml:"lambda"`
	CandidateMultiplier int      `yaml:"candidate_multiplier"`
}

// MMROrDefault returns whether MMR is enabled; defaults to true when unset.
func (r *RetrievalConfig) MMROrDefault() bool {
	if r.MMREnabled != nil {
		return *r.MMREnabled
	}
	return true
}

// LambdaOrDefault returns the MMR lambda; defaults to 0.7 when unset.
func (r *RetrievalConfig) LambdaOrDefault() float64 {
	if r.Lambda != nil {
		return *r.Lambda
	}
	return 0.7
}

// IngestConfig holds chunking and batching settings.
type IngestConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	BatchSize    int      `yaml:"batch_size"`
	Workers      int      `yaml:"workers"`
	Extensions   []string `yaml:"extensions"`
	Recursive    *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether folders are walked recursively; defaults to false when unset.
func (i *IngestConfig) RecursiveOrDefault() bool {
	if i.Recursive != nil {
		return *i.Recursive
	}
	return false
}

// Default returns a config with every default applied. Relative paths are
// left relative to the working directory.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}

	return &cfg, nil
}

// Validate rejects settings that cannot work together.
func Validate(cfg *Config) error {
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)",
			cfg.Ingest.ChunkOverlap, cfg.Ingest.ChunkSize)
	}
	if l := cfg.Retrieval.LambdaOrDefault(); l < 0 || l > 1 {
		return fmt.Errorf("retrieval.lambda must be within [0, 1], got %g", l)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" is the home directory; other relative paths are relative to configDir as well.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}

// ApplyTo fills the fields q leaves unset with the configured defaults.
func (r *RetrievalConfig) ApplyTo(q *models.RetrieveQuery) {
	if q.TopK <= 0 {
		q.TopK = r.TopK
	}
	if q.CandidateMultiplier <= 0 {
		q.CandidateMultiplier = r.CandidateMultiplier
	}
	if q.MMREnabled == nil {
		mmr := r.MMROrDefault()
		q.MMREnabled = &mmr
	}
	if q.Lambda == nil {
		lambda := r.LambdaOrDefault()
		q.Lambda = &lambda
	}
}
