package config

// DefaultExtensions are the file types ingested when none are configured.
var DefaultExtensions = []string{"pdf", "md", "markdown", "txt", "html", "htm"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "data/meta.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "data/index.knv"
	}
	if cfg.Index.Kind == "" {
		cfg.Index.Kind = "flat_ip"
	}
	if cfg.Index.HNSW.M == 0 {
		cfg.Index.HNSW.M = 32
	}
	if cfg.Index.HNSW.EFConstruction == 0 {
		cfg.Index.HNSW.EFConstruction = 200
	}
	if cfg.Index.HNSW.EFSearch == 0 {
		cfg.Index.HNSW.EFSearch = 64
	}
	if cfg.Index.HNSW.Seed == 0 {
		cfg.Index.HNSW.Seed = 42
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.CandidateMultiplier == 0 {
		cfg.Retrieval.CandidateMultiplier = 5
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 512
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 128
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 32
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.Extensions == nil {
		cfg.Ingest.Extensions = append([]string(nil), DefaultExtensions...)
	}
}
