// Package embedding turns text into L2-normalised float32 vectors.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Embedder produces vector embeddings for text. Returned rows are L2-normalised
// and all have length Dimensions().
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Provider names an embedder implementation.
type Provider string

const (
	ProviderMock   Provider = "mock"
	ProviderONNX   Provider = "onnx"
	ProviderOpenAI Provider = "openai"
)

// Config selects and configures an embedder.
type Config struct {
	Provider   Provider
	Dimensions int
	CacheSize  int

	// ONNX
	ModelPath string
	MaxTokens int

	// OpenAI-compatible HTTP API
	Model             string
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	BatchSize         int
}

// New creates the embedder named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Embedder, error) {
	switch Provider(strings.ToLower(string(cfg.Provider))) {
	case ProviderMock, "":
		return NewMockEmbedder(cfg.Dimensions), nil
	case ProviderONNX:
		e, err := NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return e, nil
	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(cfg, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: mock, onnx, openai)", cfg.Provider)
	}
}

// embedEach calls embed for every text, stopping early when ctx is done.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
