// Package research answers a question by splitting it into sub-queries,
// retrieving evidence for each and stitching the passages into an extractive summary.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/retrieve"
)

// SummaryHeader starts every synthesis.
const SummaryHeader = "Extractive Summary:\n\n"

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Trace records the hits retrieved for one sub-query.
type Trace struct {
	SubQuery string       `json:"subquery"`
	Hits     []models.Hit `json:"hits"`
}

// Answer is the result of a research run.
type Answer struct {
	Query     string  `json:"query"`
	Synthesis string  `json:"synthesis"`
	Traces    []Trace `json:"traces"`
}

// Retriever is the subset of *retrieve.Retriever used here.
type Retriever interface {
	Retrieve(ctx context.Context, query []float32, opts retrieve.Options) ([]models.Hit, error)
}

// Researcher runs decomposition, retrieval and synthesis.
type Researcher struct {
	embedder  embedding.Embedder
	retriever Retriever
	logger    *zap.Logger
}

// Option configures a Researcher.
type Option func(*Researcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Researcher) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Researcher.
func New(embedder embedding.Embedder, retriever Retriever, opts ...Option) *Researcher {
	r := &Researcher{embedder: embedder, retriever: retriever, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decompose splits query into sentences on '.' and '?'. A query with no
// non-blank sentence is returned unchanged as the only part.
func Decompose(query string) []string {
	var parts []string
	for _, s := range strings.FieldsFunc(query, func(r rune) bool { return r == '.' || r == '?' }) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return []string{query}
	}
	return parts
}

// Search embeds a text query and retrieves hits for it.
func (r *Researcher) Search(ctx context.Context, query string, opts retrieve.Options) ([]models.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.retriever.Retrieve(ctx, emb, opts)
}

// Answer retrieves evidence for every sub-query of query and returns the
// first opts.TopK*2 passages, in retrieval order, as the synthesis.
func (r *Researcher) Answer(ctx context.Context, query string, opts retrieve.Options) (*Answer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	parts := Decompose(query)
	embs, err := r.embedder.EmbedBatch(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed sub-queries: %w", err)
	}

	ans := &Answer{Query: query, Traces: make([]Trace, 0, len(parts))}
	var evidence []string
	for i, part := range parts {
		hits, err := r.retriever.Retrieve(ctx, embs[i], opts)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve for %q: %w", part, err)
		}
		if hits == nil {
			hits = []models.Hit{}
		}
		ans.Traces = append(ans.Traces, Trace{SubQuery: part, Hits: hits})
		for _, h := range hits {
			evidence = append(evidence, h.Text)
		}
		r.logger.Debug("sub-query retrieved", zap.String("subquery", part), zap.Int("hits", len(hits)))
	}

	if limit := opts.TopK * 2; len(evidence) > limit {
		evidence = evidence[:limit]
	}
	ans.Synthesis = SummaryHeader + strings.Join(evidence, "\n\n")
	return ans, nil
}
