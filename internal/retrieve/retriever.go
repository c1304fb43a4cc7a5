// Package retrieve turns a query vector into ranked passages, optionally
// reranked for diversity with Maximal Marginal Relevance.
package retrieve

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/vector"
	"github.com/hyperjump/kenkyu/pkg/utils"
)

var (
	// ErrInvalidTopK is returned when TopK is not positive.
	ErrInvalidTopK = errors.New("top_k must be positive")
	// ErrInvalidLambda is returned when Lambda is outside [0, 1].
	ErrInvalidLambda = errors.New("lambda must be within [0, 1]")
)

// Source is the candidate and metadata provider, normally an *index.Coordinator.
type Source interface {
	Search(ctx context.Context, query []float32, topK int) ([]vector.Neighbor, error)
	FetchMetadata(ctx context.Context, slotIDs []int64) (map[int64]*models.MetadataRecord, error)
	FetchEmbeddings(ctx context.Context, slotIDs []int64) ([][]float32, error)
}

// Options controls a single retrieval.
type Options struct {
	TopK                int
	MMREnabled          bool
	Lambda              float64
	CandidateMultiplier int
}

// DefaultOptions returns top 5, MMR on, lambda 0.7, multiplier 5.
func DefaultOptions() Options {
	return Options{TopK: 5, MMREnabled: true, Lambda: 0.7, CandidateMultiplier: 5}
}

// Retriever over-fetches candidates and reranks them.
type Retriever struct {
	src    Source
	logger *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = utils.OrNop(l) }
}

// New creates a Retriever reading from src.
func New(src Source, opts ...Option) *Retriever {
	r := &Retriever{src: src, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to opts.TopK hits for query. Hit scores are the index
// similarities of the candidates, whatever order MMR picks them in.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, opts Options) ([]models.Hit, error) {
	if opts.TopK <= 0 {
		return nil, ErrInvalidTopK
	}
	if opts.Lambda < 0 || opts.Lambda > 1 {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidLambda, opts.Lambda)
	}
	if opts.CandidateMultiplier < 1 {
		opts.CandidateMultiplier = 1
	}

	cands, err := r.src.Search(ctx, query, opts.TopK*opts.CandidateMultiplier)
	if err != nil {
		return nil, fmt.Errorf("candidate search failed: %w", err)
	}
	if len(cands) == 0 {
		return []models.Hit{}, nil
	}

	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.SlotID
	}
	metas, err := r.src.FetchMetadata(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	embs, err := r.src.FetchEmbeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embeddings: %w", err)
	}

	// valid maps positions in docs back to positions in cands.
	var valid []int
	var docs [][]float32
	for i, e := range embs {
		if e == nil || len(e) != len(query) {
			continue
		}
		valid = append(valid, i)
		docs = append(docs, utils.Normalized(e))
	}

	var picks []int
	switch {
	case len(valid) == 0:
		r.logger.Debug("no candidate embeddings, returning raw ranking", zap.Int("candidates", len(cands)))
		picks = firstN(len(cands), opts.TopK)
	case opts.MMREnabled:
		q := utils.Normalized(query)
		for _, s := range MMR(docs, q, opts.Lambda, min(opts.TopK, len(docs))) {
			picks = append(picks, valid[s])
		}
	default:
		picks = firstN(len(cands), opts.TopK)
	}

	hits := make([]models.Hit, 0, len(picks))
	for _, p := range picks {
		c := cands[p]
		hit := models.Hit{SlotID: c.SlotID, Score: c.Score, Meta: map[string]interface{}{}}
		if m, ok := metas[c.SlotID]; ok {
			hit.Text = m.Text
			if m.Meta != nil {
				hit.Meta = m.Meta
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func firstN(n, k int) []int {
	out := make([]int, min(n, k))
	for i := range out {
		out[i] = i
	}
	return out
}

// OptionsFromQuery converts a request into Options. Unset MMR fields fall
// back to DefaultOptions.
func OptionsFromQuery(q *models.RetrieveQuery) Options {
	opts := DefaultOptions()
	if q.TopK > 0 {
		opts.TopK = q.TopK
	}
	if q.CandidateMultiplier > 0 {
		opts.CandidateMultiplier = q.CandidateMultiplier
	}
	if q.MMREnabled != nil {
		opts.MMREnabled = *q.MMREnabled
	}
	if q.Lambda != nil {
		opts.Lambda = *q.Lambda
	}
	return opts
}
