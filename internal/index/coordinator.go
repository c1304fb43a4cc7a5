// Package index keeps the vector index and the metadata store in step.
//
// Every vector lives at a slot id equal to its position in the index, and the
// metadata store holds exactly one record per slot id. The Coordinator is the
// only writer of both and serialises writers with a RWMutex so that slot ids
// derived from the index length can never be handed out twice.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/vector"
)

// Config selects the index file and the kind of index created when none exists.
type Config struct {
	// Path of the index file. Empty keeps the index in memory only.
	Path string
	Kind vector.Kind
	HNSW vector.HNSWParams
}

// Coordinator owns a VectorIndex and a MetadataStore.
type Coordinator struct {
	cfg    Config
	store  storage.MetadataStore
	logger *zap.Logger

	idx    vector.VectorIndex
	loaded bool
	mu     sync.RWMutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// AddResult describes a successful add.
type AddResult struct {
	FirstSlotID int64 `json:"first_slot_id"`
	Count       int   `json:"count"`
	Total       int64 `json:"total"`
}

// IndexStats summarises the index and the store.
type IndexStats struct {
	Total     int64       `json:"total"`
	Dimension int         `json:"dimension"`
	Kind      vector.Kind `json:"kind"`
	Records   int64       `json:"records"`
	Path      string      `json:"path,omitempty"`
}

// Open returns a Coordinator without touching the index file; call Load or
// let the first operation load it lazily.
func Open(cfg Config, store storage.MetadataStore, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = vector.DefaultKind
	}
	if _, err := vector.NewVectorIndex(cfg.Kind); err != nil {
		return nil, err
	}
	c := &Coordinator{cfg: cfg, store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Load reads the index file. A missing or unreadable file is replaced by an
// empty index; Load never fails because of the file. Calling it again reloads
// from disk.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(ctx)
	return nil
}

func (c *Coordinator) loadLocked(ctx context.Context) {
	c.loaded = true
	if c.cfg.Path == "" {
		if c.idx == nil {
			c.idx = c.newIndex(vector.UnsetDimension())
		}
		return
	}

	idx, err := vector.Load(c.cfg.Path)
	switch {
	case err == nil:
		if idx.Kind() != c.cfg.Kind {
			c.logger.Warn("persisted index kind differs from configuration, using persisted kind",
				zap.String("persisted", string(idx.Kind())),
				zap.String("configured", string(c.cfg.Kind)))
		}
		c.replaceIndex(idx)
		c.logger.Info("loaded index",
			zap.String("path", c.cfg.Path),
			zap.Int64("total", idx.Len()),
			zap.String("dimension", idx.Dimension().String()))
		return
	case errors.Is(err, vector.ErrIndexNotFound):
		c.logger.Info("no index file, starting empty", zap.String("path", c.cfg.Path))
	default:
		c.logger.Warn("index file unreadable, starting empty", zap.String("path", c.cfg.Path), zap.Error(err))
	}
	c.replaceIndex(c.newIndex(vector.UnsetDimension()))

	if n, err := c.store.Count(ctx); err == nil && n > 0 {
		c.logger.Warn("metadata store holds records without an index; they are discarded on the next add",
			zap.Int64("records", n))
	}
}

func (c *Coordinator) replaceIndex(idx vector.VectorIndex) {
	if c.idx != nil {
		_ = c.idx.Close()
	}
	c.idx = idx
}

func (c *Coordinator) newIndex(dim vector.Dimension) vector.VectorIndex {
	opts := []vector.Option{vector.WithHNSWParams(c.cfg.HNSW)}
	if dim.IsSet() {
		opts = append(opts, vector.WithDimension(dim.Value()))
	}
	idx, err := vector.NewVectorIndex(c.cfg.Kind, opts...)
	if err != nil {
		// Kind was validated in Open.
		panic(err)
	}
	return idx
}

// rlockLoaded returns holding the read lock with the index loaded. The check
// is repeated under the read lock because Close may unload the index between
// loading and locking.
func (c *Coordinator) rlockLoaded(ctx context.Context) {
	for {
		c.mu.RLock()
		if c.loaded {
			return
		}
		c.mu.RUnlock()

		c.mu.Lock()
		if !c.loaded {
			c.loadLocked(ctx)
		}
		c.mu.Unlock()
	}
}

// Add appends vectors with their documents. Slot ids are assigned from the
// current index length. If the vectors' dimension differs from the index
// dimension, the index and all records are discarded first.
func (c *Coordinator) Add(ctx context.Context, vectors [][]float32, docs []models.DocInput) (AddResult, error) {
	if len(docs) != len(vectors) {
		return AddResult{}, fmt.Errorf("%w: %d docs, %d vectors", ErrInputMismatch, len(docs), len(vectors))
	}
	if len(vectors) == 0 {
		return AddResult{Total: c.total(ctx)}, nil
	}
	cols := len(vectors[0])
	if cols == 0 {
		return AddResult{}, fmt.Errorf("%w: empty vector", ErrInputMismatch)
	}
	for i, v := range vectors {
		if len(v) != cols {
			return AddResult{}, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInputMismatch, i, len(v), cols)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.loadLocked(ctx)
	}

	if !c.idx.Dimension().Matches(cols) {
		if err := c.recreateLocked(ctx, cols); err != nil {
			return AddResult{}, err
		}
	}

	nBefore := c.idx.Len()
	if err := c.discardOrphansLocked(ctx, nBefore); err != nil {
		return AddResult{}, err
	}

	first, err := c.idx.Add(vectors)
	if err != nil {
		return AddResult{}, fmt.Errorf("failed to add vectors: %w", err)
	}
	if first != nBefore {
		// The index assigns positions itself; they must match the length read above.
		return AddResult{}, fmt.Errorf("index assigned slot %d, expected %d", first, nBefore)
	}

	records := make([]*models.MetadataRecord, len(docs))
	for i := range docs {
		records[i] = &models.MetadataRecord{
			SlotID:     nBefore + int64(i),
			DocID:      docs[i].ID,
			ChunkIndex: docs[i].ChunkIndex(),
			Text:       docs[i].Text,
			Meta:       docs[i].Metadata,
		}
	}
	if err := c.store.PutBatch(ctx, records, vectors); err != nil {
		if terr := c.idx.Truncate(nBefore); terr != nil {
			c.logger.Error("failed to roll back index after metadata failure", zap.Error(terr))
		}
		c.logger.Error("metadata write failed, batch rolled back",
			zap.Int64("first_slot", nBefore),
			zap.Int("count", len(records)),
			zap.Error(err))
		return AddResult{}, &MetadataWriteError{FirstSlotID: nBefore, Count: len(records), Err: err}
	}

	res := AddResult{FirstSlotID: nBefore, Count: len(vectors), Total: c.idx.Len()}
	if err := c.persistLocked(); err != nil {
		c.logger.Error("index persist failed", zap.String("path", c.cfg.Path), zap.Error(err))
		return res, err
	}
	c.logger.Debug("added vectors",
		zap.Int64("first_slot", res.FirstSlotID),
		zap.Int("count", res.Count),
		zap.Int64("total", res.Total))
	return res, nil
}

// recreateLocked replaces the index with an empty one of dimension cols. When
// the old index held vectors their records are deleted too.
func (c *Coordinator) recreateLocked(ctx context.Context, cols int) error {
	old := c.idx.Dimension()
	if c.idx.Len() > 0 {
		c.logger.Warn("index dimension changed, discarding corpus",
			zap.String("old_dimension", old.String()),
			zap.Int("new_dimension", cols),
			zap.Int64("discarded", c.idx.Len()))
		if err := c.store.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset metadata store: %w", err)
		}
	} else if old.IsSet() {
		c.logger.Info("index dimension changed on empty index",
			zap.String("old_dimension", old.String()),
			zap.Int("new_dimension", cols))
	}
	c.replaceIndex(c.newIndex(vector.FixedDimension(cols)))
	return nil
}

// discardOrphansLocked deletes records at or past slot n. They were left by
// a lost or stale index file and their slot ids are about to be reassigned.
func (c *Coordinator) discardOrphansLocked(ctx context.Context, n int64) error {
	removed, err := c.store.DeleteFrom(ctx, n)
	if err != nil {
		return fmt.Errorf("failed to discard orphan records: %w", err)
	}
	if removed > 0 {
		c.logger.Warn("discarded records without index vectors",
			zap.Int64("from_slot", n),
			zap.Int64("records", removed))
	}
	return nil
}

func (c *Coordinator) persistLocked() error {
	if c.cfg.Path == "" {
		return nil
	}
	if err := c.idx.Save(c.cfg.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexPersist, err)
	}
	return nil
}

func (c *Coordinator) total(ctx context.Context) int64 {
	c.rlockLoaded(ctx)
	defer c.mu.RUnlock()
	return c.idx.Len()
}

// Search returns up to topK neighbours of query. An empty index, or a query
// whose dimension no stored vector has, yields an empty slice.
func (c *Coordinator) Search(ctx context.Context, query []float32, topK int) ([]vector.Neighbor, error) {
	if topK <= 0 {
		return nil, vector.ErrInvalidK
	}
	c.rlockLoaded(ctx)
	defer c.mu.RUnlock()

	if c.idx.Len() == 0 {
		return []vector.Neighbor{}, nil
	}
	if !c.idx.Dimension().Matches(len(query)) {
		c.logger.Debug("query dimension does not match index",
			zap.Int("query_dimension", len(query)),
			zap.String("index_dimension", c.idx.Dimension().String()))
		return []vector.Neighbor{}, nil
	}
	res, err := c.idx.Search(query, topK)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}
	return res, nil
}

// FetchMetadata returns the records of slotIDs; missing ids are absent.
func (c *Coordinator) FetchMetadata(ctx context.Context, slotIDs []int64) (map[int64]*models.MetadataRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetMetadata(ctx, slotIDs)
}

// FetchEmbeddings returns stored vectors aligned with slotIDs; missing entries are nil.
func (c *Coordinator) FetchEmbeddings(ctx context.Context, slotIDs []int64) ([][]float32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetEmbeddings(ctx, slotIDs)
}

// DocumentChunks returns the stored chunks of one document.
func (c *Coordinator) DocumentChunks(ctx context.Context, docID string) ([]*models.MetadataRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.ListByDocID(ctx, docID)
}

// Stats reports index size, dimension, kind and record count.
func (c *Coordinator) Stats(ctx context.Context) (IndexStats, error) {
	c.rlockLoaded(ctx)
	defer c.mu.RUnlock()

	records, err := c.store.Count(ctx)
	if err != nil {
		return IndexStats{}, fmt.Errorf("failed to count records: %w", err)
	}
	return IndexStats{
		Total:     c.idx.Len(),
		Dimension: c.idx.Dimension().Value(),
		Kind:      c.idx.Kind(),
		Records:   records,
		Path:      c.cfg.Path,
	}, nil
}

// Rebuild discards every vector and record and persists an empty index of the
// configured kind, keeping the current dimension.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.loadLocked(ctx)
	}
	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset metadata store: %w", err)
	}
	dim := c.idx.Dimension()
	c.replaceIndex(c.newIndex(dim))
	c.logger.Info("index rebuilt", zap.String("kind", string(c.cfg.Kind)), zap.String("dimension", dim.String()))
	return c.persistLocked()
}

// Close releases the in-memory index. The metadata store is owned by the
// caller. A later call loads the index file again.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx != nil {
		err := c.idx.Close()
		c.idx = nil
		c.loaded = false
		return err
	}
	return nil
}
