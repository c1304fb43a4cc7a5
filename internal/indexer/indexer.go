// Package indexer turns files and raw texts into chunks, embeds them in
// batches and appends them to the index through the coordinator.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/extract"
	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/models"
)

const (
	metaKeySource     = "source"
	metaKeyName       = "name"
	metaKeyChunkIndex = "chunk_index"
)

// Adder appends embedded chunks to the index. *index.Coordinator implements it.
type Adder interface {
	Add(ctx context.Context, vectors [][]float32, docs []models.DocInput) (index.AddResult, error)
}

// Config controls chunking, batching and extraction concurrency.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Workers      int
}

// Result summarises one ingestion run.
type Result struct {
	Files  int      `json:"files"`
	Chunks int      `json:"chunks"`
	Failed []string `json:"failed,omitempty"`
	Total  int64    `json:"total"`
}

// Indexer ingests documents into the index.
type Indexer struct {
	adder     Adder
	embedder  embedding.Embedder
	extractor *extract.Extractor
	chunker   *Chunker
	cfg       Config
	logger    *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for progress and per-file failures.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// NewIndexer creates an indexer. extractor may be nil, in which case the
// default set of extensions is accepted.
func NewIndexer(adder Adder, embedder embedding.Embedder, extractor *extract.Extractor, cfg Config, opts ...IndexerOption) *Indexer {
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	idx := &Indexer{
		adder:     adder,
		embedder:  embedder,
		extractor: extractor,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// IngestFolder extracts and chunks every supported file in folder (descending
// into subdirectories when recursive), then embeds and adds the chunks in
// batches. Files that fail to extract are logged and listed in Result.Failed.
func (idx *Indexer) IngestFolder(ctx context.Context, folder string, recursive bool) (Result, error) {
	paths, err := idx.listFiles(folder, recursive)
	if err != nil {
		return Result{}, err
	}
	idx.logger.Info("ingesting folder", zap.String("folder", folder), zap.Int("files", len(paths)))

	perFile := make([][]models.DocInput, len(paths))
	failed := make([]bool, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docs, err := idx.ChunkFile(path)
			if err != nil {
				idx.logger.Warn("failed to extract file", zap.String("path", path), zap.Error(err))
				failed[i] = true
				return nil
			}
			perFile[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{}
	var docs []models.DocInput
	for i, fileDocs := range perFile {
		if failed[i] {
			res.Failed = append(res.Failed, paths[i])
			continue
		}
		res.Files++
		docs = append(docs, fileDocs...)
	}
	idx.logger.Info("chunks to embed", zap.Int("chunks", len(docs)))

	added, total, err := idx.addInBatches(ctx, docs)
	res.Chunks = added
	res.Total = total
	return res, err
}

// IngestFile extracts, chunks, embeds and adds a single file.
func (idx *Indexer) IngestFile(ctx context.Context, path string) (Result, error) {
	docs, err := idx.ChunkFile(path)
	if err != nil {
		return Result{Failed: []string{path}}, err
	}
	added, total, err := idx.addInBatches(ctx, docs)
	return Result{Files: 1, Chunks: added, Total: total}, err
}

// IngestDocuments chunks, embeds and adds raw texts. A document without an ID
// gets a random UUID; every chunk of a document shares its ID.
func (idx *Indexer) IngestDocuments(ctx context.Context, inputs []models.DocInput) (Result, error) {
	var docs []models.DocInput
	for _, in := range inputs {
		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		for i, chunk := range idx.chunker.Chunk(Preprocess(in.Text)) {
			meta := copyMeta(in.Metadata)
			meta[metaKeyChunkIndex] = i
			docs = append(docs, models.DocInput{ID: id, Text: chunk, Metadata: meta})
		}
	}
	added, total, err := idx.addInBatches(ctx, docs)
	return Result{Files: len(inputs), Chunks: added, Total: total}, err
}

// ChunkFile extracts path and returns its chunks. Chunk ids have the form
// "<file name>::chunk::<i>" and metadata carries source, name and chunk_index
// on top of whatever the extractor found in the file.
func (idx *Indexer) ChunkFile(path string) ([]models.DocInput, error) {
	doc, err := idx.extractor.Extract(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	base := copyMeta(doc.Meta)
	base[metaKeySource] = path
	base[metaKeyName] = name

	chunks := idx.chunker.Chunk(doc.Text)
	docs := make([]models.DocInput, len(chunks))
	for i, chunk := range chunks {
		meta := copyMeta(base)
		meta[metaKeyChunkIndex] = i
		docs[i] = models.DocInput{
			ID:       fmt.Sprintf("%s::chunk::%d", name, i),
			Text:     chunk,
			Metadata: meta,
		}
	}
	return docs, nil
}

// addInBatches embeds docs BatchSize at a time and adds each batch in order.
// It returns the number of chunks added and the index size after the last batch.
func (idx *Indexer) addInBatches(ctx context.Context, docs []models.DocInput) (int, int64, error) {
	added := 0
	var total int64
	for start := 0; start < len(docs); start += idx.cfg.BatchSize {
		end := start + idx.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Text
		}
		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return added, total, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		res, err := idx.adder.Add(ctx, vectors, batch)
		if err != nil {
			return added, res.Total, fmt.Errorf("failed to index batch at %d: %w", start, err)
		}
		added += res.Count
		total = res.Total
		idx.logger.Debug("indexed batch", zap.Int("offset", start), zap.Int64("total", total))
	}
	return added, total, nil
}

// listFiles returns the supported regular files under folder in lexical order.
func (idx *Indexer) listFiles(folder string, recursive bool) ([]string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", folder)
	}
	var paths []string
	err = filepath.WalkDir(folder, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != folder && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.extractor.Supports(path) {
			return nil
		}
		// Resolve symlinks so only regular files are ingested
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
