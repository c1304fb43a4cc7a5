// Package storage persists chunk metadata and embeddings keyed by slot id.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kenkyu/internal/models"
)

// ErrInputMismatch is returned when a batch has differing numbers of records and vectors.
var ErrInputMismatch = errors.New("records and vectors length mismatch")

// MetadataStore maps slot ids to metadata records and embedding blobs.
type MetadataStore interface {
	// PutBatch stores records and their vectors in one transaction. Either
	// every row is written or none is.
	PutBatch(ctx context.Context, records []*models.MetadataRecord, vectors [][]float32) error

	// GetMetadata returns records for the given slot ids. Ids without a row are absent from the map.
	GetMetadata(ctx context.Context, slotIDs []int64) (map[int64]*models.MetadataRecord, error)
	// GetEmbeddings returns vectors aligned with slotIDs; missing or unreadable rows are nil.
	GetEmbeddings(ctx context.Context, slotIDs []int64) ([][]float32, error)
	// ListByDocID returns the records of one document ordered by chunk index.
	ListByDocID(ctx context.Context, docID string) ([]*models.MetadataRecord, error)

	// Stats
	Count(ctx context.Context) (int64, error)
	SlotIDs(ctx context.Context) ([]int64, error)

	// DeleteFrom deletes every row with slot id >= slot and returns the
	// number of records removed.
	DeleteFrom(ctx context.Context, slot int64) (int64, error)
	// Reset deletes every record and embedding.
	Reset(ctx context.Context) error
	Close() error
}
