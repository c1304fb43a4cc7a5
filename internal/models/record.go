// Package models defines core data structures for indexed chunks, queries, and retrieval hits.
package models

import "time"

// MetadataRecord is the relational row stored for every vector slot.
// SlotID equals the vector's position in the vector index.
type MetadataRecord struct {
	SlotID     int64                  `json:"slot_id" db:"slot_id"`
	DocID      string                 `json:"doc_id" db:"doc_id"`
	ChunkIndex int                    `json:"chunk_index" db:"chunk_index"`
	Text       string                 `json:"text" db:"text"`
	Meta       map[string]interface{} `json:"meta" db:"meta"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// DocInput is one ingested chunk, aligned 1:1 with an embedding row.
type DocInput struct {
	ID       string                 `json:"id,omitempty"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChunkIndex returns metadata["chunk_index"] as an int, or 0 when absent or not numeric.
func (d *DocInput) ChunkIndex() int {
	if d.Metadata == nil {
		return 0
	}
	switch n := d.Metadata["chunk_index"].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}
