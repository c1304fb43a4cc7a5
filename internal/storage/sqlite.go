package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kenkyu/internal/models"
)

// maxQueryIDs keeps IN (...) lists below SQLite's bound-variable limit.
const maxQueryIDs = 500

// SQLiteStorage implements MetadataStore using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id INTEGER NOT NULL UNIQUE,
		doc_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		meta TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_slot_id ON documents(slot_id);
	CREATE INDEX IF NOT EXISTS idx_documents_doc_id ON documents(doc_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id INTEGER NOT NULL UNIQUE,
		vector BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_embeddings_slot_id ON embeddings(slot_id);
	`
	_, err := db.Exec(schema)
	return err
}

// PutBatch inserts records and embeddings in a transaction.
func (s *SQLiteStorage) PutBatch(ctx context.Context, records []*models.MetadataRecord, vectors [][]float32) error {
	if len(records) != len(vectors) {
		return fmt.Errorf("%w: %d records, %d vectors", ErrInputMismatch, len(records), len(vectors))
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	docStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (slot_id, doc_id, chunk_index, text, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer docStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings (slot_id, vector) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	now := time.Now().UTC()
	for i, rec := range records {
		metaJSON, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for slot %d: %w", rec.SlotID, err)
		}
		rec.CreatedAt = now
		if _, err := docStmt.ExecContext(ctx, rec.SlotID, rec.DocID, rec.ChunkIndex, rec.Text, string(metaJSON), rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert record for slot %d: %w", rec.SlotID, err)
		}
		if _, err := vecStmt.ExecContext(ctx, rec.SlotID, EncodeEmbedding(vectors[i])); err != nil {
			return fmt.Errorf("failed to insert embedding for slot %d: %w", rec.SlotID, err)
		}
	}
	return tx.Commit()
}

// GetMetadata returns the records stored for slotIDs.
func (s *SQLiteStorage) GetMetadata(ctx context.Context, slotIDs []int64) (map[int64]*models.MetadataRecord, error) {
	out := make(map[int64]*models.MetadataRecord, len(slotIDs))
	err := forEachChunk(slotIDs, func(ids []int64) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT slot_id, doc_id, chunk_index, text, meta, created_at
			 FROM documents WHERE slot_id IN (`+placeholders(len(ids))+`)`,
			int64Args(ids)...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out[rec.SlotID] = rec
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	return out, nil
}

// GetEmbeddings returns vectors in the order of slotIDs, nil where a row is missing or undecodable.
func (s *SQLiteStorage) GetEmbeddings(ctx context.Context, slotIDs []int64) ([][]float32, error) {
	blobs := make(map[int64][]byte, len(slotIDs))
	err := forEachChunk(slotIDs, func(ids []int64) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT slot_id, vector FROM embeddings WHERE slot_id IN (`+placeholders(len(ids))+`)`,
			int64Args(ids)...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				return err
			}
			blobs[id] = blob
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embeddings: %w", err)
	}

	out := make([][]float32, len(slotIDs))
	for i, id := range slotIDs {
		blob, ok := blobs[id]
		if !ok {
			continue
		}
		if vec, err := DecodeEmbedding(blob); err == nil {
			out[i] = vec
		}
	}
	return out, nil
}

// ListByDocID returns all records of a document ordered by chunk_index.
func (s *SQLiteStorage) ListByDocID(ctx context.Context, docID string) ([]*models.MetadataRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot_id, doc_id, chunk_index, text, meta, created_at
		 FROM documents WHERE doc_id = ? ORDER BY chunk_index, slot_id`,
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.MetadataRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of metadata records.
func (s *SQLiteStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// SlotIDs returns every stored slot id in ascending order.
func (s *SQLiteStorage) SlotIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot_id FROM documents ORDER BY slot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reset deletes all records and embeddings in one transaction.
func (s *SQLiteStorage) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("failed to clear documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("failed to clear embeddings: %w", err)
	}
	return tx.Commit()
}

// DeleteFrom deletes every record and embedding with slot id >= slot and
// returns the number of records removed.
func (s *SQLiteStorage) DeleteFrom(ctx context.Context, slot int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE slot_id >= ?`, slot)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE slot_id >= ?`, slot); err != nil {
		return 0, fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return n, tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.MetadataRecord, error) {
	var rec models.MetadataRecord
	var metaJSON sql.NullString
	if err := row.Scan(&rec.SlotID, &rec.DocID, &rec.ChunkIndex, &rec.Text, &metaJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}
	// Unparseable meta degrades to an empty map rather than failing the read.
	rec.Meta = map[string]interface{}{}
	if metaJSON.Valid && metaJSON.String != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil && meta != nil {
			rec.Meta = meta
		}
	}
	return &rec, nil
}

func forEachChunk(ids []int64, fn func([]int64) error) error {
	for start := 0; start < len(ids); start += maxQueryIDs {
		end := min(start+maxQueryIDs, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
