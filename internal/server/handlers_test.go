package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/research"
	"github.com/hyperjump/kenkyu/internal/retrieve"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/vector"
)

func testServer(t *testing.T) (*Server, *index.Coordinator) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "meta.db")
	cfg.Storage.IndexPath = filepath.Join(dir, "index.knv")
	cfg.Ingest.ChunkSize = 64
	cfg.Ingest.ChunkOverlap = 8

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	coord, err := index.Open(index.Config{Path: cfg.Storage.IndexPath, Kind: vector.KindFlatIP}, store)
	if err != nil {
		t.Fatal(err)
	}
	embedder := embedding.NewMockEmbedder(256)
	idx := indexer.NewIndexer(coord, embedder, nil, indexer.Config{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		BatchSize:    cfg.Ingest.BatchSize,
	})
	res := research.New(embedder, retrieve.New(coord))
	return NewServer(coord, idx, res, cfg, zap.NewNop()), coord
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func ingestSample(t *testing.T, h http.Handler) {
	t.Helper()
	body := map[string]interface{}{
		"documents": []models.DocInput{
			{ID: "cats", Text: "cats purr and sleep all day"},
			{ID: "dogs", Text: "dogs bark at the mail carrier"},
			{ID: "fish", Text: "fish swim in the quiet pond"},
		},
	}
	w := do(t, h, http.MethodPost, "/api/v1/documents", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest documents: status %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleIngestDocumentsAndRetrieve(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Router()
	ingestSample(t, h)

	w := do(t, h, http.MethodPost, "/api/v1/retrieve", map[string]interface{}{"query": "dogs bark", "top_k": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("retrieve: status %d: %s", w.Code, w.Body.String())
	}
	var resp models.RetrieveResponse
	decode(t, w, &resp)
	if resp.Total != 2 || len(resp.Hits) != 2 {
		t.Fatalf("retrieve: %+v", resp)
	}
	if resp.Hits[0].Text != "dogs bark at the mail carrier" {
		t.Errorf("top hit = %q", resp.Hits[0].Text)
	}
	if !resp.MMR {
		t.Error("mmr should default to enabled")
	}
}

func TestHandleRetrieve_BadRequests(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Router()
	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed", "{not json"},
		{"empty query", map[string]interface{}{"query": ""}},
		{"lambda out of range", map[string]interface{}{"query": "x", "lambda": 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/retrieve", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			var out map[string]string
			decode(t, w, &out)
			if out["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestHandleRetrieve_EmptyIndex(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.Router(), http.MethodPost, "/api/v1/retrieve", map[string]interface{}{"query": "anything"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp models.RetrieveResponse
	decode(t, w, &resp)
	if resp.Total != 0 || resp.Hits == nil {
		t.Errorf("expected empty non-nil hits, got %+v", resp)
	}
}

func TestHandleResearch(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Router()
	ingestSample(t, h)

	w := do(t, h, http.MethodPost, "/api/v1/research", map[string]interface{}{"query": "Why do cats purr? Where do fish swim.", "top_k": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("research: status %d: %s", w.Code, w.Body.String())
	}
	var ans research.Answer
	decode(t, w, &ans)
	if len(ans.Traces) != 2 {
		t.Fatalf("traces = %+v", ans.Traces)
	}
	if !strings.HasPrefix(ans.Synthesis, research.SummaryHeader) {
		t.Errorf("synthesis = %q", ans.Synthesis)
	}
}

func TestHandleDocumentChunks(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Router()
	ingestSample(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/documents/cats/chunks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		ID     string                   `json:"id"`
		Chunks []*models.MetadataRecord `json:"chunks"`
	}
	decode(t, w, &out)
	if out.ID != "cats" || len(out.Chunks) != 1 || out.Chunks[0].Text != "cats purr and sleep all day" {
		t.Errorf("chunks = %+v", out)
	}

	w = do(t, h, http.MethodGet, "/api/v1/documents/unknown/chunks", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown document: status %d", w.Code)
	}
}

func TestHandleIngestFolder(t *testing.T) {
	srv, coord := testServer(t)
	h := srv.Router()
	folder := t.TempDir()
	if err := os.WriteFile(filepath.Join(folder, "a.txt"), []byte("alpha beta gamma"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folder, "b.md"), []byte("# delta\nepsilon"), 0600); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodPost, "/api/v1/ingest", map[string]interface{}{"folder": folder})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var res indexer.Result
	decode(t, w, &res)
	if res.Files != 2 || res.Chunks != 2 || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	stats, err := coord.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("index total = %d", stats.Total)
	}

	if w := do(t, h, http.MethodPost, "/api/v1/ingest", map[string]interface{}{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing folder: status %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/ingest", map[string]interface{}{"folder": filepath.Join(folder, "nope")}); w.Code != http.StatusBadRequest {
		t.Errorf("nonexistent folder: status %d", w.Code)
	}
}

func TestHandleStatsVerifyRebuild(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Router()
	ingestSample(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d", w.Code)
	}
	var stats struct {
		Index     index.IndexStats       `json:"index"`
		DiskUsage int64                  `json:"disk_usage_bytes"`
		Config    map[string]interface{} `json:"config"`
	}
	decode(t, w, &stats)
	if stats.Index.Total != 3 || stats.Index.Dimension != 256 || stats.DiskUsage <= 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Config["index_kind"] != "flat_ip" {
		t.Errorf("config = %v", stats.Config)
	}

	w = do(t, h, http.MethodGet, "/api/v1/verify", nil)
	var report index.VerifyReport
	decode(t, w, &report)
	if !report.Consistent || report.Total != 3 {
		t.Errorf("verify = %+v", report)
	}

	w = do(t, h, http.MethodPost, "/api/v1/index/rebuild", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild: status %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/api/v1/stats", nil)
	decode(t, w, &stats)
	if stats.Index.Total != 0 || stats.Index.Records != 0 {
		t.Errorf("after rebuild: %+v", stats.Index)
	}
}

func TestHandleIngestDocuments_Empty(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv.Router(), http.MethodPost, "/api/v1/documents", map[string]interface{}{"documents": []models.DocInput{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
