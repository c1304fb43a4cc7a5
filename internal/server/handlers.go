package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/research"
	"github.com/hyperjump/kenkyu/internal/retrieve"
	"github.com/hyperjump/kenkyu/internal/storage"
)

type ingestFolderRequest struct {
	Folder    string `json:"folder"`
	Recursive *bool  `json:"recursive,omitempty"`
}

func (s *Server) handleIngestFolder(w http.ResponseWriter, r *http.Request) {
	var req ingestFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Folder == "" {
		s.respondError(w, http.StatusBadRequest, "folder is required")
		return
	}
	recursive := s.config.Ingest.RecursiveOrDefault()
	if req.Recursive != nil {
		recursive = *req.Recursive
	}
	s.logger.Debug("ingest folder request", zap.String("folder", req.Folder), zap.Bool("recursive", recursive))
	res, err := s.indexer.IngestFolder(r.Context(), req.Folder, recursive)
	if err != nil {
		s.logger.Error("ingest failed", zap.String("folder", req.Folder), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type ingestDocumentsRequest struct {
	Documents []models.DocInput `json:"documents"`
}

func (s *Server) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	var req ingestDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		s.respondError(w, http.StatusBadRequest, "documents cannot be empty")
		return
	}
	s.logger.Debug("ingest documents request", zap.Int("count", len(req.Documents)))
	res, err := s.indexer.IngestDocuments(r.Context(), req.Documents)
	if err != nil {
		s.logger.Error("ingest documents failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chunks, err := s.coord.DocumentChunks(r.Context(), id)
	if err != nil {
		s.logger.Error("list chunks failed", zap.String("id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(chunks) == 0 {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "chunks": chunks})
}

// decodeQuery reads a RetrieveQuery and fills unset fields from config.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (*models.RetrieveQuery, bool) {
	var query models.RetrieveQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	s.config.Retrieval.ApplyTo(&query)
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &query, true
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	query, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	s.logger.Debug("retrieve request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	start := time.Now()
	opts := retrieve.OptionsFromQuery(query)
	hits, err := s.researcher.Search(r.Context(), query.Query, opts)
	if err != nil {
		s.logger.Error("retrieve failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, &models.RetrieveResponse{
		Hits:      hits,
		Total:     len(hits),
		QueryTime: time.Since(start).Milliseconds(),
		Query:     query.Query,
		MMR:       opts.MMREnabled,
	})
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	query, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	s.logger.Debug("research request", zap.String("query", query.Query))
	ans, err := s.researcher.Answer(r.Context(), query.Query, retrieve.OptionsFromQuery(query))
	if err != nil {
		s.logger.Error("research failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, ans)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"index": stats}
	configInfo := map[string]interface{}{
		"index_kind":           s.config.Index.Kind,
		"embedding_provider":   s.config.Embedding.Provider,
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"chunk_size":           s.config.Ingest.ChunkSize,
		"chunk_overlap":        s.config.Ingest.ChunkOverlap,
		"database_path":        s.config.Storage.DatabasePath,
		"index_path":           s.config.Storage.IndexPath,
	}
	paths := append(storage.SQLiteFiles(s.config.Storage.DatabasePath), s.config.Storage.IndexPath)
	if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.Verify(r.Context())
	if err != nil {
		s.logger.Error("verify failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("index rebuild requested")
	if err := s.coord.Rebuild(r.Context()); err != nil {
		s.logger.Error("rebuild failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps caller mistakes to 400 and everything else to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, index.ErrInputMismatch),
		errors.Is(err, retrieve.ErrInvalidTopK),
		errors.Is(err, retrieve.ErrInvalidLambda),
		errors.Is(err, research.ErrEmptyQuery),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
