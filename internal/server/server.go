// Package server provides the HTTP API for kenkyu.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/research"
)

// Server is the HTTP server for the kenkyu API.
type Server struct {
	coord      *index.Coordinator
	indexer    *indexer.Indexer
	researcher *research.Researcher
	config     *config.Config
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	coord *index.Coordinator,
	idx *indexer.Indexer,
	researcher *research.Researcher,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coord:      coord,
		indexer:    idx,
		researcher: researcher,
		config:     cfg,
		logger:     logger,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngestFolder)
		r.Post("/documents", s.handleIngestDocuments)
		r.Get("/documents/{id}/chunks", s.handleDocumentChunks)
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/research", s.handleResearch)
		r.Get("/stats", s.handleStats)
		r.Get("/verify", s.handleVerify)
		r.Post("/index/rebuild", s.handleRebuild)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
