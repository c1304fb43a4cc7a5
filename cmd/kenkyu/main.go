// Package main is the kenkyu CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/cli"
	"github.com/hyperjump/kenkyu/internal/config"
	"github.com/hyperjump/kenkyu/internal/embedding"
	"github.com/hyperjump/kenkyu/internal/extract"
	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/indexer"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/research"
	"github.com/hyperjump/kenkyu/internal/retrieve"
	"github.com/hyperjump/kenkyu/internal/server"
	"github.com/hyperjump/kenkyu/internal/storage"
	"github.com/hyperjump/kenkyu/internal/vector"
	"github.com/hyperjump/kenkyu/internal/watcher"
	"github.com/hyperjump/kenkyu/pkg/utils"
)

var version = "dev"

const configEnvVar = "KENKYU_CONFIG"

var errUsage = errors.New("usage")

// loadConfig resolves the config file: an explicit path wins, then
// $KENKYU_CONFIG, then config.yaml in the current directory. With none of
// them the built-in defaults are used and the returned path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	if path == "" {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "serve", "server":
		return runServe(rest)
	case "ingest":
		return runIngest(rest, out)
	case "index":
		return runIndex(rest, out)
	case "query":
		return runQuery(rest, out)
	case "stats":
		return runStats(rest, out)
	case "verify":
		return runVerify(rest, out)
	case "version", "--version", "-v":
		fmt.Fprintf(out, "kenkyu version %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", command)
		printUsage(out)
		return errUsage
	}
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (configPath *string, debug *bool) {
	configPath = fs.String("config", "", "config file path (default: $KENKYU_CONFIG or ./config.yaml)")
	debug = fs.Bool("debug", false, "enable debug logging")
	return
}

// setup loads config, builds the logger and initializes components.
func setup(configPath string, debug bool) (*config.Config, *zap.Logger, *Components, error) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	var logger *zap.Logger
	if cfg.Debug || debug {
		logger, err = utils.NewLogger(true)
	} else {
		logger, err = utils.NewLoggerWithLevel(cfg.LogLevel)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved))

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, components, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	watchDir := fs.String("watch", "", "ingest files created in this folder while serving")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	cfg, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := components.Coordinator.Load(ctx); err != nil {
		return err
	}
	if *watchDir != "" {
		w := watcher.New([]string{*watchDir}, cfg.Ingest.RecursiveOrDefault(), components.Extractor.Supports,
			components.Indexer, watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch %s: %w", *watchDir, err)
		}
		defer w.Stop()
	}
	srv := server.NewServer(components.Coordinator, components.Indexer, components.Researcher, cfg, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func runIngest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	folder := fs.String("folder", "", "folder to ingest (required)")
	recursive := fs.Bool("recursive", false, "descend into subdirectories")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *folder == "" && fs.NArg() > 0 {
		*folder = fs.Arg(0)
	}
	if *folder == "" {
		fmt.Fprintln(out, "Usage: kenkyu ingest --folder <dir> [--recursive]")
		return errUsage
	}
	cfg, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	rec := *recursive || cfg.Ingest.RecursiveOrDefault()
	res, err := components.Indexer.IngestFolder(context.Background(), *folder, rec)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	logger.Info("ingested", zap.Int("files", res.Files), zap.Int("chunks", res.Chunks), zap.Int64("total", res.Total))
	fmt.Fprintf(out, "Ingested and indexed %d chunks from %d file(s)\n", res.Chunks, res.Files)
	for _, f := range res.Failed {
		fmt.Fprintf(out, "  skipped: %s\n", f)
	}
	return nil
}

func runIndex(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	rebuild := fs.Bool("rebuild", false, "discard every vector and record")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	_, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	if *rebuild {
		if err := components.Coordinator.Rebuild(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Index rebuilt")
		return nil
	}
	if err := components.Coordinator.Load(ctx); err != nil {
		return err
	}
	stats, err := components.Coordinator.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Index loaded: %d vectors (%s)\n", stats.Total, stats.Kind)
	return nil
}

func runQuery(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	q := fs.String("q", "", "query text (or remaining arguments)")
	topK := fs.Int("topk", 0, "number of passages per sub-query (default from config)")
	mmr := fs.Bool("mmr", true, "enable MMR reranking")
	lambda := fs.Float64("mmr-lambda", -1, "MMR lambda, relevance vs diversity (default from config)")
	multiplier := fs.Int("candidate-multiplier", 0, "candidate over-fetch multiplier (default from config)")
	hitsOnly := fs.Bool("hits", false, "print ranked passages instead of the research synthesis")
	output := fs.String("output", "text", "output format: text, json or markdown")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	query := *q
	if query == "" {
		query = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(out, "Usage: kenkyu query [flags] --q <query>")
		return errUsage
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}

	cfg, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	rq := &models.RetrieveQuery{Query: query, TopK: *topK, CandidateMultiplier: *multiplier}
	if flagSet(fs, "mmr") {
		rq.MMREnabled = mmr
	}
	if *lambda >= 0 {
		rq.Lambda = lambda
	}
	cfg.Retrieval.ApplyTo(rq)
	if err := rq.Validate(); err != nil {
		return err
	}
	opts := retrieve.OptionsFromQuery(rq)

	ctx := context.Background()
	if *hitsOnly {
		start := time.Now()
		hits, err := components.Researcher.Search(ctx, query, opts)
		if err != nil {
			return err
		}
		return cli.WriteRetrieveResponse(out, &models.RetrieveResponse{
			Hits:      hits,
			Total:     len(hits),
			QueryTime: time.Since(start).Milliseconds(),
			Query:     query,
			MMR:       opts.MMREnabled,
		}, format)
	}
	ans, err := components.Researcher.Answer(ctx, query, opts)
	if err != nil {
		return err
	}
	return cli.WriteAnswer(out, ans, format)
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func runStats(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	output := fs.String("output", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}
	cfg, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	stats, err := components.Coordinator.Stats(context.Background())
	if err != nil {
		return err
	}
	paths := append(storage.SQLiteFiles(cfg.Storage.DatabasePath), cfg.Storage.IndexPath)
	diskBytes, err := storage.DiskUsageBytes(paths...)
	if err != nil {
		diskBytes = -1
	}
	return cli.WriteStats(out, stats, diskBytes, format)
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath, debug := commonFlags(fs)
	output := fs.String("output", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}
	_, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	report, err := components.Coordinator.Verify(context.Background())
	if err != nil {
		return err
	}
	if err := cli.WriteVerify(out, report, format); err != nil {
		return err
	}
	if !report.Consistent {
		return errors.New("index and metadata store are inconsistent")
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Store       *storage.SQLiteStorage
	Embedder    embedding.Embedder
	Coordinator *index.Coordinator
	Retriever   *retrieve.Retriever
	Researcher  *research.Researcher
	Indexer     *indexer.Indexer
	Extractor   *extract.Extractor
}

// Close releases the coordinator, the embedder and the store.
func (c *Components) Close() {
	if c.Coordinator != nil {
		_ = c.Coordinator.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	kind, err := vector.ParseKind(cfg.Index.Kind)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{cfg.Storage.DatabasePath, cfg.Storage.IndexPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Store: store}

	c.Embedder, err = embedding.New(embedding.Config{
		Provider:          embedding.Provider(cfg.Embedding.Provider),
		Dimensions:        cfg.Embedding.Dimensions,
		CacheSize:         cfg.Embedding.CacheSize,
		ModelPath:         cfg.Embedding.ModelPath,
		MaxTokens:         cfg.Embedding.MaxTokens,
		Model:             cfg.Embedding.Model,
		BaseURL:           cfg.Embedding.BaseURL,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		BatchSize:         cfg.Embedding.BatchSize,
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	c.Coordinator, err = index.Open(index.Config{
		Path: cfg.Storage.IndexPath,
		Kind: kind,
		HNSW: vector.HNSWParams{
			M:              cfg.Index.HNSW.M,
			EFConstruction: cfg.Index.HNSW.EFConstruction,
			EFSearch:       cfg.Index.HNSW.EFSearch,
			Seed:           cfg.Index.HNSW.Seed,
		},
	}, store, index.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	logger.Info("index opened",
		zap.String("kind", string(kind)),
		zap.String("path", cfg.Storage.IndexPath),
		zap.String("embedder", cfg.Embedding.Provider))

	c.Retriever = retrieve.New(c.Coordinator, retrieve.WithLogger(logger))
	c.Researcher = research.New(c.Embedder, c.Retriever, research.WithLogger(logger))
	c.Extractor = extract.NewExtractor(cfg.Ingest.Extensions...)
	c.Indexer = indexer.NewIndexer(c.Coordinator, c.Embedder, c.Extractor, indexer.Config{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		BatchSize:    cfg.Ingest.BatchSize,
		Workers:      cfg.Ingest.Workers,
	}, indexer.WithLogger(logger))
	return c, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kenkyu - Local retrieval-augmented research engine

Usage:
  kenkyu serve [flags]                 Start the HTTP API
  kenkyu ingest --folder <dir>         Extract, chunk, embed and index a folder
  kenkyu index [--rebuild]             Load the index, or discard it with --rebuild
  kenkyu query [flags] --q <query>     Research a question over the index
  kenkyu stats [flags]                 Show index size, kind and disk usage
  kenkyu verify [flags]                Check the index and metadata store agree
  kenkyu version                       Show version
  kenkyu help                          Show this help

Common Flags:
  --config string    Config file path (default: $KENKYU_CONFIG, then ./config.yaml, then built-in defaults)
  --debug            Enable debug logging

Serve Flags:
  --watch string     Ingest files created in this folder while serving
                     (recursive per config; existing files are not ingested)

Ingest Flags:
  --folder string    Folder to ingest
  --recursive        Descend into subdirectories

Query Flags:
  --q string                   Query text (or remaining arguments)
  --topk int                   Passages per sub-query (default from config: 5)
  --mmr                        Enable MMR reranking (default from config: true; --mmr=false to disable)
  --mmr-lambda float           Relevance vs diversity in [0, 1] (default from config: 0.7)
  --candidate-multiplier int   Over-fetch factor before reranking (default from config: 5)
  --hits                       Print ranked passages instead of the synthesis
  --output string              Output format: text, json or markdown (report)

Stats/Verify Flags:
  --output string    Output format: text or json

Examples:
  kenkyu ingest --folder ./papers --recursive
  kenkyu query --q "What is maximal marginal relevance? How is lambda chosen?"
  kenkyu query --hits --topk 10 --mmr=false "vector databases"
  kenkyu query --output markdown "How do HNSW graphs work?" > report.md
  kenkyu stats --output json
  KENKYU_CONFIG=./config.yaml kenkyu serve --watch ./inbox`)
}
