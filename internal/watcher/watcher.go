// Package watcher ingests files that appear in watched folders while the
// server runs. Slot ids are append-only, so each path is ingested at most once
// per watcher lifetime; later writes and removals are logged and ignored.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kenkyu/internal/indexer"
)

const defaultDebounce = 400 * time.Millisecond

// FileIngester adds one file to the index. *indexer.Indexer implements it.
type FileIngester interface {
	IngestFile(ctx context.Context, path string) (indexer.Result, error)
}

// Watcher feeds new files under its roots to a FileIngester.
type Watcher struct {
	roots     []string
	accept    func(path string) bool
	recursive bool
	ingester  FileIngester
	debounce  time.Duration
	logger    *zap.Logger
	fsw       *fsnotify.Watcher
	ctx       context.Context
	mu        sync.Mutex
	pending   map[string]*time.Timer
	ingested  map[string]bool
	inflight  sync.WaitGroup
	done      chan struct{}
	started   bool
	stopOnce  sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a path must stay quiet before it is ingested.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over roots. accept filters paths by name, typically
// extract.Extractor.Supports; nil accepts every file.
func New(roots []string, recursive bool, accept func(path string) bool, ingester FileIngester, opts ...Option) *Watcher {
	if accept == nil {
		accept = func(string) bool { return true }
	}
	w := &Watcher{
		roots:     roots,
		accept:    accept,
		recursive: recursive,
		ingester:  ingester,
		debounce:  defaultDebounce,
		logger:    zap.NewNop(),
		pending:   make(map[string]*time.Timer),
		ingested:  make(map[string]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Files already present are not ingested; run an
// ingest of the folder first. The watcher runs until ctx is cancelled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	for _, root := range w.roots {
		if err := w.watchTreeLocked(root); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
	}
	w.ctx = ctx
	w.started = true
	w.logger.Info("watching for new documents", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) watchTreeLocked(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: root, Err: fs.ErrInvalid}
	}
	if !w.recursive {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		if w.accept(path) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(path)
		if w.wasIngested(path) {
			w.logger.Info("indexed file removed; its chunks stay until the index is rebuilt", zap.String("path", path))
		}
	}
}

// handleNewDirectory watches a directory created under a recursive root and
// schedules the files it already holds.
func (w *Watcher) handleNewDirectory(dir string) {
	if !w.recursive {
		return
	}
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(addErr))
			}
			return nil
		}
		if w.accept(path) {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) underRoot(path string) bool {
	clean := filepath.Clean(path)
	for _, root := range w.roots {
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// schedule (re)starts the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.ingested[path] {
		w.logger.Info("file changed after ingestion; rebuild the index to pick up edits", zap.String("path", path))
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if !w.started || w.ingested[path] {
		w.mu.Unlock()
		return
	}
	w.ingested[path] = true
	ctx := w.ctx
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	res, err := w.ingester.IngestFile(ctx, path)
	if err != nil {
		w.logger.Warn("failed to ingest watched file", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("ingested watched file", zap.String("path", path), zap.Int("chunks", res.Chunks), zap.Int64("total", res.Total))
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) wasIngested(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ingested[path]
}

// Ingested returns the paths ingested so far.
func (w *Watcher) Ingested() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.ingested))
	for p := range w.ingested {
		out = append(out, p)
	}
	return out
}

// Stop stops watching and waits for ingestions already running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.fsw.Close()
	w.fsw = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
