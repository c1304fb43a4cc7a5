package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kenkyu/internal/indexer"
)

type recordingIngester struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *recordingIngester) IngestFile(_ context.Context, path string) (indexer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	if r.err != nil {
		return indexer.Result{Failed: []string{path}}, r.err
	}
	return indexer.Result{Files: 1, Chunks: 1, Total: int64(len(r.paths))}, nil
}

func (r *recordingIngester) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func txtOnly(path string) bool { return strings.HasSuffix(path, ".txt") }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func startWatcher(t *testing.T, roots []string, recursive bool, ing FileIngester) *Watcher {
	t.Helper()
	w := New(roots, recursive, txtOnly, ing, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWatcher_IngestsNewFilesOnce(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	w := startWatcher(t, []string{dir}, false, ing)

	path := filepath.Join(dir, "note.txt")
	writeFile(t, path, "first")
	writeFile(t, filepath.Join(dir, "skip.bin"), "x")
	if !waitFor(t, func() bool { return len(ing.snapshot()) == 1 }) {
		t.Fatalf("ingested = %v", ing.snapshot())
	}

	// A later write must not append the file a second time.
	writeFile(t, path, "second")
	time.Sleep(200 * time.Millisecond)
	got := ing.snapshot()
	if len(got) != 1 || got[0] != path {
		t.Errorf("ingested = %v", got)
	}
	if paths := w.Ingested(); len(paths) != 1 {
		t.Errorf("Ingested() = %v", paths)
	}
}

func TestWatcher_NewDirectoryWhenRecursive(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, []string{dir}, true, ing)

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to register the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "a.txt"), "hello")

	if !waitFor(t, func() bool { return len(ing.snapshot()) == 1 }) {
		t.Fatalf("ingested = %v", ing.snapshot())
	}
}

func TestWatcher_FailedIngestIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{err: errors.New("boom")}
	startWatcher(t, []string{dir}, false, ing)

	path := filepath.Join(dir, "bad.txt")
	writeFile(t, path, "x")
	if !waitFor(t, func() bool { return len(ing.snapshot()) == 1 }) {
		t.Fatalf("ingested = %v", ing.snapshot())
	}
	writeFile(t, path, "y")
	time.Sleep(200 * time.Millisecond)
	if got := ing.snapshot(); len(got) != 1 {
		t.Errorf("ingested = %v", got)
	}
}

func TestWatcher_StartErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	if err := New([]string{missing}, false, nil, &recordingIngester{}).Start(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")
	if err := New([]string{file}, false, nil, &recordingIngester{}).Start(context.Background()); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestWatcher_UnderRoot(t *testing.T) {
	w := New([]string{"/tmp/a"}, true, nil, nil)
	tests := []struct {
		path string
		want bool
	}{
		{"/tmp/a", true},
		{"/tmp/a/b.txt", true},
		{"/tmp/b", false},
		{"/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := w.underRoot(tt.path); got != tt.want {
			t.Errorf("underRoot(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := New([]string{t.TempDir()}, false, nil, &recordingIngester{})
	w.Stop()
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
