// Package statefile persists gateway state as JSON files. Writes are
// memory-first and never fail: the latest payload is kept in an in-memory
// cell, flushed atomically (temp sibling, fsync, rename), and registered
// for background retry when the disk write does not succeed. A process-wide
// registry retries failed writes on a ticker and flushes everything on
// shutdown.
package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/majorcontext/relay/internal/log"
)

// RetryInterval is how often the background loop retries failed writes.
const RetryInterval = 30 * time.Second

// Writer owns one state file. Safe for concurrent use.
type Writer struct {
	path    string
	secure  bool
	mu      sync.Mutex
	payload []byte
	dirty   bool
	healthy atomic.Bool
}

// NewWriter creates a writer for path and registers it with the process
// registry. Secure writers chmod the file to owner read/write after rename.
func NewWriter(path string, secure bool) *Writer {
	w := &Writer{path: path, secure: secure}
	w.healthy.Store(true)
	register(w)
	return w
}

// Path returns the target file path.
func (w *Writer) Path() string { return w.path }

// Write encodes v and stores it. The in-memory cell always updates; the
// disk flush is attempted immediately and retried in the background on
// failure. Write itself never returns an error.
func (w *Writer) Write(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// Unencodable state is a programming error; keep the previous
		// payload rather than clobbering it.
		log.Error("statefile: marshal failed", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.payload = data
	w.dirty = true
	w.mu.Unlock()

	w.Flush()
}

// Flush attempts to write the pending payload to disk. Returns true when
// the file on disk matches the in-memory cell afterwards.
func (w *Writer) Flush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirty {
		return w.healthy.Load()
	}
	if err := w.flushLocked(); err != nil {
		if w.healthy.Swap(false) {
			log.Warn("statefile: write failed, queued for retry", "path", w.path, "error", err)
		}
		return false
	}
	w.dirty = false
	w.healthy.Store(true)
	return true
}

// Healthy reports whether the last flush attempt succeeded.
func (w *Writer) Healthy() bool { return w.healthy.Load() }

func (w *Writer) flushLocked() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(w.payload); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	if w.secure {
		if err := os.Chmod(w.path, 0600); err != nil {
			return fmt.Errorf("restricting permissions: %w", err)
		}
	}
	return nil
}

// ReadJSON loads path into v. Missing files return os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// --- process-wide registry ---

var registry struct {
	mu      sync.Mutex
	writers []*Writer
}

func register(w *Writer) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.writers = append(registry.writers, w)
}

// StartRetryLoop retries failed writes every RetryInterval until ctx is
// cancelled. Call once from the engine.
func StartRetryLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				retryPending()
			}
		}
	}()
}

func retryPending() {
	for _, w := range snapshot() {
		if !w.Healthy() {
			w.Flush()
		}
	}
}

// FlushAll flushes every registered writer and returns the number of
// writers still holding unflushed payloads. Called on shutdown; a non-zero
// return maps to a non-zero process exit.
func FlushAll() int {
	pending := 0
	for _, w := range snapshot() {
		if !w.Flush() {
			pending++
		}
	}
	return pending
}

func snapshot() []*Writer {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Writer, len(registry.writers))
	copy(out, registry.writers)
	return out
}

// ResetRegistry drops all registered writers. For testing only.
func ResetRegistry() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.writers = nil
}
