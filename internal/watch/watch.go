// Package watch reloads the credential set when files in the managed
// credential directory change, so keys can be added or revoked without a
// restart.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/majorcontext/relay/internal/log"
)

// debounceInterval coalesces bursts of events, for example an editor
// writing a temp file and renaming it into place.
const debounceInterval = 500 * time.Millisecond

// Watcher observes one directory and invokes reload after changes settle.
type Watcher struct {
	dir      string
	reload   func() error
	debounce time.Duration
}

// New creates a watcher for dir. reload runs debounced on the watcher
// goroutine.
func New(dir string, reload func() error) *Watcher {
	return &Watcher{dir: dir, reload: reload, debounce: debounceInterval}
}

// SetDebounce overrides the settle interval. For testing.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	log.Info("watching credential directory", "dir", w.dir)

	// The timer is inert until the first relevant event.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			log.Debug("credential file changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("credential watcher error", "error", err)
		case <-timer.C:
			if err := w.reload(); err != nil {
				log.Error("credential reload failed", "error", err)
			}
		}
	}
}

// relevant filters for credential file changes: JSON files created,
// rewritten, renamed into place, or deleted. Editor temp files and the
// directory itself are ignored.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".json")
}
