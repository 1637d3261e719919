package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReloadsAfterChange(t *testing.T) {
	dir := t.TempDir()
	var reloads int32
	w := New(dir, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	})
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gemini-oauth-1.json"), []byte(`{}`), 0o600))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRun_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	var reloads int32
	w := New(dir, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	})
	w.SetDebounce(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "openai-key-1.json"), []byte(`{}`), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) >= 1 },
		2*time.Second, 10*time.Millisecond)
	// The burst collapsed into one reload.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&reloads))
}

func TestRelevant(t *testing.T) {
	assert.True(t, relevant(fsnotify.Event{Name: "/creds/openai-1.json", Op: fsnotify.Create}))
	assert.True(t, relevant(fsnotify.Event{Name: "/creds/openai-1.json", Op: fsnotify.Remove}))
	assert.False(t, relevant(fsnotify.Event{Name: "/creds/.openai-1.json.swp", Op: fsnotify.Write}))
	assert.False(t, relevant(fsnotify.Event{Name: "/creds/notes.txt", Op: fsnotify.Write}))
	assert.False(t, relevant(fsnotify.Event{Name: "/creds/openai-1.json", Op: fsnotify.Chmod}))
}
