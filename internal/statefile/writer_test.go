package statefile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WriteAndRead(t *testing.T) {
	ResetRegistry()
	path := filepath.Join(t.TempDir(), "usage_gemini.json")
	w := NewWriter(path, false)

	w.Write(map[string]int{"a": 1, "b": 2})
	require.True(t, w.Healthy())

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got)
}

func TestWriter_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	ResetRegistry()
	path := filepath.Join(t.TempDir(), "gemini_oauth_1.json")
	w := NewWriter(path, true)

	w.Write(map[string]string{"access_token": "secret"})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestWriter_RetryAfterFailure(t *testing.T) {
	ResetRegistry()
	dir := t.TempDir()
	blocked := filepath.Join(dir, "sub")
	// A file where the parent directory should be forces MkdirAll to fail.
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	path := filepath.Join(blocked, "state.json")
	w := NewWriter(path, false)
	w.Write(map[string]int{"n": 7})
	assert.False(t, w.Healthy())

	// Clear the obstruction; the retry loop's flush should now succeed.
	require.NoError(t, os.Remove(blocked))
	assert.Equal(t, 0, FlushAll())
	assert.True(t, w.Healthy())

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 7, got["n"])
}

func TestFlushAll_ReportsPending(t *testing.T) {
	ResetRegistry()
	dir := t.TempDir()
	blocked := filepath.Join(dir, "sub")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0644))

	w := NewWriter(filepath.Join(blocked, "state.json"), false)
	w.Write(map[string]int{"n": 1})
	assert.Equal(t, 1, FlushAll())
	_ = w
}

func TestWriter_OverwriteKeepsLatest(t *testing.T) {
	ResetRegistry()
	path := filepath.Join(t.TempDir(), "state.json")
	w := NewWriter(path, false)

	w.Write(map[string]int{"v": 1})
	w.Write(map[string]int{"v": 2})

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got["v"])
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]int
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	assert.True(t, os.IsNotExist(err))
}
