package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func todayLogName() string {
	return "relay-" + time.Now().Format("2006-01-02") + ".jsonl"
}

func TestFileWriter_Write(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte(`{"msg":"test"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	logFile := filepath.Join(tmpDir, todayLogName())
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `{"msg":"test"}`) {
		t.Errorf("expected content to contain test message, got: %s", content)
	}
}

func TestFileWriter_LatestSymlink(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	fw.Write([]byte(`{"msg":"test"}`))

	target, err := os.Readlink(filepath.Join(tmpDir, "latest"))
	if err != nil {
		t.Fatalf("reading symlink: %v", err)
	}
	if target != todayLogName() {
		t.Errorf("symlink target = %q, want %q", target, todayLogName())
	}
}

func TestCleanup_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "usage_gemini.json")
	if err := os.WriteFile(foreign, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(dir, "relay-2019-06-01.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	Cleanup(dir, 1)

	if _, err := os.Stat(foreign); err != nil {
		t.Error("cleanup must not touch non-log files")
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log file should be removed")
	}
}
