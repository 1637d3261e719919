package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit_StderrLevels(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Debug("hidden")
	Info("also hidden")
	Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info leaked to stderr without Verbose: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn missing from stderr: %q", out)
	}
}

func TestInit_Verbose(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf, Verbose: true}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug missing with Verbose: %q", buf.String())
	}
}

func TestInit_FileHandler(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf, DebugDir: dir}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Debug("file only")

	name := "relay-" + time.Now().Format("2006-01-02") + ".jsonl"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file only") {
		t.Errorf("debug record missing from file: %q", data)
	}
}

func TestRequest(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf, Verbose: true}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Request("req-123").Info("hello")
	if !strings.Contains(buf.String(), "req-123") {
		t.Errorf("request_id missing: %q", buf.String())
	}
}

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"env://gemini/0", "env://gemini/0"},
		{"/home/user/.relay/oauth_creds/gemini_oauth_1.json", "gemini_oauth_1.json"},
		{"sk-abcdefghijklmnop", "sk-a...mnop"},
		{"short", "****"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.in); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "relay-2020-01-01.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	recent := filepath.Join(dir, "relay-"+time.Now().Format("2006-01-02")+".jsonl")
	if err := os.WriteFile(recent, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	Cleanup(dir, 7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log file should be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent log file should survive cleanup")
	}
}
