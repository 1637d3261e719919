// Package log configures the process-wide slog logger for the gateway.
// Output fans out to stderr (text or JSON, warn+ by default) and to a
// daily-rotated JSON debug file when a debug directory is configured.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger
var fileWriter *FileWriter

// Options configures the logger.
type Options struct {
	// Verbose enables debug/info output to stderr.
	Verbose bool
	// JSONFormat uses JSON output format for stderr.
	JSONFormat bool
	// DebugDir is the directory for debug log files. If empty, file logging
	// is disabled.
	DebugDir string
	// RetentionDays is how many days to keep log files (0 = no cleanup).
	RetentionDays int
	// Stderr is the writer for stderr output (defaults to os.Stderr).
	Stderr io.Writer
}

// Init initializes the global logger with the given options.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var handlers []slog.Handler

	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}
	stderrOpts := &slog.HandlerOptions{Level: stderrLevel}

	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}

		fw, err := NewFileWriter(opts.DebugDir)
		if err != nil {
			return err
		}
		fileWriter = fw

		handlers = append(handlers, slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close closes the file writer if one was created.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// Request returns a logger correlated with a gateway request id.
func Request(requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// SetOutput sets the output writer (for testing).
func SetOutput(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// MaskCredential renders a credential identifier safe for logs: API keys keep
// the first and last four characters, file-backed identifiers keep only the
// base name, env URIs pass through unchanged.
func MaskCredential(id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "env://") {
		return id
	}
	if strings.ContainsAny(id, "/\\") {
		parts := strings.FieldsFunc(id, func(r rune) bool { return r == '/' || r == '\\' })
		return parts[len(parts)-1]
	}
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

func init() {
	// Default logger until Init is called
	logger = slog.Default()
}
