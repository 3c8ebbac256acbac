package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelReport sits between INFO and WARN. Processes use it for progress
// reports that should be visible at the default level.
const LevelReport = slog.LevelInfo + 2

// Logger wraps slog.Logger with additional features.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
	closer    io.Closer
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool

	// File enables rotated file output instead of Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "auto",
		Output:     os.Stdout,
		AddSource:  false,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// New creates a new logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var closer io.Closer
	if cfg.File != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.File), 0o750)
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cfg.Output = rotator
		closer = rotator
	}

	level := parseLevel(cfg.Level)
	sanitizer := NewSanitizer()
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceLevelName,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default: // auto
		if isTerminal(cfg.Output) {
			handler = NewPrettyHandler(cfg.Output, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		}
	}

	// Wrap with sanitizing handler
	handler = NewSanitizingHandler(handler, sanitizer)

	return &Logger{
		Logger:    slog.New(handler),
		sanitizer: sanitizer,
		closer:    closer,
	}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "report":
		return LevelReport
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelReport {
			a.Value = slog.StringValue("REPORT")
		}
	}
	return a
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Report logs at LevelReport.
func (l *Logger) Report(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelReport, msg, args...)
}

// WithProcess returns a logger with process context.
func (l *Logger) WithProcess(pid int64) *Logger {
	return l.With(KeyPID, strconv.FormatInt(pid, 10))
}

// WithTask returns a logger with daemon task context.
func (l *Logger) WithTask(task string) *Logger {
	return l.With(KeyTask, task)
}

// WithComputer returns a logger with computer context.
func (l *Logger) WithComputer(computer string) *Logger {
	return l.With(KeyComputer, computer)
}

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
	}
}

// Sanitizer returns the sanitizer used by this logger.
func (l *Logger) Sanitizer() *Sanitizer {
	return l.sanitizer
}

// Sanitize sanitizes a string using the logger's sanitizer.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}

// Close releases the log file, if any. Derived loggers share the file and
// must not be used after the root logger is closed.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
