package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a component-tagged wrapper around the default slog logger.
type Logger struct {
	inner *slog.Logger
}

// Init installs the process-wide slog handler. JSON output is meant for
// server mode where logs are shipped somewhere; the CLI prints text.
func Init(jsonOutput, debug bool) {
	InitWriter(os.Stderr, jsonOutput, debug)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, jsonOutput, debug bool) {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		options.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}
	slog.SetDefault(slog.New(handler))
}

// New returns a logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{inner: slog.Default().With("component", component)}
}

func (l *Logger) Info(msg string, args ...any) {
	l.inner.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.inner.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.inner.Error(msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.inner.Debug(msg, args...)
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}
