// Package logging adapts log/slog to the es.Logger interface used by the
// replication packages.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/getpup/pupsourcing/es"
)

// Logger writes es.Logger calls to a slog.Logger.
type Logger struct {
	logger *slog.Logger
}

var _ es.Logger = (*Logger)(nil)

// New wraps logger.
func New(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// NewText creates a Logger writing text records at level to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// NewJSON creates a Logger writing JSON records at level to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// With returns a Logger that adds keyvals to every record.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(keyvals...)}
}

func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
