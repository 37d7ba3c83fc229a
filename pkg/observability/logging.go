// Package observability provides structured logging and tracing for tabmux
// components.
package observability

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a structured logger scoped to one tabmux component.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger tagged with the component name.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stderr, component, level)
}

// NewLoggerTo is NewLogger writing to w. Tests use this to capture output.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "tabmux"),
	)
	return &Logger{Logger: logger}
}

// WithSession returns a logger carrying the logical session name.
func (l *Logger) WithSession(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session", name))}
}

// WithTarget returns a logger carrying the browser target id.
func (l *Logger) WithTarget(targetID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("target_id", targetID))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}
