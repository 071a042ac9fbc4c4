// Package logger is the structured logging facade used across the engine.
// Fields are plain maps so callers never import a logging backend.
package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	// With returns a child logger that adds fields to every entry, e.g. the
	// payment id for the duration of one settlement.
	With(fields map[string]any) Logger
}

// NoopLogger is the library default.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

func (n NoopLogger) With(map[string]any) Logger { return n }
