// Package logx provides the logging facade used across viewhost components.
//
// The interface mirrors the teacher's daql/log package: a handful of level
// methods plus With for attaching structured tags. The default
// implementation backs onto log/slog with a tint handler for colored,
// leveled console output.
package logx

import (
	"context"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Logger is the facade every component logs through.
type Logger interface {
	Debug(msg string, kv ...any)
	Error(msg string, kv ...any)
	Crit(msg string, kv ...any)
	With(kv ...any) Logger
}

// Root is the process-wide default logger. It is set once during boot and
// is not part of the protocol (spec.md §9, "Global state").
var Root Logger = New(os.Stderr, slog.LevelInfo)

// slogLogger adapts an *slog.Logger to the Logger facade.
type slogLogger struct {
	l *slog.Logger
}

// New returns a Logger backed by slog+tint writing to w at the given level.
func New(w *os.File, level slog.Level) Logger {
	h := tint.NewHandler(w, &tint.Options{Level: level})
	return &slogLogger{l: slog.New(h)}
}

func (s *slogLogger) Debug(msg string, kv ...any) { s.l.Debug(msg, kv...) }
func (s *slogLogger) Error(msg string, kv ...any) { s.l.Error(msg, kv...) }
func (s *slogLogger) Crit(msg string, kv ...any) {
	s.l.Log(context.Background(), slog.LevelError+4, msg, kv...)
}
func (s *slogLogger) With(kv ...any) Logger {
	return &slogLogger{l: s.l.With(kv...)}
}

// Noop discards everything. Used in tests, mirroring daql/log/testing.go.
type Noop struct{}

func (Noop) Debug(string, ...any) {}
func (Noop) Error(string, ...any) {}
func (Noop) Crit(string, ...any)  {}
func (Noop) With(...any) Logger   { return Noop{} }
