// Package logging provides the structured logger used across agentmesh
// components, built on log/slog. Every long-lived component (gateway,
// scheduler, runner) receives a *slog.Logger scoped to its own name rather than
// reaching for a package-level global.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Level mirrors the handful of levels the rest of the system cares about.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a case-insensitive level string, defaulting to info
// for anything unrecognized rather than failing startup over a typo.
func ParseLevel(s string) slog.Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures the process-wide logger.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output *os.File
}

// New builds the root *slog.Logger for the process. Components should call
// .With("component", name) on it rather than constructing their own handler.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// Component returns a logger scoped to a single component name, the
// convention every package in this module follows instead of passing
// around ad hoc prefixes.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

// ctxKey is unexported so only this package can stash a logger on a context.
type ctxKey struct{}

// WithContext attaches a logger to ctx so deep call chains (scheduler ->
// runner -> tool client) can recover a run-scoped logger without threading
// an explicit parameter through every signature.
func WithContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext recovers a logger stashed with WithContext, falling back to
// slog.Default() if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
