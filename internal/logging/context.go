package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stateIDKey
	branchIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStateID returns a context with the current state ID set.
func WithStateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stateIDKey, id)
}

// WithBranchID returns a context with the fork branch ID set.
func WithBranchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, branchIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StateID extracts the state ID from the context, or "" if absent.
func StateID(ctx context.Context) string {
	v, _ := ctx.Value(stateIDKey).(string)
	return v
}

// BranchID extracts the branch ID from the context, or "" if absent.
func BranchID(ctx context.Context) string {
	v, _ := ctx.Value(branchIDKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if id := StateID(ctx); id != "" {
		logger = logger.With(slog.String("state_id", id))
	}
	if id := BranchID(ctx); id != "" {
		logger = logger.With(slog.String("branch_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StateID(ctx); v != "" {
		r.AddAttrs(slog.String("state_id", v))
	}
	if v := BranchID(ctx); v != "" {
		r.AddAttrs(slog.String("branch_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
