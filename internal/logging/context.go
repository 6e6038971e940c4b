// Package logging carries execution correlation IDs through context and
// injects them into every slog record.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeIDKey
	graphNameKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithGraphName returns a context with the graph name set.
func WithGraphName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, graphNameKey, name)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// GraphName extracts the graph name from the context, or "" if absent.
func GraphName(ctx context.Context) string {
	v, _ := ctx.Value(graphNameKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := ExecutionID(ctx); id != "" {
		logger = logger.With(slog.String("execution_id", id))
	}
	if id := NodeID(ctx); id != "" {
		logger = logger.With(slog.String("node_id", id))
	}
	if name := GraphName(ctx); name != "" {
		logger = logger.With(slog.String("graph", name))
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

// NewCorrelationHandler wraps the given handler with automatic correlation ID
// injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_id", v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String("node_id", v))
	}
	if v := GraphName(ctx); v != "" {
		r.AddAttrs(slog.String("graph", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
