package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	actionIDKey
	workflowRunIDKey
	workerIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithWorkflowRunID returns a context with the workflow run ID set.
func WithWorkflowRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowRunIDKey, id)
}

// WithWorkerID returns a context with the worker ID set.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string {
	v, _ := ctx.Value(actionIDKey).(string)
	return v
}

// WorkflowRunID extracts the workflow run ID from the context, or "" if absent.
func WorkflowRunID(ctx context.Context) string {
	v, _ := ctx.Value(workflowRunIDKey).(string)
	return v
}

// WorkerID extracts the worker ID from the context, or "" if absent.
func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

// WithRunIDs sets the per-run correlation IDs on the context at once.
func WithRunIDs(ctx context.Context, runID, actionID, workflowRunID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithActionID(ctx, actionID)
	ctx = WithWorkflowRunID(ctx, workflowRunID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if rID := RunID(ctx); rID != "" {
		logger = logger.With(slog.String("run_id", rID))
	}
	if aID := ActionID(ctx); aID != "" {
		logger = logger.With(slog.String("action_id", aID))
	}
	if wID := WorkflowRunID(ctx); wID != "" {
		logger = logger.With(slog.String("workflow_run_id", wID))
	}
	if wkID := WorkerID(ctx); wkID != "" {
		logger = logger.With(slog.String("worker_id", wkID))
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
	if v := ActionID(ctx); v != "" {
		r.AddAttrs(slog.String("action_id", v))
	}
	if v := WorkflowRunID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_run_id", v))
	}
	if v := WorkerID(ctx); v != "" {
		r.AddAttrs(slog.String("worker_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
