package logger

import (
	"context"
	"log/slog"

	"github.com/shelfsync/shelfsync/internal/ctxutil"
)

// ContextHandler is a slog.Handler that extracts engine tracing values
// (item id, stage, task id, run id) from the context and attaches them to
// every record, so call sites never thread these fields by hand.
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler creates a ContextHandler wrapping the provided handler.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{handler: handler}
}

// Enabled delegates to the wrapped handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle enriches the record with context values and delegates.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if itemID, ok := ctxutil.GetItemID(ctx); ok {
		r.AddAttrs(slog.Int64("item_id", itemID))
	}
	if stage := ctxutil.GetStage(ctx); stage != "" {
		r.AddAttrs(slog.String("stage", stage))
	}
	if taskID, ok := ctxutil.GetTaskID(ctx); ok {
		r.AddAttrs(slog.Int64("task_id", taskID))
	}
	if runID := ctxutil.GetRunID(ctx); runID != "" {
		r.AddAttrs(slog.String("run_id", runID))
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs returns a new ContextHandler with the attributes applied.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup returns a new ContextHandler with the group applied.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{handler: h.handler.WithGroup(name)}
}
