// Package ctxutil provides type-safe context value management.
// Uses private key types to prevent collisions.
package ctxutil

import (
	"context"
)

type contextKey string

const (
	itemIDKey contextKey = "ctxutil.itemID"
	stageKey  contextKey = "ctxutil.stage"
	taskIDKey contextKey = "ctxutil.taskID"
	runIDKey  contextKey = "ctxutil.runID"
)

// WithItemID adds an item ID to the context.
// Item ID identifies the e-book record a log line belongs to.
func WithItemID(ctx context.Context, itemID int64) context.Context {
	return context.WithValue(ctx, itemIDKey, itemID)
}

// GetItemID retrieves the item ID from the context.
// Returns the item ID and true if found, zero and false otherwise.
func GetItemID(ctx context.Context) (int64, bool) {
	itemID, ok := ctx.Value(itemIDKey).(int64)
	return itemID, ok
}

// WithStage adds a pipeline stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// GetStage retrieves the stage name from the context.
// Returns the stage name if found, empty string otherwise.
func GetStage(ctx context.Context) string {
	if v := ctx.Value(stageKey); v != nil {
		if stage, ok := v.(string); ok && stage != "" {
			return stage
		}
	}
	return ""
}

// WithTaskID adds a scheduler task ID to the context.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// GetTaskID retrieves the task ID from the context.
// Returns the task ID and true if found, zero and false otherwise.
func GetTaskID(ctx context.Context) (int64, bool) {
	taskID, ok := ctx.Value(taskIDKey).(int64)
	return taskID, ok
}

// WithRunID adds a run ID to the context for log correlation.
// Run ID is generated once per feeder sweep or daemon cycle.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
// Returns the run ID if found, empty string otherwise.
func GetRunID(ctx context.Context) string {
	if v := ctx.Value(runIDKey); v != nil {
		if runID, ok := v.(string); ok && runID != "" {
			return runID
		}
	}
	return ""
}

// PreserveTracing creates a detached context that preserves tracing values.
// The new context is independent of the parent's cancellation and deadlines.
//
// Use for fire-and-forget work (notifier sends, archive pushes) that needs
// tracing but must outlive the task that spawned it.
func PreserveTracing(ctx context.Context) context.Context {
	newCtx := context.Background()

	if itemID, ok := GetItemID(ctx); ok {
		newCtx = WithItemID(newCtx, itemID)
	}
	if stage := GetStage(ctx); stage != "" {
		newCtx = WithStage(newCtx, stage)
	}
	if taskID, ok := GetTaskID(ctx); ok {
		newCtx = WithTaskID(newCtx, taskID)
	}
	if runID := GetRunID(ctx); runID != "" {
		newCtx = WithRunID(newCtx, runID)
	}

	return newCtx
}
