package state

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shelfsync/shelfsync/internal/ctxutil"
	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// activeStatuses are the in-flight states eligible for crash recovery.
func activeStatuses() []storage.Status {
	statuses := make([]storage.Status, 0, len(activeResetTargets))
	for s := range activeResetTargets {
		statuses = append(statuses, s)
	}
	return statuses
}

// RecoverFromCrash maps every in-flight item back to its stage's entry
// state. Run on startup: anything still ACTIVE then was orphaned by a crash.
// Idempotent; a second pass finds nothing to reset.
func (m *Manager) RecoverFromCrash(ctx context.Context) int {
	return m.resetActiveItems(ctx, time.Time{}, "crash recovery")
}

// ResetStuck maps in-flight items older than the timeout back to their
// stage's entry state.
func (m *Manager) ResetStuck(ctx context.Context, timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	return m.resetActiveItems(ctx, cutoff, fmt.Sprintf("stuck for over %s", timeout))
}

// resetActiveItems applies the active → queued reset mapping. A zero cutoff
// resets every in-flight item regardless of age.
func (m *Manager) resetActiveItems(ctx context.Context, cutoff time.Time, reason string) int {
	var items []*storage.Item
	var err error
	if cutoff.IsZero() {
		items, err = m.db.ListItemsByStatuses(ctx, activeStatuses(), 0)
	} else {
		items, err = m.db.ListItemsByStatusesOlderThan(ctx, activeStatuses(), cutoff, 0)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to list in-flight items", "error", err)
		return 0
	}

	reset := 0
	for _, item := range items {
		target, ok := activeResetTargets[item.Status]
		if !ok {
			continue
		}
		if m.Transition(ctx, item.ID, target, reason, TransitionOptions{}) {
			reset++
		}
	}
	if reset > 0 {
		slog.InfoContext(ctx, "reset in-flight items", "count", reset, "reason", reason)
	}
	return reset
}

// ResetStaleDetailFetching returns DETAIL_FETCHING items older than the
// timeout to NEW. Only the state is reset; task retry counters are kept.
func (m *Manager) ResetStaleDetailFetching(ctx context.Context, timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	items, err := m.db.ListItemsByStatusesOlderThan(ctx, []storage.Status{storage.StatusDetailFetching}, cutoff, 0)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list stale detail items", "error", err)
		return 0
	}

	reset := 0
	reason := fmt.Sprintf("detail fetch exceeded %s, reset for reprocessing", timeout)
	for _, item := range items {
		if m.Transition(ctx, item.ID, storage.StatusNew, reason, TransitionOptions{}) {
			reset++
		}
	}
	if reset > 0 {
		slog.InfoContext(ctx, "reset stale detail items", "count", reset)
	}
	return reset
}

// CleanupMismatchedTasks cancels open task rows whose item no longer exists,
// whose item state left the stage's acceptable set, or whose item is
// terminal. Returns the number of tasks cancelled.
func (m *Manager) CleanupMismatchedTasks(ctx context.Context) int {
	tasks, err := m.db.ListTasksByStatuses(ctx, []storage.TaskStatus{storage.TaskQueued, storage.TaskActive})
	if err != nil {
		slog.ErrorContext(ctx, "failed to list open tasks", "error", err)
		return 0
	}

	var toCancel []int64
	for _, task := range tasks {
		taskCtx := ctxutil.WithItemID(ctxutil.WithTaskID(ctx, task.ID), task.ItemID)

		item, err := m.db.GetItem(ctx, task.ItemID)
		if err != nil {
			if stderrors.Is(err, domerrors.ErrNotFound) {
				slog.InfoContext(taskCtx, "cancelling task for missing item", "task_stage", task.Stage)
				toCancel = append(toCancel, task.ID)
				continue
			}
			slog.ErrorContext(taskCtx, "failed to load item for task", "error", err)
			continue
		}

		if isTerminalForTasks(item.Status) {
			slog.InfoContext(taskCtx, "cancelling task for terminal item",
				"task_stage", task.Stage,
				"item_status", item.Status)
			toCancel = append(toCancel, task.ID)
			continue
		}

		if !IsAcceptableForStage(item.Status, task.Stage) {
			slog.InfoContext(taskCtx, "cancelling mismatched task",
				"task_stage", task.Stage,
				"item_status", item.Status)
			toCancel = append(toCancel, task.ID)
		}
	}

	if len(toCancel) == 0 {
		return 0
	}
	n, err := m.db.CancelTasks(ctx, toCancel, "item status does not match task stage")
	if err != nil {
		slog.ErrorContext(ctx, "failed to cancel mismatched tasks", "error", err)
		return 0
	}
	if n > 0 {
		slog.InfoContext(ctx, "cancelled mismatched tasks", "count", n)
	}
	return int(n)
}

// RollbackDownloadTasksWhenLimitExhausted returns every item in a download
// state to SEARCH_COMPLETE so nothing burns allowance until the remote
// limit resets.
func (m *Manager) RollbackDownloadTasksWhenLimitExhausted(ctx context.Context, resetTime time.Time) int {
	reason := "download limit exhausted, returned to search complete"
	if !resetTime.IsZero() {
		reason = fmt.Sprintf("%s (resets at %s)", reason, resetTime.Format(time.RFC3339))
	}

	items, err := m.db.ListItemsByStatuses(ctx, []storage.Status{
		storage.StatusDownloadQueued,
		storage.StatusDownloadActive,
		storage.StatusDownloadFailed,
	}, 0)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list download items for rollback", "error", err)
		return 0
	}

	rolledBack := 0
	for _, item := range items {
		// Written without the post-commit hand-off: scheduling the download
		// stage here would immediately undo the rollback.
		itemCtx := ctxutil.WithItemID(ctx, item.ID)
		ok := false
		err := m.db.InTx(itemCtx, func(tx *storage.Tx) error {
			var txErr error
			ok, txErr = m.applyTransition(itemCtx, tx, item.ID, storage.StatusSearchComplete, reason, TransitionOptions{ErrorMessage: reason})
			return txErr
		})
		if err != nil {
			slog.ErrorContext(itemCtx, "download rollback failed", "error", err)
			continue
		}
		if ok {
			rolledBack++
		}
	}
	if rolledBack > 0 {
		slog.InfoContext(ctx, "rolled back download items", "count", rolledBack)
	}
	return rolledBack
}

func isTerminalForTasks(status storage.Status) bool {
	for _, s := range taskCleanupTerminal {
		if s == status {
			return true
		}
	}
	return false
}
