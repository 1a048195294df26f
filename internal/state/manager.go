package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/shelfsync/shelfsync/internal/ctxutil"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// NextStageScheduler is the slice of the task scheduler the state manager
// needs. Injected after construction to break the manager ↔ scheduler cycle.
type NextStageScheduler interface {
	ScheduleNextStage(ctx context.Context, itemID int64, stage string, delay time.Duration) (int64, error)
}

// Notifier receives best-effort transition events. Implementations must not
// block; the manager calls them after the transaction commits.
type Notifier interface {
	NotifyTransition(ctx context.Context, item *storage.Item, oldStatus, newStatus storage.Status, reason string)
}

// Manager guards item state-machine transitions. It is the sole writer of
// item.status and history rows.
type Manager struct {
	db        *storage.DB
	scheduler NextStageScheduler
	notifier  Notifier
}

// NewManager creates a state manager. The scheduler is attached later via
// SetScheduler once both components exist.
func NewManager(db *storage.DB) *Manager {
	return &Manager{db: db}
}

// SetScheduler attaches the task scheduler used for next-stage hand-off.
func (m *Manager) SetScheduler(s NextStageScheduler) {
	m.scheduler = s
}

// SetNotifier attaches an optional transition notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// TransitionOptions carries the optional fields of a transition.
type TransitionOptions struct {
	ErrorMessage   string
	ProcessingTime *float64
	RetryCount     int
}

// Transition validates and applies one state-machine edge in its own
// transaction. On success, if the new state is a _COMPLETE precursor, the
// item is pre-queued into the next stage and a task is scheduled with a
// small delay so workers observe the committed row.
//
// Invalid edges and missing items return false and are logged; store errors
// also return false after logging (the caller cannot distinguish, matching
// the "never throw" contract).
func (m *Manager) Transition(ctx context.Context, itemID int64, to storage.Status, reason string, opts TransitionOptions) bool {
	ctx = ctxutil.WithItemID(ctx, itemID)

	ok := false
	err := m.db.InTx(ctx, func(tx *storage.Tx) error {
		var txErr error
		ok, txErr = m.applyTransition(ctx, tx, itemID, to, reason, opts)
		return txErr
	})
	if err != nil {
		slog.ErrorContext(ctx, "status transition failed",
			"to", to,
			"error", err)
		return false
	}
	if !ok {
		return false
	}

	// The transaction is committed; queued re-entries never re-trigger
	// scheduling, everything else may hand off to the next stage.
	if !isQueuedStatus(to) {
		m.scheduleNextStageIfNeeded(ctx, itemID, to)
	}
	return true
}

// TransitionInTx validates and applies one edge inside the caller's
// transaction. No next-stage scheduling happens here; visibility rules mean
// the hand-off must wait for the caller's commit.
func (m *Manager) TransitionInTx(ctx context.Context, tx *storage.Tx, itemID int64, to storage.Status, reason string, opts TransitionOptions) bool {
	ok, err := m.applyTransition(ctx, tx, itemID, to, reason, opts)
	if err != nil {
		slog.ErrorContext(ctx, "status transition failed in session",
			"to", to,
			"error", err)
		return false
	}
	return ok
}

// applyTransition validates and writes one edge. Invalid edges and missing
// items return (false, nil) so the surrounding transaction can still commit
// untouched; store errors propagate and roll the transaction back.
func (m *Manager) applyTransition(ctx context.Context, tx *storage.Tx, itemID int64, to storage.Status, reason string, opts TransitionOptions) (bool, error) {
	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		slog.ErrorContext(ctx, "item not found for transition",
			"to", to,
			"error", err)
		return false, nil
	}

	from := item.Status
	if !IsValidTransition(from, to) {
		slog.ErrorContext(ctx, "invalid status transition",
			"from", from,
			"to", to)
		return false, nil
	}

	if err := tx.UpdateItemStatus(ctx, itemID, to, opts.ErrorMessage); err != nil {
		return false, err
	}

	entry := &storage.HistoryEntry{
		ItemID:         itemID,
		OldStatus:      &from,
		NewStatus:      to,
		ChangeReason:   reason,
		ErrorMessage:   opts.ErrorMessage,
		ProcessingTime: opts.ProcessingTime,
		RetryCount:     opts.RetryCount,
	}
	if err := tx.InsertHistory(ctx, entry); err != nil {
		return false, err
	}

	slog.InfoContext(ctx, "status transition",
		"from", from,
		"to", to,
		"reason", reason)

	if m.notifier != nil {
		m.notifier.NotifyTransition(ctxutil.PreserveTracing(ctx), item, from, to, reason)
	}
	return true, nil
}

// HandOffNextStage runs the post-commit hand-off for a final status written
// inside a caller-owned transaction (TransitionInTx cannot do it itself;
// the hand-off must observe the committed row).
func (m *Manager) HandOffNextStage(ctx context.Context, itemID int64, status storage.Status) {
	if !isQueuedStatus(status) {
		m.scheduleNextStageIfNeeded(ctxutil.WithItemID(ctx, itemID), itemID, status)
	}
}

// scheduleNextStageIfNeeded pre-queues the item into the next stage's entry
// state and schedules its task. The pre-queue transition is written directly
// (guarded by the expected current status) and never recurses into
// Transition, so it cannot schedule anything on its own.
func (m *Manager) scheduleNextStageIfNeeded(ctx context.Context, itemID int64, current storage.Status) {
	// The upload stage is the last one: a finished upload closes the item
	// instead of feeding another queue.
	if current == storage.StatusUploadComplete {
		m.Transition(ctx, itemID, storage.StatusCompleted, "pipeline finished", TransitionOptions{})
		return
	}

	nextStage, ok := nextStageByStatus[current]
	if !ok {
		return
	}
	if m.scheduler == nil {
		slog.WarnContext(ctx, "no scheduler attached, next stage not scheduled",
			"next_stage", nextStage)
		return
	}

	if queued, ok := queuedStatusByStage[nextStage]; ok {
		err := m.db.InTx(ctx, func(tx *storage.Tx) error {
			item, err := tx.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			if item.Status != current {
				slog.WarnContext(ctx, "item status changed, skipping pre-queue transition",
					"expected", current,
					"actual", item.Status)
				return nil
			}
			if err := tx.UpdateItemStatus(ctx, itemID, queued, ""); err != nil {
				return err
			}
			from := current
			return tx.InsertHistory(ctx, &storage.HistoryEntry{
				ItemID:       itemID,
				OldStatus:    &from,
				NewStatus:    queued,
				ChangeReason: "entering " + nextStage + " stage",
			})
		})
		if err != nil {
			slog.ErrorContext(ctx, "pre-queue transition failed",
				"next_stage", nextStage,
				"error", err)
			return
		}
	}

	taskID, err := m.scheduler.ScheduleNextStage(ctx, itemID, nextStage, timeouts.NextStageDelay)
	if err != nil {
		slog.WarnContext(ctx, "next-stage task not scheduled",
			"next_stage", nextStage,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "scheduled next stage",
		"next_stage", nextStage,
		"scheduled_task_id", taskID)
}

// ItemsByStatus returns items in one status.
func (m *Manager) ItemsByStatus(ctx context.Context, status storage.Status, limit int) ([]*storage.Item, error) {
	return m.db.ListItemsByStatus(ctx, status, limit)
}

// ItemsByStage returns items in any status owned by the stage.
func (m *Manager) ItemsByStage(ctx context.Context, stage string, limit int) ([]*storage.Item, error) {
	statuses, ok := stageStates[stage]
	if !ok {
		return nil, nil
	}
	return m.db.ListItemsByStatuses(ctx, statuses, limit)
}

// Statistics returns the status histogram.
func (m *Manager) Statistics(ctx context.Context) (map[storage.Status]int, error) {
	return m.db.CountItemsByStatus(ctx)
}

// RecentHistory returns the latest transitions across all items.
func (m *Manager) RecentHistory(ctx context.Context, limit int) ([]*storage.HistoryEntry, error) {
	return m.db.RecentHistory(ctx, limit)
}
