// Package reconciler repairs drift between item states and scheduled
// tasks: crash recovery on startup, then a periodic sweep that cancels
// mismatched tasks, resets stuck items, and requeues orphaned work.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// queuedStageEntry maps each queue-family status to the stage whose task it
// needs. Crash recovery parks items here; the reconciler gives them tasks.
var queuedStageEntry = map[storage.Status]string{
	storage.StatusNew:              state.StageDetail,
	storage.StatusDetailComplete:   state.StageSearch,
	storage.StatusSearchQueued:     state.StageSearch,
	storage.StatusSearchComplete:   state.StageDownload,
	storage.StatusDownloadQueued:   state.StageDownload,
	storage.StatusDownloadComplete: state.StageUpload,
	storage.StatusUploadQueued:     state.StageUpload,
}

// Config tunes the repair windows.
type Config struct {
	Interval         time.Duration // periodic sweep cadence
	StuckAfter       time.Duration // ACTIVE reset window
	DetailStaleAfter time.Duration // DETAIL_FETCHING reset window
	Daemon           bool          // enables the hourly stale-detail sweep
}

// Reconciler runs the startup and periodic repair passes.
type Reconciler struct {
	db        *storage.DB
	stateMgr  *state.Manager
	scheduler *scheduler.Scheduler
	cfg       Config

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a reconciler.
func New(db *storage.DB, stateMgr *state.Manager, sched *scheduler.Scheduler, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = timeouts.ReconcileInterval
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.DetailStaleAfter <= 0 {
		cfg.DetailStaleAfter = 3 * time.Hour
	}
	return &Reconciler{
		db:        db,
		stateMgr:  stateMgr,
		scheduler: sched,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RunStartup performs the crash-recovery pass. Every open task row from the
// previous process is stale (the scheduler heap died with it) and is
// cancelled; every in-flight item returns to its queue state; recovered
// items get fresh tasks.
func (r *Reconciler) RunStartup(ctx context.Context) {
	slog.InfoContext(ctx, "running startup reconciliation")
	stale := r.cancelStaleTasks(ctx)
	recovered := r.stateMgr.RecoverFromCrash(ctx)
	requeued := r.requeueOrphans(ctx)
	slog.InfoContext(ctx, "startup reconciliation finished",
		"cancelled_stale_tasks", stale,
		"recovered_items", recovered,
		"requeued_items", requeued)
}

// cancelStaleTasks cancels every queued/active task row left by a previous
// process.
func (r *Reconciler) cancelStaleTasks(ctx context.Context) int {
	tasks, err := r.db.ListTasksByStatuses(ctx, []storage.TaskStatus{storage.TaskQueued, storage.TaskActive})
	if err != nil {
		slog.ErrorContext(ctx, "failed to list stale tasks", "error", err)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}
	ids := make([]int64, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	n, err := r.db.CancelTasks(ctx, ids, "startup recovery")
	if err != nil {
		slog.ErrorContext(ctx, "failed to cancel stale tasks", "error", err)
		return 0
	}
	return int(n)
}

// Start launches the periodic repair loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop terminates the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(timeouts.StaleDetailSweep)
	defer staleTicker.Stop()

	slog.InfoContext(ctx, "reconciler started", "interval", r.cfg.Interval)
	for {
		select {
		case <-r.stopCh:
			slog.InfoContext(ctx, "reconciler stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		case <-staleTicker.C:
			if r.cfg.Daemon {
				if reset := r.stateMgr.ResetStaleDetailFetching(ctx, r.cfg.DetailStaleAfter); reset > 0 {
					slog.InfoContext(ctx, "reset stale detail items", "count", reset)
				}
			}
		}
	}
}

// reconcile is one periodic pass.
func (r *Reconciler) reconcile(ctx context.Context) {
	cleaned := r.stateMgr.CleanupMismatchedTasks(ctx)
	stuck := r.stateMgr.ResetStuck(ctx, r.cfg.StuckAfter)
	requeued := r.requeueOrphans(ctx)

	if cleaned > 0 || stuck > 0 || requeued > 0 {
		slog.InfoContext(ctx, "reconciliation pass repaired drift",
			"cancelled_tasks", cleaned,
			"reset_items", stuck,
			"requeued_items", requeued)
	}
}

// requeueOrphans schedules a task for every queue-state item that has none.
// Guarantees the "no lost tasks" law: a recovered or drifted item never
// waits forever for work that was cancelled.
func (r *Reconciler) requeueOrphans(ctx context.Context) int {
	requeued := 0
	for status, stage := range queuedStageEntry {
		items, err := r.db.ListItemsByStatus(ctx, status, 0)
		if err != nil {
			slog.ErrorContext(ctx, "failed to list items for requeue",
				"status", status,
				"error", err)
			continue
		}
		for _, item := range items {
			open, err := r.db.HasOpenTask(ctx, item.ID, stage)
			if err != nil || open {
				continue
			}
			if _, err := r.scheduler.Schedule(ctx, item.ID, stage, scheduler.Options{
				Priority: scheduler.PriorityNormal,
			}); err != nil {
				slog.DebugContext(ctx, "orphan requeue skipped",
					"item_id", item.ID,
					"requeue_stage", stage,
					"error", err)
				continue
			}
			requeued++
		}
	}
	return requeued
}
