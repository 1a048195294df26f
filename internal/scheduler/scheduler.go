// Package scheduler runs the priority-queued task engine: a durable,
// time-ordered heap of per-stage tasks drained by a single dispatcher loop
// into a bounded worker pool, with classified retries and terminal-row GC.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shelfsync/shelfsync/internal/ctxutil"
	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// Priority levels; higher dispatches first among equally due tasks.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
	PriorityUrgent = 20
)

const defaultMaxRetries = 3

// retryBackoffCap bounds in-scheduler retry delays.
const retryBackoffCap = 300 * time.Second

// Task is one scheduled unit of work for (item, stage).
type Task struct {
	ID          int64
	ItemID      int64
	Stage       string
	Priority    int
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	NextRunTime time.Time
	TaskData    string

	index int // heap bookkeeping
}

// Handler executes one stage attempt. A nil return marks the task
// completed; errors are classified into retry decisions.
type Handler func(ctx context.Context, task *Task) error

// LimitExhaustedHook is invoked when a handler reports the remote download
// allowance is spent; the pipeline uses it to roll back and pause.
type LimitExhaustedHook func(ctx context.Context, err *domerrors.DownloadLimitExhaustedError)

// PermanentFailureHook is invoked when a task fails for good on a
// per-item error (not auth, not download-limit, not a status mismatch),
// so the owner can mark the item permanently failed.
type PermanentFailureHook func(ctx context.Context, task *Task, err error)

// pausedRequeueDelay is how long a task bounced off a paused stage waits
// before the next dispatch attempt.
const pausedRequeueDelay = 30 * time.Second

// Options tune one Schedule call.
type Options struct {
	Priority   int
	Delay      time.Duration
	MaxRetries int
	TaskData   string
}

// Stats counts scheduler activity since start.
type Stats struct {
	Scheduled uint64 `json:"scheduled"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Cancelled uint64 `json:"cancelled"`
}

// Status is a point-in-time view for status dumps.
type Status struct {
	Running       bool     `json:"running"`
	QueueSize     int      `json:"queue_size"`
	ActiveTasks   int      `json:"active_tasks"`
	MaxConcurrent int      `json:"max_concurrent"`
	Stages        []string `json:"registered_stages"`
	Stats         Stats    `json:"statistics"`
}

// GCConfig controls the terminal-row sweep.
type GCConfig struct {
	CompletedAfter time.Duration
	FailedAfter    time.Duration
}

// Scheduler owns the heap, the in-flight map, and the dispatcher loop.
type Scheduler struct {
	db            *storage.DB
	maxConcurrent int
	workerID      string
	metrics       *metrics.Metrics
	gc            GCConfig

	queueMu sync.Mutex
	queue   taskHeap

	activeMu sync.Mutex
	active   map[int64]*Task

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	limitHook     LimitExhaustedHook
	permFailHook  PermanentFailureHook

	statsMu sync.Mutex
	stats   Stats

	runMu    sync.Mutex
	running  bool
	stopped  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	workers  sync.WaitGroup

	lastGC time.Time
}

// New creates a scheduler with the given concurrency cap.
func New(db *storage.DB, maxConcurrent int, gc GCConfig, m *metrics.Metrics) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if gc.CompletedAfter <= 0 {
		gc.CompletedAfter = 2 * time.Hour
	}
	if gc.FailedAfter <= 0 {
		gc.FailedAfter = 24 * time.Hour
	}
	return &Scheduler{
		db:            db,
		maxConcurrent: maxConcurrent,
		workerID:      uuid.NewString(),
		metrics:       m,
		gc:            gc,
		active:        make(map[int64]*Task),
		handlers:      make(map[string]Handler),
		lastGC:        time.Now(),
	}
}

// RegisterHandler binds a stage name to its handler.
func (s *Scheduler) RegisterHandler(stage string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[stage] = handler
	slog.Info("registered task handler", "stage", stage)
}

// SetLimitExhaustedHook installs the pipeline's download-limit reaction.
func (s *Scheduler) SetLimitExhaustedHook(hook LimitExhaustedHook) {
	s.limitHook = hook
}

// SetPermanentFailureHook installs the pipeline's permanent-failure
// reaction.
func (s *Scheduler) SetPermanentFailureHook(hook PermanentFailureHook) {
	s.permFailHook = hook
}

// Schedule validates, persists, and enqueues a task for (item, stage).
// Returns the task id. Items whose state is outside the stage's acceptable
// set are rejected; so are duplicates of an open (item, stage) task.
func (s *Scheduler) Schedule(ctx context.Context, itemID int64, stage string, opts Options) (int64, error) {
	s.runMu.Lock()
	stopped := s.stopped
	s.runMu.Unlock()
	if stopped {
		return 0, domerrors.ErrSchedulerStopped
	}

	if ok, err := s.canScheduleForStage(ctx, itemID, stage); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("item %d not schedulable for stage %s: %w", itemID, stage, domerrors.ErrStatusMismatch)
	}

	if open, err := s.db.HasOpenTask(ctx, itemID, stage); err != nil {
		return 0, err
	} else if open {
		return 0, fmt.Errorf("item %d already has an open %s task", itemID, stage)
	}

	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	row := &storage.Task{
		ItemID:     itemID,
		Stage:      stage,
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		TaskData:   opts.TaskData,
		WorkerID:   s.workerID,
	}
	taskID, err := s.db.InsertTask(ctx, row)
	if err != nil {
		return 0, err
	}

	task := &Task{
		ID:          taskID,
		ItemID:      itemID,
		Stage:       stage,
		Priority:    opts.Priority,
		MaxRetries:  opts.MaxRetries,
		CreatedAt:   time.Now(),
		NextRunTime: time.Now().Add(opts.Delay),
		TaskData:    opts.TaskData,
	}

	s.queueMu.Lock()
	s.queue.push(task)
	depth := s.queue.Len()
	s.queueMu.Unlock()

	s.statsMu.Lock()
	s.stats.Scheduled++
	s.statsMu.Unlock()
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	slog.InfoContext(ctxutil.WithItemID(ctxutil.WithTaskID(ctx, taskID), itemID),
		"scheduled task",
		"task_stage", stage,
		"priority", opts.Priority,
		"delay", opts.Delay)
	return taskID, nil
}

// ScheduleNextStage implements the state manager's hand-off contract.
func (s *Scheduler) ScheduleNextStage(ctx context.Context, itemID int64, stage string, delay time.Duration) (int64, error) {
	return s.Schedule(ctx, itemID, stage, Options{Priority: PriorityNormal, Delay: delay})
}

// canScheduleForStage re-reads the item and checks the stage's acceptable
// set. Missing items are never schedulable.
func (s *Scheduler) canScheduleForStage(ctx context.Context, itemID int64, stage string) (bool, error) {
	item, err := s.db.GetItem(ctx, itemID)
	if err != nil {
		slog.WarnContext(ctx, "item lookup failed for scheduling",
			"item_id", itemID,
			"error", err)
		return false, nil
	}
	return state.IsAcceptableForStage(item.Status, stage), nil
}

// Start launches the dispatcher loop. Call Stop to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		slog.Warn("scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.loopDone)
	slog.Info("task scheduler started", "max_concurrent", s.maxConcurrent)
}

// loop is the single dispatcher: it drains due tasks, enforces the
// concurrency cap, and hands work to the pool. It never blocks on I/O
// longer than one task-row write.
func (s *Scheduler) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(timeouts.DispatcherTick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
			s.maybeGC(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	for {
		s.activeMu.Lock()
		slots := s.maxConcurrent - len(s.active)
		s.activeMu.Unlock()
		if slots <= 0 {
			return
		}

		s.queueMu.Lock()
		var task *Task
		if s.queue.Len() > 0 && !s.queue[0].NextRunTime.After(now) {
			task = s.queue.pop()
		}
		depth := s.queue.Len()
		s.queueMu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(depth))
		}
		if task == nil {
			return
		}

		s.execute(ctx, task)
	}
}

// execute re-checks the dispatch gate and runs the task on a worker.
func (s *Scheduler) execute(ctx context.Context, task *Task) {
	taskCtx := ctxutil.WithItemID(ctxutil.WithTaskID(ctxutil.WithStage(ctx, task.Stage), task.ID), task.ItemID)

	s.handlersMu.RLock()
	handler, ok := s.handlers[task.Stage]
	s.handlersMu.RUnlock()
	if !ok {
		slog.ErrorContext(taskCtx, "no handler registered for stage")
		s.finishTask(taskCtx, task, storage.TaskFailed, storage.TaskUpdate{
			ErrorMessage: "no handler registered for stage " + task.Stage,
		})
		return
	}

	// The item may have moved on while the task sat in the heap; a task
	// that no longer matches is cancelled, not failed.
	if ok, _ := s.canScheduleForStage(taskCtx, task.ItemID, task.Stage); !ok {
		slog.WarnContext(taskCtx, "item state no longer matches stage, cancelling task")
		s.finishTask(taskCtx, task, storage.TaskCancelled, storage.TaskUpdate{
			ErrorMessage: "item status does not match stage requirements",
		})
		return
	}

	s.activeMu.Lock()
	s.active[task.ID] = task
	activeCount := len(s.active)
	s.activeMu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveTasks.Set(float64(activeCount))
	}

	if err := s.db.UpdateTaskStatus(taskCtx, task.ID, storage.TaskActive, storage.TaskUpdate{WorkerID: s.workerID}); err != nil {
		slog.ErrorContext(taskCtx, "failed to mark task active", "error", err)
	}

	slog.InfoContext(taskCtx, "executing task",
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			s.activeMu.Lock()
			delete(s.active, task.ID)
			activeCount := len(s.active)
			s.activeMu.Unlock()
			if s.metrics != nil {
				s.metrics.ActiveTasks.Set(float64(activeCount))
			}
		}()

		start := time.Now()
		err := handler(taskCtx, task)
		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.TaskDuration.WithLabelValues(task.Stage).Observe(duration.Seconds())
		}

		if err == nil {
			s.finishTask(taskCtx, task, storage.TaskCompleted, storage.TaskUpdate{})
			slog.InfoContext(taskCtx, "task completed", "duration_ms", duration.Milliseconds())
			return
		}
		s.handleFailure(taskCtx, task, err)
	}()
}

// handleFailure classifies the error and decides retry vs. permanent fail.
func (s *Scheduler) handleFailure(ctx context.Context, task *Task, err error) {
	// A paused stage is not a failure: the task goes back on the heap
	// unchanged except for its due time, and no retry is consumed.
	if stderrors.Is(err, domerrors.ErrStagePaused) {
		task.NextRunTime = time.Now().Add(pausedRequeueDelay)
		s.queueMu.Lock()
		s.queue.push(task)
		s.queueMu.Unlock()
		if dbErr := s.db.UpdateTaskStatus(ctx, task.ID, storage.TaskQueued, storage.TaskUpdate{
			NextRetryAt: &task.NextRunTime,
		}); dbErr != nil {
			slog.ErrorContext(ctx, "failed to persist paused requeue", "error", dbErr)
		}
		slog.DebugContext(ctx, "stage paused, task requeued", "delay", pausedRequeueDelay)
		return
	}

	var limitErr *domerrors.DownloadLimitExhaustedError
	if stderrors.As(err, &limitErr) {
		slog.WarnContext(ctx, "download limit exhausted, failing task and pausing downloads")
		s.finishTask(ctx, task, storage.TaskFailed, storage.TaskUpdate{
			ErrorMessage: err.Error(),
			ErrorKind:    "download_limit_exhausted",
		})
		s.CancelQueuedByStage(ctx, task.Stage, "download limit exhausted")
		if s.limitHook != nil {
			s.limitHook(ctx, limitErr)
		}
		return
	}

	info := domerrors.Classify(err)
	if !info.Retryable {
		slog.ErrorContext(ctx, "task failed permanently",
			"error_kind", info.Kind,
			"error", err)
		s.finishTask(ctx, task, storage.TaskFailed, storage.TaskUpdate{
			ErrorMessage: err.Error(),
			ErrorKind:    info.Kind,
		})
		s.notifyPermanentFailure(ctx, task, err)
		return
	}

	task.RetryCount++
	s.statsMu.Lock()
	s.stats.Retries++
	s.statsMu.Unlock()
	if s.metrics != nil {
		s.metrics.TaskRetries.WithLabelValues(task.Stage).Inc()
	}

	if task.RetryCount > task.MaxRetries {
		slog.ErrorContext(ctx, "task failed after exhausting retries",
			"retry_count", task.RetryCount-1,
			"max_retries", task.MaxRetries,
			"error", err)
		s.finishTask(ctx, task, storage.TaskFailed, storage.TaskUpdate{
			ErrorMessage: err.Error(),
			ErrorKind:    info.Kind,
			RetryCount:   &task.MaxRetries,
		})
		s.notifyPermanentFailure(ctx, task, err)
		return
	}

	delay := retryDelay(task.RetryCount, err)
	task.NextRunTime = time.Now().Add(delay)

	s.queueMu.Lock()
	s.queue.push(task)
	s.queueMu.Unlock()

	retries := task.RetryCount
	next := task.NextRunTime
	if dbErr := s.db.UpdateTaskStatus(ctx, task.ID, storage.TaskQueued, storage.TaskUpdate{
		ErrorMessage: fmt.Sprintf("retry %d/%d: %v", task.RetryCount, task.MaxRetries, err),
		ErrorKind:    info.Kind,
		RetryCount:   &retries,
		NextRetryAt:  &next,
	}); dbErr != nil {
		slog.ErrorContext(ctx, "failed to persist retry state", "error", dbErr)
	}

	slog.WarnContext(ctx, "task will retry",
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries,
		"delay", delay,
		"error", err)
}

// retryDelay computes the wait before the given attempt. Status mismatches
// retry fast at first (the item usually just needs a moment to settle);
// everything else follows exponential backoff capped at five minutes.
func retryDelay(retryCount int, err error) time.Duration {
	if domerrors.IsStatusMismatch(err) && retryCount <= 2 {
		return time.Duration(5+retryCount*5) * time.Second
	}
	delay := 30 * time.Second
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return delay
}

// notifyPermanentFailure hands per-item dead ends to the pipeline. Auth
// failures and status mismatches are excluded: those pause stages or get
// cleaned up, they never condemn the item.
func (s *Scheduler) notifyPermanentFailure(ctx context.Context, task *Task, err error) {
	if s.permFailHook == nil {
		return
	}
	if domerrors.IsAuthError(err) || domerrors.IsStatusMismatch(err) || domerrors.IsDownloadLimitExhausted(err) {
		return
	}
	s.permFailHook(ctx, task, err)
}

// finishTask mirrors a terminal outcome to the store and the counters.
func (s *Scheduler) finishTask(ctx context.Context, task *Task, status storage.TaskStatus, update storage.TaskUpdate) {
	if err := s.db.UpdateTaskStatus(ctx, task.ID, status, update); err != nil {
		slog.ErrorContext(ctx, "failed to persist task status",
			"status", status,
			"error", err)
	}

	s.statsMu.Lock()
	switch status {
	case storage.TaskCompleted:
		s.stats.Completed++
	case storage.TaskFailed:
		s.stats.Failed++
	case storage.TaskCancelled:
		s.stats.Cancelled++
	}
	s.statsMu.Unlock()
	if s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues(task.Stage, string(status)).Inc()
	}
}

// CancelTask removes a task from the heap and marks its row cancelled.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64, reason string) bool {
	s.queueMu.Lock()
	removed := s.queue.remove(taskID)
	s.queueMu.Unlock()

	if _, err := s.db.CancelTasks(ctx, []int64{taskID}, reason); err != nil {
		slog.ErrorContext(ctx, "failed to cancel task row", "task_id", taskID, "error", err)
		return false
	}
	if removed {
		s.statsMu.Lock()
		s.stats.Cancelled++
		s.statsMu.Unlock()
	}
	slog.InfoContext(ctx, "task cancelled", "task_id", taskID, "reason", reason)
	return true
}

// CancelQueuedByStage drops every queued task of one stage from the heap
// and cancels their rows. Returns the number cancelled.
func (s *Scheduler) CancelQueuedByStage(ctx context.Context, stage, reason string) int {
	s.queueMu.Lock()
	var kept taskHeap
	var dropped []int64
	for _, task := range s.queue {
		if task.Stage == stage {
			dropped = append(dropped, task.ID)
		} else {
			kept = append(kept, task)
		}
	}
	if len(dropped) > 0 {
		s.queue = kept
		s.queue.init()
	}
	s.queueMu.Unlock()

	if len(dropped) == 0 {
		return 0
	}
	if _, err := s.db.CancelTasks(ctx, dropped, reason); err != nil {
		slog.ErrorContext(ctx, "failed to cancel stage tasks", "task_stage", stage, "error", err)
	}
	s.statsMu.Lock()
	s.stats.Cancelled += uint64(len(dropped))
	s.statsMu.Unlock()
	slog.InfoContext(ctx, "cancelled queued stage tasks", "task_stage", stage, "count", len(dropped))
	return len(dropped)
}

// Stop cancels all queued tasks and waits for in-flight workers, bounded by
// the graceful-shutdown timeout.
func (s *Scheduler) Stop(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	close(s.stopCh)
	loopDone := s.loopDone
	s.stopCh = nil
	s.runMu.Unlock()

	<-loopDone

	s.queueMu.Lock()
	var queued []int64
	for _, task := range s.queue {
		queued = append(queued, task.ID)
	}
	s.queue = nil
	s.queueMu.Unlock()

	if len(queued) > 0 {
		if _, err := s.db.CancelTasks(ctx, queued, "scheduler stopped"); err != nil {
			slog.ErrorContext(ctx, "failed to cancel queued tasks on stop", "error", err)
		}
	}

	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(timeouts.GracefulShutdown):
		slog.Warn("timed out waiting for in-flight tasks")
	case <-ctx.Done():
	}

	slog.Info("task scheduler stopped", "cancelled_queued", len(queued))
}

// maybeGC sweeps terminal task rows on the configured clock.
func (s *Scheduler) maybeGC(ctx context.Context) {
	if time.Since(s.lastGC) < timeouts.TaskGCInterval {
		return
	}
	s.lastGC = time.Now()

	deleted, err := s.db.DeleteTerminalTasksBefore(ctx, time.Now().Add(-s.gc.CompletedAfter))
	if err != nil {
		slog.ErrorContext(ctx, "task GC failed", "error", err)
		return
	}
	failed, err := s.db.DeleteExhaustedFailedTasksBefore(ctx, time.Now().Add(-s.gc.FailedAfter))
	if err != nil {
		slog.ErrorContext(ctx, "failed-task GC failed", "error", err)
		return
	}
	total := deleted + failed
	if total > 0 {
		if s.metrics != nil {
			s.metrics.TasksGCDelete.Add(float64(total))
		}
		slog.InfoContext(ctx, "swept terminal task rows",
			"completed", deleted,
			"failed", failed)
	}
}

// Status reports the scheduler's current shape.
func (s *Scheduler) Status() Status {
	s.queueMu.Lock()
	queueSize := s.queue.Len()
	s.queueMu.Unlock()

	s.activeMu.Lock()
	activeCount := len(s.active)
	s.activeMu.Unlock()

	s.handlersMu.RLock()
	stages := make([]string, 0, len(s.handlers))
	for stage := range s.handlers {
		stages = append(stages, stage)
	}
	s.handlersMu.RUnlock()

	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()

	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()

	return Status{
		Running:       running,
		QueueSize:     queueSize,
		ActiveTasks:   activeCount,
		MaxConcurrent: s.maxConcurrent,
		Stages:        stages,
		Stats:         stats,
	}
}

// ActiveCount reports how many tasks are executing right now.
func (s *Scheduler) ActiveCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return len(s.active)
}

// QueueSize reports how many tasks wait in the heap.
func (s *Scheduler) QueueSize() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.Len()
}

