package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/sentry"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// ErrorEvent is handed to registered error callbacks.
type ErrorEvent struct {
	ItemID int64
	Stage  string
	Kind   string
	Err    error
}

// ErrorCallback is a side-effect hook for one error kind (notifications,
// bookkeeping). Callbacks must be quick and must not panic.
type ErrorCallback func(ctx context.Context, event ErrorEvent)

// QuotaStatus describes the download gate for status dumps.
type QuotaStatus struct {
	QuotaManaged    bool         `json:"quota_managed"`
	QuotaAvailable  bool         `json:"quota_available"`
	DownloadsPaused bool         `json:"downloads_paused"`
	PauseReason     string       `json:"pause_reason,omitempty"`
	Cache           quota.Status `json:"cache"`
}

// Manager orchestrates stage lifecycles and gates dispatch.
type Manager struct {
	db        *storage.DB
	stateMgr  *state.Manager
	quotaMgr  *quota.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics

	quotaCheckEvery int

	stagesMu sync.RWMutex
	stages   map[string]Stage

	pausedMu sync.Mutex
	paused   map[string]string // stage -> reason

	quotaMu      sync.Mutex
	quotaCounter int

	callbacksMu sync.RWMutex
	callbacks   map[string][]ErrorCallback
}

// NewManager creates a pipeline manager. The quota manager may be nil, in
// which case the download gate is open.
func NewManager(db *storage.DB, stateMgr *state.Manager, quotaMgr *quota.Manager, sched *scheduler.Scheduler, quotaCheckEvery int, m *metrics.Metrics) *Manager {
	if quotaCheckEvery < 1 {
		quotaCheckEvery = 10
	}
	return &Manager{
		db:              db,
		stateMgr:        stateMgr,
		quotaMgr:        quotaMgr,
		scheduler:       sched,
		metrics:         m,
		quotaCheckEvery: quotaCheckEvery,
		stages:          make(map[string]Stage),
		paused:          make(map[string]string),
		callbacks:       make(map[string][]ErrorCallback),
	}
}

// RegisterStage adds a stage to the pipeline.
func (m *Manager) RegisterStage(st Stage) {
	m.stagesMu.Lock()
	defer m.stagesMu.Unlock()
	m.stages[st.Name()] = st
	slog.Info("registered pipeline stage", "stage", st.Name())
}

// Start binds every registered stage to the scheduler and installs the
// failure hooks.
func (m *Manager) Start() {
	m.stagesMu.RLock()
	defer m.stagesMu.RUnlock()
	for name, st := range m.stages {
		m.scheduler.RegisterHandler(name, m.handler(st))
	}
	m.scheduler.SetLimitExhaustedHook(m.onDownloadLimitExhausted)
	m.scheduler.SetPermanentFailureHook(m.onPermanentFailure)
	slog.Info("pipeline started", "stages", len(m.stages))
}

// Stop releases nothing today; stage teardown is the scheduler draining
// workers. Kept for lifecycle symmetry.
func (m *Manager) Stop() {
	slog.Info("pipeline stopped")
}

// handler wraps a stage into a scheduler handler enforcing the dispatch
// gates and the transactional execution protocol.
func (m *Manager) handler(st Stage) scheduler.Handler {
	return func(ctx context.Context, task *scheduler.Task) error {
		if st.Name() == state.StageDownload && m.quotaMgr != nil {
			m.checkQuotaGate(ctx)
		}

		if reason, paused := m.PausedReason(st.Name()); paused {
			return fmt.Errorf("stage %s paused (%s): %w", st.Name(), reason, domerrors.ErrStagePaused)
		}

		start := time.Now()
		var finalStatus storage.Status
		var success bool

		err := m.db.InTx(ctx, func(tx *storage.Tx) error {
			item, err := tx.GetItem(ctx, task.ItemID)
			if err != nil {
				return domerrors.NewStatusMismatchError(fmt.Sprintf("item %d not found", task.ItemID))
			}

			if !st.CanProcess(ctx, item, tx) {
				return domerrors.NewStatusMismatchError(
					fmt.Sprintf("item %d in status %s cannot run stage %s", item.ID, item.Status, st.Name()))
			}

			// The search stage accepts DETAIL_COMPLETE directly; pass
			// through the queue state so history shows the full path.
			if st.Name() == state.StageSearch && item.Status == storage.StatusDetailComplete {
				if !m.stateMgr.TransitionInTx(ctx, tx, item.ID, storage.StatusSearchQueued, "entering search stage", state.TransitionOptions{}) {
					return domerrors.NewStatusMismatchError("pre-queue transition refused")
				}
				item.Status = storage.StatusSearchQueued
			}

			if gate, ok := st.(DispatchGate); ok {
				if res, handled := gate.Gate(ctx, item, tx); handled {
					next, applied := m.settleGated(ctx, tx, item, res.NextStatus)
					if !applied {
						return domerrors.NewStatusMismatchError("gate transition refused")
					}
					finalStatus = next
					success = res.Success
					return nil
				}
			}

			if active, ok := activeStatusByStage[st.Name()]; ok && item.Status != active {
				if !m.stateMgr.TransitionInTx(ctx, tx, item.ID, active, st.Name()+" stage started", state.TransitionOptions{}) {
					return domerrors.NewStatusMismatchError("activation transition refused")
				}
				item.Status = active
			}

			result, err := st.Process(ctx, item, tx)
			if err != nil {
				// The mirror having nothing is an answer, not a defect:
				// the search stage settles on its failure state with no
				// retries instead of condemning the item.
				var notFound *domerrors.ResourceNotFoundError
				if st.Name() == state.StageSearch && stderrors.As(err, &notFound) {
					result = Result{Success: false, NextStatus: st.NextState(false)}
				} else {
					return err
				}
			}

			next := result.NextStatus
			if next == "" {
				next = st.NextState(result.Success)
			}
			processingTime := time.Since(start).Seconds()
			reason := st.Name() + " stage "
			if result.Success {
				reason += "succeeded"
			} else {
				reason += "failed"
			}
			if !m.stateMgr.TransitionInTx(ctx, tx, item.ID, next, reason, state.TransitionOptions{
				ProcessingTime: &processingTime,
				RetryCount:     task.RetryCount,
			}) {
				return fmt.Errorf("final transition to %s refused for item %d", next, item.ID)
			}

			finalStatus = next
			success = result.Success
			return nil
		})

		if err != nil {
			m.observeStage(st.Name(), "error")
			if recorder, ok := st.(FailureRecorder); ok {
				recorder.RecordFailure(ctx, task.ItemID, err)
			}
			m.handleStageError(ctx, st.Name(), task, err)
			return err
		}

		if success {
			m.observeStage(st.Name(), "success")
			// The transaction is committed; hand the item to the next stage.
			m.stateMgr.HandOffNextStage(ctx, task.ItemID, finalStatus)
		} else {
			m.observeStage(st.Name(), "failure")
		}
		return nil
	}
}

// settleGated moves an item to the gate's target state, hopping through
// SEARCH_COMPLETE when no direct edge exists (download-family states may
// only reach the quota-parked state via their rollback edge).
func (m *Manager) settleGated(ctx context.Context, tx *storage.Tx, item *storage.Item, target storage.Status) (storage.Status, bool) {
	if item.Status == target {
		return target, true
	}
	if !state.IsValidTransition(item.Status, target) &&
		state.IsValidTransition(item.Status, storage.StatusSearchComplete) &&
		state.IsValidTransition(storage.StatusSearchComplete, target) {
		if !m.stateMgr.TransitionInTx(ctx, tx, item.ID, storage.StatusSearchComplete, "returned for quota wait", state.TransitionOptions{}) {
			return item.Status, false
		}
		item.Status = storage.StatusSearchComplete
	}
	if !m.stateMgr.TransitionInTx(ctx, tx, item.ID, target, "download quota exhausted, parked", state.TransitionOptions{}) {
		return item.Status, false
	}
	item.Status = target
	return target, true
}

// handleStageError applies stage-level reactions before the scheduler's
// retry machinery sees the error.
func (m *Manager) handleStageError(ctx context.Context, stageName string, task *scheduler.Task, err error) {
	info := domerrors.Classify(err)
	m.fireCallbacks(ctx, info.Kind, ErrorEvent{ItemID: task.ItemID, Stage: stageName, Kind: info.Kind, Err: err})

	if domerrors.IsAuthError(err) {
		m.PauseStage(stageName, "auth failure: "+err.Error())
		return
	}
	// Download-limit errors are handled via the scheduler hook so the
	// rollback also covers tasks of other items.
}

// onDownloadLimitExhausted is the scheduler hook for spent allowances:
// roll back every download-state item, drop queued download tasks, and
// pause the stage until ResumeStage is called. The quota gate and watcher
// only lift a "quota exhausted" pause, so they leave this one in place.
func (m *Manager) onDownloadLimitExhausted(ctx context.Context, limitErr *domerrors.DownloadLimitExhaustedError) {
	var resetTime time.Time
	if limitErr != nil {
		resetTime = limitErr.ResetTime
	}

	rolled := m.stateMgr.RollbackDownloadTasksWhenLimitExhausted(ctx, resetTime)
	cancelled := m.scheduler.CancelQueuedByStage(ctx, state.StageDownload, "download limit exhausted")

	reason := "download limit exhausted"
	if !resetTime.IsZero() {
		reason = fmt.Sprintf("%s, resets at %s", reason, resetTime.Format(time.RFC3339))
	}
	m.PauseStage(state.StageDownload, reason)
	if m.quotaMgr != nil {
		m.quotaMgr.ResetCache()
	}

	slog.WarnContext(ctx, "download stage halted on exhausted limit",
		"rolled_back_items", rolled,
		"cancelled_tasks", cancelled,
		"reset_time", resetTime)
}

// onPermanentFailure marks an item permanently failed after its task ran
// out of options.
func (m *Manager) onPermanentFailure(ctx context.Context, task *scheduler.Task, err error) {
	info := domerrors.Classify(err)
	reason := fmt.Sprintf("%s stage failed permanently (%s)", task.Stage, info.Kind)
	m.stateMgr.Transition(ctx, task.ItemID, storage.StatusFailedPermanent, reason, state.TransitionOptions{
		ErrorMessage: err.Error(),
		RetryCount:   task.RetryCount,
	})
	if sentry.IsEnabled() {
		sentry.CaptureExceptionWithContext(ctx, err)
	}
}

// checkQuotaGate runs every N download dispatches: pause on exhaustion,
// resume (and requeue skipped items) on recovery.
func (m *Manager) checkQuotaGate(ctx context.Context) {
	m.quotaMu.Lock()
	m.quotaCounter++
	due := m.quotaCounter >= m.quotaCheckEvery
	if due {
		m.quotaCounter = 0
	}
	m.quotaMu.Unlock()

	_, pausedForQuota := m.pausedForQuota()
	if !due && !pausedForQuota {
		return
	}

	available := m.quotaAvailable(ctx)
	switch {
	case !available && !pausedForQuota:
		if _, paused := m.PausedReason(state.StageDownload); !paused {
			m.PauseStage(state.StageDownload, "quota exhausted")
		}
	case available && pausedForQuota:
		m.ResumeStage(state.StageDownload)
		resumed := m.ResumeQuotaExhaustedItems(ctx)
		slog.InfoContext(ctx, "quota recovered, download stage resumed", "resumed_items", resumed)
	}
}

// quotaAvailable consults the cache, refreshing when stale. Refresh
// failures assume quota is available so a flaky quota endpoint cannot
// stall the whole engine.
func (m *Manager) quotaAvailable(ctx context.Context) bool {
	if m.quotaMgr == nil {
		return true
	}
	if m.quotaMgr.HasFreshCache() {
		return m.quotaMgr.HasQuotaAvailable()
	}
	snap, err := m.quotaMgr.GetCurrentQuota(ctx, false)
	if err != nil {
		slog.WarnContext(ctx, "quota check failed, assuming available", "error", err)
		if m.metrics != nil {
			m.metrics.QuotaRefreshes.WithLabelValues("error").Inc()
		}
		return true
	}
	if m.metrics != nil {
		m.metrics.QuotaRefreshes.WithLabelValues("ok").Inc()
		m.metrics.QuotaRemaining.Set(float64(snap.Remaining))
	}
	return snap.Remaining > 0
}

// StartQuotaWatcher periodically re-checks the download gate so quota
// recovery is noticed even when no download dispatches happen (after a
// pause the stage goes quiet exactly when it must watch for the reset).
func (m *Manager) StartQuotaWatcher(ctx context.Context, interval time.Duration) {
	if m.quotaMgr == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RecoverQuota(ctx)
			}
		}
	}()
}

// RecoverQuota resumes the download stage and requeues parked items when
// the allowance is back. No-op while quota is still spent or when nothing
// waits on it.
func (m *Manager) RecoverQuota(ctx context.Context) {
	_, pausedForQuota := m.pausedForQuota()
	parked, err := m.stateMgr.ItemsByStatus(ctx, storage.StatusSearchCompleteQuotaExhausted, 1)
	if err != nil {
		slog.ErrorContext(ctx, "quota watcher item lookup failed", "error", err)
		return
	}
	if !pausedForQuota && len(parked) == 0 {
		return
	}
	if !m.quotaAvailable(ctx) {
		return
	}
	if pausedForQuota {
		m.ResumeStage(state.StageDownload)
	}
	resumed := m.ResumeQuotaExhaustedItems(ctx)
	if resumed > 0 {
		slog.InfoContext(ctx, "quota recovered, parked items requeued", "resumed_items", resumed)
	}
}

// ResumeQuotaExhaustedItems moves every SEARCH_COMPLETE_QUOTA_EXHAUSTED
// item back to DOWNLOAD_QUEUED and schedules its download task. Returns
// how many items were requeued.
func (m *Manager) ResumeQuotaExhaustedItems(ctx context.Context) int {
	items, err := m.stateMgr.ItemsByStatus(ctx, storage.StatusSearchCompleteQuotaExhausted, 0)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list quota-exhausted items", "error", err)
		return 0
	}

	resumed := 0
	for _, item := range items {
		if !m.stateMgr.Transition(ctx, item.ID, storage.StatusDownloadQueued, "quota recovered", state.TransitionOptions{}) {
			continue
		}
		if _, err := m.scheduler.Schedule(ctx, item.ID, state.StageDownload, scheduler.Options{Priority: scheduler.PriorityNormal}); err != nil {
			slog.WarnContext(ctx, "failed to schedule resumed download",
				"item_id", item.ID,
				"error", err)
			continue
		}
		resumed++
	}
	return resumed
}

// PauseStage suppresses dispatch for one stage until ResumeStage.
func (m *Manager) PauseStage(stage, reason string) {
	m.pausedMu.Lock()
	_, already := m.paused[stage]
	m.paused[stage] = reason
	count := len(m.paused)
	m.pausedMu.Unlock()

	if !already {
		slog.Warn("stage paused", "paused_stage", stage, "reason", reason)
		if m.metrics != nil {
			m.metrics.PausedStages.Set(float64(count))
			m.metrics.StagePaused.WithLabelValues(stage, pauseCause(reason)).Inc()
		}
	}
}

// ResumeStage clears a stage's pause flag.
func (m *Manager) ResumeStage(stage string) {
	m.pausedMu.Lock()
	reason, paused := m.paused[stage]
	delete(m.paused, stage)
	count := len(m.paused)
	m.pausedMu.Unlock()

	if paused {
		slog.Info("stage resumed", "resumed_stage", stage, "previous_reason", reason)
		if m.metrics != nil {
			m.metrics.PausedStages.Set(float64(count))
		}
	}
}

// PausedReason returns the pause reason for a stage, if any.
func (m *Manager) PausedReason(stage string) (string, bool) {
	m.pausedMu.Lock()
	defer m.pausedMu.Unlock()
	reason, ok := m.paused[stage]
	return reason, ok
}

// PausedStages returns a copy of the paused-stage map.
func (m *Manager) PausedStages() map[string]string {
	m.pausedMu.Lock()
	defer m.pausedMu.Unlock()
	out := make(map[string]string, len(m.paused))
	for k, v := range m.paused {
		out[k] = v
	}
	return out
}

func (m *Manager) pausedForQuota() (string, bool) {
	reason, ok := m.PausedReason(state.StageDownload)
	if !ok {
		return "", false
	}
	return reason, reason == "quota exhausted"
}

// GetQuotaStatus reports the download gate for status dumps.
func (m *Manager) GetQuotaStatus() QuotaStatus {
	st := QuotaStatus{QuotaManaged: m.quotaMgr != nil}
	if m.quotaMgr != nil {
		st.QuotaAvailable = m.quotaMgr.HasQuotaAvailable()
		st.Cache = m.quotaMgr.Status()
	}
	if reason, paused := m.PausedReason(state.StageDownload); paused {
		st.DownloadsPaused = true
		st.PauseReason = reason
	}
	return st
}

// RegisterErrorCallback adds a side-effect hook for one error kind.
func (m *Manager) RegisterErrorCallback(kind string, cb ErrorCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks[kind] = append(m.callbacks[kind], cb)
}

func (m *Manager) fireCallbacks(ctx context.Context, kind string, event ErrorEvent) {
	m.callbacksMu.RLock()
	cbs := m.callbacks[kind]
	m.callbacksMu.RUnlock()
	for _, cb := range cbs {
		cb(ctx, event)
	}
}

func (m *Manager) observeStage(stage, result string) {
	if m.metrics != nil {
		m.metrics.StageTotal.WithLabelValues(stage, result).Inc()
	}
}

func pauseCause(reason string) string {
	switch {
	case reason == "quota exhausted":
		return "quota"
	case len(reason) >= 4 && reason[:4] == "auth":
		return "auth"
	default:
		return "limit"
	}
}
