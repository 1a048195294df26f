// Package pipeline owns stage lifecycle: it binds stage handlers to the
// scheduler, runs each execution inside one store transaction, and gates
// dispatch with per-stage pause/resume and download-quota checks.
package pipeline

import (
	"context"

	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// Result is the outcome of one stage execution. Success selects the default
// next state; NextStatus overrides it for stages with more than two
// outcomes (skipped-exists, quota-exhausted).
type Result struct {
	Success    bool
	NextStatus storage.Status
}

// Stage is the contract every pipeline stage implements.
type Stage interface {
	// Name returns the stage's registered name.
	Name() string

	// CanProcess is a pure check against the freshly-read item state plus
	// stage-specific preconditions.
	CanProcess(ctx context.Context, item *storage.Item, tx *storage.Tx) bool

	// Process does the work. Domain side effects go through tx so they land
	// atomically with the state transition. Typed errors signal failures.
	Process(ctx context.Context, item *storage.Item, tx *storage.Tx) (Result, error)

	// NextState maps success/failure to the post-transition target.
	NextState(success bool) storage.Status
}

// DispatchGate is an optional stage extension checked before the item is
// activated: when it reports handled, the stage body is skipped and the
// item settles directly in the gate's target state. The download stage
// uses it to park items while the daily quota is spent, without consuming
// a worker slot or a retry.
type DispatchGate interface {
	Gate(ctx context.Context, item *storage.Item, tx *storage.Tx) (Result, bool)
}

// FailureRecorder is an optional stage extension: after a stage error rolls
// its transaction back, the manager offers the stage a chance to persist
// failure bookkeeping in a fresh transaction.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, itemID int64, stageErr error)
}

// activeStatusByStage maps a stage to its in-flight status.
var activeStatusByStage = map[string]storage.Status{
	state.StageDetail:   storage.StatusDetailFetching,
	state.StageSearch:   storage.StatusSearchActive,
	state.StageDownload: storage.StatusDownloadActive,
	state.StageUpload:   storage.StatusUploadActive,
}
