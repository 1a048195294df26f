// Package state owns the item state machine: it validates transitions,
// writes items and their history atomically, and triggers next-stage
// scheduling after commits.
package state

import (
	"strings"

	"github.com/shelfsync/shelfsync/internal/storage"
)

// Stage names.
const (
	StageDetail   = "detail"
	StageSearch   = "search"
	StageDownload = "download"
	StageUpload   = "upload"
)

// Stages lists all pipeline stages in processing order.
var Stages = []string{StageDetail, StageSearch, StageDownload, StageUpload}

// validTransitions is the allowed edge set of the state machine.
var validTransitions = map[storage.Status][]storage.Status{
	// Collection stage
	storage.StatusNew: {
		storage.StatusDetailFetching, storage.StatusDetailComplete,
		storage.StatusSkippedExists, storage.StatusFailedPermanent,
	},
	storage.StatusDetailFetching: {
		storage.StatusDetailComplete,
		storage.StatusFailedPermanent,
		storage.StatusNew, // retry rollback
	},
	storage.StatusDetailComplete: {
		storage.StatusSearchQueued, storage.StatusSkippedExists,
		storage.StatusFailedPermanent,
	},

	// Search stage
	storage.StatusSearchQueued: {
		storage.StatusSearchActive, storage.StatusSkippedExists,
		storage.StatusFailedPermanent,
	},
	storage.StatusSearchActive: {
		storage.StatusSearchComplete,
		storage.StatusSearchNoResults,
		storage.StatusSkippedExists, // already in the library
		storage.StatusFailedPermanent,
		storage.StatusSearchQueued, // retry rollback
	},
	storage.StatusSearchComplete: {
		storage.StatusDownloadQueued,
		storage.StatusDownloadActive,
		storage.StatusSearchCompleteQuotaExhausted,
		storage.StatusFailedPermanent,
	},
	storage.StatusSearchCompleteQuotaExhausted: {
		storage.StatusDownloadQueued, // quota recovered
		storage.StatusDownloadActive,
		storage.StatusSearchComplete,
		storage.StatusFailedPermanent,
	},
	storage.StatusSearchNoResults: {
		storage.StatusSearchQueued, // manual retry
		storage.StatusFailedPermanent,
	},

	// Download stage
	storage.StatusDownloadQueued: {
		storage.StatusDownloadActive,
		storage.StatusFailedPermanent,
		storage.StatusSearchComplete, // limit-exhausted rollback
	},
	storage.StatusDownloadActive: {
		storage.StatusDownloadComplete,
		storage.StatusDownloadFailed,
		storage.StatusFailedPermanent,
		storage.StatusDownloadQueued, // retry rollback
		storage.StatusSearchComplete, // limit-exhausted rollback
	},
	storage.StatusDownloadComplete: {
		storage.StatusUploadQueued,
		storage.StatusCompleted, // upload not required
		storage.StatusFailedPermanent,
	},
	storage.StatusDownloadFailed: {
		storage.StatusDownloadQueued, // retry
		storage.StatusSearchComplete, // limit-exhausted rollback
		storage.StatusFailedPermanent,
	},

	// Upload stage
	storage.StatusUploadQueued: {
		storage.StatusUploadActive, storage.StatusFailedPermanent,
	},
	storage.StatusUploadActive: {
		storage.StatusUploadComplete,
		storage.StatusUploadFailed,
		storage.StatusFailedPermanent,
		storage.StatusUploadQueued, // retry rollback
	},
	storage.StatusUploadComplete: {storage.StatusCompleted},
	storage.StatusUploadFailed: {
		storage.StatusUploadQueued, // retry
		storage.StatusFailedPermanent,
	},

	// Terminal states. COMPLETED and SKIPPED_EXISTS are strictly final;
	// permanent failures can be re-opened into any queue state.
	storage.StatusCompleted:     {},
	storage.StatusSkippedExists: {},
	storage.StatusFailedPermanent: {
		storage.StatusNew,
		storage.StatusSearchQueued,
		storage.StatusDownloadQueued,
		storage.StatusUploadQueued,
	},
}

// stageStates groups every status under its owning stage, for
// items-by-stage lookups.
var stageStates = map[string][]storage.Status{
	StageDetail: {
		storage.StatusNew, storage.StatusDetailFetching, storage.StatusDetailComplete,
	},
	StageSearch: {
		storage.StatusSearchQueued, storage.StatusSearchActive,
		storage.StatusSearchComplete, storage.StatusSearchCompleteQuotaExhausted,
		storage.StatusSearchNoResults,
	},
	StageDownload: {
		storage.StatusDownloadQueued, storage.StatusDownloadActive,
		storage.StatusDownloadComplete, storage.StatusDownloadFailed,
	},
	StageUpload: {
		storage.StatusUploadQueued, storage.StatusUploadActive,
		storage.StatusUploadComplete, storage.StatusUploadFailed,
	},
}

// acceptableStates is the per-stage set of item states a stage may legally
// run against (the scheduler's pre-dispatch contract).
var acceptableStates = map[string][]storage.Status{
	StageDetail: {storage.StatusNew, storage.StatusDetailFetching},
	StageSearch: {
		storage.StatusDetailComplete, storage.StatusSearchQueued, storage.StatusSearchActive,
	},
	StageDownload: {
		storage.StatusSearchComplete, storage.StatusSearchCompleteQuotaExhausted,
		storage.StatusDownloadQueued, storage.StatusDownloadActive,
	},
	StageUpload: {
		storage.StatusDownloadComplete, storage.StatusUploadQueued, storage.StatusUploadActive,
	},
}

// nextStageByStatus maps a _COMPLETE precursor to the stage it feeds.
var nextStageByStatus = map[storage.Status]string{
	storage.StatusDetailComplete:   StageSearch,
	storage.StatusSearchComplete:   StageDownload,
	storage.StatusDownloadComplete: StageUpload,
}

// queuedStatusByStage maps a stage to its entry (queued) status.
var queuedStatusByStage = map[string]storage.Status{
	StageSearch:   storage.StatusSearchQueued,
	StageDownload: storage.StatusDownloadQueued,
	StageUpload:   storage.StatusUploadQueued,
}

// activeResetTargets maps each in-flight status to where crash recovery and
// stuck resets send it.
var activeResetTargets = map[storage.Status]storage.Status{
	storage.StatusDetailFetching: storage.StatusNew,
	storage.StatusSearchActive:   storage.StatusSearchQueued,
	storage.StatusDownloadActive: storage.StatusDownloadQueued,
	storage.StatusUploadActive:   storage.StatusUploadQueued,
}

// taskCleanupTerminal are statuses whose items must not have open tasks.
var taskCleanupTerminal = []storage.Status{
	storage.StatusCompleted,
	storage.StatusSkippedExists,
	storage.StatusFailedPermanent,
	storage.StatusUploadComplete,
	storage.StatusSearchNoResults,
}

// IsValidTransition reports whether from → to is an allowed edge.
func IsValidTransition(from, to storage.Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// StageForStatus returns the stage a status belongs to, or "" for
// terminal states.
func StageForStatus(status storage.Status) string {
	for stage, statuses := range stageStates {
		for _, s := range statuses {
			if s == status {
				return stage
			}
		}
	}
	return ""
}

// AcceptableStates returns the item states the given stage may run against.
func AcceptableStates(stage string) []storage.Status {
	return acceptableStates[stage]
}

// IsAcceptableForStage reports whether a status is in the stage's
// acceptable set.
func IsAcceptableForStage(status storage.Status, stage string) bool {
	for _, s := range acceptableStates[stage] {
		if s == status {
			return true
		}
	}
	return false
}

// isQueuedStatus reports whether a status is a stage entry state; queued
// re-entries never trigger scheduling themselves.
func isQueuedStatus(status storage.Status) bool {
	return strings.HasSuffix(string(status), "_queued")
}
