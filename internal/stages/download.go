package stages

import (
	"context"
	"log/slog"
	"os"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// DownloadStage transfers the chosen best match from the mirror, guarded by
// the cached daily quota.
type DownloadStage struct {
	db          *storage.DB
	mirror      MirrorClient
	quotaMgr    *quota.Manager
	downloadDir string
	metrics     *metrics.Metrics
}

// NewDownloadStage creates the download stage. quotaMgr may be nil, which
// leaves the stage ungated.
func NewDownloadStage(db *storage.DB, mirror MirrorClient, quotaMgr *quota.Manager, downloadDir string, m *metrics.Metrics) *DownloadStage {
	return &DownloadStage{
		db:          db,
		mirror:      mirror,
		quotaMgr:    quotaMgr,
		downloadDir: downloadDir,
		metrics:     m,
	}
}

// Name implements pipeline.Stage.
func (s *DownloadStage) Name() string {
	return state.StageDownload
}

// CanProcess accepts the download-family states plus the two
// search-complete entry points, and requires an open queue row.
func (s *DownloadStage) CanProcess(ctx context.Context, item *storage.Item, tx *storage.Tx) bool {
	switch item.Status {
	case storage.StatusSearchComplete, storage.StatusSearchCompleteQuotaExhausted,
		storage.StatusDownloadQueued, storage.StatusDownloadActive:
	default:
		return false
	}

	entry, err := tx.GetQueueEntry(ctx, item.ID, storage.QueueStatusQueued, storage.QueueStatusDownloading)
	if err != nil {
		slog.WarnContext(ctx, "queue lookup failed", "error", err)
		return false
	}
	return entry != nil
}

// Gate implements the pre-activation check: with no cached quota the item
// parks in SEARCH_COMPLETE_QUOTA_EXHAUSTED and the task completes without
// consuming allowance, a worker slot, or a retry.
func (s *DownloadStage) Gate(ctx context.Context, item *storage.Item, tx *storage.Tx) (pipeline.Result, bool) {
	if s.quotaMgr == nil || s.quotaMgr.HasQuotaAvailable() {
		return pipeline.Result{}, false
	}
	slog.InfoContext(ctx, "no download quota, parking item", "title", item.Title)
	return pipeline.Result{Success: true, NextStatus: storage.StatusSearchCompleteQuotaExhausted}, true
}

// Process consumes one quota unit, performs the transfer, and records the
// outcome.
func (s *DownloadStage) Process(ctx context.Context, item *storage.Item, tx *storage.Tx) (pipeline.Result, error) {
	// A crash after a finished transfer leaves a success record behind;
	// honor it instead of paying for the download twice.
	if existing, err := tx.GetSuccessfulDownload(ctx, item.ID); err != nil {
		return pipeline.Result{}, err
	} else if existing != nil && existing.FilePath != "" {
		if _, statErr := os.Stat(existing.FilePath); statErr == nil {
			slog.InfoContext(ctx, "item already downloaded",
				"title", item.Title,
				"path", existing.FilePath)
			return pipeline.Result{Success: true, NextStatus: storage.StatusDownloadComplete}, nil
		}
	}

	entry, err := tx.GetQueueEntry(ctx, item.ID, storage.QueueStatusQueued, storage.QueueStatusDownloading)
	if err != nil {
		return pipeline.Result{}, err
	}
	if entry == nil {
		return pipeline.Result{}, domerrors.NewResourceNotFoundError("download queue entry for "+item.Title, nil)
	}

	results, err := tx.ListSearchResults(ctx, item.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	var chosen *storage.SearchResult
	for _, sr := range results {
		if sr.ID == entry.SearchResultID {
			chosen = sr
			break
		}
	}
	if chosen == nil {
		return pipeline.Result{}, domerrors.NewResourceNotFoundError("chosen search result for "+item.Title, nil)
	}

	if s.quotaMgr != nil && !s.quotaMgr.ConsumeQuota(1) {
		// The cache raced to zero between the gate and here; back off and
		// let the next dispatch hit the gate.
		return pipeline.Result{}, domerrors.NewProcessingError("quota_check_failed", "quota consumed concurrently")
	}
	if s.metrics != nil && s.quotaMgr != nil {
		s.metrics.QuotaConsumed.Inc()
	}

	if err := tx.UpdateQueueStatus(ctx, entry.ID, storage.QueueStatusDownloading, ""); err != nil {
		return pipeline.Result{}, err
	}

	file, err := s.mirror.Download(ctx, DownloadRequest{
		ExternalID:  chosen.ExternalID,
		Title:       firstNonEmpty(chosen.Title, item.Title),
		Authors:     firstNonEmpty(chosen.Authors, item.Author),
		Extension:   chosen.Extension,
		DownloadURL: entry.DownloadURL,
		URL:         chosen.URL,
	}, s.downloadDir)
	if err != nil {
		// The surrounding transaction rolls back; RecordFailure persists
		// the attempt afterwards.
		return pipeline.Result{}, err
	}

	record := &storage.DownloadRecord{
		ItemID:      item.ID,
		ExternalID:  chosen.ExternalID,
		FileFormat:  chosen.Extension,
		FileSize:    file.Size,
		FilePath:    file.Path,
		DownloadURL: entry.DownloadURL,
		Status:      storage.RecordStatusSuccess,
	}
	if err := tx.InsertDownloadRecord(ctx, record); err != nil {
		return pipeline.Result{}, err
	}
	if err := tx.UpdateQueueStatus(ctx, entry.ID, storage.QueueStatusCompleted, ""); err != nil {
		return pipeline.Result{}, err
	}

	if s.metrics != nil {
		s.metrics.DownloadBytes.Add(float64(file.Size))
	}
	slog.InfoContext(ctx, "download complete",
		"title", item.Title,
		"path", file.Path,
		"size_bytes", file.Size)
	return pipeline.Result{Success: true, NextStatus: storage.StatusDownloadComplete}, nil
}

// NextState implements pipeline.Stage.
func (s *DownloadStage) NextState(success bool) storage.Status {
	if success {
		return storage.StatusDownloadComplete
	}
	return storage.StatusDownloadFailed
}

// RecordFailure persists the failed attempt after the stage transaction
// rolled back: a failed download record for the audit trail, and the queue
// row bumped (back to queued for retryable errors, parked as failed
// otherwise).
func (s *DownloadStage) RecordFailure(ctx context.Context, itemID int64, stageErr error) {
	if s.db == nil {
		return
	}
	if domerrors.IsDownloadLimitExhausted(stageErr) || domerrors.IsStatusMismatch(stageErr) {
		return
	}
	terminal := !domerrors.Classify(stageErr).Retryable

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		entry, err := tx.GetQueueEntry(ctx, itemID,
			storage.QueueStatusQueued, storage.QueueStatusDownloading)
		if err != nil {
			return err
		}
		if entry != nil {
			if err := tx.MarkQueueFailure(ctx, entry.ID, stageErr.Error(), terminal); err != nil {
				return err
			}
		}
		return tx.InsertDownloadRecord(ctx, &storage.DownloadRecord{
			ItemID:       itemID,
			Status:       storage.RecordStatusFailed,
			ErrorMessage: stageErr.Error(),
		})
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record download failure", "error", err)
	}
}
