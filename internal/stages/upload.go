package stages

import (
	"context"
	"log/slog"
	"os"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// UploadStage ships the downloaded artifact into the personal library and
// back-fills bookkeeping from the ingest response.
type UploadStage struct {
	library  LibraryClient
	archiver Archiver
}

// NewUploadStage creates the upload stage. archiver may be nil.
func NewUploadStage(library LibraryClient, archiver Archiver) *UploadStage {
	return &UploadStage{library: library, archiver: archiver}
}

// Name implements pipeline.Stage.
func (s *UploadStage) Name() string {
	return state.StageUpload
}

// CanProcess accepts DOWNLOAD_COMPLETE, UPLOAD_QUEUED, and UPLOAD_ACTIVE
// items holding a successful download.
func (s *UploadStage) CanProcess(ctx context.Context, item *storage.Item, tx *storage.Tx) bool {
	switch item.Status {
	case storage.StatusDownloadComplete, storage.StatusUploadQueued, storage.StatusUploadActive:
	default:
		return false
	}
	rec, err := tx.GetSuccessfulDownload(ctx, item.ID)
	if err != nil {
		slog.WarnContext(ctx, "download record lookup failed", "error", err)
		return false
	}
	return rec != nil && rec.FilePath != ""
}

// Process uploads the artifact. The ingest's library id lands on the
// download record; a returned ISBN back-fills the item when it has none.
func (s *UploadStage) Process(ctx context.Context, item *storage.Item, tx *storage.Tx) (pipeline.Result, error) {
	rec, err := tx.GetSuccessfulDownload(ctx, item.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if rec == nil || rec.FilePath == "" {
		return pipeline.Result{}, domerrors.NewResourceNotFoundError("downloaded artifact for "+item.Title, nil)
	}
	if _, err := os.Stat(rec.FilePath); err != nil {
		return pipeline.Result{}, domerrors.NewProcessingError("data_missing", "artifact vanished: "+rec.FilePath)
	}

	receipt, err := s.library.Upload(ctx, rec.FilePath, UploadMetadata{
		Title:  item.Title,
		Author: item.Author,
		ISBN:   item.ISBN,
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	if err := tx.SetDownloadRecordLibraryID(ctx, rec.ID, receipt.LibraryID); err != nil {
		return pipeline.Result{}, err
	}
	if receipt.ISBN != "" && item.ISBN == "" {
		if err := tx.UpdateItemISBN(ctx, item.ID, receipt.ISBN); err != nil {
			return pipeline.Result{}, err
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, rec.FilePath, item); err != nil {
			slog.WarnContext(ctx, "artifact archival failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "upload complete",
		"title", item.Title,
		"library_id", receipt.LibraryID)
	return pipeline.Result{Success: true, NextStatus: storage.StatusUploadComplete}, nil
}

// NextState implements pipeline.Stage.
func (s *UploadStage) NextState(success bool) storage.Status {
	if success {
		return storage.StatusUploadComplete
	}
	return storage.StatusUploadFailed
}
