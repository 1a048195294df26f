package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `id, item_id, external_id, file_format, file_size, file_path,
	download_url, library_id, status, error_message, created_at, updated_at`

func scanDownloadRecord(row interface{ Scan(...any) error }) (*DownloadRecord, error) {
	var rec DownloadRecord
	var externalID, fileFormat, filePath, downloadURL, errorMessage sql.NullString
	var fileSize, libraryID sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.ItemID, &externalID, &fileFormat, &fileSize,
		&filePath, &downloadURL, &libraryID, &rec.Status, &errorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.ExternalID = externalID.String
	rec.FileFormat = fileFormat.String
	rec.FileSize = fileSize.Int64
	rec.FilePath = filePath.String
	rec.DownloadURL = downloadURL.String
	if libraryID.Valid {
		v := libraryID.Int64
		rec.LibraryID = &v
	}
	rec.ErrorMessage = errorMessage.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// InsertDownloadRecord persists the outcome of one download attempt.
func (t *Tx) InsertDownloadRecord(ctx context.Context, rec *DownloadRecord) error {
	ts := now().Unix()
	var libraryID any
	if rec.LibraryID != nil {
		libraryID = *rec.LibraryID
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO download_records (item_id, external_id, file_format, file_size,
			file_path, download_url, library_id, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID, nullableString(rec.ExternalID), rec.FileFormat, rec.FileSize,
		nullableString(rec.FilePath), nullableString(rec.DownloadURL), libraryID,
		rec.Status, nullableString(rec.ErrorMessage), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert download record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert download record id: %w", err)
	}
	return nil
}

// SetDownloadRecordLibraryID stores the library id assigned by the ingest
// service after a successful upload.
func (t *Tx) SetDownloadRecordLibraryID(ctx context.Context, recordID, libraryID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE download_records SET library_id = ?, updated_at = ? WHERE id = ?`,
		libraryID, now().Unix(), recordID)
	if err != nil {
		return fmt.Errorf("set download record %d library id: %w", recordID, err)
	}
	return nil
}

func getSuccessfulDownload(ctx context.Context, q querier, itemID int64) (*DownloadRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM download_records
		WHERE item_id = ? AND status = ? ORDER BY id DESC LIMIT 1`
	rec, err := scanDownloadRecord(q.QueryRowContext(ctx, query, itemID, RecordStatusSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query download record for item %d: %w", itemID, err)
	}
	return rec, nil
}

// GetSuccessfulDownload returns the latest successful download for an item,
// or nil when none exists.
func (db *DB) GetSuccessfulDownload(ctx context.Context, itemID int64) (*DownloadRecord, error) {
	return getSuccessfulDownload(ctx, db.reader, itemID)
}

// GetSuccessfulDownload returns the latest successful download within the
// transaction.
func (t *Tx) GetSuccessfulDownload(ctx context.Context, itemID int64) (*DownloadRecord, error) {
	return getSuccessfulDownload(ctx, t.tx, itemID)
}
