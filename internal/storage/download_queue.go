package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const queueColumns = `id, item_id, search_result_id, download_url, priority,
	status, retry_count, error_message, created_at, updated_at`

func scanQueueEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	var entry QueueEntry
	var errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&entry.ID, &entry.ItemID, &entry.SearchResultID, &entry.DownloadURL,
		&entry.Priority, &entry.Status, &entry.RetryCount, &errorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entry.ErrorMessage = errorMessage.String
	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.UpdatedAt = time.Unix(updatedAt, 0)
	return &entry, nil
}

// InsertQueueEntry records the chosen best match for an item. At most one
// row per item: when one already exists it is returned unchanged.
// Returns true when a new row was inserted.
func (t *Tx) InsertQueueEntry(ctx context.Context, entry *QueueEntry) (bool, error) {
	existing, err := getQueueEntryByItem(ctx, t.tx, entry.ItemID, nil)
	if err == nil {
		*entry = *existing
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	ts := now().Unix()
	status := entry.Status
	if status == "" {
		status = QueueStatusQueued
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO download_queue (item_id, search_result_id, download_url, priority,
			status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ItemID, entry.SearchResultID, entry.DownloadURL, entry.Priority,
		status, entry.RetryCount, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("insert queue entry: %w", err)
	}
	entry.Status = status
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert queue entry id: %w", err)
	}
	return true, nil
}

func getQueueEntryByItem(ctx context.Context, q querier, itemID int64, statuses []string) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM download_queue WHERE item_id = ?`
	args := []any{itemID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	entry, err := scanQueueEntry(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetQueueEntry returns the queue row for an item, optionally filtered to a
// status set. Returns (nil, nil) when no row matches.
func (db *DB) GetQueueEntry(ctx context.Context, itemID int64, statuses ...string) (*QueueEntry, error) {
	entry, err := getQueueEntryByItem(ctx, db.reader, itemID, statuses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entry for item %d: %w", itemID, err)
	}
	return entry, nil
}

// GetQueueEntry returns the queue row for an item within the transaction.
func (t *Tx) GetQueueEntry(ctx context.Context, itemID int64, statuses ...string) (*QueueEntry, error) {
	entry, err := getQueueEntryByItem(ctx, t.tx, itemID, statuses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entry for item %d: %w", itemID, err)
	}
	return entry, nil
}

// UpdateQueueStatus moves a queue row along queued → downloading →
// {completed, failed}; failed attempts bump the retry counter.
func (t *Tx) UpdateQueueStatus(ctx context.Context, id int64, status, errorMessage string) error {
	var err error
	if status == QueueStatusFailed {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE download_queue SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
			status, nullableString(errorMessage), now().Unix(), id)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE download_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			status, nullableString(errorMessage), now().Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("update queue entry %d: %w", id, err)
	}
	return nil
}

// MarkQueueFailure records a failed attempt on the queue row: the retry
// counter bumps, and the row either parks as failed (terminal) or returns
// to queued for the next attempt.
func (t *Tx) MarkQueueFailure(ctx context.Context, id int64, errorMessage string, terminal bool) error {
	status := QueueStatusQueued
	if terminal {
		status = QueueStatusFailed
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE download_queue SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		status, nullableString(errorMessage), now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark queue entry %d failure: %w", id, err)
	}
	return nil
}

// ResetQueueEntriesForItems flips non-terminal queue rows back to queued.
// Used when download rollbacks return items to SEARCH_COMPLETE.
func (t *Tx) ResetQueueEntriesForItems(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(itemIDs))
	args := make([]any, 0, len(itemIDs)+1)
	args = append(args, now().Unix())
	for i, id := range itemIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE download_queue SET status = 'queued', updated_at = ? WHERE item_id IN (`+
			strings.Join(placeholders, ", ")+`) AND status = 'downloading'`, args...)
	if err != nil {
		return fmt.Errorf("reset queue entries: %w", err)
	}
	return nil
}
