package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertHistory appends a status transition record within the transaction.
// History rows are created atomically with the item update and never
// mutated afterwards.
func (t *Tx) InsertHistory(ctx context.Context, entry *HistoryEntry) error {
	var oldStatus any
	if entry.OldStatus != nil {
		oldStatus = string(*entry.OldStatus)
	}
	var processingTime any
	if entry.ProcessingTime != nil {
		processingTime = *entry.ProcessingTime
	}

	query := `
		INSERT INTO status_history (item_id, old_status, new_status, change_reason,
			error_message, processing_time, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.tx.ExecContext(ctx, query,
		entry.ItemID, oldStatus, string(entry.NewStatus), entry.ChangeReason,
		nullableString(entry.ErrorMessage), processingTime, entry.RetryCount, now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert history for item %d: %w", entry.ItemID, err)
	}
	return nil
}

const historyColumns = `id, item_id, old_status, new_status, change_reason,
	error_message, processing_time, retry_count, created_at`

func scanHistory(row interface{ Scan(...any) error }) (*HistoryEntry, error) {
	var entry HistoryEntry
	var oldStatus, changeReason, errorMessage sql.NullString
	var processingTime sql.NullFloat64
	var createdAt int64

	err := row.Scan(&entry.ID, &entry.ItemID, &oldStatus, (*string)(&entry.NewStatus),
		&changeReason, &errorMessage, &processingTime, &entry.RetryCount, &createdAt)
	if err != nil {
		return nil, err
	}

	if oldStatus.Valid {
		s := Status(oldStatus.String)
		entry.OldStatus = &s
	}
	entry.ChangeReason = changeReason.String
	entry.ErrorMessage = errorMessage.String
	if processingTime.Valid {
		v := processingTime.Float64
		entry.ProcessingTime = &v
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	return &entry, nil
}

func listHistory(ctx context.Context, q querier, where string, args []any, limit int) ([]*HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM status_history`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecentHistory returns the latest transitions across all items.
func (db *DB) RecentHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	return listHistory(ctx, db.reader, "", nil, limit)
}

// HistoryForItem returns all transitions of one item, newest first.
func (db *DB) HistoryForItem(ctx context.Context, itemID int64) ([]*HistoryEntry, error) {
	return listHistory(ctx, db.reader, "item_id = ?", []any{itemID}, 0)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
