package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
)

const itemColumns = `id, external_id, source_url, title, subtitle, author, translator,
	publisher, publish_date, isbn, cover_url, description, status, error_message,
	created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var item Item
	var status string
	var createdAt, updatedAt int64
	var sourceURL, subtitle, author, translator, publisher, publishDate sql.NullString
	var isbn, coverURL, description, errorMessage sql.NullString

	err := row.Scan(
		&item.ID, &item.ExternalID, &sourceURL, &item.Title, &subtitle, &author,
		&translator, &publisher, &publishDate, &isbn, &coverURL, &description,
		&status, &errorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.SourceURL = sourceURL.String
	item.Subtitle = subtitle.String
	item.Author = author.String
	item.Translator = translator.String
	item.Publisher = publisher.String
	item.PublishDate = publishDate.String
	item.ISBN = isbn.String
	item.CoverURL = coverURL.String
	item.Description = description.String
	item.Status = Status(status)
	item.ErrorMessage = errorMessage.String
	item.CreatedAt = time.Unix(createdAt, 0)
	item.UpdatedAt = time.Unix(updatedAt, 0)
	return &item, nil
}

func getItem(ctx context.Context, q querier, id int64) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = ?`
	item, err := scanItem(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item %d: %w", id, err)
	}
	return item, nil
}

// GetItem retrieves an item by id. Returns errors.ErrNotFound when absent.
func (db *DB) GetItem(ctx context.Context, id int64) (*Item, error) {
	return getItem(ctx, db.reader, id)
}

// GetItem retrieves an item by id within the transaction.
func (t *Tx) GetItem(ctx context.Context, id int64) (*Item, error) {
	return getItem(ctx, t.tx, id)
}

// GetItemByExternalID retrieves an item by its external identifier.
func (db *DB) GetItemByExternalID(ctx context.Context, externalID string) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE external_id = ?`
	item, err := scanItem(db.reader.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item by external id %s: %w", externalID, err)
	}
	return item, nil
}

// InsertItem inserts a new item in status NEW. Returns the new id, or the
// existing row's id with inserted=false when the external id is known.
func (db *DB) InsertItem(ctx context.Context, item *Item) (id int64, inserted bool, err error) {
	existing, err := db.GetItemByExternalID(ctx, item.ExternalID)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, domerrors.ErrNotFound) {
		return 0, false, err
	}

	ts := now().Unix()
	status := item.Status
	if status == "" {
		status = StatusNew
	}
	query := `
		INSERT INTO items (external_id, source_url, title, subtitle, author, translator,
			publisher, publish_date, isbn, cover_url, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.writer.ExecContext(ctx, query,
		item.ExternalID, item.SourceURL, item.Title, item.Subtitle, item.Author,
		item.Translator, item.Publisher, item.PublishDate, item.ISBN, item.CoverURL,
		item.Description, string(status), ts, ts,
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to insert item",
			"external_id", item.ExternalID,
			"error", err)
		return 0, false, fmt.Errorf("insert item: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert item id: %w", err)
	}
	return newID, true, nil
}

func updateItemStatus(ctx context.Context, q querier, id int64, status Status, errorMessage string) error {
	var res sql.Result
	var err error
	if errorMessage != "" {
		res, err = q.ExecContext(ctx,
			`UPDATE items SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(status), errorMessage, now().Unix(), id)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE items SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now().Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("update item %d status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %d status: %w", id, err)
	}
	if affected == 0 {
		return domerrors.ErrNotFound
	}
	return nil
}

// UpdateItemStatus sets the item status (and error message when non-empty)
// within the transaction. The state manager is the only caller.
func (t *Tx) UpdateItemStatus(ctx context.Context, id int64, status Status, errorMessage string) error {
	return updateItemStatus(ctx, t.tx, id, status, errorMessage)
}

// UpdateItemDetails fills in detail fields fetched by the detail stage.
func (t *Tx) UpdateItemDetails(ctx context.Context, item *Item) error {
	query := `
		UPDATE items SET subtitle = ?, author = ?, translator = ?, publisher = ?,
			publish_date = ?, isbn = ?, cover_url = ?, description = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := t.tx.ExecContext(ctx, query,
		item.Subtitle, item.Author, item.Translator, item.Publisher,
		item.PublishDate, item.ISBN, item.CoverURL, item.Description,
		now().Unix(), item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item %d details: %w", item.ID, err)
	}
	return nil
}

// UpdateItemISBN back-fills a missing ISBN (upload stage bookkeeping).
// Does nothing when the item already carries one.
func (t *Tx) UpdateItemISBN(ctx context.Context, id int64, isbn string) error {
	if isbn == "" {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE items SET isbn = ?, updated_at = ? WHERE id = ? AND (isbn IS NULL OR isbn = '')`,
		isbn, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update item %d isbn: %w", id, err)
	}
	return nil
}

func listItems(ctx context.Context, q querier, where string, args []any, limit int) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + where + ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func statusPlaceholders(statuses []Status) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(placeholders, ", "), args
}

// ListItemsByStatus returns items in the given status, oldest first.
func (db *DB) ListItemsByStatus(ctx context.Context, status Status, limit int) ([]*Item, error) {
	return listItems(ctx, db.reader, "status = ?", []any{string(status)}, limit)
}

// ListItemsByStatuses returns items whose status is in the given set.
func (db *DB) ListItemsByStatuses(ctx context.Context, statuses []Status, limit int) ([]*Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ph, args := statusPlaceholders(statuses)
	return listItems(ctx, db.reader, "status IN ("+ph+")", args, limit)
}

// ListItemsByStatusesOlderThan returns items in the status set whose
// updated_at is strictly before the cutoff.
func (db *DB) ListItemsByStatusesOlderThan(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ph, args := statusPlaceholders(statuses)
	args = append(args, cutoff.Unix())
	return listItems(ctx, db.reader, "status IN ("+ph+") AND updated_at < ?", args, limit)
}

// CountItemsByStatus returns the status histogram.
func (db *DB) CountItemsByStatus(ctx context.Context) (map[Status]int, error) {
	start := time.Now()
	rows, err := db.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count items by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if duration := time.Since(start); duration > 100*time.Millisecond {
		slog.WarnContext(ctx, "slow database operation",
			"operation", "CountItemsByStatus",
			"duration_ms", duration.Milliseconds())
	}
	return counts, nil
}
