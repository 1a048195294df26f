package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const searchResultColumns = `id, item_id, external_id, title, authors, publisher,
	year, language, isbn, extension, size, url, download_url, match_score,
	is_available, raw_json, created_at, updated_at`

func scanSearchResult(row interface{ Scan(...any) error }) (*SearchResult, error) {
	var sr SearchResult
	var externalID, authors, publisher, year, language, isbn sql.NullString
	var extension, size, url, downloadURL, rawJSON sql.NullString
	var isAvailable int
	var createdAt, updatedAt int64

	err := row.Scan(&sr.ID, &sr.ItemID, &externalID, &sr.Title, &authors, &publisher,
		&year, &language, &isbn, &extension, &size, &url, &downloadURL,
		&sr.MatchScore, &isAvailable, &rawJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sr.ExternalID = externalID.String
	sr.Authors = authors.String
	sr.Publisher = publisher.String
	sr.Year = year.String
	sr.Language = language.String
	sr.ISBN = isbn.String
	sr.Extension = extension.String
	sr.Size = size.String
	sr.URL = url.String
	sr.DownloadURL = downloadURL.String
	sr.IsAvailable = isAvailable != 0
	sr.RawJSON = rawJSON.String
	sr.CreatedAt = time.Unix(createdAt, 0)
	sr.UpdatedAt = time.Unix(updatedAt, 0)
	return &sr, nil
}

// UpsertSearchResult persists one candidate, deduplicating per item.
//
// Dedup layers: (item_id, external_id) first, then the composite
// (item_id, title, authors [, isbn]). An existing row is only touched to
// back-fill a missing external id; otherwise candidates are immutable.
// Returns true when a new row was inserted.
func (t *Tx) UpsertSearchResult(ctx context.Context, sr *SearchResult) (bool, error) {
	var existingID int64
	var existingExternal sql.NullString

	if sr.ExternalID != "" {
		err := t.tx.QueryRowContext(ctx,
			`SELECT id, external_id FROM search_results WHERE item_id = ? AND external_id = ?`,
			sr.ItemID, sr.ExternalID).Scan(&existingID, &existingExternal)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("lookup search result: %w", err)
		}
	}

	if existingID == 0 && sr.Title != "" && sr.Authors != "" {
		query := `SELECT id, external_id FROM search_results WHERE item_id = ? AND title = ? AND authors = ?`
		args := []any{sr.ItemID, sr.Title, sr.Authors}
		if sr.ISBN != "" {
			query += " AND isbn = ?"
			args = append(args, sr.ISBN)
		}
		err := t.tx.QueryRowContext(ctx, query, args...).Scan(&existingID, &existingExternal)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("lookup search result by content: %w", err)
		}
	}

	if existingID != 0 {
		if sr.ExternalID != "" && existingExternal.String == "" {
			_, err := t.tx.ExecContext(ctx,
				`UPDATE search_results SET external_id = ?, updated_at = ? WHERE id = ?`,
				sr.ExternalID, now().Unix(), existingID)
			if err != nil {
				return false, fmt.Errorf("refresh search result external id: %w", err)
			}
		}
		sr.ID = existingID
		return false, nil
	}

	ts := now().Unix()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO search_results (item_id, external_id, title, authors, publisher,
			year, language, isbn, extension, size, url, download_url, match_score,
			is_available, raw_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ItemID, nullableString(sr.ExternalID), sr.Title, sr.Authors, sr.Publisher,
		sr.Year, sr.Language, sr.ISBN, sr.Extension, sr.Size, sr.URL, sr.DownloadURL,
		sr.MatchScore, boolToInt(sr.IsAvailable), sr.RawJSON, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("insert search result: %w", err)
	}
	sr.ID, err = res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert search result id: %w", err)
	}
	return true, nil
}

func listSearchResults(ctx context.Context, q querier, where string, args []any) ([]*SearchResult, error) {
	query := `SELECT ` + searchResultColumns + ` FROM search_results WHERE ` + where +
		` ORDER BY match_score DESC, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query search results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*SearchResult
	for rows.Next() {
		sr, err := scanSearchResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

// ListSearchResults returns all candidates for an item, best score first.
func (db *DB) ListSearchResults(ctx context.Context, itemID int64) ([]*SearchResult, error) {
	return listSearchResults(ctx, db.reader, "item_id = ?", []any{itemID})
}

// ListSearchResults returns all candidates for an item within the transaction.
func (t *Tx) ListSearchResults(ctx context.Context, itemID int64) ([]*SearchResult, error) {
	return listSearchResults(ctx, t.tx, "item_id = ?", []any{itemID})
}

// ListQualifyingSearchResults returns available candidates at or above the
// score floor, best first.
func (t *Tx) ListQualifyingSearchResults(ctx context.Context, itemID int64, minScore float64) ([]*SearchResult, error) {
	return listSearchResults(ctx, t.tx,
		"item_id = ? AND is_available = 1 AND match_score >= ?",
		[]any{itemID, minScore})
}

// CountSearchResults reports how many candidates are stored for an item.
func (t *Tx) CountSearchResults(ctx context.Context, itemID int64) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_results WHERE item_id = ?`, itemID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count search results: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
