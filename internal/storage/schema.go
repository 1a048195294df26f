package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates all tables and indexes. Statements are idempotent
// so startup can always run the full list.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL,
		source_url TEXT,
		title TEXT NOT NULL,
		subtitle TEXT,
		author TEXT,
		translator TEXT,
		publisher TEXT,
		publish_date TEXT,
		isbn TEXT,
		cover_url TEXT,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'new',
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_items_external_id ON items(external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_status ON items(status)`,
	`CREATE INDEX IF NOT EXISTS idx_items_status_updated ON items(status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id),
		old_status TEXT,
		new_status TEXT NOT NULL,
		change_reason TEXT,
		error_message TEXT,
		processing_time REAL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_history_item ON status_history(item_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS search_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id),
		external_id TEXT,
		title TEXT NOT NULL,
		authors TEXT,
		publisher TEXT,
		year TEXT,
		language TEXT,
		isbn TEXT,
		extension TEXT,
		size TEXT,
		url TEXT,
		download_url TEXT,
		match_score REAL NOT NULL DEFAULT 0,
		is_available INTEGER NOT NULL DEFAULT 1,
		raw_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_results_item ON search_results(item_id, match_score)`,
	`CREATE INDEX IF NOT EXISTS idx_search_results_external ON search_results(item_id, external_id)`,

	`CREATE TABLE IF NOT EXISTS download_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id),
		search_result_id INTEGER NOT NULL REFERENCES search_results(id),
		download_url TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_download_queue_item ON download_queue(item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_download_queue_status ON download_queue(status, priority)`,

	`CREATE TABLE IF NOT EXISTS download_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id),
		external_id TEXT,
		file_format TEXT,
		file_size INTEGER,
		file_path TEXT,
		download_url TEXT,
		library_id INTEGER,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_download_records_item ON download_records(item_id, status)`,

	`CREATE TABLE IF NOT EXISTS processing_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id),
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error_message TEXT,
		error_kind TEXT,
		task_data TEXT,
		worker_id TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		next_retry_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_tasks_dispatch ON processing_tasks(status, stage, priority, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_tasks_item ON processing_tasks(item_id, stage, status)`,
}

// InitSchema creates all tables and indexes if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
