// Package storage provides SQLite persistence for items, status history,
// search results, the download queue, download records, and processing tasks.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shelfsync/shelfsync/internal/timeouts"
	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// DB wraps SQLite database connections with read/write separation.
// Writer uses a single connection to avoid SQLITE_BUSY errors.
// Reader uses multiple connections for parallel queries.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// New creates a new database with read/write separation and initializes the schema.
func New(ctx context.Context, dbPath string) (*DB, error) {
	isMemory := dbPath == ":memory:"
	if !isMemory {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	var writerDSN, readerDSN string
	if isMemory {
		baseDSN := "file:shelfsync?mode=memory&cache=shared"
		writerDSN = baseDSN + "&_txlock=immediate"
		readerDSN = baseDSN
	} else {
		writerDSN = dbPath + "?_txlock=immediate"
		readerDSN = dbPath + "?mode=ro"
	}

	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(timeouts.DatabaseConnMaxLifetime)

	if err := configureConnection(ctx, writer, false); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("configure writer: %w", err)
	}

	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	if err := InitSchema(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	reader.SetMaxOpenConns(10)
	reader.SetMaxIdleConns(5)
	reader.SetConnMaxLifetime(timeouts.DatabaseConnMaxLifetime)

	if err := configureConnection(ctx, reader, !isMemory); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("configure reader: %w", err)
	}

	if err := reader.PingContext(ctx); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{
		writer: writer,
		reader: reader,
		path:   dbPath,
	}, nil
}

func configureConnection(ctx context.Context, conn *sql.DB, readOnly bool) error {
	if !readOnly {
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	busyTimeoutMs := int(timeouts.DatabaseBusyTimeout.Milliseconds())
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA temp_store=MEMORY"); err != nil {
		return fmt.Errorf("set temp store: %w", err)
	}

	// WAL mode keeps NORMAL durable enough for our workload.
	if !readOnly {
		if _, err := conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
			return fmt.Errorf("set synchronous mode: %w", err)
		}
	} else {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only=ON"); err != nil {
			return fmt.Errorf("set query-only mode: %w", err)
		}
	}

	return nil
}

// Close closes both reader and writer database connections.
func (db *DB) Close() error {
	var errs []error
	if db.reader != nil {
		if err := db.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if db.writer != nil {
		if err := db.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies both connections are alive.
func (db *DB) Ping(ctx context.Context) error {
	return errors.Join(
		db.writer.PingContext(ctx),
		db.reader.PingContext(ctx),
	)
}

// now returns the current time truncated to whole seconds; all row
// timestamps are stored as unix seconds.
func now() time.Time {
	return time.Now().Truncate(time.Second)
}
