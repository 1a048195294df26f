package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// querier abstracts *sql.DB and *sql.Tx so repository helpers can run either
// standalone or inside a stage transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a scoped write transaction. All mutations performed through it
// become visible atomically on commit.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a single write transaction: commit when fn returns
// nil, rollback otherwise. The transaction is always released.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
