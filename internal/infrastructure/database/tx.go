package database

import (
	"context"
	"database/sql"
	"fmt"

	"notifications/internal/domain"
)

// TxRunner executes fn inside a single database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(q domain.Querier) error) error
}

type SQLTxRunner struct {
	db *sql.DB
}

func NewTxRunner(db *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

// RunInTx commits when fn returns nil and rolls back otherwise. A panic in
// fn rolls back and is re-raised.
func (r *SQLTxRunner) RunInTx(ctx context.Context, fn func(q domain.Querier) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
