package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
)

// Repositories groups the stores bound to one unit of work.
type Repositories struct {
	Tasks  TaskStore
	Outbox OutboxStore
	DLQ    DLQStore
}

// Transactor runs a function atomically against the stores. Every write
// made through the Repositories passed to fn is committed together, or not
// at all when fn returns an error.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// TxFn is a function that executes within a database transaction.
// The transaction is committed if the function returns nil, or rolled back if it returns an error.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// SQLTransactor implements Transactor over a *sql.DB by rebinding each
// store to the transaction with WithTx.
type SQLTransactor struct {
	db    *sql.DB
	repos Repositories
}

// NewSQLTransactor creates a Transactor for stores backed by db.
func NewSQLTransactor(db *sql.DB, repos Repositories) *SQLTransactor {
	return &SQLTransactor{db: db, repos: repos}
}

// WithinTx implements Transactor.
func (t *SQLTransactor) WithinTx(
	ctx context.Context,
	fn func(ctx context.Context, repos Repositories) error,
) error {
	return RunInTransaction(ctx, t.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, Repositories{
			Tasks:  t.repos.Tasks.WithTx(tx),
			Outbox: t.repos.Outbox.WithTx(tx),
			DLQ:    t.repos.DLQ.WithTx(tx),
		})
	})
}

// RunInTransaction executes the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
// A panic inside fn rolls back and is re-raised.
func RunInTransaction(ctx context.Context, db *sql.DB, fn TxFn) error {
	log := logger.FromContext(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("failed to begin transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: begin: %v", ErrTransactionFailed, err)
	}

	defer func() {
		if p := recover(); p != nil {
			if txErr := tx.Rollback(); txErr != nil {
				log.Error("failed to roll back transaction after panic",
					slog.String("error", txErr.Error()),
					slog.Any("panic", p))
			} else {
				log.Error("rolled back transaction after panic",
					slog.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("failed to roll back transaction",
				slog.String("rollback_error", rollbackErr.Error()),
				slog.String("original_error", err.Error()))
			return fmt.Errorf(
				"error rolling back transaction: %v (original error: %w)",
				rollbackErr,
				err,
			)
		}
		log.Debug("rolled back transaction due to error",
			slog.String("error", err.Error()))
		return err
	}

	if err = tx.Commit(); err != nil {
		log.Error("failed to commit transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}

	log.Debug("transaction committed successfully")
	return nil
}
