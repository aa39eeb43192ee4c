package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/releasegate/pkg/observability"
)

// UnitOfWork runs a domain mutation and its audit record in one transaction
// under a single timeout.
type UnitOfWork struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics
}

// NewUnitOfWork creates a unit of work runner. A zero timeout means no
// deadline beyond the caller's context.
func NewUnitOfWork(db *sql.DB, timeout time.Duration, metrics *observability.Metrics) *UnitOfWork {
	return &UnitOfWork{db: db, timeout: timeout, metrics: metrics}
}

// Do executes fn within a transaction.
// On success: commits, and only then returns nil.
// On error from fn or an expired deadline: rolls back and returns the error.
// On panic from fn: rolls back and re-panics.
func (u *UnitOfWork) Do(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() { u.metrics.ObserveUnitOfWork(time.Since(start), err) }()

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %w (original error: %w)", rbErr, err)
		}
		return err
	}

	// A deadline that passed during fn must not let the writes commit.
	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = tx.Rollback()
		return fmt.Errorf("unit of work aborted: %w", ctxErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
