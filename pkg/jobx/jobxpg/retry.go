package jobxpg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TxFn runs inside a transaction.
type TxFn func(tx *sqlx.Tx) error

// WithRetryTx runs fn in a transaction, retrying serialization failures and
// deadlocks with exponential backoff. Any other error aborts immediately.
func WithRetryTx(ctx context.Context, db *sqlx.DB, maxElapsed time.Duration, fn TxFn) error {
	operation := func() error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		defer func() {
			if p := recover(); p != nil {
				if err := tx.Rollback(); err != nil {
					logx.WithError(err).Error("jobxpg: rollback after panic failed")
				}
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return backoff.Permanent(err)
			}
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// retryable reports whether Postgres asked the client to retry the transaction.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
