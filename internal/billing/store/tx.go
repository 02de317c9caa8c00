package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNoRetry marks a unit-of-work failure that retrying cannot fix, such as
// a handler reporting a business-rule failure. The runner rolls back and
// returns immediately instead of burning retry attempts.
var ErrNoRetry = errors.New("non-retryable")

const (
	defaultTxTimeout = 30 * time.Second
	defaultBackoff   = 500 * time.Millisecond
	defaultRetries   = 3
)

// Runner executes units of work in a database transaction with exponential
// backoff on transient failures (lock timeouts, busy errors). The timeout is
// generous because a unit of work covers a whole webhook reconciliation.
type Runner struct {
	db         *sql.DB
	timeout    time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

func NewRunner(db *sql.DB, logger *slog.Logger) *Runner {
	return &Runner{
		db:         db,
		timeout:    defaultTxTimeout,
		maxRetries: defaultRetries,
		logger:     logger,
	}
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Failed attempts are retried with exponential backoff
// (500ms base, doubling) unless fn's error wraps ErrNoRetry. The rollback
// discards everything written in the attempt, including the idempotency
// ledger row, so the event stays reprocessable.
func (r *Runner) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(defaultBackoff))
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("begin tx: %w", err))
		}

		if err := fn(ctx, tx); err != nil {
			tx.Rollback()
			if errors.Is(err, ErrNoRetry) {
				return err
			}
			r.logger.Warn("transaction attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		if err := tx.Commit(); err != nil {
			return retry.RetryableError(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNoRetry) {
		r.logger.Error("transaction failed after retries", "attempts", attempt, "error", err)
	}
	return err
}
