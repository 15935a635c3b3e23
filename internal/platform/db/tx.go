package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type txConfig struct {
	isolation pgx.TxIsoLevel
	attempts  int
	backoff   time.Duration
}

// TxOption customises WithTx.
type TxOption func(*txConfig)

// WithIsolation overrides the RepeatableRead default.
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(c *txConfig) { c.isolation = level }
}

// WithAttempts sets how many times a transaction aborted by a serialization
// failure or deadlock is run. Values below one run it once.
func WithAttempts(n int) TxOption {
	return func(c *txConfig) {
		if n < 1 {
			n = 1
		}
		c.attempts = n
	}
}

// WithBackoff sets the base pause between attempts; attempt n waits n times the base.
func WithBackoff(d time.Duration) TxOption {
	return func(c *txConfig) { c.backoff = d }
}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// fn may run more than once; everything it does must go through tx.
func WithTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error, opts ...TxOption) error {
	cfg := txConfig{isolation: pgx.RepeatableRead, attempts: 3, backoff: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	var err error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		err = runTx(ctx, pool, cfg.isolation, fn)
		if err == nil || !IsRetryable(err) || attempt == cfg.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * cfg.backoff):
		}
	}
	return err
}

func runTx(ctx context.Context, pool Beginner, level pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// IsRetryable reports whether err aborted a transaction that can be rerun as is.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
