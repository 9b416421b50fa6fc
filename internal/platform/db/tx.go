package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// DefaultTxTimeout bounds how long a serializable transaction may hold its
// connection. A transaction blocked on lock contention fails fast into the
// caller's retry loop instead of starving the pool.
const DefaultTxTimeout = 10 * time.Second

// WithTx begins a serializable transaction with a deadline and returns a
// context carrying it. Repositories pick the transaction out of the context
// via TxFromContext, so a service can run several repository calls in one
// atomic unit without threading pgx.Tx through every signature.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, context.CancelFunc, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)

	tx, err := pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("begin transaction: %w", err)
	}

	return context.WithValue(txCtx, txKey, tx), tx, cancel, nil
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// transientMarkers are message substrings that identify infrastructure
// failures worth retrying: connection drops, pool exhaustion, timeouts, and
// serialization conflicts. Validation and authorization errors never match.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"too many clients",
	"connection pool",
	"pool exhausted",
	"timeout",
	"deadline exceeded",
	"conn busy",
	"canceling statement due to statement timeout",
}

// transientPgCodes are SQLSTATE classes retried regardless of message text:
// serialization_failure, deadlock_detected, and the connection-exception class.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"08000": true,
	"08003": true,
	"08006": true,
	"57014": true,
}

// IsTransient reports whether err looks like a transient infrastructure
// failure that a bounded retry can absorb.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientPgCodes[pgErr.Code] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// Races between concurrent inserts of the same natural key surface here; the
// loser re-fetches the winner's row instead of failing the request.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
	// Linear grows the delay linearly (n*Backoff); otherwise it doubles,
	// capped at MaxDelay.
	Linear bool
}

// DefaultTxRetry is the policy for the prescription order transaction:
// capped exponential backoff.
var DefaultTxRetry = RetryConfig{Attempts: 3, Backoff: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// DefaultWriteRetry is the policy for intake-pipeline writes: a fixed attempt
// count with linearly increasing backoff, enough to ride out momentary pool
// exhaustion under concurrent webhook load.
var DefaultWriteRetry = RetryConfig{Attempts: 3, Backoff: 150 * time.Millisecond, Linear: true}

// Retry runs fn, retrying only transient errors per cfg. The last error is
// returned once attempts are exhausted; non-transient errors propagate
// immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	delay := cfg.Backoff

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		var wait time.Duration
		if cfg.Linear {
			wait = time.Duration(attempt) * cfg.Backoff
		} else {
			wait = delay
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// InTx runs fn inside a serializable transaction, committing on success and
// rolling back on error. The whole transaction is retried for transient
// failures per cfg.
func InTx(ctx context.Context, pool *pgxpool.Pool, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return Retry(ctx, cfg, func(ctx context.Context) error {
		txCtx, tx, cancel, err := WithTx(ctx, pool)
		if err != nil {
			return err
		}
		defer cancel()

		if err := fn(txCtx); err != nil {
			_ = tx.Rollback(txCtx)
			return err
		}
		return tx.Commit(txCtx)
	})
}
