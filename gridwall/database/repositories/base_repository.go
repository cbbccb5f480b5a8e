package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Transactions that lose a serialization race are retried this many times
// before the caller sees a TransactionAbortError.
const maxTxAttempts = 3

// ValidationError reports malformed or out-of-range input. Maps to a 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError indicates the requested entity doesn't exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// ConflictError indicates the operation lost against current state: the
// slot is taken, the cooldown is active, the user already holds a slot,
// or the like already exists.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
}

// ExternalServiceError wraps a failure from a dependency outside the
// database (object storage, moderation).
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// TransactionAbortError is returned when a transaction could not commit
// even after retrying serialization failures.
type TransactionAbortError struct {
	Attempts int
	Err      error
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransactionAbortError) Unwrap() error {
	return e.Err
}

// RepositoryError is the catch-all for unexpected database failures.
type RepositoryError struct {
	Operation string
	Err       error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository error during %s: %v", e.Operation, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflictError(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsExternalServiceError(err error) bool {
	var e *ExternalServiceError
	return errors.As(err, &e)
}

func IsTransactionAbortError(err error) bool {
	var e *TransactionAbortError
	return errors.As(err, &e)
}

// Transaction runs fn in a single database transaction.
func Transaction(ctx context.Context, db *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// TransactionRetry runs fn in a SERIALIZABLE transaction and transparently
// retries serialization failures (40001) and deadlocks (40P01). Typed
// domain errors pass through unchanged; fn must therefore be safe to run
// more than once.
func TransactionRetry(ctx context.Context, db *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = db.RunInTx(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}

		slog.Warn("Retrying serialization failure",
			slog.String("type", "db"),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}

	return &TransactionAbortError{Attempts: maxTxAttempts, Err: err}
}

func isRetryable(err error) bool {
	var pgErr pgdriver.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Field('C') {
	case "40001", "40P01":
		return true
	}
	return false
}
