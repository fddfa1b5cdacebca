package unison

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for common session failures.
var (
	// ErrConflict is returned when a second live instance is registered
	// under an identity key already held by another instance.
	ErrConflict = errors.New("unison: identity key conflict")

	// ErrStaleData is returned when a statement affects a different number
	// of rows than expected, signaling concurrent modification or a
	// version mismatch.
	ErrStaleData = errors.New("unison: stale data")

	// ErrInactiveTransaction is returned when an operation is attempted on
	// a session whose transaction failed and has not been acknowledged by
	// an explicit Rollback call.
	ErrInactiveTransaction = errors.New("unison: transaction is inactive")

	// ErrClosed is returned when an operation is attempted on a closed
	// session.
	ErrClosed = errors.New("unison: session is closed")

	// ErrNotAttached is returned when an operation requires an instance
	// that is associated with the session.
	ErrNotAttached = errors.New("unison: instance is not attached to this session")
)

// ConflictError reports an identity collision: a different live instance
// already holds the identity key being registered.
type ConflictError struct {
	Key Key // the colliding identity key
}

// Error returns the error string.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("unison: another live instance is already registered for %s", e.Key)
}

// Is reports whether the target error matches ConflictError.
// This allows errors.Is(conflictErr, ErrConflict) to return true.
func (e *ConflictError) Is(err error) bool {
	return err == ErrConflict
}

// IsConflict returns true if the error is a ConflictError.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var e *ConflictError
	return errors.As(err, &e) || errors.Is(err, ErrConflict)
}

// StaleDataError reports a row-count mismatch: an UPDATE or DELETE matched
// a different number of rows than the flush expected.
type StaleDataError struct {
	Table    string // target table
	Expected int64  // rows the statement was expected to affect
	Got      int64  // rows the statement actually affected
}

// Error returns the error string.
func (e *StaleDataError) Error() string {
	return fmt.Sprintf("unison: %s: expected to affect %d row(s), affected %d", e.Table, e.Expected, e.Got)
}

// Is reports whether the target error matches StaleDataError.
func (e *StaleDataError) Is(err error) bool {
	return err == ErrStaleData
}

// IsStaleData returns true if the error is a StaleDataError.
func IsStaleData(err error) bool {
	if err == nil {
		return false
	}
	var e *StaleDataError
	return errors.As(err, &e) || errors.Is(err, ErrStaleData)
}

// InactiveTransactionError reports an operation attempted while the
// session's transaction is in the failed state. The session refuses new
// work until the caller acknowledges the failure with Rollback.
type InactiveTransactionError struct {
	// Cause is the flush failure that deactivated the transaction.
	Cause error
}

// Error returns the error string.
func (e *InactiveTransactionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unison: transaction is inactive due to a previous failure (call Rollback to proceed): %v", e.Cause)
	}
	return "unison: transaction is inactive (call Rollback to proceed)"
}

// Unwrap returns the flush failure that deactivated the transaction.
func (e *InactiveTransactionError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches InactiveTransactionError.
func (e *InactiveTransactionError) Is(err error) bool {
	return err == ErrInactiveTransaction
}

// IsInactiveTransaction returns true if the error is an InactiveTransactionError.
func IsInactiveTransaction(err error) bool {
	if err == nil {
		return false
	}
	var e *InactiveTransactionError
	return errors.As(err, &e) || errors.Is(err, ErrInactiveTransaction)
}

// FlushError wraps a statement failure during flush with the mutation
// context that produced it.
type FlushError struct {
	Table string // target table
	Op    Op     // statement operation
	Err   error  // underlying error
}

// Error returns the error string.
func (e *FlushError) Error() string {
	return fmt.Sprintf("unison: flush %s %s: %v", e.Op, e.Table, e.Err)
}

// Unwrap returns the underlying error.
func (e *FlushError) Unwrap() error {
	return e.Err
}

// IsFlushError returns true if the error is a FlushError.
func IsFlushError(err error) bool {
	if err == nil {
		return false
	}
	var e *FlushError
	return errors.As(err, &e)
}
