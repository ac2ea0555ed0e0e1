package glassdb

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown = iota
	LockAcquisitionFailure
	ValidationFailure
	ConflictDetected
	RetriesExhausted
	DBVersionMismatch
)

var (
	// ErrNotFound is returned by backends and reads when a path or key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition is returned by backends when a conditional write lost.
	ErrPrecondition = errors.New("precondition failed")
	// ErrRetry signals a conflict. The transaction loop recovers it by retrying.
	ErrRetry = errors.New("transaction conflict, retry")
	// ErrAborted is returned when the transaction body marked itself aborted.
	ErrAborted = errors.New("transaction aborted")
	// ErrClosed is returned for operations on a closed database.
	ErrClosed = errors.New("database is closed")
)

// glassdb custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped error so errors.Is/As see through the code.
func (e Error) Unwrap() error {
	return e.Err
}

// IsRetry reports whether err is (or wraps) the conflict signal.
func IsRetry(err error) bool {
	return errors.Is(err, ErrRetry)
}

// Conflict wraps ErrRetry with the conflicting key as user data.
func Conflict(key string, format string, args ...any) error {
	return Error{
		Code:     ConflictDetected,
		Err:      fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrRetry),
		UserData: key,
	}
}
