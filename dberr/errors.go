// Package dberr defines the coded error type shared by every ehdb layer.
package dberr

import (
	"errors"
	"fmt"
)

// Error represents an ehdb error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ehdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("ehdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so the
// package-level sentinels match wrapped errors through errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode identifies the error class.
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrInvalidArgument indicates a rejected input (bad size, nil pointer, duplicate create)
	ErrInvalidArgument ErrorCode = -31001

	// ErrOutOfMemory indicates off-heap memory could not be obtained
	ErrOutOfMemory ErrorCode = -31002

	// ErrCorrupted indicates a consistency violation in persisted or in-memory state
	ErrCorrupted ErrorCode = -31003

	// ErrPageNotFound indicates a referenced page does not exist
	ErrPageNotFound ErrorCode = -31004

	// ErrBadOperation indicates an atomic operation is not active
	ErrBadOperation ErrorCode = -31005

	// ErrExecution wraps a failure raised inside an atomic operation body
	ErrExecution ErrorCode = -31006

	// ErrRollbackFailed indicates a rollback could not complete (fatal)
	ErrRollbackFailed ErrorCode = -31007

	// ErrRetry indicates a transient conflict; the operation may be retried
	ErrRetry ErrorCode = -31008

	// ErrAlreadyExists indicates the structure was already created
	ErrAlreadyExists ErrorCode = -31009

	// ErrNotCreated indicates the structure does not exist yet
	ErrNotCreated ErrorCode = -31010

	// ErrBucketOverflow indicates a bucket could not be split any further
	ErrBucketOverflow ErrorCode = -31011

	// ErrEntryTooLarge indicates a key/value pair does not fit a bucket page
	ErrEntryTooLarge ErrorCode = -31012

	// ErrClosed indicates use of a closed component
	ErrClosed ErrorCode = -31013

	// ErrProblem indicates an unexpected internal error
	ErrProblem ErrorCode = -31014

	// ErrStoreFailed indicates a durable commit could not be applied to the data files (fatal)
	ErrStoreFailed ErrorCode = -31015
)

var errorMessages = map[ErrorCode]string{
	Success:            "success",
	ErrInvalidArgument: "invalid argument",
	ErrOutOfMemory:     "cannot allocate direct memory",
	ErrCorrupted:       "storage is corrupted",
	ErrPageNotFound:    "requested page not found",
	ErrBadOperation:    "atomic operation is not active",
	ErrExecution:       "atomic operation failed",
	ErrRollbackFailed:  "rollback failed, durability can no longer be guaranteed",
	ErrRetry:           "transient conflict, retry the operation",
	ErrAlreadyExists:   "already exists",
	ErrNotCreated:      "not created",
	ErrBucketOverflow:  "bucket cannot be split any further",
	ErrEntryTooLarge:   "entry too large for a bucket page",
	ErrClosed:          "closed",
	ErrProblem:         "unexpected internal error",
	ErrStoreFailed:     "committed changes could not be applied, reopen to recover",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// Errorf creates a new Error with the given code and a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidArgumentError = NewError(ErrInvalidArgument)
	ErrOutOfMemoryError     = NewError(ErrOutOfMemory)
	ErrCorruptedError       = NewError(ErrCorrupted)
	ErrPageNotFoundError    = NewError(ErrPageNotFound)
	ErrBadOperationError    = NewError(ErrBadOperation)
	ErrExecutionError       = NewError(ErrExecution)
	ErrRollbackFailedError  = NewError(ErrRollbackFailed)
	ErrRetryError           = NewError(ErrRetry)
	ErrAlreadyExistsError   = NewError(ErrAlreadyExists)
	ErrNotCreatedError      = NewError(ErrNotCreated)
	ErrBucketOverflowError  = NewError(ErrBucketOverflow)
	ErrEntryTooLargeError   = NewError(ErrEntryTooLarge)
	ErrClosedError          = NewError(ErrClosed)
	ErrStoreFailedError     = NewError(ErrStoreFailed)
)

func hasCode(err error, codes ...ErrorCode) bool {
	var e *Error
	for errors.As(err, &e) {
		for _, c := range codes {
			if e.Code == c {
				return true
			}
		}
		// Execution failures wrap the original cause; keep looking below them.
		if e.Err == nil {
			return false
		}
		err = e.Err
	}
	return false
}

// IsInvalidArgument returns true if the error is a rejected input. Creating
// a structure that already exists counts as one.
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrInvalidArgument, ErrAlreadyExists)
}

// IsOutOfMemory returns true if direct memory could not be allocated
func IsOutOfMemory(err error) bool {
	return hasCode(err, ErrOutOfMemory)
}

// IsCorrupted returns true if the error indicates a consistency violation
func IsCorrupted(err error) bool {
	return hasCode(err, ErrCorrupted, ErrPageNotFound)
}

// IsRetry returns true if the error is a transient conflict
func IsRetry(err error) bool {
	return hasCode(err, ErrRetry)
}

// IsFatal returns true if the error means atomicity can no longer be trusted
func IsFatal(err error) bool {
	return hasCode(err, ErrRollbackFailed, ErrStoreFailed)
}

// Code returns the outermost error code, or ErrProblem if not an ehdb error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}
