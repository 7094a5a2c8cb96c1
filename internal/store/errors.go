package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate is returned when a write violates a unique index.
	ErrDuplicate = errors.New("duplicate key")
)

// ValidationError reports malformed or missing input. Never retryable.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DuplicateError reports the unique index a write violated.
type DuplicateError struct {
	Collection string
	Index      string
}

func (e *DuplicateError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("%s: duplicate key", e.Collection)
	}
	return fmt.Sprintf("%s: duplicate key for index %s", e.Collection, e.Index)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// BulkWriteError is returned by CreateMany. Index is the position of the first conflicting
// document; no document of the batch remains visible.
type BulkWriteError struct {
	Index int
	Err   error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write failed at document %d: %v", e.Index, e.Err)
}

func (e *BulkWriteError) Unwrap() error { return e.Err }

// Error is a storage-layer fault (timeout, connection loss, driver failure).
// Retryable tells callers whether repeating the operation may succeed.
type Error struct {
	Op         string
	Collection string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable
}

// Wrap returns err unchanged when it is already typed by this package (or nil); otherwise it
// wraps err in *Error. Context deadline and cancellation are retryable: the write outcome is unknown.
func Wrap(op, collection string, err error, retryable func(error) bool) error {
	if err == nil {
		return nil
	}
	var (
		se *Error
		ve *ValidationError
		de *DuplicateError
		be *BulkWriteError
	)
	if errors.As(err, &se) || errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &be) {
		return err
	}
	r := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if !r && retryable != nil {
		r = retryable(err)
	}
	return &Error{Op: op, Collection: collection, Retryable: r, Err: err}
}
