// Package chunkerrors defines the error taxonomy shared by the chunk
// storage, metadata store, journal, and chunk manager contracts.
package chunkerrors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error for caller-side dispatch, mirroring the error
// table of the chunk-layer contract: each kind carries a fixed recovery
// posture (surface, retry, or fatal).
type Kind string

const (
	SegmentNotFound    Kind = "SEGMENT_NOT_FOUND"
	SegmentExists      Kind = "SEGMENT_EXISTS"
	SegmentSealed      Kind = "SEGMENT_SEALED"
	BadOffset          Kind = "BAD_OFFSET"
	OutOfBounds        Kind = "OUT_OF_BOUNDS"
	StorageNotPrimary  Kind = "STORAGE_NOT_PRIMARY"
	VersionConflict    Kind = "VERSION_CONFLICT"
	ChunkStorageFail   Kind = "CHUNK_STORAGE_FAILURE"
	JournalWriteFail   Kind = "JOURNAL_WRITE_FAILURE"
	BootstrapFailed    Kind = "BOOTSTRAP_FAILED"
	OperationTimeout   Kind = "OPERATION_TIMEOUT"
	OperationCancelled Kind = "OPERATION_CANCELLED"
	ChunkAlreadyExists Kind = "CHUNK_ALREADY_EXISTS"
	ChunkNotFound      Kind = "CHUNK_NOT_FOUND"
	InvalidOffset      Kind = "INVALID_OFFSET"
)

// Error is the concrete error type returned by every public operation in
// this module. It wraps an underlying cause (possibly nil) with a Kind and
// a human-readable message, and preserves the pkg/errors stack of whatever
// it wraps for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the original cause underneath the pkg/errors wrapping, so
// errors.Is and errors.As reach it.
func (e *Error) Unwrap() error { return errors.Cause(e.cause) }

// Is lets errors.Is(err, New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to cause, preserving cause's stack trace
// via github.com/pkg/errors so %+v formatting on the returned error still
// shows where the underlying failure originated.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *Error {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether the local recovery policy for kind is to retry
// the whole operation (as opposed to surfacing immediately or failing the
// container).
func Retryable(kind Kind) bool {
	switch kind {
	case VersionConflict, ChunkStorageFail:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
