package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/diagnostics"
	"github.com/dshills/keycomplete/internal/fixit"
	"github.com/dshills/keycomplete/internal/location"
)

// ErrorKind classifies a completion failure.
type ErrorKind string

const (
	KindUnknownBuffer            ErrorKind = "UnknownBuffer"
	KindInvalidLocation          ErrorKind = "InvalidLocation"
	KindBackendUnavailable       ErrorKind = "BackendUnavailable"
	KindBackendProtocolViolation ErrorKind = "BackendProtocolViolation"
	KindConflictingEdit          ErrorKind = "ConflictingEdit"
	KindReadinessTimeout         ErrorKind = "ReadinessTimeout"
	KindInvalidFiletype          ErrorKind = "InvalidFiletype"
	KindInternal                 ErrorKind = "Internal"
)

// Error is a classified completion failure.
type Error struct {
	Kind     ErrorKind
	Filepath string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Filepath == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Filepath, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalText encodes the error for responses.
func (e *Error) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// KindOf classifies err. It returns "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, buffer.ErrUnknownBuffer):
		return KindUnknownBuffer
	case errors.Is(err, buffer.ErrInvalidFiletype), errors.Is(err, backend.ErrNoBackend):
		return KindInvalidFiletype
	case errors.Is(err, location.ErrInvalidLocation), errors.Is(err, location.ErrInvalidRange):
		return KindInvalidLocation
	case errors.Is(err, backend.ErrProtocolViolation):
		return KindBackendProtocolViolation
	case errors.Is(err, backend.ErrBackendUnavailable), errors.Is(err, backend.ErrClosed):
		return KindBackendUnavailable
	case errors.Is(err, fixit.ErrConflictingEdit):
		return KindConflictingEdit
	case errors.Is(err, diagnostics.ErrReadinessTimeout):
		return KindReadinessTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return KindBackendUnavailable
	default:
		return KindInternal
	}
}

// wrap classifies err as an *Error for path.
func wrap(path string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindOf(err), Filepath: path, Err: err}
}
