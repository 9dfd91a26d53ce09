package backend

import (
	"errors"
	"fmt"
)

// Standard errors returned by backend sessions.
var (
	// ErrBackendUnavailable indicates the session's process died or could
	// not be started. A Restart is required before it can serve requests.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoBackend indicates no factory is registered for the filetype.
	ErrNoBackend = errors.New("no backend configured for filetype")

	// ErrProtocolViolation indicates the backend produced output that does
	// not follow its wire contract.
	ErrProtocolViolation = errors.New("backend protocol violation")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("backend manager closed")
)

// ProtocolError describes malformed backend output.
type ProtocolError struct {
	Command string
	Detail  string
	Payload string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("backend protocol violation: %s", e.Detail)
	}
	return fmt.Sprintf("backend protocol violation in %s: %s", e.Command, e.Detail)
}

// Unwrap returns ErrProtocolViolation.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// SessionError wraps an error with the filetype of the session involved.
type SessionError struct {
	Filetype string
	Err      error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Filetype, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the session must be restarted.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsProtocolViolation reports whether err is a protocol violation.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
