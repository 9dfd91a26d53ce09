package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand indicates a command the service does not implement.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnknownEvent indicates an unsupported buffer event kind.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrShutdown indicates the service has been shut down.
	ErrShutdown = errors.New("service shut down")
)

// InitError reports a component that failed to start.
type InitError struct {
	Component string
	Err       error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("initializing %s: %v", e.Component, e.Err)
}

// Unwrap returns the underlying error.
func (e *InitError) Unwrap() error {
	return e.Err
}
