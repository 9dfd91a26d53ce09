package diagnostics

import (
	"errors"
	"fmt"
)

var (
	// ErrReadinessTimeout indicates WaitUntilReady gave up before the
	// diagnostics for the current version were computed.
	ErrReadinessTimeout = errors.New("diagnostics readiness timeout")

	// ErrCancelled indicates a backend restart cancelled the computation.
	ErrCancelled = errors.New("diagnostics computation cancelled")

	// ErrNotReady indicates the diagnostics for the current version are
	// not available.
	ErrNotReady = errors.New("diagnostics not ready")

	// ErrUnknownPath indicates no diagnostics were ever requested for a path.
	ErrUnknownPath = errors.New("no diagnostics requested for path")
)

// ComputeError reports a failed computation for one buffer version.
type ComputeError struct {
	Path    string
	Version int
	Err     error
}

// Error implements the error interface.
func (e *ComputeError) Error() string {
	return fmt.Sprintf("computing diagnostics for %s@%d: %v", e.Path, e.Version, e.Err)
}

// Unwrap returns the backend error.
func (e *ComputeError) Unwrap() error {
	return e.Err
}
