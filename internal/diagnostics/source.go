package diagnostics

import (
	"context"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
)

// Source computes diagnostics for a buffer snapshot.
type Source interface {
	Diagnostics(ctx context.Context, buf buffer.Buffer) ([]backend.DiagnosticRecord, error)
}

// SessionSource computes diagnostics through the manager's live session
// for the buffer's filetype. A session that crashed is recovered once.
type SessionSource struct {
	Manager *backend.Manager
}

// Diagnostics implements Source.
func (s SessionSource) Diagnostics(ctx context.Context, buf buffer.Buffer) ([]backend.DiagnosticRecord, error) {
	sess, err := s.Manager.Session(ctx, buf.Filetype)
	if backend.IsUnavailable(err) {
		sess, err = s.Manager.Recover(ctx, buf.Filetype)
	}
	if err != nil {
		return nil, err
	}
	return sess.Engine().Diagnostics(ctx, buf)
}
