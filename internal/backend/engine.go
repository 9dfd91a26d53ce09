// Package backend owns the lifecycle of language backend sessions.
//
// A backend is anything that implements Engine: the tsserver adapter in
// the tsserver subpackage, or a fake in tests. The Manager starts one
// session per filetype on first use, restarts it on request, and watches
// for crashes. Restart and crash both advance the filetype's generation
// and notify listeners so that buffer state and pending diagnostics
// computed against the old process can be discarded.
package backend

import (
	"context"

	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/fixit"
	"github.com/dshills/keycomplete/internal/location"
)

// Capabilities describes what an engine supports.
type Capabilities struct {
	Completion        bool
	Diagnostics       bool
	AutoImport        bool
	TriggerCharacters []string
}

// CompletionQuery asks for completions at a location in a buffer.
type CompletionQuery struct {
	Buffer   buffer.Buffer
	Location location.Location

	// MaxDetailed bounds how many records are enriched with display
	// parts, documentation and code actions. Zero means engine default.
	MaxDetailed int
}

// CompletionRecord is one candidate as reported by a backend.
type CompletionRecord struct {
	Name          string
	Kind          string
	KindModifiers string
	SortText      string
	InsertText    string
	Source        string

	// DisplayParts and Documentation hold the backend's text fragments in
	// order. They are joined without separators.
	DisplayParts  []string
	Documentation []string

	Actions []CodeAction

	// Detailed is set when the record carries details.
	Detailed bool
}

// CodeAction is a set of edits attached to a completion record.
type CodeAction struct {
	Description string
	Edits       []fixit.Chunk
}

// DiagnosticRecord is one diagnostic as reported by a backend.
type DiagnosticRecord struct {
	Range    location.Range
	Message  string
	Category string
	Code     int
	Source   string
}

// Engine is a running language backend.
type Engine interface {
	// Complete syncs the query's buffer and returns completion records.
	Complete(ctx context.Context, q CompletionQuery) ([]CompletionRecord, error)

	// Diagnostics syncs the buffer and returns its diagnostics.
	Diagnostics(ctx context.Context, buf buffer.Buffer) ([]DiagnosticRecord, error)

	// Capabilities returns the engine's capabilities.
	Capabilities() Capabilities

	// Close stops the engine.
	Close(ctx context.Context) error

	// Done is closed when the engine's process has exited.
	Done() <-chan struct{}
}

// Factory starts an engine for a filetype.
type Factory func(ctx context.Context, filetype string) (Engine, error)
