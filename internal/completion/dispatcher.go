// Package completion answers completion requests against tracked buffers,
// routing them to the semantic backend or the identifier database and
// mapping backend records to entries with validated fixits.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/diagnostics"
	"github.com/dshills/keycomplete/internal/fixit"
	"github.com/dshills/keycomplete/internal/identifier"
	"github.com/dshills/keycomplete/internal/location"
	"github.com/dshills/keycomplete/internal/logging"
)

// Request asks for completions at a 1-based line and byte column.
type Request struct {
	Filepath      string `json:"filepath"`
	Line          int    `json:"line_num"`
	Column        int    `json:"column_num"`
	Contents      string `json:"contents,omitempty"`
	Filetype      string `json:"filetype,omitempty"`
	ForceSemantic bool   `json:"force_semantic,omitempty"`
}

// Response holds the candidates and any per-entry errors.
type Response struct {
	Completions           []Entry  `json:"completions"`
	CompletionStartColumn int      `json:"completion_start_column"`
	Errors                []*Error `json:"errors"`
}

// Backends gives access to backend sessions.
type Backends interface {
	Session(ctx context.Context, filetype string) (*backend.Session, error)
	Live(filetype string) (*backend.Session, bool)
	Restart(ctx context.Context, filetype string) error
}

// Readiness reports whether a buffer's diagnostics are ready.
type Readiness interface {
	WaitUntilReady(ctx context.Context, path string, timeout time.Duration) error
}

// Dispatcher serves completion requests.
type Dispatcher struct {
	buffers     *buffer.Tracker
	backends    Backends
	identifiers *identifier.Database

	readiness      Readiness
	readyTimeout   time.Duration
	maxDetailed    int
	maxIdentifiers int

	log commonlog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIdentifiers answers non-semantic requests from db.
func WithIdentifiers(db *identifier.Database) Option {
	return func(d *Dispatcher) {
		d.identifiers = db
	}
}

// WithStrictReadiness waits up to timeout for the buffer's diagnostics to
// be ready before asking the backend.
func WithStrictReadiness(r Readiness, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.readiness = r
		d.readyTimeout = timeout
	}
}

// WithMaxDetailed bounds how many entries get details.
func WithMaxDetailed(n int) Option {
	return func(d *Dispatcher) {
		d.maxDetailed = n
	}
}

// WithMaxIdentifierResults bounds identifier completions.
func WithMaxIdentifierResults(n int) Option {
	return func(d *Dispatcher) {
		d.maxIdentifiers = n
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(buffers *buffer.Tracker, backends Backends, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		buffers:        buffers,
		backends:       backends,
		maxIdentifiers: 50,
		log:            logging.Get("completion"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Complete answers one request. Failures that prevent any answer are
// returned as *Error; failures limited to one entry are listed in
// Response.Errors.
func (d *Dispatcher) Complete(ctx context.Context, req Request) (*Response, error) {
	id := uuid.NewString()[:8]

	buf, err := d.buffers.Get(req.Filepath)
	if err != nil {
		return nil, wrap(req.Filepath, err)
	}

	if req.Contents != "" && (req.Contents != buf.Contents || (req.Filetype != "" && req.Filetype != buf.Filetype)) {
		ft := req.Filetype
		if ft == "" {
			ft = buf.Filetype
		}
		buf, _, err = d.buffers.Visit(buffer.VisitParams{Path: req.Filepath, Contents: req.Contents, Filetype: ft})
		if err != nil {
			return nil, wrap(req.Filepath, err)
		}
	}

	loc := location.New(req.Filepath, req.Line, req.Column)
	if !location.InBounds(buf.Contents, loc) {
		return nil, wrap(req.Filepath, fmt.Errorf("%w: %s", location.ErrInvalidLocation, loc))
	}

	lineText, _ := location.LineText(buf.Contents, loc.Line)
	start := StartColumn(lineText, loc.Column)
	resp := &Response{CompletionStartColumn: start, Completions: []Entry{}, Errors: []*Error{}}

	if d.identifiers != nil && !req.ForceSemantic && !d.afterTrigger(buf.Filetype, lineText, start) {
		query := lineText[start-1 : loc.Column-1]
		for _, c := range d.identifiers.ResultsForQuery(query, buf.Filetype, d.maxIdentifiers) {
			resp.Completions = append(resp.Completions, Entry{
				InsertionText: c.Text,
				MenuText:      c.Text,
				Kind:          ItemKindIdentifier,
			})
		}
		d.log.Debugf("[%s] %d identifier completions for %s", id, len(resp.Completions), loc)
		return resp, nil
	}

	if d.readiness != nil {
		if err := d.readiness.WaitUntilReady(ctx, buf.Path, d.readyTimeout); err != nil {
			if errors.Is(err, diagnostics.ErrReadinessTimeout) {
				return nil, wrap(req.Filepath, err)
			}
			d.log.Debugf("[%s] readiness of %s: %v", id, buf.Path, err)
			if buf, err = d.buffers.Get(req.Filepath); err != nil {
				return nil, wrap(req.Filepath, err)
			}
		}
	}

	records, err := d.invoke(ctx, buf, loc)
	if backend.IsUnavailable(err) {
		d.log.Warningf("[%s] %s backend unavailable, restarting: %v", id, buf.Filetype, err)
		if rerr := d.backends.Restart(ctx, buf.Filetype); rerr != nil {
			return nil, wrap(req.Filepath, rerr)
		}
		// Restart invalidated the buffer. Re-visit this request's snapshot.
		buf, _, err = d.buffers.Visit(buffer.VisitParams{Path: buf.Path, Contents: buf.Contents, Filetype: buf.Filetype})
		if err != nil {
			return nil, wrap(req.Filepath, err)
		}
		records, err = d.invoke(ctx, buf, loc)
	}
	if err != nil {
		if backend.IsProtocolViolation(err) {
			d.log.Errorf("[%s] %s backend violated its protocol: %v", id, buf.Filetype, err)
		}
		return nil, wrap(req.Filepath, err)
	}

	for _, rec := range records {
		entry := entryFromRecord(rec)
		for _, action := range rec.Actions {
			f, err := buildFixit(action)
			if err != nil {
				d.log.Warningf("[%s] dropping fixit for %q: %v", id, rec.Name, err)
				resp.Errors = append(resp.Errors, wrap(req.Filepath, err))
				continue
			}
			if entry.ExtraData == nil {
				entry.ExtraData = &ExtraData{}
			}
			entry.ExtraData.Fixits = append(entry.ExtraData.Fixits, f)
		}
		resp.Completions = append(resp.Completions, entry)
	}

	d.log.Debugf("[%s] %d semantic completions for %s@%d", id, len(resp.Completions), loc, buf.Version)
	return resp, nil
}

// invoke runs the completion on the filetype's live session.
func (d *Dispatcher) invoke(ctx context.Context, buf buffer.Buffer, loc location.Location) ([]backend.CompletionRecord, error) {
	sess, err := d.backends.Session(ctx, buf.Filetype)
	if err != nil {
		return nil, err
	}
	return sess.Engine().Complete(ctx, backend.CompletionQuery{
		Buffer:      buf,
		Location:    loc,
		MaxDetailed: d.maxDetailed,
	})
}

// buildFixit turns a code action into a fixit anchored at its first edit.
func buildFixit(action backend.CodeAction) (fixit.Fixit, error) {
	if len(action.Edits) == 0 {
		return fixit.Fixit{}, fmt.Errorf("%w: code action %q has no edits", location.ErrInvalidRange, action.Description)
	}
	anchor := action.Edits[0].Range.Start
	for _, e := range action.Edits[1:] {
		if e.Range.Start.Filepath == anchor.Filepath && e.Range.Start.Before(anchor) {
			anchor = e.Range.Start
		}
	}
	return fixit.Build("", anchor, action.Edits)
}

// StartColumn returns the 1-based byte column where the identifier that
// ends at column begins.
func StartColumn(lineText string, column int) int {
	i := column - 1
	if i > len(lineText) {
		i = len(lineText)
	}
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(lineText[:i])
		if !isIdentifierRune(r) {
			break
		}
		i -= size
	}
	return i + 1
}

func isIdentifierRune(r rune) bool {
	switch {
	case r == '_' || r == '$':
		return true
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= utf8.RuneSelf && r != utf8.RuneError:
		return true
	}
	return false
}

// defaultTriggers apply until a running session declares its own.
var defaultTriggers = []string{"."}

// afterTrigger reports whether one of the filetype's semantic trigger
// sequences ends right before start.
func (d *Dispatcher) afterTrigger(filetype, lineText string, start int) bool {
	triggers := defaultTriggers
	if s, ok := d.backends.Live(filetype); ok {
		if declared := s.Engine().Capabilities().TriggerCharacters; len(declared) > 0 {
			triggers = declared
		}
	}
	before := lineText[:start-1]
	for _, t := range triggers {
		if t != "" && strings.HasSuffix(before, t) {
			return true
		}
	}
	return false
}
