// Package buffer tracks the most recently submitted contents and version of
// every edit buffer the service has been told about.
package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownBuffer indicates the path was never visited, or was
	// invalidated by a backend restart and not visited since.
	ErrUnknownBuffer = errors.New("unknown buffer")

	// ErrInvalidFiletype indicates the filetype has no configured backend.
	ErrInvalidFiletype = errors.New("invalid filetype")

	// ErrStaleVersion indicates an explicit version older than the one
	// already stored.
	ErrStaleVersion = errors.New("stale buffer version")
)

// Buffer is an immutable snapshot of one edit buffer.
type Buffer struct {
	Path     string
	Contents string
	Filetype string
	Version  int
}

// VisitParams describes a buffer-visit event.
type VisitParams struct {
	Path     string
	Contents string
	Filetype string

	// Version is optional. Zero lets the tracker assign the next version.
	Version int
}

// ChangeListener is notified after a visit changed a buffer.
type ChangeListener func(b Buffer)

// entry is the tracker's mutable record for one path.
type entry struct {
	buf   Buffer
	valid bool
}

// Tracker holds the current state of every visited buffer.
// All mutation goes through Visit, Invalidate and Remove.
type Tracker struct {
	mu        sync.RWMutex
	buffers   map[string]*entry
	filetypes map[string]bool // nil accepts any filetype
	listeners []ChangeListener
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithFiletypes restricts the tracker to the given filetypes.
func WithFiletypes(filetypes ...string) Option {
	return func(t *Tracker) {
		t.filetypes = make(map[string]bool, len(filetypes))
		for _, ft := range filetypes {
			t.filetypes[ft] = true
		}
	}
}

// WithChangeListener registers a listener at construction time.
func WithChangeListener(fn ChangeListener) Option {
	return func(t *Tracker) {
		t.listeners = append(t.listeners, fn)
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		buffers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a listener. Listeners run synchronously, in
// registration order, after the change has been committed.
func (t *Tracker) OnChange(fn ChangeListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Visit records the full contents of a buffer. It returns the resulting
// snapshot and whether the visit changed anything. Visiting with the
// stored contents is a no-op unless the buffer was invalidated.
func (t *Tracker) Visit(p VisitParams) (Buffer, bool, error) {
	if p.Path == "" {
		return Buffer{}, false, fmt.Errorf("%w: empty path", ErrUnknownBuffer)
	}

	t.mu.Lock()
	if t.filetypes != nil && !t.filetypes[p.Filetype] {
		t.mu.Unlock()
		return Buffer{}, false, fmt.Errorf("%w: %q", ErrInvalidFiletype, p.Filetype)
	}

	e, exists := t.buffers[p.Path]
	if !exists {
		e = &entry{}
		t.buffers[p.Path] = e
	}

	if exists && e.valid && e.buf.Contents == p.Contents && e.buf.Filetype == p.Filetype {
		buf := e.buf
		t.mu.Unlock()
		return buf, false, nil
	}

	next := e.buf.Version + 1
	if p.Version != 0 {
		if p.Version < next {
			current := e.buf.Version
			if !exists {
				delete(t.buffers, p.Path)
			}
			t.mu.Unlock()
			return Buffer{}, false, fmt.Errorf("%w: %s version %d, have %d", ErrStaleVersion, p.Path, p.Version, current)
		}
		next = p.Version
	}

	e.buf = Buffer{
		Path:     p.Path,
		Contents: p.Contents,
		Filetype: p.Filetype,
		Version:  next,
	}
	e.valid = true
	buf := e.buf
	listeners := make([]ChangeListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(buf)
	}
	return buf, true, nil
}

// Get returns the current snapshot of a buffer.
func (t *Tracker) Get(path string) (Buffer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.buffers[path]
	if !ok || !e.valid {
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnknownBuffer, path)
	}
	return e.buf, nil
}

// Version returns the current version of a valid buffer, or 0.
func (t *Tracker) Version(path string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.buffers[path]; ok && e.valid {
		return e.buf.Version
	}
	return 0
}

// Invalidate marks every buffer of a filetype as requiring a re-visit.
// Version numbers are retained so they are never reused.
func (t *Tracker) Invalidate(filetype string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var paths []string
	for path, e := range t.buffers {
		if e.valid && e.buf.Filetype == filetype {
			e.valid = false
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Remove unloads a buffer. Its contents are released but its version
// is kept so a later visit continues the sequence.
func (t *Tracker) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.buffers[path]
	if !ok || !e.valid {
		return false
	}
	e.valid = false
	e.buf.Contents = ""
	return true
}

// Paths returns the sorted paths of all valid buffers.
func (t *Tracker) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.buffers))
	for path, e := range t.buffers {
		if e.valid {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// SupportsFiletype reports whether the tracker accepts a filetype.
func (t *Tracker) SupportsFiletype(filetype string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filetypes == nil || t.filetypes[filetype]
}
