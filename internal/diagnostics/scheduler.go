// Package diagnostics schedules per-buffer diagnostics computations and
// tracks whether the diagnostics for a buffer's current version are ready.
package diagnostics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/logging"
)

// Status is the readiness of a buffer's diagnostics.
type Status int

const (
	// StatusNone means no computation was ever requested.
	StatusNone Status = iota
	// StatusPending means a computation covering the current version is
	// scheduled or running.
	StatusPending
	// StatusReady means diagnostics for the current version are available.
	StatusReady
	// StatusStale means the last computation failed or was cancelled.
	StatusStale
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// pathState is the scheduler's record for one path.
type pathState struct {
	current     buffer.Buffer
	computed    int
	computedGen uint64
	diags       []Diagnostic

	running bool
	cancel  context.CancelFunc
	failure error

	changed chan struct{}
}

// Scheduler runs at most one computation per path at a time and
// coalesces triggers that arrive while one is running.
type Scheduler struct {
	mu     sync.Mutex
	states map[string]*pathState
	gens   map[string]uint64

	source   Source
	timeout  time.Duration
	debounce time.Duration
	log      commonlog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds a single computation.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithDebounce delays each computation so that rapid triggers collapse
// into one run against the latest snapshot.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		s.debounce = d
	}
}

// NewScheduler creates a scheduler computing through source.
func NewScheduler(source Source, opts ...Option) *Scheduler {
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		states:  make(map[string]*pathState),
		gens:    make(map[string]uint64),
		source:  source,
		timeout: 10 * time.Second,
		log:     logging.Get("diagnostics"),
		ctx:     ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger records a new snapshot and schedules a computation for it.
// It never blocks on the backend. Snapshots older than the one already
// recorded are ignored, as are repeats of a version that is pending or
// ready.
func (s *Scheduler) Trigger(buf buffer.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	st, ok := s.states[buf.Path]
	if !ok {
		st = &pathState{changed: make(chan struct{})}
		s.states[buf.Path] = st
	} else {
		if buf.Version < st.current.Version {
			return
		}
		if buf.Version == st.current.Version && buf.Filetype == st.current.Filetype {
			switch s.statusLocked(st) {
			case StatusPending, StatusReady:
				return
			}
		}
	}

	st.current = buf
	st.failure = nil
	s.broadcastLocked(st)

	if !st.running {
		st.running = true
		s.wg.Add(1)
		go s.run(buf.Path, st)
	}
}

// run computes until the state's current version is covered or fails.
func (s *Scheduler) run(path string, st *pathState) {
	defer s.wg.Done()

	for {
		if s.debounce > 0 {
			select {
			case <-time.After(s.debounce):
			case <-s.ctx.Done():
			}
		}

		s.mu.Lock()
		if s.states[path] != st || s.ctx.Err() != nil {
			st.running = false
			s.mu.Unlock()
			return
		}
		buf := st.current
		gen := s.gens[buf.Filetype]
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		st.cancel = cancel
		s.mu.Unlock()

		records, err := s.source.Diagnostics(ctx, buf)
		cancel()

		s.mu.Lock()
		st.cancel = nil
		switch {
		case s.states[path] != st:
			s.mu.Unlock()
			return
		case s.gens[buf.Filetype] != gen:
			s.log.Debugf("discarding diagnostics for %s@%d from generation %d", path, buf.Version, gen)
		case buf.Version != st.current.Version:
			s.log.Debugf("discarding diagnostics for superseded %s@%d", path, buf.Version)
		case err != nil:
			s.log.Warningf("diagnostics for %s@%d: %v", path, buf.Version, err)
			st.failure = &ComputeError{Path: path, Version: buf.Version, Err: err}
		default:
			st.diags = FromRecords(records)
			st.computed = buf.Version
			st.computedGen = gen
		}

		if st.failure != nil || s.readyLocked(st) {
			st.running = false
			s.broadcastLocked(st)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) readyLocked(st *pathState) bool {
	return st.computed > 0 &&
		st.computed == st.current.Version &&
		st.computedGen == s.gens[st.current.Filetype]
}

func (s *Scheduler) statusLocked(st *pathState) Status {
	switch {
	case s.readyLocked(st):
		return StatusReady
	case st.failure != nil:
		return StatusStale
	case st.running:
		return StatusPending
	default:
		return StatusStale
	}
}

func (s *Scheduler) broadcastLocked(st *pathState) {
	close(st.changed)
	st.changed = make(chan struct{})
}

// Status returns the readiness of path.
func (s *Scheduler) Status(path string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[path]
	if !ok {
		return StatusNone
	}
	return s.statusLocked(st)
}

// IsReady reports whether diagnostics for path's current version exist.
func (s *Scheduler) IsReady(path string) bool {
	return s.Status(path) == StatusReady
}

// Version returns the latest version triggered for path, or 0.
func (s *Scheduler) Version(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[path]; ok {
		return st.current.Version
	}
	return 0
}

// WaitUntilReady blocks until path is ready, its computation fails or is
// cancelled, the timeout elapses or ctx is done.
func (s *Scheduler) WaitUntilReady(ctx context.Context, path string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		st, ok := s.states[path]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		switch s.statusLocked(st) {
		case StatusReady:
			s.mu.Unlock()
			return nil
		case StatusStale:
			err := st.failure
			s.mu.Unlock()
			if err == nil {
				err = ErrNotReady
			}
			return err
		}
		changed := st.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: %s after %s", ErrReadinessTimeout, path, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Diagnostics returns the diagnostics of path's current version.
func (s *Scheduler) Diagnostics(path string) ([]Diagnostic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if !s.readyLocked(st) {
		if st.failure != nil {
			return nil, st.failure
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, path, s.statusLocked(st))
	}
	out := make([]Diagnostic, len(st.diags))
	copy(out, st.diags)
	return out, nil
}

// Cancel moves filetype to generation and cancels every computation
// started under an older one. Waiters are woken with ErrCancelled.
func (s *Scheduler) Cancel(filetype string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation <= s.gens[filetype] {
		return
	}
	s.gens[filetype] = generation

	for path, st := range s.states {
		if st.current.Filetype != filetype {
			continue
		}
		if st.cancel != nil {
			st.cancel()
		}
		st.failure = fmt.Errorf("%w: %s@%d", ErrCancelled, path, st.current.Version)
		s.broadcastLocked(st)
	}
}

// Forget drops all state for path and cancels its computation.
func (s *Scheduler) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[path]
	if !ok {
		return
	}
	if st.cancel != nil {
		st.cancel()
	}
	delete(s.states, path)
	s.broadcastLocked(st)
}

// Close cancels all computations and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}
