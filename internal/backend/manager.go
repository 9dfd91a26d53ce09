package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/keycomplete/internal/logging"
)

// Session is one running engine bound to a filetype.
type Session struct {
	ID         string
	Filetype   string
	Generation uint64
	Started    time.Time

	engine Engine
	dead   atomic.Bool
}

// Engine returns the session's engine.
func (s *Session) Engine() Engine {
	return s.engine
}

// Alive reports whether the session can still serve requests.
func (s *Session) Alive() bool {
	return !s.dead.Load()
}

// markDead returns true only for the call that killed the session.
func (s *Session) markDead() bool {
	return s.dead.CompareAndSwap(false, true)
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	ID         string
	Filetype   string
	Generation uint64
	Started    time.Time
	Alive      bool
}

// Cause says why a filetype moved to a new generation.
type Cause int

const (
	// CauseRestart is an explicit Restart. Buffers must be visited again.
	CauseRestart Cause = iota
	// CauseCrash is a session that exited on its own. Buffers stay valid
	// and the next borrow recovers the session.
	CauseCrash
)

// String returns the string representation of the cause.
func (c Cause) String() string {
	switch c {
	case CauseRestart:
		return "restart"
	case CauseCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// RestartListener is told that every result produced under an older
// generation of filetype is obsolete.
type RestartListener func(filetype string, generation uint64, cause Cause)

// Manager owns one session per filetype.
type Manager struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	sessions    map[string]*Session
	generations map[string]uint64
	listeners   []RestartListener
	closed      bool

	starts       singleflight.Group
	restarts     singleflight.Group
	startTimeout time.Duration
	closeTimeout time.Duration
	log          commonlog.Logger
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithFactory registers the factory for a filetype.
func WithFactory(filetype string, f Factory) ManagerOption {
	return func(m *Manager) {
		m.factories[filetype] = f
	}
}

// WithStartTimeout bounds how long a factory may take.
func WithStartTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.startTimeout = d
	}
}

// WithCloseTimeout bounds how long closing an engine may take.
func WithCloseTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.closeTimeout = d
	}
}

// WithRestartListener registers a listener at construction time.
func WithRestartListener(fn RestartListener) ManagerOption {
	return func(m *Manager) {
		m.listeners = append(m.listeners, fn)
	}
}

// NewManager creates a manager with no running sessions.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		factories:    make(map[string]Factory),
		sessions:     make(map[string]*Session),
		generations:  make(map[string]uint64),
		startTimeout: 30 * time.Second,
		closeTimeout: 5 * time.Second,
		log:          logging.Get("backend"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register sets the factory for a filetype. It takes effect on the next
// start of that filetype's session.
func (m *Manager) Register(filetype string, f Factory) {
	m.mu.Lock()
	m.factories[filetype] = f
	m.mu.Unlock()
}

// OnRestart registers a restart listener. Listeners run synchronously
// before Restart returns.
func (m *Manager) OnRestart(fn RestartListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Filetypes returns the sorted filetypes that have a factory.
func (m *Manager) Filetypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.factories))
	for ft := range m.factories {
		out = append(out, ft)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether a factory is registered for filetype.
func (m *Manager) Supports(filetype string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[filetype]
	return ok
}

// Generation returns the current generation of a filetype.
func (m *Manager) Generation(filetype string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[filetype]
}

// Live returns the filetype's session if one is running. It never starts
// a session.
func (m *Manager) Live(filetype string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[filetype]
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// Session returns the live session for filetype, starting one if none
// exists yet. A session that died is not replaced: callers get
// ErrBackendUnavailable until Recover or Restart is called.
func (m *Manager) Session(ctx context.Context, filetype string) (*Session, error) {
	m.mu.RLock()
	s, exists := m.sessions[filetype]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, &SessionError{Filetype: filetype, Err: ErrClosed}
	}
	if exists {
		if !s.Alive() {
			return nil, &SessionError{Filetype: filetype, Err: ErrBackendUnavailable}
		}
		return s, nil
	}

	return m.startShared(ctx, filetype, func(current *Session) (*Session, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		if !current.Alive() {
			return nil, true, &SessionError{Filetype: filetype, Err: ErrBackendUnavailable}
		}
		return current, true, nil
	})
}

// Recover returns a live session for filetype, replacing one that exited
// on its own. Unlike Restart it neither moves the generation nor notifies
// listeners: the crash monitor already did both.
func (m *Manager) Recover(ctx context.Context, filetype string) (*Session, error) {
	return m.startShared(ctx, filetype, func(current *Session) (*Session, bool, error) {
		if current != nil && current.Alive() {
			return current, true, nil
		}
		return nil, false, nil
	})
}

// startShared collapses concurrent starts of one filetype. keep inspects
// the installed session and reports done when no start is needed.
func (m *Manager) startShared(ctx context.Context, filetype string, keep func(*Session) (*Session, bool, error)) (*Session, error) {
	v, err, _ := m.starts.Do(filetype, func() (any, error) {
		m.mu.RLock()
		current := m.sessions[filetype]
		closed := m.closed
		m.mu.RUnlock()

		if closed {
			return nil, &SessionError{Filetype: filetype, Err: ErrClosed}
		}
		if s, done, err := keep(current); done {
			return s, err
		}
		return m.start(ctx, filetype, current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// start runs the factory without holding m.mu and installs the new
// session only if the slot still holds replace and the generation has not
// moved. Otherwise the new engine is closed again and whatever live
// session is installed is returned.
func (m *Manager) start(ctx context.Context, filetype string, replace *Session) (*Session, error) {
	m.mu.RLock()
	factory, ok := m.factories[filetype]
	gen := m.generations[filetype]
	m.mu.RUnlock()

	if !ok {
		return nil, &SessionError{Filetype: filetype, Err: ErrNoBackend}
	}

	startCtx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	engine, err := factory(startCtx, filetype)
	if err != nil {
		m.log.Errorf("starting %s backend: %v", filetype, err)
		return nil, &SessionError{
			Filetype: filetype,
			Err:      fmt.Errorf("%w: %w", ErrBackendUnavailable, err),
		}
	}

	s := &Session{
		ID:         uuid.NewString(),
		Filetype:   filetype,
		Generation: gen,
		Started:    time.Now(),
		engine:     engine,
	}

	m.mu.Lock()
	current := m.sessions[filetype]
	if m.closed || current != replace || m.generations[filetype] != gen {
		closed := m.closed
		m.mu.Unlock()

		s.markDead()
		if err := m.closeEngine(ctx, s); err != nil {
			m.log.Warningf("discarding %s backend session %s: %v", filetype, s.ID, err)
		}
		switch {
		case closed:
			return nil, &SessionError{Filetype: filetype, Err: ErrClosed}
		case current != nil && current.Alive():
			return current, nil
		default:
			return nil, &SessionError{Filetype: filetype, Err: ErrBackendUnavailable}
		}
	}
	m.sessions[filetype] = s
	m.mu.Unlock()

	m.log.Infof("started %s backend session %s (generation %d)", filetype, s.ID, s.Generation)
	go m.monitor(s)
	return s, nil
}

// monitor marks a session dead when its engine exits on its own.
func (m *Manager) monitor(s *Session) {
	<-s.engine.Done()
	if !s.markDead() {
		return
	}

	m.mu.Lock()
	if m.sessions[s.Filetype] != s {
		m.mu.Unlock()
		return
	}
	gen := m.generations[s.Filetype] + 1
	m.generations[s.Filetype] = gen
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.log.Warningf("%s backend session %s exited unexpectedly", s.Filetype, s.ID)
	notify(listeners, s.Filetype, gen, CauseCrash)
}

// Restart tears down the filetype's session and starts a new one. It
// returns once the new session is running and every restart listener
// has been told about the new generation. Concurrent calls for the same
// filetype share one restart.
func (m *Manager) Restart(ctx context.Context, filetype string) error {
	if !m.Supports(filetype) {
		return &SessionError{Filetype: filetype, Err: ErrNoBackend}
	}

	_, err, _ := m.restarts.Do(filetype, func() (any, error) {
		return nil, m.restart(ctx, filetype)
	})
	return err
}

func (m *Manager) restart(ctx context.Context, filetype string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &SessionError{Filetype: filetype, Err: ErrClosed}
	}
	old := m.sessions[filetype]
	delete(m.sessions, filetype)
	gen := m.generations[filetype] + 1
	m.generations[filetype] = gen
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if old != nil {
		old.markDead()
		if err := m.closeEngine(ctx, old); err != nil {
			m.log.Warningf("closing %s backend session %s: %v", filetype, old.ID, err)
		}
	}

	notify(listeners, filetype, gen, CauseRestart)

	// A request may start the new generation's session first; start
	// returns that one then.
	if _, err := m.start(ctx, filetype, nil); err != nil {
		return err
	}
	m.log.Infof("restarted %s backend (generation %d)", filetype, gen)
	return nil
}

func (m *Manager) closeEngine(ctx context.Context, s *Session) error {
	closeCtx, cancel := context.WithTimeout(ctx, m.closeTimeout)
	defer cancel()
	return s.engine.Close(closeCtx)
}

func (m *Manager) snapshotListenersLocked() []RestartListener {
	out := make([]RestartListener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func notify(listeners []RestartListener, filetype string, gen uint64, cause Cause) {
	for _, fn := range listeners {
		fn(filetype, gen, cause)
	}
}

// SessionInfos describes every session, sorted by filetype.
func (m *Manager) SessionInfos() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			ID:         s.ID,
			Filetype:   s.Filetype,
			Generation: s.Generation,
			Started:    s.Started,
			Alive:      s.Alive(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Filetype < out[j].Filetype
	})
	return out
}

// Shutdown closes every session concurrently. The manager cannot be used
// afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.markDead()
			if err := m.closeEngine(ctx, s); err != nil {
				errMu.Lock()
				errs = append(errs, &SessionError{Filetype: s.Filetype, Err: err})
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
