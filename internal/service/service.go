// Package service wires the buffer tracker, backend manager, diagnostics
// scheduler, identifier index and completion dispatcher into one
// transport-agnostic request surface.
package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/backend/tsserver"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/completion"
	"github.com/dshills/keycomplete/internal/config"
	"github.com/dshills/keycomplete/internal/diagnostics"
	"github.com/dshills/keycomplete/internal/identifier"
	"github.com/dshills/keycomplete/internal/logging"
)

// EventKind names a buffer event.
type EventKind string

const (
	// EventBufferVisit records new buffer contents. Unchanged contents only
	// re-arm diagnostics that failed or were cancelled.
	EventBufferVisit EventKind = "BufferVisit"

	// EventFileReadyToParse records new contents and asks for diagnostics
	// even when the contents did not change.
	EventFileReadyToParse EventKind = "FileReadyToParse"

	// EventBufferUnload drops everything known about a buffer.
	EventBufferUnload EventKind = "BufferUnload"
)

// BufferEvent reports a change to an edit buffer.
type BufferEvent struct {
	Filepath string    `json:"filepath"`
	Contents string    `json:"contents"`
	Filetype string    `json:"filetype"`
	Kind     EventKind `json:"event_name"`
}

// RestartServer restarts the backend of a filetype.
const RestartServer = "RestartServer"

// FiletypeDefault targets the backend of the request's filetype.
const FiletypeDefault = "filetype_default"

// Command is a subcommand addressed to a backend.
type Command struct {
	CompleterTarget string   `json:"completer_target"`
	Filetype        string   `json:"filetype"`
	Arguments       []string `json:"command_arguments"`
}

// Service is the orchestration facade.
type Service struct {
	buffers    *buffer.Tracker
	backends   *backend.Manager
	scheduler  *diagnostics.Scheduler
	dispatcher *completion.Dispatcher

	identifiers *identifier.Database
	indexer     *identifier.Indexer
	extractor   *identifier.Extractor

	shutdown atomic.Bool
	log      commonlog.Logger
}

// Option configures a Service.
type Option func(*settings)

type settings struct {
	factories map[string]backend.Factory
}

// WithBackend serves filetype from factory instead of tsserver. Once any
// backend is given, only the given filetypes are served.
func WithBackend(filetype string, factory backend.Factory) Option {
	return func(s *settings) {
		s.factories[filetype] = factory
	}
}

// New builds a service from cfg. Backends start lazily on first use.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	st := settings{factories: make(map[string]backend.Factory)}
	for _, opt := range opts {
		opt(&st)
	}
	if len(st.factories) == 0 {
		factory := tsserver.Factory(tsserverConfig(cfg))
		for _, ft := range tsserver.Filetypes {
			st.factories[ft] = factory
		}
	}

	s := &Service{log: logging.Get("service")}

	managerOpts := []backend.ManagerOption{
		backend.WithStartTimeout(cfg.TSServer.StartTimeout.Duration),
	}
	filetypes := make([]string, 0, len(st.factories))
	for ft, f := range st.factories {
		managerOpts = append(managerOpts, backend.WithFactory(ft, f))
		filetypes = append(filetypes, ft)
	}
	s.backends = backend.NewManager(managerOpts...)

	s.scheduler = diagnostics.NewScheduler(
		diagnostics.SessionSource{Manager: s.backends},
		diagnostics.WithTimeout(cfg.Diagnostics.Timeout.Duration),
		diagnostics.WithDebounce(cfg.Diagnostics.Debounce.Duration),
	)

	s.buffers = buffer.NewTracker(
		buffer.WithFiletypes(filetypes...),
		buffer.WithChangeListener(s.scheduler.Trigger),
	)

	dispatchOpts := []completion.Option{
		completion.WithMaxDetailed(cfg.Completion.MaxDetailed),
		completion.WithMaxIdentifierResults(cfg.Completion.MaxIdentifierResults),
	}
	if cfg.Completion.Identifiers {
		extractor, err := identifier.NewExtractor()
		if err != nil {
			s.scheduler.Close()
			return nil, &InitError{Component: "identifier extractor", Err: err}
		}
		s.extractor = extractor
		s.identifiers = identifier.NewDatabase()
		s.indexer = identifier.NewIndexer(s.identifiers, extractor)
		s.buffers.OnChange(s.indexer.Listener())
		dispatchOpts = append(dispatchOpts, completion.WithIdentifiers(s.identifiers))
	}
	if cfg.Completion.StrictReadiness {
		dispatchOpts = append(dispatchOpts, completion.WithStrictReadiness(s.scheduler, cfg.Completion.ReadinessTimeout.Duration))
	}
	s.dispatcher = completion.NewDispatcher(s.buffers, s.backends, dispatchOpts...)

	s.backends.OnRestart(s.onRestart)

	s.log.Infof("serving filetypes %v", s.backends.Filetypes())
	return s, nil
}

func tsserverConfig(cfg config.Config) tsserver.Config {
	return tsserver.Config{
		Command:        cfg.TSServer.Command,
		Args:           cfg.TSServer.Args,
		Env:            cfg.TSServer.Env,
		WorkDir:        cfg.TSServer.WorkDir,
		RequestTimeout: cfg.TSServer.RequestTimeout.Duration,
		MaxDetailed:    cfg.Completion.MaxDetailed,
	}
}

// onRestart runs for every new backend generation. In-flight diagnostics
// are abandoned either way; only an explicit restart requires the buffers
// to be visited again.
func (s *Service) onRestart(filetype string, generation uint64, cause backend.Cause) {
	s.scheduler.Cancel(filetype, generation)
	if cause != backend.CauseRestart {
		s.log.Warningf("%s backend generation %d after %s", filetype, generation, cause)
		return
	}
	paths := s.buffers.Invalidate(filetype)
	s.log.Infof("%s backend generation %d: %d buffers need a visit", filetype, generation, len(paths))
}

// HandleEvent applies a buffer event.
func (s *Service) HandleEvent(ctx context.Context, ev BufferEvent) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}

	switch ev.Kind {
	case EventBufferVisit, EventFileReadyToParse:
		buf, changed, err := s.buffers.Visit(buffer.VisitParams{
			Path:     ev.Filepath,
			Contents: ev.Contents,
			Filetype: ev.Filetype,
		})
		if err != nil {
			return err
		}
		// Re-arms diagnostics that failed or were cancelled by a crash.
		// Trigger ignores versions that are pending or ready.
		if !changed {
			s.scheduler.Trigger(buf)
		}
		s.log.Debugf("%s %s@%d (changed: %t)", ev.Kind, buf.Path, buf.Version, changed)
		return nil

	case EventBufferUnload:
		ft := ev.Filetype
		if b, err := s.buffers.Get(ev.Filepath); err == nil {
			ft = b.Filetype
		}
		s.buffers.Remove(ev.Filepath)
		s.scheduler.Forget(ev.Filepath)
		if s.indexer != nil {
			s.indexer.Forget(ft, ev.Filepath)
		}
		s.log.Debugf("unloaded %s", ev.Filepath)
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}

// Complete answers a completion request.
func (s *Service) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	if s.shutdown.Load() {
		return nil, ErrShutdown
	}
	return s.dispatcher.Complete(ctx, req)
}

// IsReady reports whether diagnostics exist for the current version of
// path.
func (s *Service) IsReady(path string) bool {
	v := s.buffers.Version(path)
	return v != 0 && s.scheduler.Version(path) == v && s.scheduler.IsReady(path)
}

// WaitUntilReady blocks until IsReady holds for path or the wait fails.
// After a backend restart it fails with diagnostics.ErrCancelled until
// the buffer is visited again.
func (s *Service) WaitUntilReady(ctx context.Context, path string, timeout time.Duration) error {
	return s.scheduler.WaitUntilReady(ctx, path, timeout)
}

// Diagnostics returns the diagnostics of path's current version.
func (s *Service) Diagnostics(path string) ([]diagnostics.Diagnostic, error) {
	if _, err := s.buffers.Get(path); err != nil {
		return nil, err
	}
	return s.scheduler.Diagnostics(path)
}

// Sessions describes the running backend sessions.
func (s *Service) Sessions() []backend.SessionInfo {
	return s.backends.SessionInfos()
}

// RunCommand executes a backend subcommand. Only RestartServer is
// supported.
func (s *Service) RunCommand(ctx context.Context, cmd Command) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}
	if len(cmd.Arguments) == 0 {
		return fmt.Errorf("%w: no command given", ErrUnknownCommand)
	}

	filetype := cmd.CompleterTarget
	if filetype == "" || filetype == FiletypeDefault {
		filetype = cmd.Filetype
	}

	switch cmd.Arguments[0] {
	case RestartServer:
		s.log.Infof("restarting %s backend", filetype)
		return s.backends.Restart(ctx, filetype)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Arguments[0])
	}
}

// Shutdown stops diagnostics and closes every backend session.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.scheduler.Close()
	err := s.backends.Shutdown(ctx)
	if s.extractor != nil {
		s.extractor.Close()
	}
	return err
}
