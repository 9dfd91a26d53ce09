// Package tsserver adapts the TypeScript server (tsserver) to the
// backend.Engine contract.
//
// tsserver addresses positions as 1-based line and 1-based UTF-16 offset.
// All conversion to and from byte columns happens in this package.
package tsserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tliron/commonlog"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/logging"
)

// Filetypes handled by tsserver.
var Filetypes = []string{"typescript", "typescriptreact", "javascript", "javascriptreact"}

// Config defines how to start tsserver.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory.
	WorkDir string

	// RequestTimeout bounds a single request (default: 30s).
	RequestTimeout time.Duration

	// MaxDetailed bounds how many completion entries get details.
	MaxDetailed int
}

// DefaultConfig returns the default tsserver configuration.
func DefaultConfig() Config {
	return Config{
		Command:        "tsserver",
		Args:           []string{"--disableAutomaticTypingAcquisition"},
		RequestTimeout: 30 * time.Second,
		MaxDetailed:    100,
	}
}

// Engine is a running tsserver.
type Engine struct {
	cfg       Config
	proc      *process
	transport *Transport
	log       commonlog.Logger

	// mu serializes requests; tsserver answers one at a time.
	mu     sync.Mutex
	synced map[string]int
}

// Factory returns a backend.Factory starting tsserver with cfg.
func Factory(cfg Config) backend.Factory {
	return func(ctx context.Context, filetype string) (backend.Engine, error) {
		return Start(ctx, cfg)
	}
}

// Start launches tsserver and waits until it answers a request.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = withDefaults(cfg)
	log := logging.Get("tsserver")

	proc, err := startProcess(cfg, log)
	if err != nil {
		return nil, err
	}

	e := newEngine(cfg, NewTransport(proc.stdout, proc.stdin, proc.stdin), log)
	e.proc = proc

	if err := e.configure(ctx); err != nil {
		e.transport.Close()
		proc.stop()
		return nil, fmt.Errorf("configure tsserver: %w", err)
	}
	return e, nil
}

// NewEngine runs the engine over an existing stream instead of a
// process. r carries tsserver output and w receives requests.
func NewEngine(cfg Config, r io.Reader, w io.Writer, c io.Closer) *Engine {
	return newEngine(withDefaults(cfg), NewTransport(r, w, c), logging.Get("tsserver"))
}

func newEngine(cfg Config, t *Transport, log commonlog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		transport: t,
		log:       log,
		synced:    make(map[string]int),
	}
	t.OnEvent("*", func(event string, body gjson.Result) {
		log.Debugf("tsserver event %s", event)
	})
	t.Start()
	return e
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
		if cfg.Args == nil {
			cfg.Args = def.Args
		}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxDetailed <= 0 {
		cfg.MaxDetailed = def.MaxDetailed
	}
	return cfg
}

// configure sends the initial configure request. Its response doubles as
// a readiness probe.
func (e *Engine) configure(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.call(ctx, "configure", map[string]any{
		"preferences": map[string]any{
			"includeCompletionsForModuleExports": true,
			"includeCompletionsWithInsertText":   true,
			"includeExternalModuleExports":       true,
			"allowIncompleteCompletions":         false,
		},
	})
	return err
}

// call issues one request under the request timeout. The caller holds e.mu.
func (e *Engine) call(ctx context.Context, command string, args any) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	body, err := e.transport.Call(ctx, command, args)
	if err != nil {
		var pe *backend.ProtocolError
		if errors.As(err, &pe) {
			e.log.Errorf("%v", err)
		}
		return body, err
	}
	return body, nil
}

// Capabilities implements backend.Engine.
func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Completion:        true,
		Diagnostics:       true,
		AutoImport:        true,
		TriggerCharacters: []string{"."},
	}
}

// Done implements backend.Engine.
func (e *Engine) Done() <-chan struct{} {
	return e.transport.Finished()
}

// Close implements backend.Engine.
func (e *Engine) Close(ctx context.Context) error {
	_ = e.transport.Notify("exit", nil)
	err := e.transport.Close()

	if e.proc != nil {
		if werr := e.proc.wait(ctx); werr != nil {
			e.log.Warningf("tsserver did not exit, killing it: %v", werr)
		}
		e.proc.stop()
	}
	return err
}

// sync makes tsserver's view of buf current. The caller holds e.mu.
func (e *Engine) sync(ctx context.Context, buf buffer.Buffer) error {
	if v, ok := e.synced[buf.Path]; ok && v == buf.Version {
		return nil
	}

	_, err := e.call(ctx, "updateOpen", map[string]any{
		"openFiles": []map[string]any{{
			"file":           buf.Path,
			"fileContent":    buf.Contents,
			"scriptKindName": scriptKind(buf.Filetype),
		}},
	})
	if err != nil {
		return err
	}
	e.synced[buf.Path] = buf.Version
	return nil
}

func scriptKind(filetype string) string {
	switch filetype {
	case "typescriptreact":
		return "TSX"
	case "javascript":
		return "JS"
	case "javascriptreact":
		return "JSX"
	default:
		return "TS"
	}
}
