package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/completion"
	"github.com/dshills/keycomplete/internal/config"
	"github.com/dshills/keycomplete/internal/diagnostics"
	"github.com/dshills/keycomplete/internal/location"
)

const testFile = "/src/test.ts"

const methodsSource = "class Foo { methodA() {} }\nlet foo = new Foo();\nfoo."

// fakeEngine is a scripted backend shared by every session a test starts.
type fakeEngine struct {
	mu          sync.Mutex
	diagnostics func(ctx context.Context, buf buffer.Buffer) ([]backend.DiagnosticRecord, error)
	complete    func(q backend.CompletionQuery) ([]backend.CompletionRecord, error)
	closed      int

	done chan struct{}
	once sync.Once
}

func (e *fakeEngine) Complete(_ context.Context, q backend.CompletionQuery) ([]backend.CompletionRecord, error) {
	e.mu.Lock()
	fn := e.complete
	e.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(q)
}

func (e *fakeEngine) Diagnostics(ctx context.Context, buf buffer.Buffer) ([]backend.DiagnosticRecord, error) {
	e.mu.Lock()
	fn := e.diagnostics
	e.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, buf)
}

func (e *fakeEngine) Capabilities() backend.Capabilities {
	return backend.Capabilities{Completion: true, Diagnostics: true}
}

func (e *fakeEngine) Close(context.Context) error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *fakeEngine) Done() <-chan struct{} { return e.done }

// crash ends the engine as if its process died.
func (e *fakeEngine) crash() { e.once.Do(func() { close(e.done) }) }

type fakeBackend struct {
	mu      sync.Mutex
	engines []*fakeEngine
	script  func(e *fakeEngine)
}

func (b *fakeBackend) factory(context.Context, string) (backend.Engine, error) {
	e := &fakeEngine{done: make(chan struct{})}
	if b.script != nil {
		b.script(e)
	}
	b.mu.Lock()
	b.engines = append(b.engines, e)
	b.mu.Unlock()
	return e, nil
}

func (b *fakeBackend) started() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.engines)
}

func (b *fakeBackend) engine(i int) *fakeEngine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engines[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// crashBackend kills the first session and waits until the service has
// seen the new generation.
func crashBackend(t *testing.T, s *Service, fb *fakeBackend) {
	t.Helper()
	fb.engine(0).crash()
	waitFor(t, "crash to be noticed", func() bool {
		return s.backends.Generation("typescript") == 1 && !s.IsReady(testFile)
	})
}

func newService(t *testing.T, fb *fakeBackend, mutate ...func(*config.Config)) *Service {
	t.Helper()

	cfg := config.Default()
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(cfg, WithBackend("typescript", fb.factory))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func visit(t *testing.T, s *Service, contents string) {
	t.Helper()
	ev := BufferEvent{Filepath: testFile, Contents: contents, Filetype: "typescript", Kind: EventBufferVisit}
	if err := s.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
}

func methodRecords(backend.CompletionQuery) ([]backend.CompletionRecord, error) {
	return []backend.CompletionRecord{
		{Name: "methodA", Kind: "method", Detailed: true, DisplayParts: []string{"(method) Foo.methodA(): void"}, Documentation: []string{"Unicode string: 说话"}},
		{Name: "methodB", Kind: "method", Detailed: true, DisplayParts: []string{"(method) Foo.methodB(): void"}},
		{Name: "methodC", Kind: "method", Detailed: true, DisplayParts: []string{"(method) Foo.methodC(): void"}},
	}, nil
}

func TestService_VisitWaitComplete(t *testing.T) {
	fb := &fakeBackend{script: func(e *fakeEngine) {
		e.complete = methodRecords
		e.diagnostics = func(context.Context, buffer.Buffer) ([]backend.DiagnosticRecord, error) {
			return []backend.DiagnosticRecord{{
				Range:    location.Range{Start: location.New(testFile, 2, 5), End: location.New(testFile, 2, 8)},
				Message:  "'foo' is declared but its value is never read.",
				Category: "suggestion",
			}}, nil
		}
	}}
	s := newService(t, fb)
	visit(t, s, methodsSource)

	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}
	if !s.IsReady(testFile) {
		t.Error("IsReady() = false after WaitUntilReady succeeded")
	}

	diags, err := s.Diagnostics(testFile)
	if err != nil {
		t.Fatalf("Diagnostics() error = %v", err)
	}
	if len(diags) != 1 || diags[0].Kind != diagnostics.KindHint {
		t.Errorf("Diagnostics() = %+v", diags)
	}

	resp, err := s.Complete(context.Background(), completion.Request{Filepath: testFile, Line: 3, Column: 5})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.Completions) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(resp.Completions))
	}
	seen := make(map[string]bool)
	for _, e := range resp.Completions {
		if e.Kind != completion.ItemKindMethod || e.ExtraData != nil {
			t.Errorf("unexpected entry %+v", e)
		}
		seen[e.DetailedInfo] = true
	}
	if len(seen) != 3 || !seen["methodA\n\nUnicode string: 说话"] {
		t.Errorf("detailed info not distinct: %v", seen)
	}
}

func TestService_RejectsUnknownFiletype(t *testing.T) {
	s := newService(t, &fakeBackend{})

	err := s.HandleEvent(context.Background(), BufferEvent{Filepath: "/a.py", Contents: "x", Filetype: "python", Kind: EventBufferVisit})
	if !errors.Is(err, buffer.ErrInvalidFiletype) {
		t.Fatalf("HandleEvent() error = %v, want ErrInvalidFiletype", err)
	}

	err = s.HandleEvent(context.Background(), BufferEvent{Filepath: testFile, Kind: "Teleport"})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("HandleEvent() error = %v, want ErrUnknownEvent", err)
	}
}

func TestService_RestartRequiresRevisit(t *testing.T) {
	fb := &fakeBackend{script: func(e *fakeEngine) { e.complete = methodRecords }}
	s := newService(t, fb)
	visit(t, s, methodsSource)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}

	cmd := Command{CompleterTarget: FiletypeDefault, Filetype: "typescript", Arguments: []string{RestartServer}}
	if err := s.RunCommand(context.Background(), cmd); err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if fb.started() != 2 {
		t.Errorf("backend started %d times, want 2", fb.started())
	}

	if s.IsReady(testFile) {
		t.Error("IsReady() = true after restart without a visit")
	}
	req := completion.Request{Filepath: testFile, Line: 3, Column: 5, Contents: methodsSource}
	if _, err := s.Complete(context.Background(), req); completion.KindOf(err) != completion.KindUnknownBuffer {
		t.Fatalf("Complete() after restart error = %v, want UnknownBuffer", err)
	}
	if err := s.WaitUntilReady(context.Background(), testFile, time.Second); !errors.Is(err, diagnostics.ErrCancelled) {
		t.Errorf("WaitUntilReady() after restart error = %v, want ErrCancelled", err)
	}

	visit(t, s, methodsSource)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() after re-visit error = %v", err)
	}
	resp, err := s.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() after re-visit error = %v", err)
	}
	if len(resp.Completions) != 3 {
		t.Errorf("expected 3 completions, got %d", len(resp.Completions))
	}
}

func TestService_CrashRecoveredByCompletion(t *testing.T) {
	fb := &fakeBackend{script: func(e *fakeEngine) { e.complete = methodRecords }}
	s := newService(t, fb)
	visit(t, s, methodsSource)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}

	crashBackend(t, s, fb)
	if _, err := s.buffers.Get(testFile); err != nil {
		t.Fatalf("crash dropped the buffer: %v", err)
	}

	req := completion.Request{Filepath: testFile, Line: 3, Column: 5, Contents: methodsSource, ForceSemantic: true}
	resp, err := s.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() after crash error = %v", err)
	}
	if len(resp.Completions) != 3 {
		t.Errorf("expected 3 completions, got %d", len(resp.Completions))
	}
	if fb.started() != 2 {
		t.Errorf("backend started %d times, want 2", fb.started())
	}
}

func TestService_CrashThenRevisitBecomesReady(t *testing.T) {
	fb := &fakeBackend{script: func(e *fakeEngine) { e.complete = methodRecords }}
	s := newService(t, fb)
	visit(t, s, methodsSource)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}

	crashBackend(t, s, fb)

	visit(t, s, methodsSource)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() after crash error = %v", err)
	}
	if fb.started() != 2 {
		t.Errorf("backend started %d times, want 2", fb.started())
	}
	if v := s.buffers.Version(testFile); v != 1 {
		t.Errorf("buffer version = %d, want 1 (a crash keeps buffers)", v)
	}

	req := completion.Request{Filepath: testFile, Line: 3, Column: 5, ForceSemantic: true}
	if _, err := s.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if fb.started() != 2 {
		t.Errorf("completion restarted a recovered backend (%d starts)", fb.started())
	}
}

func TestService_RestartCancelsPendingDiagnostics(t *testing.T) {
	started := make(chan struct{}, 1)
	fb := &fakeBackend{script: func(e *fakeEngine) {
		e.diagnostics = func(ctx context.Context, _ buffer.Buffer) ([]backend.DiagnosticRecord, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}}
	s := newService(t, fb)
	visit(t, s, "let a = 1;")
	<-started

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- s.WaitUntilReady(context.Background(), testFile, 10*time.Second)
	}()

	if err := s.RunCommand(context.Background(), Command{CompleterTarget: "typescript", Arguments: []string{RestartServer}}); err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, diagnostics.ErrCancelled) {
			t.Errorf("WaitUntilReady() error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by restart")
	}
}

func TestService_FileReadyToParseRetriesFailure(t *testing.T) {
	var calls int
	var mu sync.Mutex
	fb := &fakeBackend{script: func(e *fakeEngine) {
		e.diagnostics = func(context.Context, buffer.Buffer) ([]backend.DiagnosticRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("project still loading")
			}
			return nil, nil
		}
	}}
	s := newService(t, fb)
	visit(t, s, "let a = 1;")

	var ce *diagnostics.ComputeError
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); !errors.As(err, &ce) {
		t.Fatalf("WaitUntilReady() error = %v, want ComputeError", err)
	}

	ev := BufferEvent{Filepath: testFile, Contents: "let a = 1;", Filetype: "typescript", Kind: EventFileReadyToParse}
	if err := s.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() after FileReadyToParse error = %v", err)
	}
}

func TestService_Unload(t *testing.T) {
	s := newService(t, &fakeBackend{})
	visit(t, s, "const fooBar = 1;\nfo")

	resp, err := s.Complete(context.Background(), completion.Request{Filepath: testFile, Line: 2, Column: 3})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.Completions) != 1 || resp.Completions[0].InsertionText != "fooBar" {
		t.Errorf("identifier completions = %+v", resp.Completions)
	}

	if err := s.HandleEvent(context.Background(), BufferEvent{Filepath: testFile, Kind: EventBufferUnload}); err != nil {
		t.Fatalf("HandleEvent(unload) error = %v", err)
	}
	if _, err := s.Diagnostics(testFile); !errors.Is(err, buffer.ErrUnknownBuffer) {
		t.Errorf("Diagnostics() after unload error = %v, want ErrUnknownBuffer", err)
	}
	if s.identifiers.Len("typescript") != 0 {
		t.Errorf("identifiers kept after unload: %d", s.identifiers.Len("typescript"))
	}
}

func TestService_StrictReadinessWaitsForDiagnostics(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBackend{script: func(e *fakeEngine) {
		e.complete = methodRecords
		e.diagnostics = func(ctx context.Context, _ buffer.Buffer) ([]backend.DiagnosticRecord, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}}
	s := newService(t, fb, func(c *config.Config) {
		c.Completion.StrictReadiness = true
		c.Completion.ReadinessTimeout = config.Duration{Duration: 20 * time.Millisecond}
	})
	visit(t, s, methodsSource)

	req := completion.Request{Filepath: testFile, Line: 3, Column: 5}
	if _, err := s.Complete(context.Background(), req); completion.KindOf(err) != completion.KindReadinessTimeout {
		t.Fatalf("Complete() error = %v, want ReadinessTimeout", err)
	}

	close(release)
	if err := s.WaitUntilReady(context.Background(), testFile, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}
	if _, err := s.Complete(context.Background(), req); err != nil {
		t.Errorf("Complete() once ready error = %v", err)
	}
}

func TestService_RunCommandErrors(t *testing.T) {
	s := newService(t, &fakeBackend{})

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"no arguments", Command{Filetype: "typescript"}, ErrUnknownCommand},
		{"unknown subcommand", Command{Filetype: "typescript", Arguments: []string{"GoToDefinition"}}, ErrUnknownCommand},
		{"unsupported filetype", Command{CompleterTarget: "python", Arguments: []string{RestartServer}}, backend.ErrNoBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RunCommand(context.Background(), tt.cmd); !errors.Is(err, tt.want) {
				t.Errorf("RunCommand() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_Shutdown(t *testing.T) {
	fb := &fakeBackend{}
	s := newService(t, fb)
	if err := s.RunCommand(context.Background(), Command{CompleterTarget: "typescript", Arguments: []string{RestartServer}}); err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for i, e := range fb.engines {
		if e.closed == 0 {
			t.Errorf("engine %d not closed", i)
		}
	}

	if err := s.HandleEvent(context.Background(), BufferEvent{Filepath: testFile, Kind: EventBufferVisit}); !errors.Is(err, ErrShutdown) {
		t.Errorf("HandleEvent() after shutdown error = %v, want ErrShutdown", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
