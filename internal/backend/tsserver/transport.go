package tsserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/keycomplete/internal/backend"
)

// errFraming marks a message whose header could not be parsed. The stream
// stays usable because the next header is searched for line by line.
var errFraming = errors.New("framing")

// CommandError is a response with success=false.
type CommandError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("tsserver %s failed: %s", e.Command, e.Message)
}

// NoContent reports whether tsserver had nothing to return.
func (e *CommandError) NoContent() bool {
	return strings.HasPrefix(e.Message, "No content available")
}

// EventHandler handles an event message.
type EventHandler func(event string, body gjson.Result)

// response is a decoded response or the error that replaced it.
type response struct {
	body gjson.Result
	err  error
}

// Transport speaks the tsserver wire protocol: requests are written as one
// JSON object per line, responses and events arrive Content-Length framed.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex

	mu       sync.Mutex
	seq      atomic.Int64
	pending  map[int64]pendingCall
	handlers map[string]EventHandler

	closed   atomic.Bool
	done     chan struct{}
	finished chan struct{}
}

type pendingCall struct {
	command string
	ch      chan response
}

// NewTransport creates a transport reading responses from r and writing
// requests to w. c, when non-nil, is closed by Close.
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		pending:  make(map[int64]pendingCall),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start begins reading messages.
func (t *Transport) Start() {
	go t.readLoop()
}

// Finished is closed when the read side reached end of stream.
func (t *Transport) Finished() <-chan struct{} {
	return t.finished
}

// Close closes the transport. Pending calls fail with
// backend.ErrBackendUnavailable.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.pending = make(map[int64]pendingCall)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// OnEvent registers a handler for an event name, or "*" for all events.
func (t *Transport) OnEvent(event string, handler EventHandler) {
	t.mu.Lock()
	t.handlers[event] = handler
	t.mu.Unlock()
}

// Call sends a request and waits for its response body.
func (t *Transport) Call(ctx context.Context, command string, args any) (gjson.Result, error) {
	if t.closed.Load() {
		return gjson.Result{}, backend.ErrBackendUnavailable
	}

	seq := t.seq.Add(1)
	ch := make(chan response, 1)

	t.mu.Lock()
	t.pending[seq] = pendingCall{command: command, ch: ch}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()

	if err := t.send(seq, command, args); err != nil {
		return gjson.Result{}, err
	}

	select {
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	case <-t.done:
		return gjson.Result{}, backend.ErrBackendUnavailable
	case <-t.finished:
		return gjson.Result{}, fmt.Errorf("%w: tsserver closed its output", backend.ErrBackendUnavailable)
	case resp := <-ch:
		return resp.body, resp.err
	}
}

// Notify sends a request without waiting for a response.
func (t *Transport) Notify(command string, args any) error {
	if t.closed.Load() {
		return backend.ErrBackendUnavailable
	}
	return t.send(t.seq.Add(1), command, args)
}

// send writes one request line.
func (t *Transport) send(seq int64, command string, args any) error {
	msg, err := encodeRequest(seq, command, args)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(msg); err != nil {
		return fmt.Errorf("%w: write %s: %w", backend.ErrBackendUnavailable, command, err)
	}
	return nil
}

// encodeRequest builds {"seq","type","command","arguments"} followed by
// a newline.
func encodeRequest(seq int64, command string, args any) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "seq", seq)
	if err == nil {
		msg, err = sjson.SetBytes(msg, "type", "request")
	}
	if err == nil {
		msg, err = sjson.SetBytes(msg, "command", command)
	}
	if err == nil && args != nil {
		var raw []byte
		raw, err = json.Marshal(args)
		if err == nil {
			msg, err = sjson.SetRawBytes(msg, "arguments", raw)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}
	return append(msg, '\n'), nil
}

// readLoop reads messages until the stream ends.
func (t *Transport) readLoop() {
	defer close(t.finished)

	for {
		msg, err := t.readMessage()
		if err != nil {
			if errors.Is(err, errFraming) {
				t.failPending(&backend.ProtocolError{Detail: err.Error()})
				continue
			}
			return
		}
		t.dispatch(msg)
	}
}

// readMessage reads a single Content-Length framed message.
func (t *Transport) readMessage() (string, error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return "", fmt.Errorf("%w: malformed header %q", errFraming, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return "", fmt.Errorf("%w: bad Content-Length %q", errFraming, value)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return "", fmt.Errorf("%w: missing Content-Length header", errFraming)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// dispatch routes a message to its waiting caller or event handler.
func (t *Transport) dispatch(msg string) {
	if !gjson.Valid(msg) {
		t.failPending(&backend.ProtocolError{Detail: "invalid JSON", Payload: msg})
		return
	}

	m := gjson.Parse(msg)
	switch m.Get("type").String() {
	case "response":
		seq := m.Get("request_seq")
		if seq.Type != gjson.Number {
			t.failPending(&backend.ProtocolError{Detail: "response without request_seq", Payload: msg})
			return
		}
		t.handleResponse(seq.Int(), m)
	case "event":
		t.handleEvent(m.Get("event").String(), m.Get("body"))
	default:
		t.failPending(&backend.ProtocolError{Detail: "unknown message type", Payload: msg})
	}
}

func (t *Transport) handleResponse(seq int64, m gjson.Result) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	call, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	resp := response{body: m.Get("body")}
	success := m.Get("success")
	switch {
	case success.Type != gjson.True && success.Type != gjson.False:
		resp.err = &backend.ProtocolError{Command: call.command, Detail: "response without success flag", Payload: m.Raw}
	case !success.Bool():
		resp.err = &CommandError{Command: call.command, Message: m.Get("message").String()}
	}

	select {
	case call.ch <- resp:
	default:
	}
}

func (t *Transport) handleEvent(event string, body gjson.Result) {
	t.mu.Lock()
	handler, ok := t.handlers[event]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		go handler(event, body)
	}
}

// failPending delivers err to every waiting caller.
func (t *Transport) failPending(err error) {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[int64]pendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		perr := err
		var pe *backend.ProtocolError
		if errors.As(err, &pe) && pe.Command == "" {
			cp := *pe
			cp.Command = call.command
			perr = &cp
		}
		select {
		case call.ch <- response{err: perr}:
		default:
		}
	}
}
