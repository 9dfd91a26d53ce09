package tsserver

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// fakeServer answers tsserver requests written by an Engine.
type fakeServer struct {
	reqR  *io.PipeReader
	respW *io.PipeWriter

	mu       sync.Mutex
	handlers map[string]func(args gjson.Result) string
	raw      map[string]func(seq int64) string
	requests []gjson.Result
}

// newFakeServer wires an Engine to a fake tsserver.
func newFakeServer(t *testing.T) (*fakeServer, *Engine) {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	fs := &fakeServer{
		reqR:     reqR,
		respW:    respW,
		handlers: make(map[string]func(args gjson.Result) string),
		raw:      make(map[string]func(seq int64) string),
	}
	go fs.serve()

	eng := NewEngine(Config{RequestTimeout: 2 * time.Second, MaxDetailed: 10}, respR, reqW, reqW)
	t.Cleanup(func() {
		fs.respW.Close()
		reqR.Close()
	})
	return fs, eng
}

// handle registers the raw JSON body returned for a command.
func (fs *fakeServer) handle(command string, fn func(args gjson.Result) string) {
	fs.mu.Lock()
	fs.handlers[command] = fn
	fs.mu.Unlock()
}

// handleRaw registers a complete raw message returned for a command.
func (fs *fakeServer) handleRaw(command string, fn func(seq int64) string) {
	fs.mu.Lock()
	fs.raw[command] = fn
	fs.mu.Unlock()
}

// crash ends the fake's output stream as if the process died.
func (fs *fakeServer) crash() {
	fs.respW.Close()
}

func (fs *fakeServer) requestsFor(command string) []gjson.Result {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []gjson.Result
	for _, r := range fs.requests {
		if r.Get("command").String() == command {
			out = append(out, r)
		}
	}
	return out
}

func (fs *fakeServer) serve() {
	sc := bufio.NewScanner(fs.reqR)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		req := gjson.Parse(sc.Text())
		seq := req.Get("seq").Int()
		command := req.Get("command").String()

		fs.mu.Lock()
		fs.requests = append(fs.requests, req)
		handler := fs.handlers[command]
		raw := fs.raw[command]
		fs.mu.Unlock()

		if command == "exit" {
			continue
		}

		fs.write(`{"seq":0,"type":"event","event":"requestStarted","body":{}}`)

		switch {
		case raw != nil:
			fs.write(raw(seq))
		case handler != nil:
			fs.write(fmt.Sprintf(`{"seq":0,"type":"response","command":%q,"request_seq":%d,"success":true,"body":%s}`,
				command, seq, handler(req.Get("arguments"))))
		default:
			fs.write(fmt.Sprintf(`{"seq":0,"type":"response","command":%q,"request_seq":%d,"success":true}`,
				command, seq))
		}
	}
}

func (fs *fakeServer) write(msg string) {
	_, _ = fmt.Fprintf(fs.respW, "Content-Length: %d\r\n\r\n%s", len(msg), msg)
}
