package tsserver

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/location"
)

const testFile = "/src/test.ts"

const methodsSource = `class Foo {
  methodA() {}
  methodB() {}
  methodC(a: { foo: string; bar: number }) {}
}
let foo = new Foo();
foo.`

func methodsBuffer(version int) buffer.Buffer {
	return buffer.Buffer{Path: testFile, Contents: methodsSource, Filetype: "typescript", Version: version}
}

func methodsQuery(version int) backend.CompletionQuery {
	return backend.CompletionQuery{
		Buffer:   methodsBuffer(version),
		Location: location.New(testFile, 7, 5),
	}
}

func serveMethods(fs *fakeServer) {
	fs.handle("completionInfo", func(gjson.Result) string {
		return `{"isMemberCompletion":true,"entries":[
			{"name":"methodA","kind":"method","kindModifiers":"","sortText":"11"},
			{"name":"methodB","kind":"method","kindModifiers":"","sortText":"11"},
			{"name":"methodC","kind":"method","kindModifiers":"","sortText":"11"}]}`
	})
	fs.handle("completionEntryDetails", func(gjson.Result) string {
		return `[
			{"name":"methodA","kind":"method","displayParts":[{"text":"(","kind":"punctuation"},{"text":"method","kind":"text"},{"text":")","kind":"punctuation"},{"text":" "},{"text":"Foo"},{"text":"."},{"text":"methodA"},{"text":"()"},{"text":": "},{"text":"void"}],"documentation":[{"text":"Unicode string: 说话","kind":"text"}]},
			{"name":"methodB","kind":"method","displayParts":[{"text":"(method) Foo.methodB(): void"}],"documentation":[]},
			{"name":"methodC","kind":"method","displayParts":[{"text":"(method) Foo.methodC(a: {\n    foo: string;\n    bar: number;\n}): void"}],"documentation":[]}]`
	})
}

func TestEngine_CompleteMethods(t *testing.T) {
	fs, eng := newFakeServer(t)
	serveMethods(fs)

	records, err := eng.Complete(context.Background(), methodsQuery(1))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	a := records[0]
	if a.Name != "methodA" || a.Kind != "method" || !a.Detailed {
		t.Errorf("methodA record = %+v", a)
	}
	if got := strings.Join(a.DisplayParts, ""); got != "(method) Foo.methodA(): void" {
		t.Errorf("methodA display = %q", got)
	}
	if got := strings.Join(a.Documentation, ""); got != "Unicode string: 说话" {
		t.Errorf("methodA documentation = %q", got)
	}

	if got := strings.Join(records[1].Documentation, ""); got != "" {
		t.Errorf("methodB documentation = %q, want empty", got)
	}

	want := "(method) Foo.methodC(a: {\n    foo: string;\n    bar: number;\n}): void"
	if got := strings.Join(records[2].DisplayParts, ""); got != want {
		t.Errorf("methodC display = %q, want %q", got, want)
	}

	open := fs.requestsFor("updateOpen")
	if len(open) != 1 {
		t.Fatalf("expected 1 updateOpen, got %d", len(open))
	}
	file := open[0].Get("arguments.openFiles.0")
	if file.Get("fileContent").String() != methodsSource || file.Get("scriptKindName").String() != "TS" {
		t.Errorf("updateOpen arguments = %s", file.Raw)
	}

	info := fs.requestsFor("completionInfo")[0].Get("arguments")
	if info.Get("line").Int() != 7 || info.Get("offset").Int() != 5 {
		t.Errorf("completionInfo position = %s", info.Raw)
	}
	if n := len(fs.requestsFor("completionEntryDetails")[0].Get("arguments.entryNames").Array()); n != 3 {
		t.Errorf("requested details for %d entries, want 3", n)
	}
}

func TestEngine_SyncsOnlyOnVersionChange(t *testing.T) {
	fs, eng := newFakeServer(t)
	serveMethods(fs)

	for _, v := range []int{1, 1, 2} {
		if _, err := eng.Complete(context.Background(), methodsQuery(v)); err != nil {
			t.Fatalf("Complete(v%d) error = %v", v, err)
		}
	}
	if n := len(fs.requestsFor("updateOpen")); n != 2 {
		t.Errorf("updateOpen sent %d times, want 2", n)
	}
}

func TestEngine_MaxDetailed(t *testing.T) {
	fs, eng := newFakeServer(t)
	serveMethods(fs)
	fs.handle("completionEntryDetails", func(args gjson.Result) string {
		return `[{"name":"methodA","displayParts":[{"text":"(method) Foo.methodA(): void"}]}]`
	})

	q := methodsQuery(1)
	q.MaxDetailed = 1
	records, err := eng.Complete(context.Background(), q)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !records[0].Detailed || records[1].Detailed || records[2].Detailed {
		t.Errorf("only the first record should be detailed: %+v", records)
	}
	if n := len(fs.requestsFor("completionEntryDetails")[0].Get("arguments.entryNames").Array()); n != 1 {
		t.Errorf("requested details for %d entries, want 1", n)
	}
}

func TestEngine_AutoImportAction(t *testing.T) {
	fs, eng := newFakeServer(t)
	contents := "Bå"
	fs.handle("completionInfo", func(gjson.Result) string {
		return `{"entries":[{"name":"Bår","kind":"class","sortText":"16","hasAction":true,"source":"/src/unicode"}]}`
	})
	fs.handle("completionEntryDetails", func(gjson.Result) string {
		return `[{"name":"Bår","kind":"class",
			"displayParts":[{"text":"Auto import from './unicode'\n"},{"text":"class Bår"}],
			"documentation":[],
			"codeActions":[{"description":"Import 'Bår' from module \"./unicode\"","changes":[{"fileName":"/src/test.ts","textChanges":[
				{"start":{"line":1,"offset":1},"end":{"line":1,"offset":1},"newText":"import { Bår } from \"./unicode\";\n"}]}]}]}]`
	})

	records, err := eng.Complete(context.Background(), backend.CompletionQuery{
		Buffer:   buffer.Buffer{Path: testFile, Contents: contents, Filetype: "typescript", Version: 1},
		Location: location.New(testFile, 1, len(contents)+1),
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if got := strings.Join(rec.DisplayParts, ""); got != "Auto import from './unicode'\nclass Bår" {
		t.Errorf("display = %q", got)
	}
	if len(rec.Actions) != 1 || len(rec.Actions[0].Edits) != 1 {
		t.Fatalf("actions = %+v", rec.Actions)
	}
	edit := rec.Actions[0].Edits[0]
	if edit.ReplacementText != "import { Bår } from \"./unicode\";\n" {
		t.Errorf("edit text = %q", edit.ReplacementText)
	}
	if edit.Range != location.Point(location.New(testFile, 1, 1)) {
		t.Errorf("edit range = %v", edit.Range)
	}

	name := fs.requestsFor("completionEntryDetails")[0].Get("arguments.entryNames.0")
	if name.Get("name").String() != "Bår" || name.Get("source").String() != "/src/unicode" {
		t.Errorf("entry name = %s, want object with source", name.Raw)
	}

	info := fs.requestsFor("completionInfo")[0].Get("arguments")
	if info.Get("offset").Int() != 3 {
		t.Errorf("offset = %d, want 3 (UTF-16)", info.Get("offset").Int())
	}
}

func TestEngine_DiagnosticsConvertOffsets(t *testing.T) {
	fs, eng := newFakeServer(t)
	contents := "const s = '说话'; s.\nlet x: number = 'a';\n"

	fs.handle("syntacticDiagnosticsSync", func(gjson.Result) string {
		return `[{"start":{"line":1,"offset":12},"end":{"line":1,"offset":14},"text":"syntax","code":1005,"category":"error"}]`
	})
	fs.handle("semanticDiagnosticsSync", func(gjson.Result) string {
		return `[{"start":{"line":2,"offset":5},"end":{"line":2,"offset":6},"text":"Type 'string' is not assignable to type 'number'.","code":2322,"category":"error"}]`
	})

	recs, err := eng.Diagnostics(context.Background(), buffer.Buffer{Path: testFile, Contents: contents, Filetype: "typescript", Version: 1})
	if err != nil {
		t.Fatalf("Diagnostics() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	if recs[0].Range.Start.Column != 12 || recs[0].Range.End.Column != 18 {
		t.Errorf("syntactic range = %v, want byte columns 12-18", recs[0].Range)
	}
	if recs[1].Code != 2322 || recs[1].Category != "error" || recs[1].Range.Start.Line != 2 {
		t.Errorf("semantic record = %+v", recs[1])
	}
}

func TestEngine_ProtocolViolation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fs *fakeServer)
	}{
		{
			name: "invalid JSON",
			setup: func(fs *fakeServer) {
				fs.handleRaw("completionInfo", func(seq int64) string {
					return `{"seq":0,"type":"response","request_seq":`
				})
			},
		},
		{
			name: "entries not an array",
			setup: func(fs *fakeServer) {
				fs.handle("completionInfo", func(gjson.Result) string { return `{"entries":5}` })
			},
		},
		{
			name: "entry without name",
			setup: func(fs *fakeServer) {
				fs.handle("completionInfo", func(gjson.Result) string { return `{"entries":[{"kind":"method"}]}` })
			},
		},
		{
			name: "details for the wrong entry",
			setup: func(fs *fakeServer) {
				serveMethods(fs)
				fs.handle("completionEntryDetails", func(gjson.Result) string { return `[{"name":"methodZ"}]` })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, eng := newFakeServer(t)
			tt.setup(fs)

			_, err := eng.Complete(context.Background(), methodsQuery(1))
			if !errors.Is(err, backend.ErrProtocolViolation) {
				t.Fatalf("Complete() error = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestEngine_NoContentIsEmpty(t *testing.T) {
	fs, eng := newFakeServer(t)
	fs.handleRaw("completionInfo", func(seq int64) string {
		return `{"seq":0,"type":"response","command":"completionInfo","request_seq":` +
			strconv.FormatInt(seq, 10) + `,"success":false,"message":"No content available."}`
	})

	records, err := eng.Complete(context.Background(), methodsQuery(1))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestEngine_ProcessExit(t *testing.T) {
	fs, eng := newFakeServer(t)
	fs.crash()

	select {
	case <-eng.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after the output stream ended")
	}

	_, err := eng.Complete(context.Background(), methodsQuery(1))
	if !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("Complete() error = %v, want ErrBackendUnavailable", err)
	}

	if err := eng.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestEncodeRequest(t *testing.T) {
	msg, err := encodeRequest(7, "completionInfo", map[string]any{"file": "/a.ts", "line": 1})
	if err != nil {
		t.Fatalf("encodeRequest() error = %v", err)
	}
	if !strings.HasSuffix(string(msg), "\n") || strings.Count(string(msg), "\n") != 1 {
		t.Errorf("request must be a single line: %q", msg)
	}

	req := gjson.ParseBytes(msg)
	if req.Get("seq").Int() != 7 || req.Get("type").String() != "request" ||
		req.Get("command").String() != "completionInfo" || req.Get("arguments.file").String() != "/a.ts" {
		t.Errorf("request = %s", msg)
	}

	msg, err = encodeRequest(8, "exit", nil)
	if err != nil {
		t.Fatalf("encodeRequest() error = %v", err)
	}
	if gjson.GetBytes(msg, "arguments").Exists() {
		t.Errorf("nil arguments should be omitted: %s", msg)
	}
}
