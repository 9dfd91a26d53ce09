package tsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/fixit"
	"github.com/dshills/keycomplete/internal/location"
)

// Complete implements backend.Engine.
func (e *Engine) Complete(ctx context.Context, q backend.CompletionQuery) ([]backend.CompletionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sync(ctx, q.Buffer); err != nil {
		return nil, err
	}

	line, offset := toWire(q.Buffer.Contents, q.Location)
	body, err := e.call(ctx, "completionInfo", map[string]any{
		"file":                         q.Buffer.Path,
		"line":                         line,
		"offset":                       offset,
		"includeExternalModuleExports": true,
		"includeInsertTextCompletions": true,
	})
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && ce.NoContent() {
			return nil, nil
		}
		return nil, err
	}

	entries := body.Get("entries")
	if !entries.IsArray() {
		return nil, e.violation("completionInfo", "body.entries is not an array", body.Raw)
	}

	var records []backend.CompletionRecord
	var names []any
	for _, entry := range entries.Array() {
		name := entry.Get("name")
		if name.Type != gjson.String {
			return nil, e.violation("completionInfo", "entry without name", entry.Raw)
		}
		records = append(records, backend.CompletionRecord{
			Name:          name.String(),
			Kind:          entry.Get("kind").String(),
			KindModifiers: entry.Get("kindModifiers").String(),
			SortText:      entry.Get("sortText").String(),
			InsertText:    entry.Get("insertText").String(),
			Source:        entry.Get("source").String(),
		})
		if len(names) < e.maxDetailed(q) {
			names = append(names, entryName(entry))
		}
	}

	if len(names) == 0 {
		return records, nil
	}

	details, err := e.call(ctx, "completionEntryDetails", map[string]any{
		"file":       q.Buffer.Path,
		"line":       line,
		"offset":     offset,
		"entryNames": names,
	})
	if err != nil {
		return nil, err
	}
	if !details.IsArray() {
		return nil, e.violation("completionEntryDetails", "body is not an array", details.Raw)
	}

	for i, detail := range details.Array() {
		if i >= len(records) {
			return nil, e.violation("completionEntryDetails", "more details than requested entries", details.Raw)
		}
		if err := e.applyDetail(&records[i], detail, q.Buffer); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (e *Engine) maxDetailed(q backend.CompletionQuery) int {
	if q.MaxDetailed > 0 {
		return q.MaxDetailed
	}
	return e.cfg.MaxDetailed
}

// entryName identifies an entry in a completionEntryDetails request.
func entryName(entry gjson.Result) any {
	source := entry.Get("source")
	data := entry.Get("data")
	if !source.Exists() && !data.Exists() {
		return entry.Get("name").String()
	}
	id := map[string]any{"name": entry.Get("name").String()}
	if source.Exists() {
		id["source"] = source.String()
	}
	if data.Exists() {
		id["data"] = json.RawMessage(data.Raw)
	}
	return id
}

// applyDetail copies display parts, documentation and code actions onto
// rec, verbatim.
func (e *Engine) applyDetail(rec *backend.CompletionRecord, detail gjson.Result, buf buffer.Buffer) error {
	if name := detail.Get("name").String(); name != rec.Name {
		return e.violation("completionEntryDetails", fmt.Sprintf("detail for %q answers entry %q", name, rec.Name), detail.Raw)
	}

	rec.Detailed = true
	rec.DisplayParts = texts(detail.Get("displayParts"))
	rec.Documentation = texts(detail.Get("documentation"))

	for _, action := range detail.Get("codeActions").Array() {
		ca := backend.CodeAction{Description: action.Get("description").String()}
		for _, change := range action.Get("changes").Array() {
			file := change.Get("fileName").String()
			contents := ""
			if file == buf.Path {
				contents = buf.Contents
			}
			for _, tc := range change.Get("textChanges").Array() {
				rng, err := e.fromWireRange(file, contents, tc.Get("start"), tc.Get("end"))
				if err != nil {
					return err
				}
				ca.Edits = append(ca.Edits, fixit.Chunk{
					ReplacementText: tc.Get("newText").String(),
					Range:           rng,
				})
			}
		}
		rec.Actions = append(rec.Actions, ca)
	}
	return nil
}

func texts(parts gjson.Result) []string {
	var out []string
	for _, p := range parts.Array() {
		out = append(out, p.Get("text").String())
	}
	return out
}

// Diagnostics implements backend.Engine.
func (e *Engine) Diagnostics(ctx context.Context, buf buffer.Buffer) ([]backend.DiagnosticRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sync(ctx, buf); err != nil {
		return nil, err
	}

	var out []backend.DiagnosticRecord
	for _, command := range []string{"syntacticDiagnosticsSync", "semanticDiagnosticsSync"} {
		body, err := e.call(ctx, command, map[string]any{
			"file":                buf.Path,
			"includeLinePosition": false,
		})
		if err != nil {
			return nil, err
		}
		if !body.IsArray() {
			return nil, e.violation(command, "body is not an array", body.Raw)
		}
		for _, d := range body.Array() {
			rng, err := e.fromWireRange(buf.Path, buf.Contents, d.Get("start"), d.Get("end"))
			if err != nil {
				return nil, err
			}
			out = append(out, backend.DiagnosticRecord{
				Range:    rng,
				Message:  d.Get("text").String(),
				Category: d.Get("category").String(),
				Code:     int(d.Get("code").Int()),
				Source:   d.Get("source").String(),
			})
		}
	}
	return out, nil
}

// toWire converts a byte-column location to tsserver's line and UTF-16
// offset.
func toWire(contents string, loc location.Location) (int, int) {
	text, _ := location.LineText(contents, loc.Line)
	return loc.Line, location.ColumnToUTF16(strings.TrimSuffix(text, "\r"), loc.Column)
}

// fromWire converts tsserver's {line, offset} to a byte-column location.
// Without contents the offset is used as the column unchanged.
func (e *Engine) fromWire(path, contents string, pos gjson.Result) (location.Location, error) {
	line, offset := pos.Get("line"), pos.Get("offset")
	if line.Type != gjson.Number || offset.Type != gjson.Number || line.Int() < 1 || offset.Int() < 1 {
		return location.Location{}, e.violation("", "malformed position", pos.Raw)
	}

	l, off := int(line.Int()), int(offset.Int())
	if contents == "" {
		return location.New(path, l, off), nil
	}
	text, _ := location.LineText(contents, l)
	return location.New(path, l, location.UTF16ToColumn(strings.TrimSuffix(text, "\r"), off)), nil
}

func (e *Engine) fromWireRange(path, contents string, start, end gjson.Result) (location.Range, error) {
	s, err := e.fromWire(path, contents, start)
	if err != nil {
		return location.Range{}, err
	}
	f, err := e.fromWire(path, contents, end)
	if err != nil {
		return location.Range{}, err
	}
	rng, err := location.NewRange(s, f)
	if err != nil {
		return location.Range{}, e.violation("", err.Error(), start.Raw+" "+end.Raw)
	}
	return rng, nil
}

func (e *Engine) violation(command, detail, payload string) error {
	err := &backend.ProtocolError{Command: command, Detail: detail, Payload: payload}
	e.log.Errorf("%v", err)
	return err
}
