// Package fixit represents proposed source edits as ordered,
// non-overlapping text chunks anchored to ranges.
//
// A Fixit can only be obtained from Build, which sorts its chunks by start
// location and rejects overlapping edits. Consumers may therefore apply the
// chunks back to front (highest offset first) without recomputing offsets.
package fixit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/keycomplete/internal/location"
)

var (
	// ErrConflictingEdit indicates two edits of one fixit overlap with
	// different replacement text.
	ErrConflictingEdit = errors.New("conflicting edit")

	// ErrForeignChunk indicates an edit targets a file other than the
	// fixit's anchor.
	ErrForeignChunk = errors.New("chunk outside anchor file")
)

// Chunk is one atomic text replacement.
type Chunk struct {
	ReplacementText string         `json:"replacement_text"`
	Range           location.Range `json:"range"`
}

// Fixit is one applicable source modification.
type Fixit struct {
	Text     string            `json:"text"`
	Location location.Location `json:"location"`

	chunks []Chunk
}

// Chunks returns a copy of the fixit's chunks in ascending start order.
func (f Fixit) Chunks() []Chunk {
	out := make([]Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

// MarshalJSON encodes the fixit with its chunks.
func (f Fixit) MarshalJSON() ([]byte, error) {
	chunks := f.chunks
	if chunks == nil {
		chunks = []Chunk{}
	}
	return json.Marshal(struct {
		Text     string            `json:"text"`
		Location location.Location `json:"location"`
		Chunks   []Chunk           `json:"chunks"`
	}{f.Text, f.Location, chunks})
}

// ConflictError describes the pair of chunks that could not be combined.
type ConflictError struct {
	First  Chunk
	Second Chunk
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting edit: %v (%q) overlaps %v (%q)",
		e.First.Range, e.First.ReplacementText, e.Second.Range, e.Second.ReplacementText)
}

// Unwrap returns ErrConflictingEdit.
func (e *ConflictError) Unwrap() error {
	return ErrConflictingEdit
}

// Build validates edits and returns a fixit with its chunks sorted by start
// location. Overlapping edits are merged when they are identical; any other
// overlap fails with a *ConflictError.
func Build(description string, anchor location.Location, edits []Chunk) (Fixit, error) {
	chunks := make([]Chunk, 0, len(edits))
	for _, e := range edits {
		if _, err := location.NewRange(e.Range.Start, e.Range.End); err != nil {
			return Fixit{}, err
		}
		if anchor.Filepath != "" && e.Range.Start.Filepath != anchor.Filepath {
			return Fixit{}, fmt.Errorf("%w: %s", ErrForeignChunk, e.Range.Start.Filepath)
		}
		chunks = append(chunks, e)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return lessChunk(chunks[i], chunks[j])
	})

	merged := chunks[:0]
	for _, c := range chunks {
		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if prev.Range == c.Range && prev.ReplacementText == c.ReplacementText {
				continue
			}
			if prev.Range.Overlaps(c.Range) {
				return Fixit{}, &ConflictError{First: prev, Second: c}
			}
		}
		merged = append(merged, c)
	}

	return Fixit{Text: description, Location: anchor, chunks: merged}, nil
}

// lessChunk orders chunks by start, then end, so that an insertion at the
// start of a replaced range sorts before the replacement.
func lessChunk(a, b Chunk) bool {
	if c := location.Compare(a.Range.Start, b.Range.Start); c != 0 {
		return c < 0
	}
	return location.Compare(a.Range.End, b.Range.End) < 0
}

// Apply applies the fixit to contents, back to front.
func Apply(contents string, f Fixit) (string, error) {
	out := contents
	for i := len(f.chunks) - 1; i >= 0; i-- {
		c := f.chunks[i]
		start, err := location.OffsetOf(contents, c.Range.Start)
		if err != nil {
			return "", err
		}
		end, err := location.OffsetOf(contents, c.Range.End)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.Grow(len(out) - (end - start) + len(c.ReplacementText))
		b.WriteString(out[:start])
		b.WriteString(c.ReplacementText)
		b.WriteString(out[end:])
		out = b.String()
	}
	return out, nil
}
