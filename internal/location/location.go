// Package location provides 1-based line/column addressing and range
// primitives shared by the buffer, diagnostics, fixit and completion layers.
//
// Columns are byte offsets into the line, counted from 1. Backends that
// address text in UTF-16 code units convert at their boundary using
// ColumnToUTF16 and UTF16ToColumn.
package location

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLocation indicates a location outside the buffer bounds.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidRange indicates a range whose end precedes its start or
	// whose endpoints are in different files.
	ErrInvalidRange = errors.New("invalid range")
)

// Location is a position in a file. Line and Column are 1-based.
type Location struct {
	Line     int    `json:"line_num"`
	Column   int    `json:"column_num"`
	Filepath string `json:"filepath"`
}

// New creates a location.
func New(path string, line, column int) Location {
	return Location{Line: line, Column: column, Filepath: path}
}

// Valid reports whether line and column are both at least 1.
func (l Location) Valid() bool {
	return l.Line >= 1 && l.Column >= 1
}

// Before reports whether l precedes other in document order.
func (l Location) Before(other Location) bool {
	return Compare(l, other) < 0
}

// String returns "path:line:column".
func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.Filepath, l.Line, l.Column)
}

// Compare orders two locations by line, then column.
// The file path is not part of the ordering.
func Compare(a, b Location) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Column < b.Column:
		return -1
	case a.Column > b.Column:
		return 1
	default:
		return 0
	}
}

// Range is a span between two locations in the same file.
// Start is inclusive and End is exclusive.
type Range struct {
	Start Location `json:"start"`
	End   Location `json:"end"`
}

// NewRange creates a range, validating that start does not follow end.
func NewRange(start, end Location) (Range, error) {
	if start.Filepath != end.Filepath {
		return Range{}, fmt.Errorf("%w: %s and %s are in different files", ErrInvalidRange, start, end)
	}
	if !start.Valid() || !end.Valid() {
		return Range{}, fmt.Errorf("%w: %s-%s", ErrInvalidRange, start, end)
	}
	if end.Before(start) {
		return Range{}, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidRange, end, start)
	}
	return Range{Start: start, End: end}, nil
}

// Point returns a zero-width range at loc.
func Point(loc Location) Range {
	return Range{Start: loc, End: loc}
}

// Empty reports whether the range has zero width.
func (r Range) Empty() bool {
	return Compare(r.Start, r.End) == 0
}

// Contains reports whether loc lies within [Start, End).
func (r Range) Contains(loc Location) bool {
	return Compare(r.Start, loc) <= 0 && Compare(loc, r.End) < 0
}

// Overlaps reports whether two ranges share any text.
// Two zero-width ranges at the same point overlap, since the order in
// which their insertions apply is ambiguous.
func (r Range) Overlaps(other Range) bool {
	if r.Empty() && other.Empty() {
		return Compare(r.Start, other.Start) == 0
	}
	if r.Empty() {
		return Compare(other.Start, r.Start) < 0 && Compare(r.Start, other.End) < 0
	}
	if other.Empty() {
		return Compare(r.Start, other.Start) < 0 && Compare(other.Start, r.End) < 0
	}
	return Compare(r.Start, other.End) < 0 && Compare(other.Start, r.End) < 0
}

// String returns "path:l:c-l:c".
func (r Range) String() string {
	return fmt.Sprintf("%s-%d:%d", r.Start, r.End.Line, r.End.Column)
}

// LineText returns the text of a 1-based line without its terminator.
// A trailing carriage return is kept so that byte columns stay aligned
// with the raw contents.
func LineText(contents string, line int) (string, bool) {
	if line < 1 {
		return "", false
	}
	start := 0
	for i := 1; i < line; i++ {
		idx := strings.IndexByte(contents[start:], '\n')
		if idx < 0 {
			return "", false
		}
		start += idx + 1
	}
	end := strings.IndexByte(contents[start:], '\n')
	if end < 0 {
		return contents[start:], true
	}
	return contents[start : start+end], true
}

// LineCount returns the number of lines in contents.
// An empty buffer has one (empty) line.
func LineCount(contents string) int {
	return strings.Count(contents, "\n") + 1
}

// OffsetOf converts a location into a byte offset within contents.
// The column just past the last byte of a line is in bounds.
func OffsetOf(contents string, loc Location) (int, error) {
	if !loc.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidLocation, loc)
	}
	start := 0
	for i := 1; i < loc.Line; i++ {
		idx := strings.IndexByte(contents[start:], '\n')
		if idx < 0 {
			return 0, fmt.Errorf("%w: line %d beyond end of buffer", ErrInvalidLocation, loc.Line)
		}
		start += idx + 1
	}
	lineLen := strings.IndexByte(contents[start:], '\n')
	if lineLen < 0 {
		lineLen = len(contents) - start
	}
	if loc.Column > lineLen+1 {
		return 0, fmt.Errorf("%w: column %d beyond end of line %d", ErrInvalidLocation, loc.Column, loc.Line)
	}
	return start + loc.Column - 1, nil
}

// InBounds reports whether loc addresses a position inside contents.
func InBounds(contents string, loc Location) bool {
	_, err := OffsetOf(contents, loc)
	return err == nil
}

// LocationAt converts a byte offset into a location. Offsets beyond the
// buffer are clamped to its end.
func LocationAt(path, contents string, offset int) Location {
	if offset < 0 {
		offset = 0
	}
	if offset > len(contents) {
		offset = len(contents)
	}
	line := 1 + strings.Count(contents[:offset], "\n")
	lineStart := strings.LastIndexByte(contents[:offset], '\n') + 1
	return Location{Line: line, Column: offset - lineStart + 1, Filepath: path}
}
