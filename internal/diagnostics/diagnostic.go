package diagnostics

import (
	"sort"
	"strings"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/location"
)

// Kind is the severity of a diagnostic.
type Kind string

const (
	KindError       Kind = "ERROR"
	KindWarning     Kind = "WARNING"
	KindInformation Kind = "INFORMATION"
	KindHint        Kind = "HINT"
)

// Diagnostic is a backend-independent diagnostic.
type Diagnostic struct {
	Kind           Kind              `json:"kind"`
	Text           string            `json:"text"`
	Location       location.Location `json:"location"`
	LocationExtent location.Range    `json:"location_extent"`
	Ranges         []location.Range  `json:"ranges"`
	FixitAvailable bool              `json:"fixit_available"`
}

// KindFromCategory maps a backend category name onto a Kind.
func KindFromCategory(category string) Kind {
	switch strings.ToLower(category) {
	case "error":
		return KindError
	case "warning":
		return KindWarning
	case "suggestion", "hint":
		return KindHint
	default:
		return KindInformation
	}
}

// FromRecords converts backend records and sorts them by location.
func FromRecords(records []backend.DiagnosticRecord) []Diagnostic {
	out := make([]Diagnostic, 0, len(records))
	for _, r := range records {
		out = append(out, Diagnostic{
			Kind:           KindFromCategory(r.Category),
			Text:           r.Message,
			Location:       r.Range.Start,
			LocationExtent: r.Range,
			Ranges:         []location.Range{r.Range},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return location.Compare(out[i].Location, out[j].Location) < 0
	})
	return out
}

// Counts tallies diagnostics by kind.
func Counts(diags []Diagnostic) map[Kind]int {
	counts := make(map[Kind]int, 4)
	for _, d := range diags {
		counts[d.Kind]++
	}
	return counts
}
