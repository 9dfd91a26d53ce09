package completion

import (
	"strings"

	"github.com/dshills/keycomplete/internal/backend"
	"github.com/dshills/keycomplete/internal/fixit"
)

// ItemKind is the backend-independent kind of a completion entry.
type ItemKind string

const (
	ItemKindClass         ItemKind = "Class"
	ItemKindConstructor   ItemKind = "Constructor"
	ItemKindEnum          ItemKind = "Enum"
	ItemKindEnumMember    ItemKind = "EnumMember"
	ItemKindFunction      ItemKind = "Function"
	ItemKindIdentifier    ItemKind = "Identifier"
	ItemKindInterface     ItemKind = "Interface"
	ItemKindKeyword       ItemKind = "Keyword"
	ItemKindMethod        ItemKind = "Method"
	ItemKindModule        ItemKind = "Module"
	ItemKindProperty      ItemKind = "Property"
	ItemKindType          ItemKind = "Type"
	ItemKindTypeParameter ItemKind = "TypeParameter"
	ItemKindVariable      ItemKind = "Variable"
	ItemKindText          ItemKind = "Text"
)

// Entry is one completion candidate.
type Entry struct {
	InsertionText string     `json:"insertion_text"`
	MenuText      string     `json:"menu_text"`
	ExtraMenuInfo string     `json:"extra_menu_info,omitempty"`
	DetailedInfo  string     `json:"detailed_info,omitempty"`
	Kind          ItemKind   `json:"kind"`
	ExtraData     *ExtraData `json:"extra_data,omitempty"`
}

// ExtraData carries the fixits attached to an entry.
type ExtraData struct {
	Fixits []fixit.Fixit `json:"fixits"`
}

// KindFromBackend maps a tsserver-style kind name onto an ItemKind.
func KindFromBackend(kind string) ItemKind {
	switch strings.ToLower(kind) {
	case "class", "local class":
		return ItemKindClass
	case "constructor", "construct":
		return ItemKindConstructor
	case "enum":
		return ItemKindEnum
	case "enum member":
		return ItemKindEnumMember
	case "function", "local function":
		return ItemKindFunction
	case "interface":
		return ItemKindInterface
	case "keyword":
		return ItemKindKeyword
	case "method":
		return ItemKindMethod
	case "module", "external module name", "script", "directory":
		return ItemKindModule
	case "property", "getter", "setter", "accessor", "index":
		return ItemKindProperty
	case "type", "alias", "primitive type":
		return ItemKindType
	case "type parameter":
		return ItemKindTypeParameter
	case "var", "local var", "let", "const", "parameter", "using", "await using":
		return ItemKindVariable
	default:
		return ItemKindText
	}
}

// entryFromRecord copies a record verbatim: the joined display parts
// become the menu info and the name plus joined documentation become the
// detailed info.
func entryFromRecord(rec backend.CompletionRecord) Entry {
	e := Entry{
		InsertionText: rec.Name,
		MenuText:      rec.Name,
		Kind:          KindFromBackend(rec.Kind),
	}
	if rec.Detailed {
		e.ExtraMenuInfo = strings.Join(rec.DisplayParts, "")
		e.DetailedInfo = rec.Name + "\n\n" + strings.Join(rec.Documentation, "")
	}
	return e
}
