package identifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"fortio.org/safecast"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	jsQuery = `[(identifier) (property_identifier) (shorthand_property_identifier)] @id`
	tsQuery = `[(identifier) (property_identifier) (shorthand_property_identifier) (type_identifier)] @id`
)

// MinLength is the shortest identifier worth storing.
const MinLength = 2

var lexicalIdentifier = regexp.MustCompile(`[\p{L}_$][\p{L}\p{N}_$]*`)

type grammar struct {
	lang  *sitter.Language
	query *sitter.Query
}

// Extractor pulls identifiers out of buffer contents. Filetypes with a
// grammar are parsed with tree-sitter, so identifiers inside strings and
// comments are skipped; any other filetype gets a lexical scan.
type Extractor struct {
	grammars map[string]*grammar
}

// NewExtractor compiles the identifier queries for every grammar.
func NewExtractor() (*Extractor, error) {
	x := &Extractor{grammars: make(map[string]*grammar)}

	specs := []struct {
		filetypes []string
		lang      *sitter.Language
		query     string
	}{
		{[]string{"typescript"}, typescript.GetLanguage(), tsQuery},
		{[]string{"typescriptreact"}, tsx.GetLanguage(), tsQuery},
		{[]string{"javascript", "javascriptreact"}, javascript.GetLanguage(), jsQuery},
	}

	for _, s := range specs {
		q, err := sitter.NewQuery([]byte(s.query), s.lang)
		if err != nil {
			x.Close()
			return nil, fmt.Errorf("compile identifier query for %v: %w", s.filetypes, err)
		}
		g := &grammar{lang: s.lang, query: q}
		for _, ft := range s.filetypes {
			x.grammars[ft] = g
		}
	}
	return x, nil
}

// Close releases the compiled queries.
func (x *Extractor) Close() {
	closed := make(map[*grammar]bool)
	for _, g := range x.grammars {
		if !closed[g] {
			g.query.Close()
			closed[g] = true
		}
	}
}

// HasGrammar reports whether filetype is parsed with tree-sitter.
func (x *Extractor) HasGrammar(filetype string) bool {
	_, ok := x.grammars[filetype]
	return ok
}

// Extract returns the sorted, distinct identifiers in contents.
func (x *Extractor) Extract(ctx context.Context, filetype, contents string) ([]string, error) {
	g, ok := x.grammars[filetype]
	if !ok {
		return Lexical(contents), nil
	}

	src := []byte(contents)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filetype, err)
	}
	defer tree.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(g.query, tree.RootNode())

	seen := make(map[string]struct{})
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		for _, capture := range match.Captures {
			if capture.Node == nil {
				continue
			}
			start, err := safecast.Conv[int](capture.Node.StartByte())
			if err != nil {
				continue
			}
			end, err := safecast.Conv[int](capture.Node.EndByte())
			if err != nil || end > len(src) || start >= end {
				continue
			}
			if id := contents[start:end]; len(id) >= MinLength {
				seen[id] = struct{}{}
			}
		}
	}
	return sorted(seen), nil
}

// Lexical extracts identifiers with a regular expression.
func Lexical(contents string) []string {
	seen := make(map[string]struct{})
	for _, id := range lexicalIdentifier.FindAllString(contents, -1) {
		if len(id) >= MinLength {
			seen[id] = struct{}{}
		}
	}
	return sorted(seen)
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
