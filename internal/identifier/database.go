// Package identifier keeps the identifiers seen in each buffer and answers
// fuzzy queries against them. It backs completion when no semantic
// completion is requested.
package identifier

import (
	"sort"
	"sync"
)

// Candidate is one identifier matching a query.
type Candidate struct {
	Text  string
	Score int
}

// Database maps filetype to path to identifiers.
type Database struct {
	mu    sync.RWMutex
	files map[string]map[string]map[string]struct{}
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{files: make(map[string]map[string]map[string]struct{})}
}

// AddIdentifiers merges ids into the set stored for path.
func (d *Database) AddIdentifiers(filetype, path string, ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(filetype, path, ids)
}

// SetIdentifiers replaces the set stored for path. Readers see either the
// old set or the new one.
func (d *Database) SetIdentifiers(filetype, path string, ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if paths := d.files[filetype]; paths != nil {
		delete(paths, path)
	}
	d.addLocked(filetype, path, ids)
}

func (d *Database) addLocked(filetype, path string, ids []string) {
	set := d.fileLocked(filetype, path)
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

// ClearForFile drops every identifier stored for path.
func (d *Database) ClearForFile(filetype, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := d.files[filetype]
	if paths == nil {
		return
	}
	delete(paths, path)
	if len(paths) == 0 {
		delete(d.files, filetype)
	}
}

func (d *Database) fileLocked(filetype, path string) map[string]struct{} {
	paths := d.files[filetype]
	if paths == nil {
		paths = make(map[string]map[string]struct{})
		d.files[filetype] = paths
	}
	set := paths[path]
	if set == nil {
		set = make(map[string]struct{})
		paths[path] = set
	}
	return set
}

// Len returns how many distinct identifiers are stored for filetype.
func (d *Database) Len(filetype string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, set := range d.files[filetype] {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// ResultsForQuery returns up to limit identifiers of filetype matching
// query, best first. The query itself is never returned. limit <= 0 means
// no limit.
func (d *Database) ResultsForQuery(query, filetype string, limit int) []Candidate {
	if query == "" {
		return nil
	}

	d.mu.RLock()
	seen := make(map[string]struct{})
	var out []Candidate
	for _, set := range d.files[filetype] {
		for id := range set {
			if _, dup := seen[id]; dup || id == query {
				continue
			}
			seen[id] = struct{}{}
			if Match(id, query) {
				out = append(out, Candidate{Text: id, Score: Score(id, query)})
			}
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if len(out[i].Text) != len(out[j].Text) {
			return len(out[i].Text) < len(out[j].Text)
		}
		return out[i].Text < out[j].Text
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
