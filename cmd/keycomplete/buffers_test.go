package main

import "testing"

func TestFiletypeFor(t *testing.T) {
	tests := map[string]string{
		"/src/app.ts":     "typescript",
		"/src/App.TSX":    "typescriptreact",
		"/src/index.mjs":  "javascript",
		"/src/view.jsx":   "javascriptreact",
		"/src/types.d.ts": "typescript",
		"/src/main.go":    "",
		"Makefile":        "",
	}
	for path, want := range tests {
		if got := filetypeFor(path); got != want {
			t.Errorf("filetypeFor(%q) = %q, want %q", path, got, want)
		}
	}
}
