package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/keycomplete/internal/service"
)

// filetypeFor guesses a filetype from a file extension.
func filetypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	default:
		return ""
	}
}

// openBuffer reads path from disk and visits it. It returns the absolute
// path and contents that were submitted.
func openBuffer(ctx context.Context, svc *service.Service, path, filetype string) (string, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", "", err
	}
	if filetype == "" {
		filetype = filetypeFor(abs)
	}
	if filetype == "" {
		return "", "", fmt.Errorf("cannot determine filetype of %s (use --filetype)", path)
	}

	err = svc.HandleEvent(ctx, service.BufferEvent{
		Filepath: abs,
		Contents: string(data),
		Filetype: filetype,
		Kind:     service.EventFileReadyToParse,
	})
	if err != nil {
		return "", "", err
	}
	return abs, string(data), nil
}

// readyTimeout returns how long commands wait for diagnostics.
func readyTimeout() time.Duration {
	return cfg.TSServer.StartTimeout.Duration + cfg.Diagnostics.Timeout.Duration
}
