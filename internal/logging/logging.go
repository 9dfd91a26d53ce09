// Package logging configures the process-wide commonlog backend and hands
// out named loggers to the rest of keycomplete.
package logging

import (
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Prefix is prepended to every component logger name.
const Prefix = "keycomplete"

// Level represents the minimum severity that is written.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Verbosity maps the level onto commonlog's verbosity scale.
func (l Level) Verbosity() int {
	switch l {
	case LevelDebug:
		return 2
	case LevelWarn:
		return -1
	case LevelError:
		return -2
	default:
		return 1
	}
}

// MaxLevel maps the level onto commonlog's level type.
func (l Level) MaxLevel() commonlog.Level {
	switch l {
	case LevelDebug:
		return commonlog.Debug
	case LevelWarn:
		return commonlog.Warning
	case LevelError:
		return commonlog.Error
	default:
		return commonlog.Info
	}
}

var (
	mu      sync.Mutex
	current = LevelInfo
)

// Configure installs the backend. An empty path logs to stderr.
func Configure(level Level, path string) {
	mu.Lock()
	defer mu.Unlock()

	current = level
	if path == "" {
		commonlog.Configure(level.Verbosity(), nil)
	} else {
		commonlog.Configure(level.Verbosity(), &path)
	}
	commonlog.SetMaxLevel(level.MaxLevel())
}

// SetLevel changes the level of an already configured backend.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()

	if level == current {
		return
	}
	current = level
	commonlog.SetMaxLevel(level.MaxLevel())
}

// CurrentLevel returns the level last passed to Configure or SetLevel.
func CurrentLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// Get returns the logger for a component, e.g. Get("backend").
func Get(component string) commonlog.Logger {
	if component == "" {
		return commonlog.GetLogger(Prefix)
	}
	return commonlog.GetLogger(Prefix + "." + component)
}
