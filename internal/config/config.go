// Package config loads keycomplete settings from a TOML file.
//
// Values missing from the file keep their defaults. Durations are written
// as Go duration strings ("250ms", "10s"). Environment variables prefixed
// with KEYCOMPLETE_ override file values, and Watch reloads the file when
// it changes on disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every keycomplete setting.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Completion  CompletionConfig  `toml:"completion"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	TSServer    TSServerConfig    `toml:"tsserver"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `toml:"level"`

	// File receives log output instead of stderr when set.
	File string `toml:"file"`
}

// CompletionConfig configures the completion dispatcher.
type CompletionConfig struct {
	// Identifiers answers non-semantic requests from the identifier
	// database.
	Identifiers          bool `toml:"identifiers"`
	MaxIdentifierResults int  `toml:"max_identifier_results"`

	// MaxDetailed bounds how many entries get signatures and documentation.
	MaxDetailed int `toml:"max_detailed"`

	// StrictReadiness makes every semantic request wait for the buffer's
	// diagnostics first.
	StrictReadiness  bool     `toml:"strict_readiness"`
	ReadinessTimeout Duration `toml:"readiness_timeout"`
}

// DiagnosticsConfig configures the diagnostics scheduler.
type DiagnosticsConfig struct {
	Timeout  Duration `toml:"timeout"`
	Debounce Duration `toml:"debounce"`
}

// TSServerConfig configures the TypeScript backend.
type TSServerConfig struct {
	Command        string            `toml:"command"`
	Args           []string          `toml:"args"`
	Env            map[string]string `toml:"env"`
	WorkDir        string            `toml:"workdir"`
	RequestTimeout Duration          `toml:"request_timeout"`
	StartTimeout   Duration          `toml:"start_timeout"`
}

// Duration is a time.Duration encoded as a string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText encodes the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Completion: CompletionConfig{
			Identifiers:          true,
			MaxIdentifierResults: 50,
			MaxDetailed:          100,
			ReadinessTimeout:     Duration{5 * time.Second},
		},
		Diagnostics: DiagnosticsConfig{
			Timeout: Duration{10 * time.Second},
		},
		TSServer: TSServerConfig{
			Command:        "tsserver",
			Args:           []string{"--disableAutomaticTypingAcquisition"},
			RequestTimeout: Duration{30 * time.Second},
			StartTimeout:   Duration{30 * time.Second},
		},
	}
}

// Load reads the configuration at path. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes TOML data over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(source string, data []byte) (Config, error) {
	cfg := Default()

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
			pe.Message = de.Error()
		}
		return Default(), pe
	}

	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Field: "log.level", Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", c.Log.Level)}
	}

	if c.Completion.MaxIdentifierResults < 0 {
		return &ValidationError{Field: "completion.max_identifier_results", Message: "must not be negative"}
	}
	if c.Completion.MaxDetailed < 0 {
		return &ValidationError{Field: "completion.max_detailed", Message: "must not be negative"}
	}

	durations := []struct {
		field string
		value Duration
	}{
		{"completion.readiness_timeout", c.Completion.ReadinessTimeout},
		{"diagnostics.timeout", c.Diagnostics.Timeout},
		{"tsserver.request_timeout", c.TSServer.RequestTimeout},
		{"tsserver.start_timeout", c.TSServer.StartTimeout},
	}
	for _, d := range durations {
		if d.value.Duration <= 0 {
			return &ValidationError{Field: d.field, Message: "must be positive"}
		}
	}
	if c.Diagnostics.Debounce.Duration < 0 {
		return &ValidationError{Field: "diagnostics.debounce", Message: "must not be negative"}
	}

	if strings.TrimSpace(c.TSServer.Command) == "" {
		return &ValidationError{Field: "tsserver.command", Message: "must not be empty"}
	}
	return nil
}
