package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYCOMPLETE_"

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// envSetters maps variable names, without the prefix, onto setters.
var envSetters = map[string]func(c *Config, v string) error{
	"LOG_LEVEL": func(c *Config, v string) error {
		c.Log.Level = v
		return nil
	},
	"LOG_FILE": func(c *Config, v string) error {
		c.Log.File = v
		return nil
	},
	"IDENTIFIERS": func(c *Config, v string) error {
		return setBool(&c.Completion.Identifiers, v)
	},
	"STRICT_READINESS": func(c *Config, v string) error {
		return setBool(&c.Completion.StrictReadiness, v)
	},
	"READINESS_TIMEOUT": func(c *Config, v string) error {
		return setDuration(&c.Completion.ReadinessTimeout, v)
	},
	"DIAGNOSTICS_TIMEOUT": func(c *Config, v string) error {
		return setDuration(&c.Diagnostics.Timeout, v)
	},
	"TSSERVER_COMMAND": func(c *Config, v string) error {
		c.TSServer.Command = v
		return nil
	},
	"TSSERVER_WORKDIR": func(c *Config, v string) error {
		c.TSServer.WorkDir = v
		return nil
	},
}

// ApplyEnv overrides settings from KEYCOMPLETE_* variables. A nil lookup
// reads the process environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for name, set := range envSetters {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return &ValidationError{Field: EnvPrefix + name, Message: err.Error()}
		}
	}
	return c.Validate()
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	dst.Duration = d
	return nil
}
