// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TESTFORGE_"

// configValidate is shared by Config and task files.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	// "regexp": the string compiles. Empty strings pass.
	_ = configValidate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := regexp.Compile(s)
		return err == nil
	})
}

// DefaultPath returns ~/.testforge/testforge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".testforge", "testforge.yaml"), nil
}

// Load reads the configuration.
//
// # Description
//
// Starts from DefaultConfig and overlays the YAML file at path. An empty
// path means DefaultPath, which may be missing; an explicit path must
// exist. Environment overrides are applied afterwards and the result is
// validated.
//
// # Inputs
//
//   - path: Config file, or "" for the default location.
//   - lookup: Environment lookup, usually os.LookupEnv. Nil skips overrides.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}

	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks field constraints and the cross-field rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Orchestrator.BackoffMax > 0 && c.Orchestrator.BackoffMax < c.Orchestrator.BackoffInitial {
		return fmt.Errorf("invalid config: orchestrator.backoff_max %s is below backoff_initial %s",
			c.Orchestrator.BackoffMax, c.Orchestrator.BackoffInitial)
	}
	if c.Metrics.Exporter == "prometheus" && !c.Metrics.Enabled {
		return fmt.Errorf("invalid config: metrics.exporter prometheus needs metrics.enabled")
	}
	if _, err := c.Thresholds(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envSetter func(c *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setFloat(dst func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

// envOverrides maps TESTFORGE_<NAME> to its field.
var envOverrides = map[string]envSetter{
	"LOG_LEVEL":          setString(func(c *Config) *string { return &c.Logging.Level }),
	"LOG_FORMAT":         setString(func(c *Config) *string { return &c.Logging.Format }),
	"LOG_DIR":            setString(func(c *Config) *string { return &c.Logging.Dir }),
	"HEALTH_PRESET":      setString(func(c *Config) *string { return &c.Health.Preset }),
	"HEARTBEAT_INTERVAL": setDuration(func(c *Config) *time.Duration { return &c.Health.Interval }),
	"KILL_GRACE":         setDuration(func(c *Config) *time.Duration { return &c.Supervisor.KillGrace }),
	"MAX_CONCURRENT":     setInt(func(c *Config) *int { return &c.Orchestrator.MaxConcurrent }),
	"MAX_ATTEMPTS":       setInt(func(c *Config) *int { return &c.Orchestrator.MaxAttempts }),
	"BUDGET_LIMIT":       setFloat(func(c *Config) *float64 { return &c.Orchestrator.BudgetLimit }),
	"ATTEMPT_TIMEOUT":    setDuration(func(c *Config) *time.Duration { return &c.Orchestrator.AttemptTimeout }),
	"SPAWN_RATE":         setFloat(func(c *Config) *float64 { return &c.Orchestrator.SpawnRate }),
	"WATCHDOG_ENABLED":   setBool(func(c *Config) *bool { return &c.Watchdog.Enabled }),
	"WATCHDOG_CEILING":   setInt(func(c *Config) *int { return &c.Watchdog.Ceiling }),
	"WATCHDOG_INTERVAL":  setDuration(func(c *Config) *time.Duration { return &c.Watchdog.Interval }),
	"METRICS_ENABLED":    setBool(func(c *Config) *bool { return &c.Metrics.Enabled }),
	"METRICS_EXPORTER":   setString(func(c *Config) *string { return &c.Metrics.Exporter }),
	"TRACE_EXPORTER":     setString(func(c *Config) *string { return &c.Tracing.Exporter }),
	"OTLP_ENDPOINT":      setString(func(c *Config) *string { return &c.Tracing.Endpoint }),
	"LISTEN":             setString(func(c *Config) *string { return &c.Server.Listen }),
	"JOURNAL_DIR":        setString(func(c *Config) *string { return &c.Journal.Dir }),
	"INBOX_DIR":          setString(func(c *Config) *string { return &c.Inbox.Dir }),
	"LOCK_DIR":           setString(func(c *Config) *string { return &c.Lock.Dir }),
}

// EnvNames lists the recognized environment variables.
func EnvNames() []string {
	out := make([]string, 0, len(envOverrides))
	for k := range envOverrides {
		out = append(out, EnvPrefix+k)
	}
	sort.Strings(out)
	return out
}

// ApplyEnv overlays TESTFORGE_* variables. Every malformed value is
// reported, not just the first.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err))
		}
	}
	return errors.Join(errs...)
}
