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
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/diagnostics"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/heartbeat"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/infra/process"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/resilience"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/watchdog"
	"github.com/AleutianAI/testforge/pkg/logging"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// PresetCustom keeps the thresholds exactly as written in the file.
const PresetCustom = "custom"

// Config is the testforge.yaml schema. It is read once at startup.
type Config struct {
	Meta         MetaConfig         `yaml:"meta"`
	Logging      LoggingConfig      `yaml:"logging"`
	Health       HealthConfig       `yaml:"health"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Server       ServerConfig       `yaml:"server"`
	Journal      JournalConfig      `yaml:"journal"`
	Inbox        InboxConfig        `yaml:"inbox"`
	Lock         LockConfig         `yaml:"lock"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty"`
}

// HealthConfig selects the analyzer thresholds and the heartbeat period.
type HealthConfig struct {
	// Preset is default, strict, lenient or custom. Any preset but custom
	// replaces Thresholds.
	Preset     string                `yaml:"preset" validate:"omitempty,oneof=default strict lenient custom"`
	Thresholds health.AnalysisConfig `yaml:"thresholds"`
	Interval   time.Duration         `yaml:"heartbeat_interval" validate:"gte=0"`
}

type SupervisorConfig struct {
	KillGrace          time.Duration `yaml:"kill_grace" validate:"gte=0"`
	ProgressPattern    string        `yaml:"progress_pattern" validate:"regexp"`
	ErrorPattern       string        `yaml:"error_pattern" validate:"regexp"`
	InputPromptPattern string        `yaml:"input_prompt_pattern" validate:"regexp"`
	TailLines          int           `yaml:"tail_lines" validate:"gte=0"`
	MaxStdoutBytes     int           `yaml:"max_stdout_bytes" validate:"gte=0"`
}

type OrchestratorConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" validate:"gte=1,lte=256"`
	BudgetLimit    float64       `yaml:"budget_limit" validate:"gte=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=100"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`
	BackoffInitial time.Duration `yaml:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" validate:"gte=0"`
	SpawnRate      float64       `yaml:"spawn_rate" validate:"gte=0"`
	SpawnBurst     int           `yaml:"spawn_burst" validate:"gte=0"`

	// BreakerThreshold is how many consecutive spawn failures of one
	// executable open its circuit.
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gte=0"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

type WatchdogConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Ceiling  int           `yaml:"ceiling" validate:"gte=1"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// ProcessNames adds a host-wide scan for these executables, catching
	// workers that outlived a previous run.
	ProcessNames []string `yaml:"process_names,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter publishes the OpenTelemetry instruments. "prometheus"
	// requires Enabled so they are served on /metrics.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=none prometheus stdout"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// ServerConfig enables the control API when Listen is set.
type ServerConfig struct {
	Listen string `yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// JournalConfig enables the event journal when Dir is set.
type JournalConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// InboxConfig enables directory submissions when Dir is set.
type InboxConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

type LockConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	sup := process.DefaultConfig()
	orch := orchestrator.DefaultConfig()
	timeouts := util.NewTimeoutConfig()
	return Config{
		Meta:    MetaConfig{Version: CurrentConfigVersion},
		Logging: LoggingConfig{Level: "info", Format: string(logging.FormatAuto)},
		Health: HealthConfig{
			Preset:     health.PresetDefault,
			Thresholds: health.DefaultConfig(),
			Interval:   timeouts.Heartbeat,
		},
		Supervisor: SupervisorConfig{
			KillGrace:          timeouts.KillGrace,
			ProgressPattern:    sup.ProgressPattern,
			ErrorPattern:       sup.ErrorPattern,
			InputPromptPattern: sup.InputPromptPattern,
			TailLines:          sup.TailLines,
			MaxStdoutBytes:     sup.MaxStdoutBytes,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:    orch.MaxConcurrent,
			MaxAttempts:      orch.DefaultMaxAttempts,
			AttemptTimeout:   timeouts.Attempt,
			BackoffInitial:   orch.BackoffInitial,
			BackoffMax:       orch.BackoffMax,
			SpawnRate:        orch.SpawnRate,
			SpawnBurst:       orch.SpawnBurst,
			BreakerThreshold: orch.Breaker.FailureThreshold,
			BreakerTimeout:   orch.Breaker.OpenTimeout,
		},
		Watchdog: WatchdogConfig{
			Enabled:  true,
			Ceiling:  watchdog.DefaultCeiling,
			Interval: timeouts.Watchdog,
		},
		Metrics: MetricsConfig{Enabled: true, Exporter: diagnostics.MeterExporterNone},
		Tracing: TracingConfig{Exporter: diagnostics.TraceExporterNone},
	}
}

// =============================================================================
// Component configurations
// =============================================================================

// Thresholds resolves the preset into analyzer thresholds.
func (c Config) Thresholds() (health.AnalysisConfig, error) {
	switch c.Health.Preset {
	case "", PresetCustom:
		return c.Health.Thresholds, nil
	default:
		return health.Preset(c.Health.Preset)
	}
}

// Timeouts collects every configured time limit with defaults and floors
// applied.
func (c Config) Timeouts() util.TimeoutConfig {
	return util.TimeoutConfig{
		Heartbeat: c.Health.Interval,
		KillGrace: c.Supervisor.KillGrace,
		Attempt:   c.Orchestrator.AttemptTimeout,
		Watchdog:  c.Watchdog.Interval,
	}.Validated()
}

// ForSupervisor builds the process supervisor configuration.
func (c Config) ForSupervisor() (process.Config, error) {
	thresholds, err := c.Thresholds()
	if err != nil {
		return process.Config{}, err
	}
	timeouts := c.Timeouts()
	out := process.DefaultConfig()
	out.KillGrace = timeouts.KillGrace
	out.ProgressPattern = c.Supervisor.ProgressPattern
	out.ErrorPattern = c.Supervisor.ErrorPattern
	out.InputPromptPattern = c.Supervisor.InputPromptPattern
	if c.Supervisor.TailLines > 0 {
		out.TailLines = c.Supervisor.TailLines
	}
	if c.Supervisor.MaxStdoutBytes > 0 {
		out.MaxStdoutBytes = c.Supervisor.MaxStdoutBytes
	}
	out.Heartbeat = heartbeat.Config{
		Interval: timeouts.Heartbeat,
		Analysis: thresholds,
	}
	return out, nil
}

// ForOrchestrator builds the orchestrator configuration.
func (c Config) ForOrchestrator() orchestrator.Config {
	o := c.Orchestrator
	breaker := resilience.DefaultConfig()
	if o.BreakerThreshold > 0 {
		breaker.FailureThreshold = o.BreakerThreshold
	}
	if o.BreakerTimeout > 0 {
		breaker.OpenTimeout = o.BreakerTimeout
	}
	return orchestrator.Config{
		MaxConcurrent:      o.MaxConcurrent,
		BudgetLimit:        o.BudgetLimit,
		DefaultMaxAttempts: o.MaxAttempts,
		DefaultTimeout:     c.Timeouts().Attempt,
		BackoffInitial:     o.BackoffInitial,
		BackoffMax:         o.BackoffMax,
		SpawnRate:          o.SpawnRate,
		SpawnBurst:         o.SpawnBurst,
		Breaker:            breaker,
	}
}

// ForWatchdog builds the watchdog configuration.
func (c Config) ForWatchdog() watchdog.Config {
	return watchdog.Config{Ceiling: c.Watchdog.Ceiling, Interval: c.Timeouts().Watchdog}
}

// ForLogging builds the logger configuration. An unknown level falls
// back to info; Validate rejects it first.
func (c Config) ForLogging(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.Format(strings.ToLower(c.Logging.Format))
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		Format:  format,
	}
}

// ForTracer builds the tracer configuration.
func (c Config) ForTracer() diagnostics.TracerConfig {
	return diagnostics.TracerConfig{
		Exporter:    c.Tracing.Exporter,
		ServiceName: "testforge",
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
	}
}

// ForMeter builds the OpenTelemetry meter configuration.
func (c Config) ForMeter() diagnostics.MeterConfig {
	return diagnostics.MeterConfig{
		Exporter:    c.Metrics.Exporter,
		ServiceName: "testforge",
	}
}

// LockDir returns the instance lock directory.
func (c Config) LockDir() string {
	if c.Lock.Dir != "" {
		return c.Lock.Dir
	}
	return os.TempDir()
}
