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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
	"github.com/AleutianAI/testforge/pkg/logging"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Watchdog.Ceiling)
	assert.Equal(t, time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrent)
	assert.True(t, cfg.Watchdog.Enabled)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "testforge.yaml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "heartbeat_interval: 30s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeFile(t, "testforge.yaml", `
health:
  preset: strict
  heartbeat_interval: 5s
orchestrator:
  max_concurrent: 5
  budget_limit: 2.5
  backoff_initial: 2s
  backoff_max: 30s
watchdog:
  ceiling: 8
  process_names: [claude]
server:
  listen: "127.0.0.1:8080"
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, 2.5, cfg.Orchestrator.BudgetLimit)
	assert.Equal(t, 8, cfg.Watchdog.Ceiling)
	assert.Equal(t, []string{"claude"}, cfg.Watchdog.ProcessNames)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)

	sup, err := cfg.ForSupervisor()
	require.NoError(t, err)
	strict, err := health.Preset(health.PresetStrict)
	require.NoError(t, err)
	assert.Equal(t, strict, sup.Heartbeat.Analysis)
	assert.Equal(t, 5*time.Second, sup.Heartbeat.Interval)

	orch := cfg.ForOrchestrator()
	assert.Equal(t, 5, orch.MaxConcurrent)
	assert.Equal(t, 2*time.Second, orch.BackoffInitial)
	assert.Equal(t, 30*time.Second, orch.BackoffMax)

	wd := cfg.ForWatchdog()
	assert.Equal(t, 8, wd.Ceiling)
}

func TestTimeouts_DefaultsMatchProduction(t *testing.T) {
	assert.Equal(t, util.NewTimeoutConfig(), DefaultConfig().Timeouts())
}

func TestTimeouts_AppliesFloors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.Interval = time.Nanosecond
	cfg.Orchestrator.AttemptTimeout = 0
	cfg.Watchdog.Interval = 0

	got := cfg.Timeouts()
	assert.Equal(t, util.MinHeartbeatInterval, got.Heartbeat)
	assert.Equal(t, util.DefaultAttemptTimeout, got.Attempt)
	assert.Equal(t, util.DefaultWatchdogInterval, got.Watchdog)
	assert.Equal(t, got.Attempt, cfg.ForOrchestrator().DefaultTimeout)
	assert.Equal(t, got.Watchdog, cfg.ForWatchdog().Interval)
}

func TestLoad_CustomThresholds(t *testing.T) {
	path := writeFile(t, "testforge.yaml", `
health:
  preset: custom
  thresholds:
    cpu_threshold: 150
    memory_threshold_mb: 512
    max_error_count: 5
    silence_timeout: 90s
    min_confidence: 0.6
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	th, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, health.AnalysisConfig{
		CPUThreshold:      150,
		MemoryThresholdMB: 512,
		MaxErrorCount:     5,
		SilenceTimeout:    90 * time.Second,
		MinConfidence:     0.6,
	}, th)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "failed to read")

	_, err = Load(writeFile(t, "bad.yaml", "orchestrator: [1, 2"), nil)
	assert.ErrorContains(t, err, "failed to parse")

	tests := map[string]string{
		"zero concurrency": "orchestrator:\n  max_concurrent: 0\n",
		"bad level":        "logging:\n  level: loud\n",
		"bad preset":       "health:\n  preset: paranoid\n",
		"bad regexp":       "supervisor:\n  error_pattern: \"([\"\n",
		"backoff order":    "orchestrator:\n  backoff_initial: 1m\n  backoff_max: 1s\n",
		"bad listen":       "server:\n  listen: not-an-address\n",
		"bad exporter":     "tracing:\n  exporter: zipkin\n",
		"bad meter":        "metrics:\n  exporter: statsd\n",
		"prom disabled":    "metrics:\n  enabled: false\n  exporter: prometheus\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", body), nil)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TESTFORGE_MAX_CONCURRENT":   "7",
		"TESTFORGE_BUDGET_LIMIT":     " 12.5 ",
		"TESTFORGE_WATCHDOG_ENABLED": "false",
		"TESTFORGE_ATTEMPT_TIMEOUT":  "90s",
		"TESTFORGE_LOG_LEVEL":        "debug",
		"TESTFORGE_LISTEN":           ":9090",
		"TESTFORGE_METRICS_EXPORTER": "stdout",
		"UNRELATED":                  "x",
	}))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, 12.5, cfg.Orchestrator.BudgetLimit)
	assert.False(t, cfg.Watchdog.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.AttemptTimeout)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "stdout", cfg.ForMeter().Exporter)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, logging.LevelDebug, cfg.ForLogging("testforge").Level)
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TESTFORGE_MAX_CONCURRENT":     "many",
		"TESTFORGE_HEARTBEAT_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTFORGE_MAX_CONCURRENT")
	assert.Contains(t, err.Error(), "TESTFORGE_HEARTBEAT_INTERVAL")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "testforge.yaml", "watchdog:\n  ceiling: 8\n")
	cfg, err := Load(path, envMap(map[string]string{"TESTFORGE_WATCHDOG_CEILING": "4"}))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Watchdog.Ceiling)
}

func TestEnvNames(t *testing.T) {
	names := EnvNames()
	assert.Contains(t, names, "TESTFORGE_MAX_CONCURRENT")
	assert.IsIncreasing(t, names)
}

func TestMarshal(t *testing.T) {
	data, err := DefaultConfig().Marshal()
	require.NoError(t, err)
	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, DefaultConfig(), back)
}

// =============================================================================
// Task files
// =============================================================================

func TestParseTasks_FileWithDefaults(t *testing.T) {
	tasks, err := ParseTasks([]byte(`
defaults:
  command: claude
  max_attempts: 2
  timeout: 5m
  estimated_cost: 0.05
  env:
    ANTHROPIC_MODEL: sonnet
    CI: "1"
tasks:
  - id: app
    args: ["-p", "Write tests for app.py", "--output-format", "json"]
  - id: util
    priority: 3
    estimated_cost: 0.2
    env:
      CI: "0"
    args: ["-p", "Write tests for util.py"]
`))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "claude", tasks[0].Command)
	assert.Equal(t, 2, tasks[0].MaxAttempts)
	assert.Equal(t, 5*time.Minute, tasks[0].Timeout)
	assert.Equal(t, 0.05, tasks[0].EstimatedCost)
	assert.Equal(t, "1", tasks[0].Env["CI"])

	assert.Equal(t, 3, tasks[1].Priority)
	assert.Equal(t, 0.2, tasks[1].EstimatedCost)
	assert.Equal(t, "0", tasks[1].Env["CI"])
	assert.Equal(t, "sonnet", tasks[1].Env["ANTHROPIC_MODEL"])
}

func TestParseTasks_SingleTask(t *testing.T) {
	tasks, err := ParseTasks([]byte("id: one\ncommand: \"claude -p 'hi'\"\n"))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "one", tasks[0].ID)
}

func TestParseTasks_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":           "",
		"no tasks":        "tasks: []\n",
		"missing command": "tasks:\n  - id: a\n",
		"unknown key":     "tasks:\n  - id: a\n    command: x\n    colour: red\n",
		"duplicate":       "tasks:\n  - id: a\n    command: x\n  - id: a\n    command: y\n",
		"negative cost":   "id: a\ncommand: x\nestimated_cost: -1\n",
		"bad yaml":        "tasks: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTasks([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadTasks(t *testing.T) {
	path := writeFile(t, "tasks.yaml", "tasks:\n  - command: claude\n")
	tasks, err := LoadTasks(path)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = LoadTasks(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
