// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testforge/cmd/testforge/config"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/journal"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// execute runs the root command with args and returns stdout. Flag values
// and their Changed marks are reset first so earlier calls do not leak in.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitAborted, exitCode(fmt.Errorf("run: %w", orchestrator.ErrAborted)))
	assert.Equal(t, exitAborted, exitCode(orchestrator.ErrWatchdogTripped))
	assert.Equal(t, exitInterrupted, exitCode(context.Canceled))
	assert.Equal(t, exitTasksFailed, exitCode(errTasksFailed))
	assert.Equal(t, exitFailure, exitCode(os.ErrNotExist))
}

func TestAnalyzeTarget_Scenarios(t *testing.T) {
	now := time.Now()
	all, err := analyzeTarget("", health.DefaultConfig(), now)
	require.NoError(t, err)
	assert.Len(t, all, len(health.ScenarioNames()))

	one, err := analyzeTarget(health.ScenarioStalled, health.DefaultConfig(), now)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.True(t, one[0].Status.ShouldTerminate)
	assert.Equal(t, health.ReasonStalled, one[0].Status.Reason)
}

func TestAnalyzeTarget_MetricsFile(t *testing.T) {
	now := time.Now()
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	body := fmt.Sprintf("cpu_percent: 40\nmemory_mb: 200\noutput_rate: 10\nlast_output_time: %s\nprocess_runtime: 2m\n",
		now.Add(-3*time.Second).Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := analyzeTarget(path, health.DefaultConfig(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Status.IsHealthy)
	assert.Equal(t, 2*time.Minute, got[0].Metrics.ProcessRuntime)
	assert.Equal(t, now, got[0].Metrics.SampledAt)

	_, err = analyzeTarget(filepath.Join(t.TempDir(), "missing.yaml"), health.DefaultConfig(), now)
	assert.ErrorContains(t, err, "neither a scenario")
}

func TestAnalyzeCommand(t *testing.T) {
	out, err := execute(t, "analyze", "--preset", "strict", health.ScenarioErrorStorm)
	require.NoError(t, err)
	assert.Contains(t, out, "SNAPSHOT")
	assert.Contains(t, out, health.ScenarioErrorStorm)

	out, err = execute(t, "analyze", "--preset", "default", "--json", health.ScenarioHealthy)
	require.NoError(t, err)
	var verdicts []verdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdicts))
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Status.IsHealthy)

	_, err = execute(t, "analyze", "--preset", "paranoid", health.ScenarioHealthy)
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testforge.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_concurrent: 3")

	out, err = execute(t, "config", "env")
	require.NoError(t, err)
	assert.Contains(t, out, "TESTFORGE_WATCHDOG_CEILING")
}

func TestHistoryCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := journal.Open(journal.DefaultConfig(dir))
	require.NoError(t, err)
	_, err = j.Append(journal.Record{RunID: "run-aaaaaaaaaa", TaskID: "app", Kind: orchestrator.EventSucceeded, Attempts: 2, Cost: 0.12})
	require.NoError(t, err)
	_, err = j.Append(journal.Record{RunID: "run-bbbbbbbbbb", TaskID: "util", Kind: orchestrator.EventFailed,
		Failure: orchestrator.FailureSpawn, Error: "exec: not found"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	cfgPath := filepath.Join(t.TempDir(), "none.yaml")
	require.NoError(t, config.WriteDefault(cfgPath, false))

	out, err := execute(t, "--config", cfgPath, "history", "--journal", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "app")
	assert.Contains(t, out, "[spawn] exec: not found")

	out, err = execute(t, "--config", cfgPath, "history", "--journal", dir, "--task", "app", "--json")
	require.NoError(t, err)
	var records []journal.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, 0.12, records[0].Cost)

	out, err = execute(t, "--config", cfgPath, "history", "--journal", dir, "--runs")
	require.NoError(t, err)
	assert.Equal(t, "run-aaaaaaaaaa\nrun-bbbbbbbbbb\n", out)

	_, err = execute(t, "--config", cfgPath, "history")
	assert.ErrorContains(t, err, "no journal configured")
}

func TestSummary(t *testing.T) {
	s := newSummary("run-1")
	s.observe(orchestrator.Event{Kind: orchestrator.EventStarted, TaskID: "a"})
	s.observe(orchestrator.Event{Kind: orchestrator.EventSucceeded, TaskID: "a", Attempts: 1, Cost: 0.2})
	s.observe(orchestrator.Event{Kind: orchestrator.EventFailed, TaskID: "b", Attempts: 3,
		Failure: orchestrator.FailureExit, Error: "exit status 1"})
	s.observe(orchestrator.Event{Kind: orchestrator.EventAborted, Reason: "21 live workers exceed ceiling 20"})

	assert.Equal(t, 1, s.failed())

	stats := orchestrator.Stats{Succeeded: 1, Failed: 1, Budget: orchestrator.Budget{Spent: 0.2, Limit: 1}}
	var text bytes.Buffer
	s.writeText(&text, stats)
	assert.Contains(t, text.String(), "ABORTED: 21 live workers")
	assert.Contains(t, text.String(), "[exit] exit status 1")
	assert.Contains(t, text.String(), "spent 0.2000 of 1.0000")

	var js bytes.Buffer
	require.NoError(t, s.writeJSON(&js, stats))
	var report summaryReport
	require.NoError(t, json.Unmarshal(js.Bytes(), &report))
	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, report.Tasks, 2)
	assert.Equal(t, "a", report.Tasks[0].ID)
	assert.Equal(t, orchestrator.EventFailed, report.Tasks[1].Outcome)
}

func TestSummary_ConsumeDrains(t *testing.T) {
	s := newSummary("r")
	ch := make(chan orchestrator.Event, 2)
	ch <- orchestrator.Event{Kind: orchestrator.EventRetrying, TaskID: "a", Attempt: 1}
	ch <- orchestrator.Event{Kind: orchestrator.EventCancelled, TaskID: "a", Attempts: 1}
	close(ch)
	s.consume(ch, slog.New(slog.DiscardHandler))
	assert.Equal(t, 1, s.failed())
}

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() {
		runMaxConcurrent, runBudget, runListen, runInbox, runJournal, runNoWatchdog = 0, -1, "", "", "", false
	})
	cfg := config.DefaultConfig()
	applyRunFlags(&cfg)
	assert.Equal(t, config.DefaultConfig(), cfg)

	runMaxConcurrent, runBudget, runListen, runNoWatchdog = 7, 0, "127.0.0.1:0", true
	applyRunFlags(&cfg)
	assert.Equal(t, 7, cfg.Orchestrator.MaxConcurrent)
	assert.Zero(t, cfg.Orchestrator.BudgetLimit)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Listen)
	assert.False(t, cfg.Watchdog.Enabled)
}

func TestRunCommand_RequiresWork(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, config.WriteDefault(cfgPath, false))
	_, err := execute(t, "--config", cfgPath, "run")
	assert.ErrorContains(t, err, "nothing to do")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID(strings.Repeat("12345678", 4)))
}

func TestRunCommand_EndToEnd(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "journal")
	cfgPath := filepath.Join(dir, "testforge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
logging:
  level: error
metrics:
  enabled: false
orchestrator:
  max_concurrent: 2
  max_attempts: 1
watchdog:
  enabled: true
  ceiling: 10
  interval: 50ms
lock:
  dir: %q
journal:
  dir: %q
`, dir, journalDir)), 0o644))

	tasksPath := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(tasksPath, []byte(`
defaults:
  command: sh
  timeout: 30s
tasks:
  - id: passes
    args: ["-c", "echo working; exit 0"]
  - id: fails
    args: ["-c", "echo broken >&2; exit 3"]
`), 0o644))

	out, err := execute(t, "--config", cfgPath, "run", tasksPath)
	require.ErrorIs(t, err, errTasksFailed)
	assert.Contains(t, out, "passes")
	assert.Contains(t, out, "succeeded 1, failed 1, cancelled 0")

	j, err := journal.Open(journal.DefaultConfig(journalDir))
	require.NoError(t, err)
	defer j.Close()
	records, err := j.List(journal.Filter{Kinds: []orchestrator.EventKind{orchestrator.EventSucceeded, orchestrator.EventFailed}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	byTask := map[string]journal.Record{}
	for _, r := range records {
		byTask[r.TaskID] = r
	}
	assert.Equal(t, orchestrator.EventSucceeded, byTask["passes"].Kind)
	assert.Equal(t, orchestrator.FailureExit, byTask["fails"].Failure)
}
