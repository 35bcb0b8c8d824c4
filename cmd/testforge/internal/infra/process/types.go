// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

// ErrSpawnFailed matches every *SpawnError via errors.Is.
var ErrSpawnFailed = errors.New("spawn failed")

// SpawnError reports a worker that never started. It is never transient:
// a missing executable stays missing.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawnFailed) true.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// =============================================================================
// Spec
// =============================================================================

// Spec describes one worker launch.
type Spec struct {
	// TaskID and Attempt identify the work this worker performs.
	TaskID  string
	Attempt int

	// Command is the executable name or path, resolved through PATH.
	Command string
	Args    []string

	// Env is overlaid on the supervisor's environment. May be nil.
	Env *util.EnvVars

	// Dir is the working directory. Empty means the supervisor's.
	Dir string

	// Input is written to stdin. Empty means stdin is /dev/null.
	Input string

	// Timeout bounds the attempt. Zero disables the timer.
	Timeout time.Duration
}

// CommandLine renders the command for logs and errors.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// =============================================================================
// Kill Reasons
// =============================================================================

// KillReason records why the supervisor terminated a worker.
type KillReason string

const (
	KillNone      KillReason = ""
	KillRequested KillReason = "requested"
	KillUnhealthy KillReason = "unhealthy"
	KillTimeout   KillReason = "timeout"
	KillCancelled KillReason = "cancelled"
	KillWatchdog  KillReason = "watchdog"
	KillAborted   KillReason = "aborted"
)

// =============================================================================
// Exit Status
// =============================================================================

// ExitStatus is the final report for one worker.
type ExitStatus struct {
	WorkerID string
	TaskID   string
	Attempt  int
	PID      int
	Command  string

	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int

	// Signal names the terminating signal, empty for a normal exit.
	Signal string

	StartedAt time.Time
	EndedAt   time.Time

	// KillReason is set when the supervisor terminated the worker.
	KillReason KillReason
	KillDetail string

	// Verdict is the terminate verdict for KillUnhealthy exits.
	Verdict *health.HealthStatus

	// Stdout is the captured standard output, bounded by MaxStdoutBytes.
	Stdout          string
	StdoutTruncated bool

	StdoutTail []string
	StderrTail []string

	// Err is nil for a clean exit, otherwise a *util.CommandError.
	Err error
}

// Duration returns the worker's wall-clock runtime.
func (e ExitStatus) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Success reports a zero exit code with no supervisor kill.
func (e ExitStatus) Success() bool {
	return e.ExitCode == 0 && e.Signal == "" && e.KillReason == KillNone
}

// Outcome classifies the exit for metrics: "success", "exit" or
// "killed_<reason>".
func (e ExitStatus) Outcome() string {
	switch {
	case e.KillReason != KillNone:
		return "killed_" + string(e.KillReason)
	case e.Success():
		return "success"
	default:
		return "exit"
	}
}
