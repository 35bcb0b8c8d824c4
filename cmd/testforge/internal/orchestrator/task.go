// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/infra/process"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrBudgetExceeded fails a task whose estimate cannot fit the budget.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrSpawnFailed wraps process.ErrSpawnFailed for a task that never ran.
	ErrSpawnFailed = process.ErrSpawnFailed

	// ErrAttemptTimeout marks an attempt killed by its wall-clock limit.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrUnhealthy marks an attempt killed on a heartbeat verdict.
	ErrUnhealthy = errors.New("worker terminated as unhealthy")

	// ErrNonZeroExit marks an attempt that ran to completion and failed.
	ErrNonZeroExit = errors.New("worker exited with failure")

	// ErrCancelled marks a task cancelled by Cancel, CancelAll or shutdown.
	ErrCancelled = errors.New("task cancelled")

	// ErrWatchdogTripped fails every in-flight task on an abort.
	ErrWatchdogTripped = errors.New("safety watchdog tripped")

	// ErrCircuitOpen fails a task whose executable keeps failing to spawn.
	ErrCircuitOpen = errors.New("spawn circuit open")

	// ErrAborted is returned by Run after an abort.
	ErrAborted = errors.New("orchestrator aborted")

	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownTask       = errors.New("unknown task")
	ErrTaskFinished      = errors.New("task already finished")
	ErrSubmissionsClosed = errors.New("submissions closed")
	ErrAlreadyRunning    = errors.New("orchestrator already running")
)

// =============================================================================
// Task
// =============================================================================

// Task is one unit of work. The core treats Command and Args as opaque.
type Task struct {
	// ID must be unique. Empty IDs are assigned a UUID on submit.
	ID string `yaml:"id" json:"id"`

	// Command is the executable. When Args is empty a command containing
	// whitespace is split with shell quoting rules.
	Command string   `yaml:"command" json:"command" validate:"required"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir   string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Input string            `yaml:"input,omitempty" json:"input,omitempty"`

	// Priority orders the queue, higher first. Equal priorities are FIFO.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// MaxAttempts bounds attempts. Zero takes the orchestrator default.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" validate:"gte=0,lte=100"`

	// Timeout bounds each attempt. Zero takes the orchestrator default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// EstimatedCost is checked against the budget before every attempt.
	EstimatedCost float64 `yaml:"estimated_cost,omitempty" json:"estimated_cost,omitempty" validate:"gte=0"`
}

// normalize fills defaults and splits single-string commands.
func (t Task) normalize(defaultAttempts int, defaultTimeout time.Duration) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Command = strings.TrimSpace(t.Command)
	if t.Command == "" {
		return t, fmt.Errorf("%w: %s: empty command", ErrInvalidTask, t.ID)
	}
	if len(t.Args) == 0 && strings.ContainsAny(t.Command, " \t") {
		parts, err := shlex.Split(t.Command)
		if err != nil {
			return t, fmt.Errorf("%w: %s: parse command: %v", ErrInvalidTask, t.ID, err)
		}
		t.Command, t.Args = parts[0], parts[1:]
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaultAttempts
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}
	if c := t.EstimatedCost; math.IsNaN(c) || math.IsInf(c, 0) {
		return t, fmt.Errorf("%w: %s: estimated cost must be finite", ErrInvalidTask, t.ID)
	}
	if t.EstimatedCost < 0 {
		return t, fmt.Errorf("%w: %s: negative estimated cost", ErrInvalidTask, t.ID)
	}
	return t, nil
}

// spec builds the launch description for one attempt.
func (t Task) spec(attempt int) (process.Spec, error) {
	var env *util.EnvVars
	if len(t.Env) > 0 {
		var err error
		if env, err = util.EnvFromMap(t.Env); err != nil {
			return process.Spec{}, err
		}
	}
	return process.Spec{
		TaskID:  t.ID,
		Attempt: attempt,
		Command: t.Command,
		Args:    t.Args,
		Env:     env,
		Dir:     t.Dir,
		Input:   t.Input,
		Timeout: t.Timeout,
	}, nil
}

// =============================================================================
// Task State
// =============================================================================

// TaskState is a task's lifecycle position.
type TaskState int

const (
	StatePending TaskState = iota
	StateRunning
	StateBackoff
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports a state the task never leaves.
func (s TaskState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// =============================================================================
// Failures
// =============================================================================

// FailureKind classifies why an attempt or task failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureSpawn     FailureKind = "spawn"
	FailureTimeout   FailureKind = "timeout"
	FailureUnhealthy FailureKind = "unhealthy"
	FailureExit      FailureKind = "exit"
	FailureBudget    FailureKind = "budget"
	FailureWatchdog  FailureKind = "watchdog"
	FailureCircuit   FailureKind = "circuit"
	FailureCancelled FailureKind = "cancelled"
	FailureAborted   FailureKind = "aborted"
)

// Retryable reports whether another attempt could succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureUnhealthy, FailureExit:
		return true
	default:
		return false
	}
}

// AttemptRecord is the history entry for one attempt.
type AttemptRecord struct {
	Attempt    int                `json:"attempt"`
	WorkerID   string             `json:"worker_id,omitempty"`
	PID        int                `json:"pid,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	ExitCode   int                `json:"exit_code"`
	Signal     string             `json:"signal,omitempty"`
	KillReason process.KillReason `json:"kill_reason,omitempty"`
	Failure    FailureKind        `json:"failure,omitempty"`
	Error      string             `json:"error,omitempty"`
	Cost       float64            `json:"cost"`
	StderrTail []string           `json:"stderr_tail,omitempty"`
}

// Duration returns the attempt's wall-clock runtime.
func (r AttemptRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// RetryState is a task's attempt bookkeeping. It only grows.
type RetryState struct {
	AttemptsMade int
	LastError    error
	NextBackoff  time.Duration
	History      []AttemptRecord
}

// MarshalText renders the state name in JSON and logs.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *TaskState) UnmarshalText(b []byte) error {
	for st := StatePending; st <= StateCancelled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", b)
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	ID          string        `json:"id"`
	State       TaskState     `json:"state"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Cost        float64       `json:"cost"`
	WorkerID    string        `json:"worker_id,omitempty"`
	NextBackoff time.Duration `json:"next_backoff,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Failure     FailureKind   `json:"failure,omitempty"`
}

// Stats summarizes the orchestrator.
type Stats struct {
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Backoff   int    `json:"backoff"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Budget    Budget `json:"budget"`
	Aborted   bool   `json:"aborted"`

	// Circuits maps each spawned executable to its breaker state.
	Circuits map[string]string `json:"circuits,omitempty"`
}
