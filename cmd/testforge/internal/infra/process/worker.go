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
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/heartbeat"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/sampling"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

// Worker is one running (or finished) worker process.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Worker struct {
	id        string
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	sup       *Supervisor
	hb        *heartbeat.Scheduler
	timer     *time.Timer

	stdoutLW *lineWriter
	stderrLW *lineWriter

	mu              sync.Mutex
	lastOutputAt    time.Time
	lines           int64
	stdoutBytes     int64
	stderrBytes     int64
	errorCount      int
	progress        int
	waiting         bool
	killReason      KillReason
	killDetail      string
	verdict         *health.HealthStatus
	stdout          bytes.Buffer
	stdoutTruncated bool
	exited          bool

	stdoutTail *util.RingBuffer[string]
	stderrTail *util.RingBuffer[string]

	exitOnce sync.Once
	exit     ExitStatus
	done     chan struct{}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// PID returns the operating-system process ID.
func (w *Worker) PID() int { return w.pid }

// Spec returns the launch description.
func (w *Worker) Spec() Spec { return w.spec }

// StartedAt returns the spawn time.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Done is closed exactly once, after the worker has exited and its exit
// status is final.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Exit returns the final status. Valid only after Done is closed.
func (w *Worker) Exit() ExitStatus {
	<-w.done
	return w.exit
}

// HealthEvents returns the heartbeat verdict stream. The channel is closed
// once the heartbeat stops; it stops before Done is closed.
func (w *Worker) HealthEvents() <-chan heartbeat.Event {
	return w.hb.Events()
}

// HeartbeatState returns the heartbeat scheduler's state.
func (w *Worker) HeartbeatState() heartbeat.State {
	return w.hb.State()
}

// Snapshot implements sampling.Source.
func (w *Worker) Snapshot() sampling.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sampling.WorkerSnapshot{
		PID:             w.pid,
		StartedAt:       w.startedAt,
		LastOutputAt:    w.lastOutputAt,
		Lines:           w.lines,
		ErrorCount:      w.errorCount,
		ProgressMarkers: w.progress,
		WaitingForInput: w.waiting,
	}
}

// OutputBytes returns the number of stdout and stderr bytes read so far.
func (w *Worker) OutputBytes() (stdout, stderr int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stdoutBytes, w.stderrBytes
}

// KillReason returns the recorded kill reason, KillNone if none.
func (w *Worker) KillReason() KillReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killReason
}

// =============================================================================
// Stream handling
// =============================================================================

func (w *Worker) onStdoutBytes(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stdoutBytes += int64(len(p))
	if w.stdoutTruncated {
		return
	}
	room := w.sup.cfg.MaxStdoutBytes - w.stdout.Len()
	if room <= 0 {
		w.stdoutTruncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		w.stdoutTruncated = true
	}
	w.stdout.Write(p)
}

func (w *Worker) onStderrBytes(p []byte) {
	w.mu.Lock()
	w.stderrBytes += int64(len(p))
	w.mu.Unlock()
}

func (w *Worker) onLine(tail *util.RingBuffer[string], line string) {
	now := time.Now()
	tail.Push(line)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastOutputAt = now
	w.lines++
	if w.sup.progressRe != nil && w.sup.progressRe.MatchString(line) {
		w.progress++
	}
	if w.sup.errorRe != nil && w.sup.errorRe.MatchString(line) {
		w.errorCount++
	}
	w.waiting = w.sup.promptRe != nil && w.sup.promptRe.MatchString(line)
}

func (w *Worker) onPartial(fragment string) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastOutputAt = now
	w.waiting = w.sup.promptRe != nil && w.sup.promptRe.MatchString(fragment)
}

// =============================================================================
// Kill bookkeeping
// =============================================================================

// markKilled records the first kill reason. It returns false when the worker
// already exited or another kill is in progress.
func (w *Worker) markKilled(reason KillReason, detail string, verdict *health.HealthStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited || w.killReason != KillNone {
		return false
	}
	w.killReason = reason
	w.killDetail = detail
	w.verdict = verdict
	return true
}

// =============================================================================
// Exit
// =============================================================================

// finish builds the exit status from the Wait result and closes Done. Only
// the waiter goroutine calls it.
func (w *Worker) finish(waitErr error) {
	w.exitOnce.Do(func() {
		ended := time.Now()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.stdoutLW.Flush()
		w.stderrLW.Flush()

		w.mu.Lock()
		w.exited = true
		w.mu.Unlock()

		// The heartbeat may be inside a tick that is calling Kill; stop it
		// without holding w.mu.
		w.hb.Stop()

		code := -1
		signal := ""
		if state := w.cmd.ProcessState; state != nil {
			code = state.ExitCode()
			signal = exitSignal(state)
		}

		w.mu.Lock()
		status := ExitStatus{
			WorkerID:        w.id,
			TaskID:          w.spec.TaskID,
			Attempt:         w.spec.Attempt,
			PID:             w.pid,
			Command:         w.spec.CommandLine(),
			ExitCode:        code,
			Signal:          signal,
			StartedAt:       w.startedAt,
			EndedAt:         ended,
			KillReason:      w.killReason,
			KillDetail:      w.killDetail,
			Verdict:         w.verdict,
			Stdout:          w.stdout.String(),
			StdoutTruncated: w.stdoutTruncated,
			StdoutTail:      w.stdoutTail.ToSlice(),
			StderrTail:      w.stderrTail.ToSlice(),
		}
		w.mu.Unlock()

		if !status.Success() {
			wrapped := waitErr
			if status.KillReason != KillNone {
				wrapped = &killError{reason: status.KillReason, detail: status.KillDetail}
			}
			status.Err = util.NewCommandError(status.Command, code, signal, strings.Join(status.StderrTail, "\n"), wrapped)
		}

		w.exit = status
		w.sup.release(w)
		close(w.done)
	})
}

// killError is wrapped into the exit error of a killed worker.
type killError struct {
	reason KillReason
	detail string
}

func (e *killError) Error() string {
	if e.detail == "" {
		return "killed: " + string(e.reason)
	}
	return "killed: " + string(e.reason) + ": " + e.detail
}
