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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/diagnostics"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/heartbeat"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/sampling"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

// =============================================================================
// Configuration
// =============================================================================

// Default output patterns. They target the line-oriented output of AI
// coding CLIs and test runners.
const (
	DefaultProgressPattern    = `(?i)(✓|✔|\bpass(ed)?\b|\bdone\b|\bcompleted?\b|\bwrote\b|\bcreated\b|\bgenerated\b|\bprogress\b)`
	DefaultErrorPattern       = `(?i)(\berror\b|\bexception\b|\btraceback\b|\bfatal\b|panic:)`
	DefaultInputPromptPattern = `(?i)(\?\s*$|\(y/n\)|\[y/n\]|press enter|password:\s*$|>\s*$)`
)

// Config configures a Supervisor.
type Config struct {
	// KillGrace is the wait between SIGTERM and SIGKILL. It also bounds how
	// long Wait lingers on output pipes held open by orphaned children.
	KillGrace time.Duration

	// ProgressPattern, ErrorPattern and InputPromptPattern are matched
	// against every output line. An empty pattern disables that counter.
	ProgressPattern    string
	ErrorPattern       string
	InputPromptPattern string

	// TailLines is how many trailing lines per stream are kept.
	TailLines int

	// MaxStdoutBytes bounds the captured stdout.
	MaxStdoutBytes int

	// MaxLineBytes cuts overlong lines into pieces.
	MaxLineBytes int

	// Heartbeat configures each worker's heartbeat scheduler.
	Heartbeat heartbeat.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KillGrace:          util.DefaultKillGrace,
		ProgressPattern:    DefaultProgressPattern,
		ErrorPattern:       DefaultErrorPattern,
		InputPromptPattern: DefaultInputPromptPattern,
		TailLines:          50,
		MaxStdoutBytes:     4 << 20,
		MaxLineBytes:       64 << 10,
		Heartbeat: heartbeat.Config{
			Interval: util.DefaultHeartbeatInterval,
			Analysis: health.DefaultConfig(),
		},
	}
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor spawns and tracks worker processes.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Supervisor struct {
	cfg        Config
	progressRe *regexp.Regexp
	errorRe    *regexp.Regexp
	promptRe   *regexp.Regexp
	probe      sampling.ResourceProbe
	metrics    diagnostics.Metrics
	logger     *slog.Logger
	environ    func() []string

	mu      sync.Mutex
	workers map[string]*Worker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProbe replaces the gopsutil resource probe.
func WithProbe(p sampling.ResourceProbe) Option {
	return func(s *Supervisor) { s.probe = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m diagnostics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEnviron replaces os.Environ as the base worker environment.
func WithEnviron(f func() []string) Option {
	return func(s *Supervisor) { s.environ = f }
}

// NewSupervisor validates cfg and creates a Supervisor.
//
// # Outputs
//
//   - *Supervisor: Ready to spawn.
//   - error: Non-nil when a pattern does not compile.
func NewSupervisor(cfg Config, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	cfg.KillGrace = util.EnforceMinTimeout(cfg.KillGrace, util.MinKillGrace)
	if cfg.TailLines <= 0 {
		cfg.TailLines = def.TailLines
	}
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = def.MaxStdoutBytes
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}

	s := &Supervisor{
		cfg:     cfg,
		probe:   sampling.NewProcessProbe(),
		logger:  logger.With(slog.String("subsystem", "supervisor")),
		environ: os.Environ,
		workers: make(map[string]*Worker),
	}

	var err error
	if s.progressRe, err = compileOptional(cfg.ProgressPattern); err != nil {
		return nil, fmt.Errorf("progress pattern: %w", err)
	}
	if s.errorRe, err = compileOptional(cfg.ErrorPattern); err != nil {
		return nil, fmt.Errorf("error pattern: %w", err)
	}
	if s.promptRe, err = compileOptional(cfg.InputPromptPattern); err != nil {
		return nil, fmt.Errorf("input prompt pattern: %w", err)
	}

	for _, opt := range opts {
		opt(s)
	}
	s.metrics = diagnostics.OrNoOp(s.metrics)
	return s, nil
}

// Spawn starts a worker and its heartbeat.
//
// # Description
//
// Resolves the executable, starts it in a new process group with output
// captured line by line, arms the attempt timeout, and starts the
// heartbeat scheduler. The returned Worker reports its exit through Done.
//
// # Inputs
//
//   - ctx: Carries trace and log values. Cancelling it stops the heartbeat
//     but does not kill the worker; use Kill for that.
//   - spec: What to run.
//
// # Outputs
//
//   - *Worker: The running worker.
//   - error: *SpawnError when no process was created.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Worker, error) {
	if spec.Command == "" {
		return nil, s.spawnFailed(spec, errors.New("empty command"))
	}
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, s.spawnFailed(spec, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env.Environ(s.environ())
	if spec.Input != "" {
		cmd.Stdin = strings.NewReader(spec.Input)
	}
	cmd.WaitDelay = s.cfg.KillGrace
	configureProcessGroup(cmd)

	w := &Worker{
		id:         uuid.NewString(),
		spec:       spec,
		cmd:        cmd,
		sup:        s,
		stdoutTail: util.NewRingBuffer[string](s.cfg.TailLines),
		stderrTail: util.NewRingBuffer[string](s.cfg.TailLines),
		done:       make(chan struct{}),
	}
	w.stdoutLW = &lineWriter{
		maxLine:   s.cfg.MaxLineBytes,
		onBytes:   w.onStdoutBytes,
		onLine:    func(line string) { w.onLine(w.stdoutTail, line) },
		onPartial: w.onPartial,
	}
	w.stderrLW = &lineWriter{
		maxLine:   s.cfg.MaxLineBytes,
		onBytes:   w.onStderrBytes,
		onLine:    func(line string) { w.onLine(w.stderrTail, line) },
		onPartial: w.onPartial,
	}
	cmd.Stdout = w.stdoutLW
	cmd.Stderr = w.stderrLW

	logger := s.logger.With(
		slog.String("worker_id", w.id),
		slog.String("task_id", spec.TaskID),
		slog.Int("attempt", spec.Attempt),
	)

	if err := cmd.Start(); err != nil {
		return nil, s.spawnFailed(spec, err)
	}
	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()

	s.mu.Lock()
	s.workers[w.id] = w
	live := len(s.workers)
	s.mu.Unlock()
	s.metrics.WorkerSpawned(filepath.Base(spec.Command))
	s.metrics.SetLiveWorkers(live)

	logger.Info("worker spawned",
		slog.Int("pid", w.pid),
		slog.String("command", spec.Command),
		slog.Duration("timeout", spec.Timeout),
	)
	if spec.Env.Len() > 0 {
		logger.Debug("worker environment", slog.Any("env", spec.Env.RedactedSlice()))
	}

	sampler := sampling.New(w, s.probe)
	terminate := heartbeat.TerminatorFunc(func(status health.HealthStatus) {
		s.kill(w, KillUnhealthy, status.Reason, &status, false)
	})
	w.hb = heartbeat.New(w.id, s.cfg.Heartbeat, sampler, terminate, logger)
	if err := w.hb.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("heartbeat not started", slog.String("error", err.Error()))
	}

	if spec.Timeout > 0 {
		w.timer = time.AfterFunc(spec.Timeout, func() {
			s.kill(w, KillTimeout, fmt.Sprintf("exceeded %s", spec.Timeout), nil, false)
		})
	}

	util.SafeGo(func() {
		w.finish(cmd.Wait())
	}, func(r util.SafeGoResult) {
		util.LogPanic(logger, "worker waiter")(r)
		w.finish(r)
	})

	return w, nil
}

// Kill terminates w gracefully: SIGTERM to the process group, SIGKILL after
// KillGrace. The first reason recorded wins; it returns false when w already
// exited or is already being killed.
func (s *Supervisor) Kill(w *Worker, reason KillReason, detail string) bool {
	return s.kill(w, reason, detail, nil, false)
}

// KillAll gracefully kills every live worker with reason and returns how
// many kills it started.
func (s *Supervisor) KillAll(reason KillReason, detail string) int {
	n := 0
	for _, w := range s.Live() {
		if s.Kill(w, reason, detail) {
			n++
		}
	}
	return n
}

// ForceKillAll sends SIGKILL to every live worker immediately and returns
// how many were signalled. Workers not already being killed are marked
// KillWatchdog.
func (s *Supervisor) ForceKillAll(detail string) int {
	workers := s.Live()
	for _, w := range workers {
		s.kill(w, KillWatchdog, detail, nil, true)
	}
	if len(workers) > 0 {
		s.logger.Error("force-killed all workers",
			slog.Int("count", len(workers)),
			slog.String("reason", detail),
		)
	}
	return len(workers)
}

// Shutdown kills every live worker and waits for their exits or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	workers := s.Live()
	s.KillAll(KillRequested, "supervisor shutdown")
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Get returns a live worker by ID.
func (s *Supervisor) Get(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// Live returns the live workers ordered by start time.
func (s *Supervisor) Live() []*Worker {
	s.mu.Lock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

// LiveCount returns the number of live workers.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Supervisor) kill(w *Worker, reason KillReason, detail string, verdict *health.HealthStatus, force bool) bool {
	marked := w.markKilled(reason, detail, verdict)
	if !force && !marked {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
	}

	s.logger.Info("killing worker",
		slog.String("worker_id", w.id),
		slog.String("task_id", w.spec.TaskID),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
		slog.Bool("force", force),
	)

	if force {
		killGroup(w.cmd)
		return true
	}

	terminateGroup(w.cmd)
	time.AfterFunc(s.cfg.KillGrace, func() {
		select {
		case <-w.done:
		default:
			s.logger.Warn("worker ignored SIGTERM, sending SIGKILL",
				slog.String("worker_id", w.id),
				slog.Duration("grace", s.cfg.KillGrace),
			)
			killGroup(w.cmd)
		}
	})
	return true
}

// release unregisters w once its exit status is final, before Done closes.
func (s *Supervisor) release(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w.id)
	live := len(s.workers)
	s.mu.Unlock()

	status := w.exit
	s.metrics.SetLiveWorkers(live)
	s.metrics.WorkerExited(status.Outcome(), status.Duration())
	s.logger.Info("worker exited",
		slog.String("worker_id", w.id),
		slog.String("task_id", w.spec.TaskID),
		slog.Int("exit_code", status.ExitCode),
		slog.String("signal", status.Signal),
		slog.String("outcome", status.Outcome()),
		slog.Duration("runtime", status.Duration()),
		slog.Int64("tail_lines_dropped", w.stdoutTail.DroppedCount()+w.stderrTail.DroppedCount()),
	)
	if f, ok := s.probe.(interface{ Forget(pid int) }); ok {
		f.Forget(w.pid)
	}
}

func (s *Supervisor) spawnFailed(spec Spec, err error) error {
	s.metrics.SpawnFailed(filepath.Base(spec.Command))
	s.logger.Error("spawn failed",
		slog.String("task_id", spec.TaskID),
		slog.Int("attempt", spec.Attempt),
		slog.String("command", spec.Command),
		slog.String("error", err.Error()),
	)
	return &SpawnError{Command: spec.Command, Err: err}
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}
