// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heartbeat drives periodic health checks for one worker.
//
// A Scheduler samples the worker on a fixed interval, runs the health
// analyzer on each sample, publishes the verdict as an Event, and asks its
// Terminator to kill the worker when the analyzer says so.
//
// # Tick Handling
//
// A ticker goroutine queues ticks into a single-slot channel; one executor
// goroutine consumes them. A slow sample therefore never delays the timer,
// ticks never run concurrently, and verdicts are published in tick order.
// A tick that arrives while another is still queued is coalesced.
//
// # Lifecycle
//
//	Idle ──Start──▶ Running ──tick──▶ Healthy ⇄ Warning
//	                                      │
//	                                      ▼
//	                                 Terminating ──Stop──▶ Stopped
//
// Stop is idempotent and may be called at any point, including before Start.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("heartbeat: already started")

	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("heartbeat: stopped")
)

// =============================================================================
// State
// =============================================================================

// State is the scheduler's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateHealthy
	StateWarning
	StateTerminating
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateHealthy:
		return "healthy"
	case StateWarning:
		return "warning"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further ticks will be evaluated.
func (s State) IsTerminal() bool {
	return s == StateTerminating || s == StateStopped
}

// =============================================================================
// Collaborators
// =============================================================================

// Sampler produces one metrics snapshot. sampling.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context) (health.ProcessMetrics, error)
}

// Terminator is asked to kill the worker after a terminate verdict. It is
// called at most once per Scheduler and must not block.
type Terminator interface {
	Terminate(status health.HealthStatus)
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(status health.HealthStatus)

// Terminate calls f.
func (f TerminatorFunc) Terminate(status health.HealthStatus) { f(status) }

// Event is one evaluated tick.
type Event struct {
	WorkerID  string                `json:"worker_id"`
	Seq       uint64                `json:"seq"`
	At        time.Time             `json:"at"`
	State     State                 `json:"state"`
	Status    health.HealthStatus   `json:"status"`
	Metrics   health.ProcessMetrics `json:"metrics"`
	SampleErr string                `json:"sample_error,omitempty"`
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Scheduler.
type Config struct {
	// Interval is the tick period. Floored at util.MinHeartbeatInterval.
	Interval time.Duration

	// Analysis holds the thresholds passed to health.Analyze.
	Analysis health.AnalysisConfig

	// EventBuffer is the capacity of the Events channel. Default 16.
	EventBuffer int
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs periodic health checks for one worker.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	workerID string
	cfg      Config
	sampler  Sampler
	term     Terminator
	logger   *slog.Logger

	state   atomic.Int32
	seq     atomic.Uint64
	skipped atomic.Int64
	dropped atomic.Int64

	ticks  chan time.Time
	events chan Event

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	termOnce sync.Once
}

// New creates an idle Scheduler.
//
// # Inputs
//
//   - workerID: Identifier copied into every Event.
//   - cfg: Interval and thresholds.
//   - sampler: Source of metrics.
//   - term: Called once on a terminate verdict. May be nil.
//   - logger: Nil uses slog.Default().
func New(workerID string, cfg Config, sampler Sampler, term Terminator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Interval = util.EnforceMinTimeout(cfg.Interval, util.MinHeartbeatInterval)
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	return &Scheduler{
		workerID: workerID,
		cfg:      cfg,
		sampler:  sampler,
		term:     term,
		logger:   logger.With(slog.String("subsystem", "heartbeat"), slog.String("worker_id", workerID)),
		ticks:    make(chan time.Time, 1),
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// Start begins ticking. The scheduler stops on its own when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(StateRunning))

	s.wg.Add(2)
	util.SafeGo(func() {
		defer s.wg.Done()
		s.timerLoop(runCtx)
	}, util.LogPanic(s.logger, "heartbeat timer"))
	util.SafeGo(func() {
		defer s.wg.Done()
		defer close(s.events)
		s.executor(runCtx)
	}, util.LogPanic(s.logger, "heartbeat executor"))

	s.logger.Debug("heartbeat started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts ticking and waits for an in-flight tick to finish. No sample
// is taken after Stop returns. Safe to call repeatedly and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if started {
		cancel()
		s.wg.Wait()
	} else {
		close(s.events)
	}
	s.state.Store(int32(StateStopped))
	s.logger.Debug("heartbeat stopped",
		slog.Int64("coalesced_ticks", s.skipped.Load()),
		slog.Int64("dropped_events", s.dropped.Load()),
	)
}

// Events returns the verdict stream. It is closed once the scheduler has
// stopped ticking.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Interval returns the effective tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

func (s *Scheduler) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			select {
			case s.ticks <- at:
			default:
				s.skipped.Add(1)
			}
		}
	}
}

func (s *Scheduler) executor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-s.ticks:
			if done := s.executeTick(ctx, at); done {
				s.cancel()
				return
			}
		}
	}
}

// executeTick evaluates one tick. It returns true when scheduling must end.
func (s *Scheduler) executeTick(ctx context.Context, at time.Time) (done bool) {
	defer util.RecoverPanic(util.LogPanic(s.logger, "heartbeat tick"))()

	metrics, err := s.sampler.Sample(ctx)
	if ctx.Err() != nil {
		return true
	}

	status := health.Analyze(metrics, s.cfg.Analysis)
	state := StateHealthy
	switch {
	case status.ShouldTerminate:
		state = StateTerminating
	case status.Uncertain || len(status.Warnings) > 0:
		state = StateWarning
	}
	s.state.Store(int32(state))

	ev := Event{
		WorkerID: s.workerID,
		Seq:      s.seq.Add(1),
		At:       at,
		State:    state,
		Status:   status,
		Metrics:  metrics,
	}
	if err != nil {
		ev.SampleErr = err.Error()
		s.logger.Debug("sample degraded", slog.String("error", err.Error()))
	}
	s.emit(ev)

	if state == StateWarning {
		s.logger.Debug("worker health warning",
			slog.Float64("confidence", status.Confidence),
			slog.Any("warnings", status.Warnings),
		)
	}

	if status.ShouldTerminate {
		s.logger.Warn("terminate verdict",
			slog.String("reason", status.Reason),
			slog.Any("warnings", status.Warnings),
		)
		s.termOnce.Do(func() {
			if s.term != nil {
				s.term.Terminate(status)
			}
		})
		return true
	}
	return false
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}
