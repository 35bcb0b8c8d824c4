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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/diagnostics"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/infra/process"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/resilience"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

var tracer = otel.Tracer("testforge.orchestrator")

// =============================================================================
// Configuration
// =============================================================================

// Config tunes an Orchestrator.
type Config struct {
	// MaxConcurrent bounds simultaneously running workers. Default: 3
	MaxConcurrent int

	// BudgetLimit is the total cost ceiling. Zero means unlimited.
	BudgetLimit float64

	// DefaultMaxAttempts applies to tasks without MaxAttempts. Default: 3
	DefaultMaxAttempts int

	// DefaultTimeout applies to tasks without Timeout. Default: 10m
	DefaultTimeout time.Duration

	// BackoffInitial is the first retry delay; each retry doubles it up to
	// BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// SpawnRate limits spawns per second. Zero disables pacing.
	SpawnRate  float64
	SpawnBurst int

	// Breaker configures the per-executable spawn circuit breakers.
	Breaker resilience.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      3,
		DefaultMaxAttempts: 3,
		DefaultTimeout:     util.DefaultAttemptTimeout,
		BackoffInitial:     util.DefaultBackoffInitial,
		BackoffMax:         util.DefaultBackoffMax,
		SpawnRate:          1,
		SpawnBurst:         1,
		Breaker:            resilience.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	c.DefaultTimeout = util.EnforceDefaultTimeout(c.DefaultTimeout, def.DefaultTimeout)
	c.BackoffInitial = util.EnforceDefaultTimeout(c.BackoffInitial, def.BackoffInitial)
	c.BackoffMax = util.EnforceDefaultTimeout(c.BackoffMax, def.BackoffMax)
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.SpawnBurst <= 0 {
		c.SpawnBurst = 1
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m diagnostics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAbortSignal aborts the run when ch closes. describe, if not nil,
// supplies the abort reason.
func WithAbortSignal(ch <-chan struct{}, describe func() string) Option {
	return func(o *Orchestrator) {
		o.abortSignal = ch
		o.abortDescribe = describe
	}
}

// =============================================================================
// Internal state
// =============================================================================

// taskRun is a task's loop-owned state.
type taskRun struct {
	task       Task
	seq        uint64
	index      int
	state      TaskState
	retry      RetryState
	bo         *backoff.ExponentialBackOff
	active     *attempt
	retryTimer *time.Timer
	cancelled  bool
	spent      float64
	failure    FailureKind
}

// attempt links one spawn to its run. handle is set by the attempt
// goroutine; kills requested before then are applied once it is.
type attempt struct {
	run       *taskRun
	number    int
	estimate  float64
	breaker   *resilience.Breaker
	startedAt time.Time

	mu         sync.Mutex
	handle     Handle
	killReason process.KillReason
	killDetail string
}

func (a *attempt) kill(reason process.KillReason, detail string) {
	a.mu.Lock()
	h := a.handle
	if h == nil && a.killReason == process.KillNone {
		a.killReason, a.killDetail = reason, detail
	}
	a.mu.Unlock()
	if h != nil {
		h.Kill(reason, detail)
	}
}

func (a *attempt) attach(h Handle) (process.KillReason, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = h
	return a.killReason, a.killDetail
}

type completion struct {
	attempt  *attempt
	exit     process.ExitStatus
	spawnErr error
}

type requestKind int

const (
	reqSubmit requestKind = iota
	reqCancel
	reqCancelAll
	reqAbort
)

type request struct {
	kind   requestKind
	run    *taskRun
	id     string
	reason string
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs tasks on workers under concurrency, budget and retry
// policy.
//
// # Description
//
// One dispatch loop (Run) owns the queue, the budget and every task's
// retry state. Public methods only enqueue requests for it. Each attempt
// runs in its own goroutine that spawns the worker, forwards its health
// events and reports one completion. Completions are handled one at a
// time, so budget commits never race.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Run may be called once.
//
// # Example
//
//	orch := orchestrator.New(cfg, orchestrator.SupervisorSpawner{Supervisor: sup},
//	    orchestrator.WithAbortSignal(wd.Done(), wd.Reason))
//	go func() {
//	    for ev := range orch.Events() { ... }
//	}()
//	orch.Submit(orchestrator.Task{Command: "claude", Args: args, EstimatedCost: 0.05})
//	orch.CloseSubmissions()
//	err := orch.Run(ctx)
type Orchestrator struct {
	cfg           Config
	spawner       Spawner
	logger        *slog.Logger
	metrics       diagnostics.Metrics
	abortSignal   <-chan struct{}
	abortDescribe func() string
	events        *mailbox
	breakers      *resilience.Registry
	limiter       *rate.Limiter
	otelMetrics   instruments

	mu          sync.Mutex
	requests    []request
	statuses    map[string]*TaskStatus
	order       []string
	nextSeq     uint64
	closed      bool
	running     bool
	abortedFlag bool
	budgetView  Budget

	wake        chan struct{}
	completions chan completion
	retryReady  chan *taskRun
	stop        chan struct{}

	// Owned by Run.
	queue       taskQueue
	runs        map[string]*taskRun
	active      map[*attempt]struct{}
	backoffs    map[*taskRun]struct{}
	ledger      ledger
	spawnTimer  *time.Timer
	aborted     bool
	abortReason string
	abortCause  error
}

// New creates an Orchestrator. Nothing runs until Run.
func New(cfg Config, spawner Spawner, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		spawner:     spawner,
		logger:      slog.Default(),
		events:      newMailbox(),
		statuses:    make(map[string]*TaskStatus),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, cfg.MaxConcurrent),
		retryReady:  make(chan *taskRun),
		stop:        make(chan struct{}),
		runs:        make(map[string]*taskRun),
		active:      make(map[*attempt]struct{}),
		backoffs:    make(map[*taskRun]struct{}),
		ledger:      ledger{Budget{Limit: cfg.BudgetLimit}},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("subsystem", "orchestrator"))
	o.metrics = diagnostics.OrNoOp(o.metrics)
	o.otelMetrics.init(o.logger)

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		o.logger.Warn("spawn circuit changed state",
			slog.String("command", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	o.breakers = resilience.NewRegistry(breakerCfg)

	if cfg.SpawnRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.SpawnBurst)
	}
	o.budgetView = o.ledger.Budget
	return o
}

// Events returns the event stream. It closes after Run returns and every
// event has been delivered. Consumers must drain it.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.out
}

// Submit enqueues a task and returns its ID.
//
// # Outputs
//
//   - string: The task ID, generated when t.ID is empty.
//   - error: ErrInvalidTask, ErrDuplicateTask, ErrSubmissionsClosed or
//     ErrAborted.
func (o *Orchestrator) Submit(t Task) (string, error) {
	t, err := t.normalize(o.cfg.DefaultMaxAttempts, o.cfg.DefaultTimeout)
	if err != nil {
		return "", err
	}
	if _, err := t.spec(1); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.ID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.abortedFlag:
		return "", ErrAborted
	case o.closed:
		return "", ErrSubmissionsClosed
	}
	if _, dup := o.statuses[t.ID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	o.nextSeq++
	run := &taskRun{task: t, seq: o.nextSeq, index: -1, bo: o.newBackOff()}
	o.statuses[t.ID] = &TaskStatus{
		ID:          t.ID,
		State:       StatePending,
		Priority:    t.Priority,
		MaxAttempts: t.MaxAttempts,
	}
	o.order = append(o.order, t.ID)
	o.requests = append(o.requests, request{kind: reqSubmit, run: run})
	o.events.put(Event{Kind: EventQueued, TaskID: t.ID})
	o.poke()
	return t.ID, nil
}

// CloseSubmissions lets Run return once all submitted work is finished.
func (o *Orchestrator) CloseSubmissions() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.poke()
}

// Cancel cancels one task in any non-terminal state.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.statuses[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, st.State)
	}
	o.requests = append(o.requests, request{kind: reqCancel, id: id})
	o.poke()
	return nil
}

// CancelAll kills every running worker and cancels every queued task.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	o.requests = append(o.requests, request{kind: reqCancelAll})
	o.mu.Unlock()
	o.poke()
}

// Abort stops everything: queued tasks are cancelled, running tasks fail,
// and Run returns ErrAborted. There is no way back.
func (o *Orchestrator) Abort(reason string) {
	o.mu.Lock()
	o.abortedFlag = true
	o.requests = append(o.requests, request{kind: reqAbort, reason: reason})
	o.mu.Unlock()
	o.poke()
}

// Status returns one task's status.
func (o *Orchestrator) Status(id string) (TaskStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.statuses[id]
	if !ok {
		return TaskStatus{}, false
	}
	return *st, true
}

// Statuses returns every task's status in submission order.
func (o *Orchestrator) Statuses() []TaskStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TaskStatus, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.statuses[id])
	}
	return out
}

// Budget returns the current budget.
func (o *Orchestrator) Budget() Budget {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budgetView
}

// Stats summarizes task states and the budget.
func (o *Orchestrator) Stats() Stats {
	var circuits map[string]string
	if states := o.breakers.States(); len(states) > 0 {
		circuits = make(map[string]string, len(states))
		for name, st := range states {
			circuits[name] = st.String()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{Budget: o.budgetView, Aborted: o.abortedFlag, Circuits: circuits}
	for _, st := range o.statuses {
		switch st.State {
		case StatePending:
			s.Pending++
		case StateRunning:
			s.Running++
		case StateBackoff:
			s.Backoff++
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Run is the dispatch loop.
//
// # Description
//
// Run returns nil once submissions are closed and every task is terminal,
// ctx.Err() after cancelling everything when ctx ends, or an error
// wrapping ErrAborted after an abort. In every case it waits for running
// workers to exit before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	defer o.events.close()
	defer close(o.stop)

	o.logger.Info("orchestrator started",
		slog.Int("max_concurrent", o.cfg.MaxConcurrent),
		slog.Float64("budget_limit", o.cfg.BudgetLimit),
	)

	abortCh := o.abortSignal
	for {
		o.processRequests()
		if o.aborted {
			return o.finishAbort()
		}
		o.dispatch(ctx)
		o.publish()
		if o.idle() && o.submissionsClosed() {
			o.logger.Info("orchestrator finished", slog.Float64("spent", o.ledger.Spent))
			return nil
		}

		var spawnC <-chan time.Time
		if o.spawnTimer != nil {
			spawnC = o.spawnTimer.C
		}

		select {
		case <-ctx.Done():
			return o.shutdown(ctx.Err())
		case <-o.wake:
		case c := <-o.completions:
			o.complete(c)
		case run := <-o.retryReady:
			o.requeue(run)
		case <-spawnC:
			o.spawnTimer = nil
		case <-abortCh:
			abortCh = nil
			reason := "safety watchdog tripped"
			if o.abortDescribe != nil {
				if r := o.abortDescribe(); r != "" {
					reason = r
				}
			}
			o.beginAbort(reason, ErrWatchdogTripped)
		}
	}
}

// =============================================================================
// Dispatch loop internals
// =============================================================================

func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) submissionsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && len(o.requests) == 0
}

func (o *Orchestrator) idle() bool {
	return o.queue.Len() == 0 && len(o.active) == 0 && len(o.backoffs) == 0
}

func (o *Orchestrator) processRequests() {
	o.mu.Lock()
	reqs := o.requests
	o.requests = nil
	o.mu.Unlock()

	for _, r := range reqs {
		switch r.kind {
		case reqSubmit:
			o.runs[r.run.task.ID] = r.run
			if o.aborted {
				o.finish(r.run, StateCancelled, Event{Kind: EventCancelled, Err: o.abortErr()})
				continue
			}
			o.queue.Push(r.run)
		case reqCancel:
			if run, ok := o.runs[r.id]; ok {
				o.cancelRun(run, "cancel requested")
			}
		case reqCancelAll:
			o.cancelAll("cancel all")
		case reqAbort:
			o.beginAbort(r.reason, ErrAborted)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	for len(o.active) < o.cfg.MaxConcurrent {
		run := o.queue.Peek()
		if run == nil {
			return
		}

		adm, err := o.ledger.check(run.task.EstimatedCost)
		switch adm {
		case admitReject:
			o.queue.Pop()
			o.logger.Warn("task rejected by budget",
				slog.String("task_id", run.task.ID),
				slog.Float64("estimated_cost", run.task.EstimatedCost),
				slog.Float64("spent", o.ledger.Spent),
				slog.Float64("limit", o.ledger.Limit),
			)
			o.failRun(run, FailureBudget, err)
			continue
		case admitWait:
			return
		}

		cmdName := filepath.Base(run.task.Command)
		br := o.breakers.Get(cmdName)
		if !br.Allow() {
			o.queue.Pop()
			o.failRun(run, FailureCircuit, fmt.Errorf("%s: %w", cmdName, ErrCircuitOpen))
			continue
		}

		if o.limiter != nil {
			r := o.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				o.armSpawnTimer(d)
				return
			}
		}

		o.queue.Pop()
		o.start(ctx, run, br)
	}
}

func (o *Orchestrator) armSpawnTimer(d time.Duration) {
	if o.spawnTimer != nil {
		o.spawnTimer.Stop()
	}
	o.spawnTimer = time.NewTimer(d)
}

func (o *Orchestrator) start(ctx context.Context, run *taskRun, br *resilience.Breaker) {
	run.retry.AttemptsMade++
	a := &attempt{
		run:       run,
		number:    run.retry.AttemptsMade,
		estimate:  run.task.EstimatedCost,
		breaker:   br,
		startedAt: time.Now(),
	}
	o.ledger.reserve(a.estimate)
	o.active[a] = struct{}{}
	run.active = a
	run.state = StateRunning
	o.updateStatus(run)

	spec, _ := run.task.spec(a.number)
	util.SafeGo(func() {
		o.runAttempt(ctx, a, spec)
	}, func(r util.SafeGoResult) {
		util.LogPanic(o.logger, "attempt")(r)
		o.completions <- completion{attempt: a, spawnErr: r}
	})
}

// runAttempt spawns the worker and follows it to its exit. It sends
// exactly one completion.
func (o *Orchestrator) runAttempt(ctx context.Context, a *attempt, spec process.Spec) {
	ctx, span := tracer.Start(ctx, "orchestrator.Attempt",
		trace.WithAttributes(
			attribute.String("task.id", spec.TaskID),
			attribute.Int("task.attempt", spec.Attempt),
			attribute.String("task.command", spec.Command),
			attribute.Float64("task.estimated_cost", a.estimate),
		),
	)
	defer span.End()

	h, err := o.spawner.Spawn(ctx, spec)
	a.breaker.Record(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		o.completions <- completion{attempt: a, spawnErr: err}
		return
	}

	if reason, detail := a.attach(h); reason != process.KillNone {
		h.Kill(reason, detail)
	}
	span.SetAttributes(
		attribute.String("worker.id", h.ID()),
		attribute.Int("worker.pid", h.PID()),
	)
	o.setWorker(spec.TaskID, h.ID())
	o.events.put(Event{
		Kind:     EventStarted,
		TaskID:   spec.TaskID,
		Attempt:  spec.Attempt,
		WorkerID: h.ID(),
		PID:      h.PID(),
	})

	for ev := range h.HealthEvents() {
		ev := ev
		o.metrics.HealthVerdict(ev.State.String())
		o.events.put(Event{
			Kind:     EventHealth,
			TaskID:   spec.TaskID,
			Attempt:  spec.Attempt,
			WorkerID: h.ID(),
			PID:      h.PID(),
			Health:   &ev,
		})
	}

	<-h.Done()
	exit := h.Exit()
	span.SetAttributes(
		attribute.Int("worker.exit_code", exit.ExitCode),
		attribute.String("worker.outcome", exit.Outcome()),
	)
	if exit.Success() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(exit.Err)
		span.SetStatus(codes.Error, exit.Outcome())
	}
	o.completions <- completion{attempt: a, exit: exit}
}

// complete settles one attempt: budget, history, then succeed, retry or
// fail.
func (o *Orchestrator) complete(c completion) {
	a := c.attempt
	run := a.run
	delete(o.active, a)
	run.active = nil
	o.ledger.release(a.estimate)

	rec := AttemptRecord{
		Attempt:   a.number,
		StartedAt: a.startedAt,
		EndedAt:   time.Now(),
		ExitCode:  -1,
	}

	var (
		failure FailureKind
		err     error
		cost    float64
		output  string
	)
	if c.spawnErr != nil {
		failure = FailureSpawn
		err = c.spawnErr
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
	} else {
		exit := c.exit
		rec.WorkerID = exit.WorkerID
		rec.PID = exit.PID
		rec.StartedAt = exit.StartedAt
		rec.EndedAt = exit.EndedAt
		rec.ExitCode = exit.ExitCode
		rec.Signal = exit.Signal
		rec.KillReason = exit.KillReason
		rec.StderrTail = exit.StderrTail

		result, hasResult := parseWorkerResult(exit.Stdout)
		failure, err = classify(exit, result, hasResult)

		if reported, ok := result.Cost(); hasResult && ok {
			cost = reported
		} else if failure == FailureNone {
			cost = a.estimate
		}
		output = exit.Stdout
		if hasResult && result.Result != "" {
			output = result.Result
		}
	}

	billed, overrun := o.ledger.commit(cost)
	if overrun > 0 {
		o.logger.Warn("attempt cost overran budget",
			slog.String("task_id", run.task.ID),
			slog.Float64("cost", cost),
			slog.Float64("billed", billed),
			slog.Float64("overrun", overrun),
		)
	}
	rec.Cost = billed
	rec.Failure = failure
	run.spent += billed
	if err != nil {
		rec.Error = err.Error()
		run.retry.LastError = err
	}
	run.retry.History = append(run.retry.History, rec)
	o.otelMetrics.recordAttempt(context.Background(), filepath.Base(run.task.Command), rec)

	switch {
	case failure == FailureNone:
		o.finish(run, StateSucceeded, Event{Kind: EventSucceeded, Output: output})
	case run.cancelled || failure == FailureCancelled:
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: ErrCancelled})
	case o.aborted || failure == FailureWatchdog || failure == FailureAborted:
		if o.aborted {
			failure, _ = o.abortKinds()
		}
		run.failure = failure
		o.finish(run, StateFailed, Event{Kind: EventFailed, Failure: failure, Err: o.abortErrOr(err)})
	default:
		run.failure = failure
		o.events.put(Event{
			Kind:     EventAttemptFailed,
			TaskID:   run.task.ID,
			Attempt:  a.number,
			WorkerID: rec.WorkerID,
			Failure:  failure,
			Err:      err,
		})
		o.logger.Warn("attempt failed",
			slog.String("task_id", run.task.ID),
			slog.Int("attempt", a.number),
			slog.Int("max_attempts", run.task.MaxAttempts),
			slog.String("failure", string(failure)),
			slog.String("error", err.Error()),
			slog.String("stderr", util.ExtractStderr(err)),
		)
		if failure.Retryable() && run.retry.AttemptsMade < run.task.MaxAttempts {
			o.scheduleRetry(run, failure, err)
			return
		}
		o.finish(run, StateFailed, Event{Kind: EventFailed, Failure: failure, Err: err})
	}
}

// classify maps an exit to a failure kind. A clean exit whose JSON summary
// flags an error still fails.
func classify(exit process.ExitStatus, result WorkerResult, hasResult bool) (FailureKind, error) {
	switch exit.KillReason {
	case process.KillTimeout:
		return FailureTimeout, fmt.Errorf("%w: %s", ErrAttemptTimeout, exit.KillDetail)
	case process.KillUnhealthy:
		return FailureUnhealthy, fmt.Errorf("%w: %s", ErrUnhealthy, exit.KillDetail)
	case process.KillCancelled, process.KillRequested:
		return FailureCancelled, ErrCancelled
	case process.KillWatchdog:
		return FailureWatchdog, fmt.Errorf("%w: %s", ErrWatchdogTripped, exit.KillDetail)
	case process.KillAborted:
		return FailureAborted, fmt.Errorf("%w: %s", ErrAborted, exit.KillDetail)
	}
	if !exit.Success() {
		if exit.Err != nil {
			return FailureExit, fmt.Errorf("%w: %w", ErrNonZeroExit, exit.Err)
		}
		return FailureExit, fmt.Errorf("%w: code %d", ErrNonZeroExit, exit.ExitCode)
	}
	if hasResult && result.IsError {
		msg := result.Result
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return FailureExit, fmt.Errorf("%w: worker reported error: %s", ErrNonZeroExit, msg)
	}
	return FailureNone, nil
}

func (o *Orchestrator) scheduleRetry(run *taskRun, failure FailureKind, err error) {
	d := run.bo.NextBackOff()
	if d < 0 {
		d = o.cfg.BackoffMax
	}
	run.retry.NextBackoff = d
	run.state = StateBackoff
	o.backoffs[run] = struct{}{}
	o.metrics.TaskRetried(string(failure))
	o.updateStatus(run)

	o.events.put(Event{
		Kind:    EventRetrying,
		TaskID:  run.task.ID,
		Attempt: run.retry.AttemptsMade + 1,
		Failure: failure,
		Err:     err,
		Backoff: d,
	})
	o.logger.Info("retry scheduled",
		slog.String("task_id", run.task.ID),
		slog.Int("next_attempt", run.retry.AttemptsMade+1),
		slog.Duration("backoff", d),
	)

	run.retryTimer = time.AfterFunc(d, func() {
		select {
		case o.retryReady <- run:
		case <-o.stop:
		}
	})
}

func (o *Orchestrator) requeue(run *taskRun) {
	if run.state != StateBackoff {
		return
	}
	delete(o.backoffs, run)
	run.retryTimer = nil
	run.state = StatePending
	o.queue.Push(run)
	o.updateStatus(run)
}

// failRun fails a task that could not start an attempt.
func (o *Orchestrator) failRun(run *taskRun, failure FailureKind, err error) {
	run.failure = failure
	run.retry.LastError = err
	o.finish(run, StateFailed, Event{Kind: EventFailed, Failure: failure, Err: err})
}

func (o *Orchestrator) cancelRun(run *taskRun, detail string) {
	switch run.state {
	case StatePending:
		o.queue.Remove(run)
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: ErrCancelled})
	case StateBackoff:
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: ErrCancelled})
	case StateRunning:
		run.cancelled = true
		if run.active != nil {
			run.active.kill(process.KillCancelled, detail)
		}
	}
}

func (o *Orchestrator) cancelAll(detail string) {
	for _, run := range o.queue.Drain() {
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: ErrCancelled})
	}
	for run := range o.backoffs {
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: ErrCancelled})
	}
	for a := range o.active {
		a.run.cancelled = true
		a.kill(process.KillCancelled, detail)
	}
	if n := len(o.active); n > 0 {
		o.logger.Info("cancelling running tasks", slog.Int("count", n), slog.String("reason", detail))
	}
}

func (o *Orchestrator) beginAbort(reason string, cause error) {
	if o.aborted {
		return
	}
	o.aborted = true
	o.abortReason = reason
	o.abortCause = cause

	o.mu.Lock()
	o.abortedFlag = true
	o.closed = true
	o.mu.Unlock()

	o.logger.Error("orchestrator aborting",
		slog.String("reason", reason),
		slog.Int("running", len(o.active)),
		slog.Int("queued", o.queue.Len()),
	)
	o.events.put(Event{Kind: EventAborted, Reason: reason, Err: cause})

	failure, kill := o.abortKinds()
	for _, run := range o.queue.Drain() {
		o.finish(run, StateCancelled, Event{Kind: EventCancelled, Err: o.abortErr()})
	}
	for run := range o.backoffs {
		run.failure = failure
		o.finish(run, StateFailed, Event{Kind: EventFailed, Failure: failure, Err: o.abortErr()})
	}
	for a := range o.active {
		a.kill(kill, reason)
	}
}

// abortKinds labels the casualties of an abort: a watchdog trip is reported
// as such, an operator abort is not.
func (o *Orchestrator) abortKinds() (FailureKind, process.KillReason) {
	if errors.Is(o.abortCause, ErrWatchdogTripped) {
		return FailureWatchdog, process.KillWatchdog
	}
	return FailureAborted, process.KillAborted
}

func (o *Orchestrator) abortErr() error {
	return fmt.Errorf("%w: %s", o.abortCause, o.abortReason)
}

func (o *Orchestrator) abortErrOr(err error) error {
	if o.aborted {
		return o.abortErr()
	}
	return err
}

func (o *Orchestrator) finishAbort() error {
	o.drainActive()
	o.processRequests()
	o.publish()
	if errors.Is(o.abortCause, ErrAborted) {
		return fmt.Errorf("%w: %s", ErrAborted, o.abortReason)
	}
	return fmt.Errorf("%w: %w: %s", ErrAborted, o.abortCause, o.abortReason)
}

func (o *Orchestrator) shutdown(cause error) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.processRequests()
	o.cancelAll("orchestrator shutdown")
	o.drainActive()
	o.processRequests()
	o.publish()
	o.logger.Info("orchestrator stopped", slog.String("cause", cause.Error()))
	return cause
}

// drainActive waits for every running attempt to report. Workers have been
// signalled, so this is bounded by the supervisor's kill grace.
func (o *Orchestrator) drainActive() {
	for len(o.active) > 0 {
		o.complete(<-o.completions)
	}
}

// finish moves run to a terminal state and emits its one terminal event.
func (o *Orchestrator) finish(run *taskRun, state TaskState, ev Event) {
	if run.state.IsTerminal() {
		return
	}
	if run.retryTimer != nil {
		run.retryTimer.Stop()
		run.retryTimer = nil
	}
	delete(o.backoffs, run)
	run.state = state

	ev.TaskID = run.task.ID
	ev.Attempts = run.retry.AttemptsMade
	ev.Cost = run.spent
	ev.History = append([]AttemptRecord(nil), run.retry.History...)
	if ev.Err != nil && run.retry.LastError == nil {
		run.retry.LastError = ev.Err
	}
	o.updateStatus(run)
	o.metrics.TaskFinished(state.String())
	o.events.put(ev)

	attrs := []any{
		slog.String("task_id", run.task.ID),
		slog.String("state", state.String()),
		slog.Int("attempts", run.retry.AttemptsMade),
		slog.Float64("cost", run.spent),
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	if state == StateFailed {
		o.logger.Warn("task finished", attrs...)
	} else {
		o.logger.Info("task finished", attrs...)
	}
}

func (o *Orchestrator) updateStatus(run *taskRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.statuses[run.task.ID]
	if !ok {
		return
	}
	st.State = run.state
	st.Attempts = run.retry.AttemptsMade
	st.Cost = run.spent
	st.NextBackoff = run.retry.NextBackoff
	st.Failure = run.failure
	if run.retry.LastError != nil {
		st.LastError = run.retry.LastError.Error()
	}
}

func (o *Orchestrator) setWorker(taskID, workerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.statuses[taskID]; ok {
		st.WorkerID = workerID
	}
}

func (o *Orchestrator) publish() {
	b := o.ledger.Budget
	o.mu.Lock()
	o.budgetView = b
	o.mu.Unlock()
	o.metrics.SetQueueDepth(o.queue.Len())
	o.metrics.SetBudget(b.Spent, b.Reserved, b.Limit)
}

func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.cfg.BackoffMax,
	}
	b.Reset()
	return b
}
