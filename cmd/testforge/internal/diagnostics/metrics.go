// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics provides metrics and tracing for the supervisor.
//
// # Metrics
//
// Every component records through the Metrics interface. NoOpMetrics keeps
// in-memory counters (handy for assertions in tests); PrometheusMetrics
// exports testforge_* series for scraping.
//
//	metrics := diagnostics.NewDefaultMetrics(cfg.Metrics.Enabled)
//	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil { ... }
//
// # Tracing
//
// Attempts are traced through the global OpenTelemetry tracer. Until
// InstallTracer is called the global provider is a no-op.
package diagnostics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Metrics Interface
// -----------------------------------------------------------------------------

// Metrics records supervisor, orchestrator and watchdog activity.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Metrics interface {
	// WorkerSpawned counts a successful spawn of command.
	WorkerSpawned(command string)

	// SpawnFailed counts a spawn that never produced a process.
	SpawnFailed(command string)

	// WorkerExited records a worker exit. outcome is "success", "exit" or
	// "killed_<reason>".
	WorkerExited(outcome string, runtime time.Duration)

	// SetLiveWorkers reports the number of live workers.
	SetLiveWorkers(n int)

	// HealthVerdict counts one heartbeat verdict by state.
	HealthVerdict(state string)

	// TaskFinished counts a terminal task event.
	TaskFinished(outcome string)

	// TaskRetried counts a retry scheduled after a failed attempt.
	TaskRetried(failure string)

	// SetQueueDepth reports the number of pending tasks.
	SetQueueDepth(n int)

	// SetBudget reports the budget ledger.
	SetBudget(spent, reserved, limit float64)

	// WatchdogObserved reports the last live-process count.
	WatchdogObserved(n int)

	// WatchdogTripped counts a watchdog trip.
	WatchdogTripped()

	// Register exposes the metrics on reg. Safe to call more than once.
	Register(reg prometheus.Registerer) error
}

// -----------------------------------------------------------------------------
// NoOp Implementation
// -----------------------------------------------------------------------------

// NoOpMetrics exports nothing but keeps counters for inspection.
type NoOpMetrics struct {
	spawned   atomic.Int64
	spawnFail atomic.Int64
	exited    atomic.Int64
	live      atomic.Int64
	verdicts  atomic.Int64
	finished  atomic.Int64
	retried   atomic.Int64
	queue     atomic.Int64
	observed  atomic.Int64
	trips     atomic.Int64

	mu       sync.Mutex
	outcomes map[string]int
}

// NewNoOpMetrics creates a NoOpMetrics.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{outcomes: make(map[string]int)}
}

func (m *NoOpMetrics) WorkerSpawned(string) { m.spawned.Add(1) }

func (m *NoOpMetrics) SpawnFailed(string) { m.spawnFail.Add(1) }

func (m *NoOpMetrics) SetLiveWorkers(n int) { m.live.Store(int64(n)) }

func (m *NoOpMetrics) HealthVerdict(string) { m.verdicts.Add(1) }

func (m *NoOpMetrics) TaskRetried(string) { m.retried.Add(1) }

func (m *NoOpMetrics) SetQueueDepth(n int) { m.queue.Store(int64(n)) }

func (m *NoOpMetrics) WatchdogObserved(n int) { m.observed.Store(int64(n)) }

func (m *NoOpMetrics) WatchdogTripped() { m.trips.Add(1) }

func (m *NoOpMetrics) SetBudget(spent, reserved, limit float64) {}

func (m *NoOpMetrics) Register(prometheus.Registerer) error { return nil }

// WorkerExited implements Metrics.
func (m *NoOpMetrics) WorkerExited(outcome string, _ time.Duration) {
	m.exited.Add(1)
	m.mu.Lock()
	m.outcomes["exit:"+outcome]++
	m.mu.Unlock()
}

// TaskFinished implements Metrics.
func (m *NoOpMetrics) TaskFinished(outcome string) {
	m.finished.Add(1)
	m.mu.Lock()
	m.outcomes["task:"+outcome]++
	m.mu.Unlock()
}

// Spawned returns the number of successful spawns.
func (m *NoOpMetrics) Spawned() int64 { return m.spawned.Load() }

// SpawnFailures returns the number of failed spawns.
func (m *NoOpMetrics) SpawnFailures() int64 { return m.spawnFail.Load() }

// Exited returns the number of worker exits.
func (m *NoOpMetrics) Exited() int64 { return m.exited.Load() }

// LiveWorkers returns the last reported live worker count.
func (m *NoOpMetrics) LiveWorkers() int64 { return m.live.Load() }

// Retries returns the number of scheduled retries.
func (m *NoOpMetrics) Retries() int64 { return m.retried.Load() }

// Trips returns the number of watchdog trips.
func (m *NoOpMetrics) Trips() int64 { return m.trips.Load() }

// Outcome returns how often a "exit:<outcome>" or "task:<outcome>" key
// was recorded.
func (m *NoOpMetrics) Outcome(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

// -----------------------------------------------------------------------------
// Prometheus Implementation
// -----------------------------------------------------------------------------

const metricsNamespace = "testforge"

// PrometheusMetrics exports metrics in Prometheus format.
type PrometheusMetrics struct {
	spawnsTotal   *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	exitsTotal    *prometheus.CounterVec
	workerRuntime *prometheus.HistogramVec
	liveWorkers   prometheus.Gauge
	verdictsTotal *prometheus.CounterVec
	tasksTotal    *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	budget        *prometheus.GaugeVec
	observedProcs prometheus.Gauge
	watchdogTrips prometheus.Counter

	mu         sync.Mutex
	registered bool
}

// NewPrometheusMetrics creates unregistered collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "supervisor",
			Name: "spawns_total", Help: "Workers spawned, by executable",
		}, []string{"command"}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "supervisor",
			Name: "spawn_failures_total", Help: "Spawn attempts that produced no process, by executable",
		}, []string{"command"}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "supervisor",
			Name: "exits_total", Help: "Worker exits by outcome",
		}, []string{"outcome"}),
		workerRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "supervisor",
			Name: "worker_runtime_seconds", Help: "Worker wall-clock runtime",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "supervisor",
			Name: "live_workers", Help: "Workers currently running",
		}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "heartbeat",
			Name: "verdicts_total", Help: "Heartbeat verdicts by state",
		}, []string{"state"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "orchestrator",
			Name: "tasks_total", Help: "Terminal task events by outcome",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "orchestrator",
			Name: "retries_total", Help: "Retries scheduled, by failure kind",
		}, []string{"failure"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "orchestrator",
			Name: "queue_depth", Help: "Tasks waiting for a worker slot",
		}),
		budget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "orchestrator",
			Name: "budget_usd", Help: "Budget ledger in USD",
		}, []string{"kind"}),
		observedProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "watchdog",
			Name: "observed_processes", Help: "Live worker processes at the last poll",
		}),
		watchdogTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "watchdog",
			Name: "trips_total", Help: "Emergency stops triggered by the watchdog",
		}),
	}
}

func (m *PrometheusMetrics) WorkerSpawned(command string) {
	m.spawnsTotal.WithLabelValues(command).Inc()
}

func (m *PrometheusMetrics) SpawnFailed(command string) {
	m.spawnFailures.WithLabelValues(command).Inc()
}

func (m *PrometheusMetrics) WorkerExited(outcome string, runtime time.Duration) {
	m.exitsTotal.WithLabelValues(outcome).Inc()
	m.workerRuntime.WithLabelValues(outcome).Observe(runtime.Seconds())
}

func (m *PrometheusMetrics) SetLiveWorkers(n int) { m.liveWorkers.Set(float64(n)) }

func (m *PrometheusMetrics) HealthVerdict(state string) {
	m.verdictsTotal.WithLabelValues(state).Inc()
}

func (m *PrometheusMetrics) TaskFinished(outcome string) {
	m.tasksTotal.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) TaskRetried(failure string) {
	m.retriesTotal.WithLabelValues(failure).Inc()
}

func (m *PrometheusMetrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *PrometheusMetrics) SetBudget(spent, reserved, limit float64) {
	m.budget.WithLabelValues("spent").Set(spent)
	m.budget.WithLabelValues("reserved").Set(reserved)
	m.budget.WithLabelValues("limit").Set(limit)
}

func (m *PrometheusMetrics) WatchdogObserved(n int) { m.observedProcs.Set(float64(n)) }

func (m *PrometheusMetrics) WatchdogTripped() { m.watchdogTrips.Inc() }

// Register adds every collector to reg. A nil reg uses the default
// registerer. Calling Register again is a no-op.
func (m *PrometheusMetrics) Register(reg prometheus.Registerer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collectors := []prometheus.Collector{
		m.spawnsTotal,
		m.spawnFailures,
		m.exitsTotal,
		m.workerRuntime,
		m.liveWorkers,
		m.verdictsTotal,
		m.tasksTotal,
		m.retriesTotal,
		m.queueDepth,
		m.budget,
		m.observedProcs,
		m.watchdogTrips,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// -----------------------------------------------------------------------------
// Factory Function
// -----------------------------------------------------------------------------

// NewDefaultMetrics returns PrometheusMetrics when enablePrometheus is set
// and NoOpMetrics otherwise. Prometheus metrics still need Register.
func NewDefaultMetrics(enablePrometheus bool) Metrics {
	if enablePrometheus {
		return NewPrometheusMetrics()
	}
	return NewNoOpMetrics()
}

// OrNoOp returns m, or a fresh NoOpMetrics when m is nil.
func OrNoOp(m Metrics) Metrics {
	if m == nil {
		return NewNoOpMetrics()
	}
	return m
}

// Compile-time interface compliance checks.
var _ Metrics = (*NoOpMetrics)(nil)
var _ Metrics = (*PrometheusMetrics)(nil)
