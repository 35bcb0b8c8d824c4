// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watchdog is the emergency brake for runaway worker counts.
//
// A Watchdog polls a Counter. The first time the count exceeds the ceiling
// it force-kills every worker through its Killer, closes Done and stays
// tripped. Nothing resets it; the supervising process has to be restarted.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/diagnostics"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

var (
	// ErrTripped is returned by Start once the watchdog has tripped.
	ErrTripped = errors.New("watchdog: tripped")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("watchdog: already started")
)

// DefaultCeiling is the live worker count above which the watchdog trips.
const DefaultCeiling = 20

// Counter reports how many workers are alive.
type Counter interface {
	CountLive(ctx context.Context) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context) (int, error)

// CountLive calls f.
func (f CounterFunc) CountLive(ctx context.Context) (int, error) { return f(ctx) }

// Killer kills every worker immediately and returns how many it signalled.
// process.Supervisor implements it.
type Killer interface {
	ForceKillAll(detail string) int
}

// Config configures a Watchdog.
type Config struct {
	// Ceiling is the highest tolerated count. Default: 20
	Ceiling int `yaml:"ceiling" validate:"gte=0"`

	// Interval is the poll period. Default: 1s
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a ceiling of 20 polled every second.
func DefaultConfig() Config {
	return Config{Ceiling: DefaultCeiling, Interval: util.DefaultWatchdogInterval}
}

// TripReport describes the trip.
type TripReport struct {
	At       time.Time `json:"at"`
	Observed int       `json:"observed"`
	Ceiling  int       `json:"ceiling"`
	Killed   int       `json:"killed"`
	Reason   string    `json:"reason"`
}

// Watchdog polls a Counter and trips once.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Watchdog struct {
	cfg     Config
	counter Counter
	killer  Killer
	logger  *slog.Logger
	metrics diagnostics.Metrics

	lastCount  atomic.Int64
	countFails atomic.Int64
	tripped    atomic.Bool
	tripOnce   sync.Once
	done       chan struct{}

	mu      sync.Mutex
	report  TripReport
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped Watchdog.
//
// # Inputs
//
//   - cfg: Ceiling and interval. Zero values take defaults.
//   - counter: Source of the live count.
//   - killer: Called once on trip.
//   - logger: Nil uses slog.Default().
//   - metrics: Nil records nothing.
func New(cfg Config, counter Counter, killer Killer, logger *slog.Logger, metrics diagnostics.Metrics) *Watchdog {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	cfg.Interval = util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(cfg.Interval, util.DefaultWatchdogInterval),
		util.MinHeartbeatInterval,
	)
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:     cfg,
		counter: counter,
		killer:  killer,
		logger:  logger.With(slog.String("subsystem", "watchdog")),
		metrics: diagnostics.OrNoOp(metrics),
		done:    make(chan struct{}),
	}
}

// Start polls in the background until ctx ends, Stop is called or the
// watchdog trips.
func (w *Watchdog) Start(ctx context.Context) error {
	if w.tripped.Load() {
		return ErrTripped
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	util.SafeGo(func() {
		defer w.wg.Done()
		w.loop(runCtx)
	}, util.LogPanic(w.logger, "watchdog"))

	w.logger.Info("watchdog started",
		slog.Int("ceiling", w.cfg.Ceiling),
		slog.Duration("interval", w.cfg.Interval),
	)
	return nil
}

// Stop ends polling and waits for the loop. It does not reset a trip.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Done is closed when the watchdog trips.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Tripped reports whether the watchdog has tripped.
func (w *Watchdog) Tripped() bool {
	return w.tripped.Load()
}

// Report returns the trip report and whether a trip happened.
func (w *Watchdog) Report() (TripReport, bool) {
	if !w.tripped.Load() {
		return TripReport{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.report, true
}

// Reason describes the trip, or returns "" before one.
func (w *Watchdog) Reason() string {
	r, ok := w.Report()
	if !ok {
		return ""
	}
	return r.Reason
}

// LastCount returns the most recent successful count.
func (w *Watchdog) LastCount() int {
	return int(w.lastCount.Load())
}

// Ceiling returns the effective ceiling.
func (w *Watchdog) Ceiling() int {
	return w.cfg.Ceiling
}

// Check performs one poll and reports whether the watchdog is tripped
// afterwards. A failed count is logged and never trips.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	if w.tripped.Load() {
		return true, nil
	}
	n, err := w.counter.CountLive(ctx)
	if err != nil {
		fails := w.countFails.Add(1)
		w.logger.Warn("live count failed",
			slog.String("error", err.Error()),
			slog.Int64("consecutive_failures", fails),
		)
		return false, fmt.Errorf("count live workers: %w", err)
	}
	w.countFails.Store(0)
	w.lastCount.Store(int64(n))
	w.metrics.WatchdogObserved(n)

	if n > w.cfg.Ceiling {
		w.trip(n)
		return true, nil
	}
	return false, nil
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if tripped, _ := w.Check(ctx); tripped {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) trip(observed int) {
	w.tripOnce.Do(func() {
		reason := fmt.Sprintf("%d live workers exceed ceiling %d", observed, w.cfg.Ceiling)
		w.logger.Error("watchdog tripped, killing all workers",
			slog.Int("observed", observed),
			slog.Int("ceiling", w.cfg.Ceiling),
		)
		killed := 0
		if w.killer != nil {
			killed = w.killer.ForceKillAll(reason)
		}

		w.mu.Lock()
		w.report = TripReport{
			At:       time.Now(),
			Observed: observed,
			Ceiling:  w.cfg.Ceiling,
			Killed:   killed,
			Reason:   reason,
		}
		w.mu.Unlock()

		w.tripped.Store(true)
		w.metrics.WatchdogTripped()
		close(w.done)
		w.logger.Error("watchdog tripped; restart required", slog.Int("killed", killed))
	})
}

// MaxCounter reports the largest count among its counters. Failing
// counters are skipped; it fails only when every counter fails.
type MaxCounter []Counter

// CountLive implements Counter.
func (m MaxCounter) CountLive(ctx context.Context) (int, error) {
	var (
		best int
		ok   bool
		errs []error
	)
	for _, c := range m {
		n, err := c.CountLive(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || n > best {
			best, ok = n, true
		}
	}
	if !ok && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return best, nil
}
