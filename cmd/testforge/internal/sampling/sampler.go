// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampling collects health metrics for a running worker.
//
// A Sampler combines two views of a worker: the counters its supervisor keeps
// while reading the worker's output (lines, errors, progress markers), and
// the operating system's view of the process (CPU and resident memory).
// The result is an immutable health.ProcessMetrics snapshot.
package sampling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
)

// WorkerSnapshot is the supervisor-side state of one worker at one instant.
type WorkerSnapshot struct {
	PID             int
	StartedAt       time.Time
	LastOutputAt    time.Time
	Lines           int64
	ErrorCount      int
	ProgressMarkers int
	WaitingForInput bool
}

// Source provides the supervisor-side counters of a worker.
type Source interface {
	Snapshot() WorkerSnapshot
}

// Usage is the operating-system view of a process.
type Usage struct {
	CPUPercent float64
	MemoryMB   float64
}

// ResourceProbe reads resource usage for a PID.
type ResourceProbe interface {
	Usage(ctx context.Context, pid int) (Usage, error)
}

// Sampler produces ProcessMetrics for one worker.
//
// # Thread Safety
//
// Sample is safe for concurrent use, though the heartbeat scheduler only
// calls it from one goroutine.
type Sampler struct {
	src   Source
	probe ResourceProbe
	now   func() time.Time

	mu        sync.Mutex
	lastAt    time.Time
	lastLines int64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// New creates a Sampler. A nil probe reports zero CPU and memory.
func New(src Source, probe ResourceProbe, opts ...Option) *Sampler {
	s := &Sampler{
		src:   src,
		probe: probe,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample takes one snapshot.
//
// # Description
//
// Output rate is lines per minute since the previous Sample call; on the
// first call it is measured from the worker's start. A probe failure does
// not abort sampling: CPU and memory are reported as zero and the error is
// returned alongside valid metrics so the caller can log it.
//
// # Outputs
//
//   - health.ProcessMetrics: Always populated.
//   - error: Non-nil only when the resource probe failed.
func (s *Sampler) Sample(ctx context.Context) (health.ProcessMetrics, error) {
	snap := s.src.Snapshot()
	now := s.now()

	s.mu.Lock()
	since := s.lastAt
	prevLines := s.lastLines
	if since.IsZero() {
		since = snap.StartedAt
		prevLines = 0
	}
	s.lastAt = now
	s.lastLines = snap.Lines
	s.mu.Unlock()

	m := health.ProcessMetrics{
		OutputRate:        linesPerMinute(snap.Lines-prevLines, now.Sub(since)),
		LastOutputTime:    snap.LastOutputAt,
		ErrorCount:        snap.ErrorCount,
		ProcessRuntime:    now.Sub(snap.StartedAt),
		ProgressMarkers:   snap.ProgressMarkers,
		IsWaitingForInput: snap.WaitingForInput,
		SampledAt:         now,
	}
	if m.ProcessRuntime < 0 {
		m.ProcessRuntime = 0
	}

	if s.probe == nil || snap.PID <= 0 {
		return m, nil
	}
	usage, err := s.probe.Usage(ctx, snap.PID)
	if err != nil {
		return m, fmt.Errorf("probe pid %d: %w", snap.PID, err)
	}
	m.CPUPercent = usage.CPUPercent
	m.MemoryMB = usage.MemoryMB
	return m, nil
}

func linesPerMinute(lines int64, elapsed time.Duration) float64 {
	if lines <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(lines) / elapsed.Minutes()
}
