// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampling

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	snap WorkerSnapshot
}

func (s *staticSource) Snapshot() WorkerSnapshot { return s.snap }

type fakeProbe struct {
	usage Usage
	err   error
	calls int
}

func (f *fakeProbe) Usage(ctx context.Context, pid int) (Usage, error) {
	f.calls++
	return f.usage, f.err
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func TestSampler_FirstSampleRateFromStart(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start.Add(2 * time.Minute)}
	src := &staticSource{snap: WorkerSnapshot{
		PID:             42,
		StartedAt:       start,
		LastOutputAt:    start.Add(90 * time.Second),
		Lines:           20,
		ErrorCount:      3,
		ProgressMarkers: 2,
	}}
	probe := &fakeProbe{usage: Usage{CPUPercent: 12.5, MemoryMB: 256}}

	m, err := New(src, probe, WithClock(clock.now)).Sample(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 10.0, m.OutputRate, 1e-9)
	assert.Equal(t, 2*time.Minute, m.ProcessRuntime)
	assert.Equal(t, start.Add(90*time.Second), m.LastOutputTime)
	assert.Equal(t, 3, m.ErrorCount)
	assert.Equal(t, 2, m.ProgressMarkers)
	assert.Equal(t, 12.5, m.CPUPercent)
	assert.Equal(t, 256.0, m.MemoryMB)
	assert.Equal(t, clock.t, m.SampledAt)
}

func TestSampler_RateIsIncremental(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start.Add(time.Minute)}
	src := &staticSource{snap: WorkerSnapshot{PID: 1, StartedAt: start, Lines: 60}}
	s := New(src, nil, WithClock(clock.now))

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	clock.t = clock.t.Add(30 * time.Second)
	src.snap.Lines = 63
	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 6.0, m.OutputRate, 1e-9)

	clock.t = clock.t.Add(30 * time.Second)
	m, _ = s.Sample(context.Background())
	assert.Equal(t, 0.0, m.OutputRate, "no new lines means zero rate")
}

func TestSampler_ProbeErrorDegrades(t *testing.T) {
	src := &staticSource{snap: WorkerSnapshot{PID: 7, StartedAt: time.Now().Add(-time.Second), WaitingForInput: true}}
	probe := &fakeProbe{err: errors.New("no such process")}

	m, err := New(src, probe).Sample(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid 7")
	assert.Equal(t, 0.0, m.CPUPercent)
	assert.True(t, m.IsWaitingForInput)
	assert.False(t, m.SampledAt.IsZero())
}

func TestSampler_SkipsProbeWithoutPID(t *testing.T) {
	probe := &fakeProbe{}
	src := &staticSource{snap: WorkerSnapshot{StartedAt: time.Now()}}

	_, err := New(src, probe).Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, probe.calls)
}

func TestProcessProbe_Self(t *testing.T) {
	probe := NewProcessProbe()
	pid := os.Getpid()

	usage, err := probe.Usage(context.Background(), pid)
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)

	probe.Forget(pid)
	probe.mu.Lock()
	assert.Empty(t, probe.procs)
	probe.mu.Unlock()
}
