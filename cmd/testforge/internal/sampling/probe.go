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
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessProbe reads CPU and memory through gopsutil.
//
// CPU percent is computed from the delta of process CPU times between two
// calls, so the handle for each PID is cached. The first reading for a PID
// is 0%. Call Forget once a worker exits.
type ProcessProbe struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewProcessProbe creates an empty probe.
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{procs: make(map[int]*process.Process)}
}

// Usage implements ResourceProbe.
func (p *ProcessProbe) Usage(ctx context.Context, pid int) (Usage, error) {
	proc, err := p.handle(ctx, pid)
	if err != nil {
		return Usage{}, err
	}

	cpu, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{CPUPercent: cpu}, err
	}
	return Usage{
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / (1024 * 1024),
	}, nil
}

// Forget drops the cached handle for pid.
func (p *ProcessProbe) Forget(pid int) {
	p.mu.Lock()
	delete(p.procs, pid)
	p.mu.Unlock()
}

func (p *ProcessProbe) handle(ctx context.Context, pid int) (*process.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proc, ok := p.procs[pid]; ok {
		return proc, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	p.procs[pid] = proc
	return proc, nil
}

var _ ResourceProbe = (*ProcessProbe)(nil)
