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

	"github.com/AleutianAI/testforge/cmd/testforge/internal/heartbeat"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/infra/process"
)

// Handle is a running attempt's worker.
type Handle interface {
	ID() string
	PID() int
	// HealthEvents closes before Done.
	HealthEvents() <-chan heartbeat.Event
	Done() <-chan struct{}
	Exit() process.ExitStatus
	Kill(reason process.KillReason, detail string) bool
}

// Spawner starts workers. A returned error means no process exists.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (Handle, error)
}

// SupervisorSpawner adapts a process.Supervisor.
type SupervisorSpawner struct {
	Supervisor *process.Supervisor
}

// Spawn implements Spawner.
func (s SupervisorSpawner) Spawn(ctx context.Context, spec process.Spec) (Handle, error) {
	w, err := s.Supervisor.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return workerHandle{Worker: w, sup: s.Supervisor}, nil
}

type workerHandle struct {
	*process.Worker
	sup *process.Supervisor
}

func (h workerHandle) Kill(reason process.KillReason, detail string) bool {
	return h.sup.Kill(h.Worker, reason, detail)
}

var _ Spawner = SupervisorSpawner{}
var _ Handle = workerHandle{}
