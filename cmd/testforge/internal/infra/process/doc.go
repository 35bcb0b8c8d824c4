// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process owns the lifecycle of external worker processes.

# Overview

This package contains three components:

  - Supervisor: spawns workers, captures their output, runs their heartbeat,
    kills them, and reports each exit exactly once
  - Counters: live-process counts for the safety watchdog
  - Lock: a file lock that keeps a second supervising instance from starting

# Supervisor

	sup, err := process.NewSupervisor(process.DefaultConfig(), logger, process.WithMetrics(m))
	w, err := sup.Spawn(ctx, process.Spec{TaskID: "t1", Attempt: 1, Command: "claude", Args: args})
	if err != nil {
	    // *SpawnError: the executable is missing or not runnable
	}
	for ev := range w.HealthEvents() {
	    // heartbeat verdicts; the channel closes when the worker exits
	}
	status := w.Exit()

Each worker runs in its own process group. Kill sends SIGTERM to the group
and escalates to SIGKILL after the configured grace period, so shells and
their children die together.

# Exit Reporting

Only the goroutine that calls exec.Cmd.Wait reports the exit, guarded by
sync.Once. Timers, heartbeat verdicts, cancellation and the watchdog only
record a kill reason (first one wins) and send signals.

# Lock

	lock := process.NewLock(process.LockConfig{LockName: "testforge"})
	if err := lock.Acquire(); err != nil {
	    return err // another supervisor is running
	}
	defer lock.Release()
*/
package process
