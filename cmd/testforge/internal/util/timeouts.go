// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

const (
	// MinHeartbeatInterval keeps a misconfigured interval from spinning the
	// sampler. Tests run with intervals close to this floor.
	MinHeartbeatInterval = 10 * time.Millisecond

	// DefaultHeartbeatInterval is the production tick period.
	DefaultHeartbeatInterval = 30 * time.Second

	// MinKillGrace is the shortest wait between SIGTERM and SIGKILL.
	MinKillGrace = 10 * time.Millisecond

	// DefaultKillGrace gives a worker time to flush output before SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// MinAttemptTimeout bounds how short a per-attempt timeout may be.
	MinAttemptTimeout = 50 * time.Millisecond

	// DefaultAttemptTimeout applies when neither the task nor the
	// configuration sets one. AI generation runs are slow.
	DefaultAttemptTimeout = 10 * time.Minute

	// DefaultWatchdogInterval is the live-process poll period.
	DefaultWatchdogInterval = time.Second

	// DefaultBackoffInitial is the first retry delay.
	DefaultBackoffInitial = time.Second

	// DefaultBackoffMax caps retry delays.
	DefaultBackoffMax = time.Minute
)

// =============================================================================
// Timeout Configuration
// =============================================================================

// TimeoutConfig groups the supervisor's time limits.
type TimeoutConfig struct {
	Heartbeat time.Duration
	KillGrace time.Duration
	Attempt   time.Duration
	Watchdog  time.Duration
}

// NewTimeoutConfig returns production defaults.
func NewTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Heartbeat: DefaultHeartbeatInterval,
		KillGrace: DefaultKillGrace,
		Attempt:   DefaultAttemptTimeout,
		Watchdog:  DefaultWatchdogInterval,
	}
}

// Validated returns a copy with defaults applied to zero values and floors
// applied to the rest.
func (c TimeoutConfig) Validated() TimeoutConfig {
	return TimeoutConfig{
		Heartbeat: EnforceMinTimeout(EnforceDefaultTimeout(c.Heartbeat, DefaultHeartbeatInterval), MinHeartbeatInterval),
		KillGrace: EnforceMinTimeout(EnforceDefaultTimeout(c.KillGrace, DefaultKillGrace), MinKillGrace),
		Attempt:   EnforceMinTimeout(EnforceDefaultTimeout(c.Attempt, DefaultAttemptTimeout), MinAttemptTimeout),
		Watchdog:  EnforceMinTimeout(EnforceDefaultTimeout(c.Watchdog, DefaultWatchdogInterval), MinHeartbeatInterval),
	}
}

// EnforceMinTimeout returns requested, or minimum when requested is not
// positive or below minimum.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is not positive.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
