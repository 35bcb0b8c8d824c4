// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health turns a snapshot of worker metrics into a health verdict.
//
// AI workers give no direct progress signal. The analyzer infers liveness
// from indirect evidence (output silence, error lines, resource usage) and
// separates outright failures, which terminate the worker, from soft
// warnings, which only lower confidence.
//
// Analyze is a pure function: same inputs, same verdict, no I/O, no clock.
package health

import (
	"fmt"
	"time"
)

// =============================================================================
// Metrics
// =============================================================================

// ProcessMetrics is an immutable snapshot of one worker's observable state.
type ProcessMetrics struct {
	// CPUPercent is CPU usage since the previous sample (100 = one core).
	CPUPercent float64 `json:"cpu_percent" yaml:"cpu_percent"`

	// MemoryMB is resident memory in megabytes.
	MemoryMB float64 `json:"memory_mb" yaml:"memory_mb"`

	// OutputRate is lines per minute since the previous sample.
	OutputRate float64 `json:"output_rate" yaml:"output_rate"`

	// LastOutputTime is when the worker last wrote a line. Zero if never.
	LastOutputTime time.Time `json:"last_output_time" yaml:"last_output_time"`

	// ErrorCount is the cumulative number of lines matching the error pattern.
	ErrorCount int `json:"error_count" yaml:"error_count"`

	// ProcessRuntime is the time since spawn.
	ProcessRuntime time.Duration `json:"process_runtime" yaml:"process_runtime"`

	// ProgressMarkers is the cumulative number of lines matching the
	// progress pattern.
	ProgressMarkers int `json:"progress_markers" yaml:"progress_markers"`

	// IsWaitingForInput is set while the last line looks like a prompt.
	IsWaitingForInput bool `json:"is_waiting_for_input" yaml:"is_waiting_for_input"`

	// SampledAt is the instant the snapshot describes. Silence is measured
	// against it.
	SampledAt time.Time `json:"sampled_at" yaml:"sampled_at"`
}

// StartTime returns when the worker was spawned, derived from SampledAt and
// ProcessRuntime.
func (m ProcessMetrics) StartTime() time.Time {
	return m.SampledAt.Add(-m.ProcessRuntime)
}

// Silence returns how long the worker has gone without output. A worker
// that never wrote anything has been silent since it started.
func (m ProcessMetrics) Silence() time.Duration {
	last := m.LastOutputTime
	if last.IsZero() {
		last = m.StartTime()
	}
	d := m.SampledAt.Sub(last)
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================
// Configuration
// =============================================================================

// AnalysisConfig holds the thresholds one analysis uses.
//
// Values are copied into every Analyze call; a config never changes under a
// running analysis.
type AnalysisConfig struct {
	// CPUThreshold is the soft CPU warning level in percent.
	CPUThreshold float64 `json:"cpu_threshold" yaml:"cpu_threshold" validate:"gt=0"`

	// MemoryThresholdMB is the soft memory warning level.
	MemoryThresholdMB float64 `json:"memory_threshold_mb" yaml:"memory_threshold_mb" validate:"gt=0"`

	// MaxErrorCount is the error-line count above which the worker is
	// considered broken.
	MaxErrorCount int `json:"max_error_count" yaml:"max_error_count" validate:"gte=0"`

	// SilenceTimeout is how long a worker may go without output (while not
	// waiting for input) before it is declared stalled.
	SilenceTimeout time.Duration `json:"silence_timeout" yaml:"silence_timeout" validate:"gt=0"`

	// MinConfidence is the confidence below which a verdict is reported as
	// uncertain.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
}

// =============================================================================
// Verdict
// =============================================================================

// HealthStatus is the analyzer's verdict.
//
// Invariant: ShouldTerminate implies !IsHealthy.
type HealthStatus struct {
	IsHealthy       bool     `json:"is_healthy"`
	ShouldTerminate bool     `json:"should_terminate"`
	Confidence      float64  `json:"confidence"`
	Warnings        []string `json:"warnings,omitempty"`
	Reason          string   `json:"reason"`

	// Uncertain is set when Confidence fell below MinConfidence without an
	// outright failure. Callers keep watching.
	Uncertain bool `json:"uncertain,omitempty"`
}

// String renders the verdict for logs.
func (s HealthStatus) String() string {
	verdict := "healthy"
	switch {
	case s.ShouldTerminate:
		verdict = "terminate"
	case s.Uncertain:
		verdict = "uncertain"
	case !s.IsHealthy:
		verdict = "unhealthy"
	}
	return fmt.Sprintf("%s (confidence %.2f): %s", verdict, s.Confidence, s.Reason)
}
