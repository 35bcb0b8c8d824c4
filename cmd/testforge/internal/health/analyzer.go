// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"fmt"
	"math"
	"time"
)

// Warning prefixes. Full warning strings append the observed and threshold
// values.
const (
	WarningHighCPU       = "high CPU usage"
	WarningHighMemory    = "high memory usage"
	WarningErrorStorm    = "excessive errors"
	WarningStalled       = "no output"
	WarningLowConfidence = "low confidence"
)

// Reasons reported in HealthStatus.Reason.
const (
	ReasonHealthy    = "process healthy"
	ReasonErrors     = "too many errors"
	ReasonStalled    = "process stalled"
	ReasonUncertain  = "uncertain, keep watching"
	ReasonSoftIssues = "healthy with warnings"
)

// SoftPenalty is subtracted from confidence for each soft warning.
const SoftPenalty = 0.1

// Analyze evaluates one metrics snapshot against cfg.
//
// # Description
//
// Starting from confidence 1.0:
//
//  1. CPU above CPUThreshold adds a warning and costs SoftPenalty.
//  2. Memory above MemoryThresholdMB adds a warning and costs SoftPenalty.
//  3. ErrorCount above MaxErrorCount is an outright failure: unhealthy,
//     terminate, reason "too many errors".
//  4. Output silence longer than SilenceTimeout while not waiting for input
//     is an outright failure: unhealthy, terminate, reason "process stalled".
//  5. Otherwise the worker is healthy. If confidence dropped below
//     MinConfidence the verdict is marked uncertain.
//
// Confidence is always clamped to [0, 1].
//
// # Inputs
//
//   - m: Snapshot. m.SampledAt is "now" for silence measurement.
//   - cfg: Thresholds.
//
// # Outputs
//
//   - HealthStatus: The verdict. Warnings keep their discovery order.
//
// # Limitations
//
// Soft warnings never terminate on their own, however many accumulate.
func Analyze(m ProcessMetrics, cfg AnalysisConfig) HealthStatus {
	confidence := 1.0
	var warnings []string

	if m.CPUPercent > cfg.CPUThreshold {
		warnings = append(warnings, fmt.Sprintf("%s: %.1f%% > %.1f%%", WarningHighCPU, m.CPUPercent, cfg.CPUThreshold))
		confidence -= SoftPenalty
	}

	if m.MemoryMB > cfg.MemoryThresholdMB {
		warnings = append(warnings, fmt.Sprintf("%s: %.1fMB > %.1fMB", WarningHighMemory, m.MemoryMB, cfg.MemoryThresholdMB))
		confidence -= SoftPenalty
	}

	if m.ErrorCount > cfg.MaxErrorCount {
		warnings = append(warnings, fmt.Sprintf("%s: %d > %d", WarningErrorStorm, m.ErrorCount, cfg.MaxErrorCount))
		return HealthStatus{
			IsHealthy:       false,
			ShouldTerminate: true,
			Confidence:      clamp01(confidence),
			Warnings:        warnings,
			Reason:          ReasonErrors,
		}
	}

	if silence := m.Silence(); silence > cfg.SilenceTimeout && !m.IsWaitingForInput {
		warnings = append(warnings, fmt.Sprintf("%s for %s > %s", WarningStalled, silence.Round(time.Millisecond), cfg.SilenceTimeout))
		return HealthStatus{
			IsHealthy:       false,
			ShouldTerminate: true,
			Confidence:      clamp01(confidence),
			Warnings:        warnings,
			Reason:          ReasonStalled,
		}
	}

	confidence = clamp01(confidence)
	status := HealthStatus{
		IsHealthy:  true,
		Confidence: confidence,
		Warnings:   warnings,
		Reason:     ReasonHealthy,
	}
	if len(warnings) > 0 {
		status.Reason = ReasonSoftIssues
	}
	if confidence < cfg.MinConfidence {
		status.Uncertain = true
		status.Reason = ReasonUncertain
		status.Warnings = append(status.Warnings, fmt.Sprintf("%s: %.2f < %.2f", WarningLowConfidence, confidence, cfg.MinConfidence))
	}
	return status
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
