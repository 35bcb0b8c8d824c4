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
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownPreset is returned for preset and scenario names that do not exist.
var ErrUnknownPreset = errors.New("unknown preset")

// =============================================================================
// Threshold Presets
// =============================================================================

// Preset names.
const (
	PresetDefault = "default"
	PresetStrict  = "strict"
	PresetLenient = "lenient"
)

// presets are factories so callers always receive a fresh value.
var presets = map[string]func() AnalysisConfig{
	PresetDefault: DefaultConfig,
	PresetStrict: func() AnalysisConfig {
		return AnalysisConfig{
			CPUThreshold:      80,
			MemoryThresholdMB: 1024,
			MaxErrorCount:     10,
			SilenceTimeout:    2 * time.Minute,
			MinConfidence:     0.7,
		}
	},
	PresetLenient: func() AnalysisConfig {
		return AnalysisConfig{
			CPUThreshold:      400,
			MemoryThresholdMB: 8192,
			MaxErrorCount:     200,
			SilenceTimeout:    15 * time.Minute,
			MinConfidence:     0.3,
		}
	},
}

// DefaultConfig returns the thresholds used when nothing else is configured.
func DefaultConfig() AnalysisConfig {
	return AnalysisConfig{
		CPUThreshold:      90,
		MemoryThresholdMB: 2048,
		MaxErrorCount:     50,
		SilenceTimeout:    5 * time.Minute,
		MinConfidence:     0.5,
	}
}

// Preset returns the named threshold preset.
func Preset(name string) (AnalysisConfig, error) {
	f, ok := presets[name]
	if !ok {
		return AnalysisConfig{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownPreset, name, PresetNames())
	}
	return f(), nil
}

// PresetNames lists the threshold presets in sorted order.
func PresetNames() []string {
	return sortedKeys(presets)
}

// =============================================================================
// Metric Scenarios
// =============================================================================

// Scenario names.
const (
	ScenarioHealthy         = "healthy"
	ScenarioBusy            = "busy"
	ScenarioStalled         = "stalled"
	ScenarioErrorStorm      = "error-storm"
	ScenarioWaitingForInput = "waiting-for-input"
)

var scenarios = map[string]func(now time.Time) ProcessMetrics{
	ScenarioHealthy: func(now time.Time) ProcessMetrics {
		return ProcessMetrics{
			CPUPercent:      35,
			MemoryMB:        300,
			OutputRate:      12,
			LastOutputTime:  now.Add(-5 * time.Second),
			ProcessRuntime:  2 * time.Minute,
			ProgressMarkers: 4,
			SampledAt:       now,
		}
	},
	ScenarioBusy: func(now time.Time) ProcessMetrics {
		return ProcessMetrics{
			CPUPercent:      97,
			MemoryMB:        2600,
			OutputRate:      3,
			LastOutputTime:  now.Add(-20 * time.Second),
			ProcessRuntime:  6 * time.Minute,
			ProgressMarkers: 9,
			SampledAt:       now,
		}
	},
	ScenarioStalled: func(now time.Time) ProcessMetrics {
		return ProcessMetrics{
			CPUPercent:     0.5,
			MemoryMB:       180,
			LastOutputTime: now.Add(-10 * time.Minute),
			ProcessRuntime: 12 * time.Minute,
			SampledAt:      now,
		}
	},
	ScenarioErrorStorm: func(now time.Time) ProcessMetrics {
		return ProcessMetrics{
			CPUPercent:     20,
			MemoryMB:       250,
			OutputRate:     80,
			LastOutputTime: now.Add(-time.Second),
			ErrorCount:     60,
			ProcessRuntime: 3 * time.Minute,
			SampledAt:      now,
		}
	},
	ScenarioWaitingForInput: func(now time.Time) ProcessMetrics {
		return ProcessMetrics{
			CPUPercent:        0.1,
			MemoryMB:          150,
			LastOutputTime:    now.Add(-30 * time.Minute),
			ProcessRuntime:    31 * time.Minute,
			IsWaitingForInput: true,
			SampledAt:         now,
		}
	},
}

// Scenario returns a named metrics snapshot sampled at now. Scenarios let
// tests and the analyze command exercise the analyzer without a live worker.
func Scenario(name string, now time.Time) (ProcessMetrics, error) {
	f, ok := scenarios[name]
	if !ok {
		return ProcessMetrics{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownPreset, name, ScenarioNames())
	}
	return f(now), nil
}

// ScenarioNames lists the scenarios in sorted order.
func ScenarioNames() []string {
	return sortedKeys(scenarios)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
