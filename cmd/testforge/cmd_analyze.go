// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/health"
)

// verdict is one analyzed snapshot.
type verdict struct {
	Name    string                `json:"name"`
	Metrics health.ProcessMetrics `json:"metrics"`
	Status  health.HealthStatus   `json:"status"`
}

func scenarioList() string {
	return strings.Join(health.ScenarioNames(), ", ")
}

// runAnalyze handles `testforge analyze`.
func runAnalyze(cmd *cobra.Command, args []string) error {
	thresholds, err := analyzeThresholds()
	if err != nil {
		return err
	}
	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	verdicts, err := analyzeTarget(target, thresholds, time.Now())
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(verdicts)
	}
	writeVerdicts(cmd.OutOrStdout(), verdicts)
	return nil
}

// analyzeThresholds resolves --preset, falling back to the configuration.
func analyzeThresholds() (health.AnalysisConfig, error) {
	if analyzePreset != "" {
		return health.Preset(analyzePreset)
	}
	cfg, err := loadConfig()
	if err != nil {
		return health.AnalysisConfig{}, err
	}
	return cfg.Thresholds()
}

// analyzeTarget analyzes a named scenario, a metrics file, or every
// scenario when target is empty.
//
// # Inputs
//
//   - target: Scenario name, path to a YAML/JSON ProcessMetrics snapshot,
//     or "".
//   - thresholds: Analyzer thresholds.
//   - now: Sample time for scenarios and for files without sampled_at.
func analyzeTarget(target string, thresholds health.AnalysisConfig, now time.Time) ([]verdict, error) {
	var names []string
	switch {
	case target == "":
		names = health.ScenarioNames()
	case isScenario(target):
		names = []string{target}
	default:
		m, err := readMetrics(target, now)
		if err != nil {
			return nil, err
		}
		return []verdict{{Name: target, Metrics: m, Status: health.Analyze(m, thresholds)}}, nil
	}

	out := make([]verdict, 0, len(names))
	for _, name := range names {
		m, err := health.Scenario(name, now)
		if err != nil {
			return nil, err
		}
		out = append(out, verdict{Name: name, Metrics: m, Status: health.Analyze(m, thresholds)})
	}
	return out, nil
}

func isScenario(name string) bool {
	for _, s := range health.ScenarioNames() {
		if s == name {
			return true
		}
	}
	return false
}

// readMetrics loads a ProcessMetrics snapshot. JSON is valid YAML.
func readMetrics(path string, now time.Time) (health.ProcessMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return health.ProcessMetrics{}, fmt.Errorf("%q is neither a scenario (%s) nor a readable file: %w",
			path, scenarioList(), err)
	}
	var m health.ProcessMetrics
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse metrics %s: %w", path, err)
	}
	if m.SampledAt.IsZero() {
		m.SampledAt = now
	}
	return m, nil
}

func writeVerdicts(w io.Writer, verdicts []verdict) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SNAPSHOT\tHEALTHY\tTERMINATE\tCONFIDENCE\tWARNINGS\tREASON")
	for _, v := range verdicts {
		warnings := strings.Join(v.Status.Warnings, ",")
		if warnings == "" {
			warnings = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%.2f\t%s\t%s\n",
			v.Name, v.Status.IsHealthy, v.Status.ShouldTerminate, v.Status.Confidence, warnings, v.Status.Reason)
	}
	_ = tw.Flush()
}
