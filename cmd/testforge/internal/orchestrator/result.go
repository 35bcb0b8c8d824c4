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
	"encoding/json"
	"strings"
)

// WorkerResult is the JSON summary AI coding CLIs print with
// --output-format json. Every field is optional.
type WorkerResult struct {
	Result       string   `json:"result"`
	SessionID    string   `json:"session_id,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	Subtype      string   `json:"subtype,omitempty"`
}

// Cost returns the reported cost, if any.
func (r WorkerResult) Cost() (float64, bool) {
	if r.TotalCostUSD == nil || *r.TotalCostUSD < 0 {
		return 0, false
	}
	return *r.TotalCostUSD, true
}

// parseWorkerResult finds the JSON summary in stdout. The whole output is
// tried first, then each line from the end, so summaries that follow
// streamed progress lines are found too.
func parseWorkerResult(stdout string) (WorkerResult, bool) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return WorkerResult{}, false
	}
	if r, ok := decodeResult(trimmed); ok {
		return r, true
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if r, ok := decodeResult(line); ok {
			return r, true
		}
	}
	return WorkerResult{}, false
}

func decodeResult(s string) (WorkerResult, bool) {
	if !strings.HasPrefix(s, "{") {
		return WorkerResult{}, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return WorkerResult{}, false
	}
	_, hasResult := probe["result"]
	_, hasCost := probe["total_cost_usd"]
	if !hasResult && !hasCost {
		return WorkerResult{}, false
	}
	var r WorkerResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return WorkerResult{}, false
	}
	return r, true
}
