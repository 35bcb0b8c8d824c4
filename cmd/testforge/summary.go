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
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// taskOutcome is one row of the run summary.
type taskOutcome struct {
	ID       string                   `json:"id"`
	Outcome  orchestrator.EventKind   `json:"outcome"`
	Attempts int                      `json:"attempts"`
	Cost     float64                  `json:"cost"`
	Failure  orchestrator.FailureKind `json:"failure,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// summary collects terminal events for the end-of-run report.
type summary struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	order   []string
	tasks   map[string]*taskOutcome
	aborted string
}

func newSummary(runID string) *summary {
	return &summary{
		runID:   runID,
		started: time.Now(),
		tasks:   make(map[string]*taskOutcome),
	}
}

// consume observes events until the channel closes.
func (s *summary) consume(events <-chan orchestrator.Event, log *slog.Logger) {
	for ev := range events {
		s.observe(ev)
		if ev.Kind == orchestrator.EventRetrying {
			log.Info("task retrying",
				slog.String("task_id", ev.TaskID),
				slog.Int("attempt", ev.Attempt),
				slog.Duration("backoff", ev.Backoff),
				slog.String("failure", string(ev.Failure)),
			)
		}
	}
}

func (s *summary) observe(ev orchestrator.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == orchestrator.EventAborted {
		s.aborted = ev.Reason
		return
	}
	if !ev.Kind.IsTerminal() {
		return
	}
	if _, ok := s.tasks[ev.TaskID]; !ok {
		s.order = append(s.order, ev.TaskID)
	}
	s.tasks[ev.TaskID] = &taskOutcome{
		ID:       ev.TaskID,
		Outcome:  ev.Kind,
		Attempts: ev.Attempts,
		Cost:     ev.Cost,
		Failure:  ev.Failure,
		Error:    ev.Error,
	}
}

// failed counts tasks that did not succeed.
func (s *summary) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Outcome != orchestrator.EventSucceeded {
			n++
		}
	}
	return n
}

func (s *summary) rows() []taskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]taskOutcome, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

type summaryReport struct {
	RunID    string             `json:"run_id"`
	Duration string             `json:"duration"`
	Aborted  string             `json:"aborted,omitempty"`
	Stats    orchestrator.Stats `json:"stats"`
	Tasks    []taskOutcome      `json:"tasks"`
}

func (s *summary) writeJSON(w io.Writer, stats orchestrator.Stats) error {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaryReport{
		RunID:    s.runID,
		Duration: time.Since(s.started).Round(time.Millisecond).String(),
		Aborted:  aborted,
		Stats:    stats,
		Tasks:    s.rows(),
	})
}

func (s *summary) writeText(w io.Writer, stats orchestrator.Stats) {
	rows := s.rows()
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()

	fmt.Fprintf(w, "\nRun %s finished in %s\n", s.runID, time.Since(s.started).Round(time.Millisecond))
	if aborted != "" {
		fmt.Fprintf(w, "ABORTED: %s\n", aborted)
	}
	if len(rows) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tOUTCOME\tATTEMPTS\tCOST\tDETAIL")
		for _, r := range rows {
			detail := r.Error
			if r.Failure != "" {
				detail = fmt.Sprintf("[%s] %s", r.Failure, r.Error)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.4f\t%s\n", r.ID, r.Outcome, r.Attempts, r.Cost, detail)
		}
		_ = tw.Flush()
	}

	budget := "unlimited"
	if !stats.Budget.Unlimited() {
		budget = fmt.Sprintf("%.4f", stats.Budget.Limit)
	}
	fmt.Fprintf(w, "succeeded %d, failed %d, cancelled %d; spent %.4f of %s\n",
		stats.Succeeded, stats.Failed, stats.Cancelled, stats.Budget.Spent, budget)
}
