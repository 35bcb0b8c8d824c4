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
	"sync"
	"time"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/heartbeat"
)

// EventKind names an orchestrator event.
type EventKind string

const (
	EventQueued        EventKind = "queued"
	EventStarted       EventKind = "started"
	EventHealth        EventKind = "health"
	EventAttemptFailed EventKind = "attempt_failed"
	EventRetrying      EventKind = "retrying"
	EventSucceeded     EventKind = "succeeded"
	EventFailed        EventKind = "failed"
	EventCancelled     EventKind = "cancelled"
	EventAborted       EventKind = "aborted"
)

// IsTerminal reports the per-task terminal kinds. Each task produces exactly
// one of them.
func (k EventKind) IsTerminal() bool {
	return k == EventSucceeded || k == EventFailed || k == EventCancelled
}

// Event is a progress or terminal notification. Fields not relevant to
// Kind are zero.
type Event struct {
	Kind    EventKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`

	// Started and Health.
	WorkerID string           `json:"worker_id,omitempty"`
	PID      int              `json:"pid,omitempty"`
	Health   *heartbeat.Event `json:"health,omitempty"`

	// AttemptFailed, Retrying and Failed.
	Failure FailureKind   `json:"failure,omitempty"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
	Backoff time.Duration `json:"backoff,omitempty"`

	// Succeeded. Cost is also set on Failed when attempts were billed.
	Cost   float64 `json:"cost,omitempty"`
	Output string  `json:"output,omitempty"`

	// Terminal events.
	Attempts int             `json:"attempts,omitempty"`
	History  []AttemptRecord `json:"history,omitempty"`

	// Aborted.
	Reason string `json:"reason,omitempty"`
}

// mailbox is an unbounded FIFO between producers and one consumer
// channel. put never blocks, so a slow consumer cannot stall dispatch and
// no terminal event is dropped.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	out    chan Event
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.poke()
}

// close lets pending events drain, then closes the consumer channel.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.poke()
}

func (m *mailbox) poke() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.signal
			continue
		}
		ev := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.out <- ev
	}
}
