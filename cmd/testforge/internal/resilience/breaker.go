// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience guards worker spawning with per-executable circuit
// breakers.
//
// A spawn failure is never retried for the task that hit it, but the next
// task for the same executable would hit it too. After FailureThreshold
// consecutive spawn failures the breaker opens and later spawns of that
// executable fail fast with ErrOpen until OpenTimeout passes.
//
// # States
//
//	Closed ──[failures ≥ threshold]──▶ Open
//	  ▲                                 │
//	  └──[successes]── HalfOpen ◀──[timeout]
package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// Config tunes a Breaker. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is consecutive failures that open the breaker.
	// Default: 3
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes that close it.
	// Default: 1
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open. Default: 30s
	OpenTimeout time.Duration

	// OnStateChange runs synchronously after a transition, outside the
	// breaker's lock. May be nil.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the spawn breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker.
//
// # Thread Safety
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	state    State
	failures int
	success  int
	openedAt time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the guarded resource name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed, moving Open to HalfOpen once
// OpenTimeout has passed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to State
	allowed := true
	changed := false
	if b.state == Open {
		if b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			from, to, changed = b.transition(HalfOpen)
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()
	b.notify(changed, from, to)
	return allowed
}

// Record feeds a call result into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var from, to State
	changed := false
	if err != nil {
		b.failures++
		b.success = 0
		if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.FailureThreshold) {
			b.openedAt = b.now()
			from, to, changed = b.transition(Open)
		}
	} else {
		b.success++
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			if b.success >= b.cfg.SuccessThreshold {
				b.failures = 0
				from, to, changed = b.transition(Closed)
			}
		}
	}
	b.mu.Unlock()
	b.notify(changed, from, to)
}

// Execute runs fn when allowed and records its result.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures, b.success = 0, 0
	from, to, changed := b.transition(Closed)
	b.mu.Unlock()
	b.notify(changed, from, to)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	if to != Closed {
		b.success = 0
	}
	return from, to, true
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry hands out one Breaker per name, created on first use.
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// States returns every breaker's state keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]State, len(names))
	for _, n := range names {
		out[n] = r.Get(n).State()
	}
	return out
}
