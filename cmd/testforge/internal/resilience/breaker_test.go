// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSpawn = errors.New("exec: not found")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("claude", cfg)
	b.now = clock.Now
	return b, clock
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	b.Record(errSpawn)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())

	b.Record(errSpawn)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, 2, b.Failures())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	b.Record(errSpawn)
	b.Record(nil)
	b.Record(errSpawn)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	b.Record(errSpawn)
	require.Equal(t, Open, b.State())

	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, HalfOpen, b.State())
	b.Record(nil)
	assert.Equal(t, Closed, b.State())

	assert.Equal(t, []string{
		"claude:closed->open",
		"claude:open->half_open",
		"claude:half_open->closed",
	}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Second})
	for i := 0; i < 3; i++ {
		b.Record(errSpawn)
	}
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	b.Record(errSpawn)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	calls := 0
	err := b.Execute(func() error { calls++; return errSpawn })
	assert.ErrorIs(t, err, errSpawn)

	err = b.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "claude")
	assert.Equal(t, 1, calls)

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})

	a := r.Get("claude")
	assert.Same(t, a, r.Get("claude"))
	assert.Equal(t, "claude", a.Name())

	a.Record(errSpawn)
	r.Get("sh")

	assert.Equal(t, map[string]State{"claude": Open, "sh": Closed}, r.States())

	r.Get("claude").Reset()
	assert.Equal(t, Closed, r.States()["claude"])
}
