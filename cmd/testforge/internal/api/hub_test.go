// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

func ev(id string) orchestrator.Event {
	return orchestrator.Event{Kind: orchestrator.EventQueued, TaskID: id}
}

func TestHub_LiveSubscriberDropsWhenFull(t *testing.T) {
	h := NewHub()
	live, unsubscribe := h.Subscribe(1)
	defer unsubscribe()

	h.Publish(ev("a"))
	h.Publish(ev("b"))

	got := <-live
	assert.Equal(t, "a", got.TaskID)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHub_DurableSeesEverything(t *testing.T) {
	h := NewHub()
	durable := h.SubscribeAll(0)
	src := make(chan orchestrator.Event)

	go h.Run(src)
	go func() {
		for _, id := range []string{"a", "b", "c"} {
			src <- ev(id)
		}
		close(src)
	}()

	var ids []string
	for e := range durable {
		ids = append(ids, e.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe(4)
	assert.Equal(t, 1, h.Subscribers())
	unsubscribe()
	unsubscribe()
	assert.Zero(t, h.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	other, _ := h.Subscribe(4)
	h.Close()
	h.Close()
	select {
	case _, ok := <-other:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed")
	}

	late, _ := h.Subscribe(4)
	_, ok = <-late
	assert.False(t, ok)
	_, ok = <-h.SubscribeAll(1)
	assert.False(t, ok)

	// Publishing after close is ignored.
	require.NotPanics(t, func() { h.Publish(ev("x")) })
}
