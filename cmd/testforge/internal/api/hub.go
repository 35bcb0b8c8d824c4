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
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// Hub fans one event stream out to many consumers.
//
// # Description
//
// Durable subscribers (SubscribeAll) receive every event and may apply
// backpressure; the orchestrator buffers internally, so a slow journal never
// stalls dispatch. Live subscribers (Subscribe) are best-effort: an event
// that does not fit in their buffer is dropped for them and counted.
//
// # Thread Safety
//
// Safe for concurrent use. Run must be called once.
type Hub struct {
	// pubMu serializes Publish and Close so a durable send never races a
	// close.
	pubMu sync.Mutex

	mu      sync.Mutex
	live    map[int]chan orchestrator.Event
	durable []chan orchestrator.Event
	nextID  int
	closed  bool

	dropped atomic.Int64
}

// NewHub creates an idle hub.
func NewHub() *Hub {
	return &Hub{live: make(map[int]chan orchestrator.Event)}
}

// Subscribe registers a best-effort subscriber. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
// Subscribing to a closed hub yields a closed channel.
func (h *Hub) Subscribe(buffer int) (<-chan orchestrator.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan orchestrator.Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.live[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.live[id]; ok {
				delete(h.live, id)
				close(c)
			}
		})
	}
}

// SubscribeAll registers a subscriber that sees every event. It must be
// drained until it closes. Call before Run starts delivering.
func (h *Hub) SubscribeAll(buffer int) <-chan orchestrator.Event {
	ch := make(chan orchestrator.Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.durable = append(h.durable, ch)
	return ch
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev orchestrator.Event) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for _, ch := range h.live {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	durable := h.durable
	h.mu.Unlock()

	// Durable sends happen outside the lock so a slow consumer cannot block
	// Subscribe or unsubscribe.
	for _, ch := range durable {
		ch <- ev
	}
}

// Run publishes src until it closes, then closes the hub.
func (h *Hub) Run(src <-chan orchestrator.Event) {
	for ev := range src {
		h.Publish(ev)
	}
	h.Close()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.live {
		delete(h.live, id)
		close(ch)
	}
	for _, ch := range h.durable {
		close(ch)
	}
	h.durable = nil
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Dropped counts events discarded for slow live subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
