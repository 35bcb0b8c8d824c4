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

import "container/heap"

// taskQueue orders pending runs by priority, then by submission sequence.
// A retried run keeps its original sequence, so it goes back ahead of
// later submissions of the same priority.
type taskQueue struct {
	items runHeap
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Push(r *taskRun) { heap.Push(&q.items, r) }

// Peek returns the next run without removing it.
func (q *taskQueue) Peek() *taskRun {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *taskQueue) Pop() *taskRun {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*taskRun)
}

// Remove drops r if queued and reports whether it was.
func (q *taskQueue) Remove(r *taskRun) bool {
	if r.index < 0 || r.index >= len(q.items) || q.items[r.index] != r {
		return false
	}
	heap.Remove(&q.items, r.index)
	return true
}

// Drain removes and returns every run in dequeue order.
func (q *taskQueue) Drain() []*taskRun {
	out := make([]*taskRun, 0, len(q.items))
	for q.Len() > 0 {
		out = append(out, q.Pop())
	}
	return out
}

type runHeap []*taskRun

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x any) {
	r := x.(*taskRun)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
