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

import "fmt"

// Budget is a point-in-time view of spending.
type Budget struct {
	// Spent is committed cost. It never decreases and never exceeds Limit.
	Spent float64 `json:"spent"`

	// Reserved is the estimated cost of attempts still running.
	Reserved float64 `json:"reserved"`

	// Limit is the ceiling. Zero means unlimited.
	Limit float64 `json:"limit"`
}

// Unlimited reports a budget without a ceiling.
func (b Budget) Unlimited() bool { return b.Limit <= 0 }

// Remaining returns Limit - Spent - Reserved, or -1 when unlimited.
func (b Budget) Remaining() float64 {
	if b.Unlimited() {
		return -1
	}
	r := b.Limit - b.Spent - b.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// admission is the outcome of a budget check.
type admission int

const (
	admit admission = iota
	// admitWait: the estimate fits what is spent but not what is reserved.
	// Running attempts may come in under their estimates.
	admitWait
	// admitReject: the estimate cannot fit even if nothing else is billed.
	admitReject
)

// ledger is the budget's mutable state. Only the dispatch loop touches it.
type ledger struct {
	Budget
}

func (l *ledger) check(estimate float64) (admission, error) {
	if l.Unlimited() {
		return admit, nil
	}
	if l.Spent+estimate > l.Limit {
		return admitReject, fmt.Errorf("estimate %.4f with %.4f spent exceeds limit %.4f: %w",
			estimate, l.Spent, l.Limit, ErrBudgetExceeded)
	}
	if l.Spent+l.Reserved+estimate > l.Limit {
		return admitWait, nil
	}
	return admit, nil
}

func (l *ledger) reserve(estimate float64) {
	l.Reserved += estimate
}

func (l *ledger) release(estimate float64) {
	l.Reserved -= estimate
	if l.Reserved < 1e-12 {
		l.Reserved = 0
	}
}

// commit bills actual cost and returns what was billed and any overrun
// that the limit absorbed.
func (l *ledger) commit(actual float64) (billed, overrun float64) {
	if actual <= 0 {
		return 0, 0
	}
	billed = actual
	if !l.Unlimited() && l.Spent+actual > l.Limit {
		billed = l.Limit - l.Spent
		overrun = actual - billed
	}
	l.Spent += billed
	return billed, overrun
}
