// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// =============================================================================
// Panic Recovery
// =============================================================================

// SafeGoResult describes a recovered panic.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue interface{}

	// Stack is the goroutine stack at the point of the panic.
	Stack string
}

// Error formats the panic value. It makes SafeGoResult usable as an error
// when a recovered panic must be reported as a worker failure.
func (r SafeGoResult) Error() string {
	return fmt.Sprintf("panic: %v", r.PanicValue)
}

// SafeGo runs fn in a new goroutine and recovers any panic.
//
// # Description
//
// The supervisor runs several goroutines per worker (stdout reader, stderr
// reader, waiter, heartbeat executor). A panic in any of them must not take
// the supervising process down with every other worker still running.
//
// # Inputs
//
//   - fn: Function to run.
//   - onPanic: Called with the recovered value and stack. May be nil.
//
// # Examples
//
//	util.SafeGo(func() { w.readStream(stdout, streamStdout) },
//	    util.LogPanic(logger, "stdout reader"))
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function for use with defer that recovers a panic
// and passes it to onPanic.
//
// # Examples
//
//	func (s *Scheduler) executeTick() {
//	    defer util.RecoverPanic(util.LogPanic(s.logger, "heartbeat tick"))()
//	    ...
//	}
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}

// LogPanic returns an onPanic callback that logs the panic at error level.
// A nil logger uses slog.Default().
func LogPanic(logger *slog.Logger, component string) func(SafeGoResult) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r SafeGoResult) {
		logger.Error("recovered panic",
			slog.String("component", component),
			slog.Any("panic", r.PanicValue),
			slog.String("stack", r.Stack),
		)
	}
}
