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
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CommandError
// =============================================================================

// CommandError describes a worker command that ended badly.
//
// # Description
//
// Carries the command line, exit code, terminating signal (if any), and the
// trailing stderr lines so a failed attempt can be diagnosed from the
// terminal event alone.
//
// # Thread Safety
//
// CommandError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewCommandError("claude -p ...", 1, "", "rate limited", nil)
//	fmt.Println(err) // "claude -p ... (exit 1): rate limited"
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int

	// Signal names the terminating signal, empty for a normal exit.
	Signal string

	// Stderr holds the trimmed tail of standard error.
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error formats the command, exit status, and stderr or wrapped error.
func (e *CommandError) Error() string {
	status := fmt.Sprintf("exit %d", e.ExitCode)
	if e.Signal != "" {
		status = "signal " + e.Signal
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s (%s): %s", e.Command, status, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (%s): %v", e.Command, status, e.Wrapped)
	}
	return fmt.Sprintf("%s (%s)", e.Command, status)
}

// Unwrap returns the wrapped error for errors.Is / errors.As.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError. Stderr is trimmed.
func NewCommandError(cmd string, exitCode int, signal, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Signal:   signal,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks the error chain and returns the first captured stderr.
func ExtractStderr(err error) string {
	for err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			return ""
		}
		if cmdErr.HasStderr() {
			return cmdErr.Stderr
		}
		err = cmdErr.Unwrap()
	}
	return ""
}
