// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command testforge supervises a fleet of test-generation workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitTasksFailed = 2
	exitAborted     = 3
	exitInterrupted = 130
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errTasksFailed is returned by run when at least one task did not succeed.
var errTasksFailed = errors.New("one or more tasks did not succeed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, orchestrator.ErrAborted), errors.Is(err, orchestrator.ErrWatchdogTripped):
		return exitAborted
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, errTasksFailed):
		return exitTasksFailed
	default:
		return exitFailure
	}
}
