// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides foundational utilities for the TestForge supervisor.
//
// This is a leaf package: it depends only on the standard library and is
// imported by every other internal package.
//
// # Overview
//
//   - Timeout Management: floors and defaults for heartbeat, kill grace and
//     attempt timeouts
//   - Worker Environment: environment variables for spawned workers with
//     redaction of secrets for logging
//   - Command Errors: rich errors for worker exits (command, exit code,
//     signal, stderr tail)
//   - Ring Buffer: bounded tail of recent worker output lines
//   - Goroutine Safety: panic recovery for stream readers, samplers and
//     dispatch goroutines
//
// # Thread Safety
//
//   - [RingBuffer] is safe for concurrent use
//   - [EnvVars] is NOT safe for concurrent modification
//   - [CommandError] is immutable after creation
//
// # Examples
//
//	tail := util.NewRingBuffer[string](50)
//	tail.Push(line)
//
//	env := util.EnvFromMap(task.Env)
//	logger.Debug("spawning", "env", env.RedactedSlice())
//
//	util.SafeGo(readStdout, util.LogPanic(logger, "stdout reader"))
package util
