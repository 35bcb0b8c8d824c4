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
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Environment Variables
// =============================================================================

var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// sensitiveKeyPattern flags keys whose values must never reach a log line.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|AUTH)`)

// ErrInvalidEnvVarKey is returned for keys that are not valid shell names.
var ErrInvalidEnvVarKey = errors.New("invalid environment variable key")

// EnvVar is one variable passed to a worker.
type EnvVar struct {
	Key       string
	Value     string
	Sensitive bool
}

// String returns KEY=VALUE.
func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%s", e.Key, e.Value)
}

// Redacted returns KEY=[REDACTED] for sensitive variables, KEY=VALUE otherwise.
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return fmt.Sprintf("%s=[REDACTED]", e.Key)
	}
	return e.String()
}

// Validate checks the key against [a-zA-Z_][a-zA-Z0-9_]*.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// EnvVars is an ordered set of worker environment variables. Later entries
// override earlier ones with the same key.
//
// # Thread Safety
//
// Not safe for concurrent modification. Build it, then share it read-only.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars validates and wraps vars.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &EnvVars{vars: vars}, nil
}

// EnvFromMap builds EnvVars from a task's env map. Keys are sorted so the
// resulting environment is deterministic, and sensitivity is inferred from
// the key name.
func EnvFromMap(m map[string]string) (*EnvVars, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, EnvVar{Key: k, Value: m[k], Sensitive: IsSensitiveKey(k)})
	}
	return NewEnvVars(vars...)
}

// IsSensitiveKey reports whether a key looks like it holds a credential.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}

// Add appends one variable.
func (e *EnvVars) Add(key, value string, sensitive bool) error {
	ev := EnvVar{Key: key, Value: value, Sensitive: sensitive}
	if err := ev.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, ev)
	return nil
}

// Get returns the last value set for key.
func (e *EnvVars) Get(key string) string {
	if e == nil {
		return ""
	}
	for i := len(e.vars) - 1; i >= 0; i-- {
		if e.vars[i].Key == key {
			return e.vars[i].Value
		}
	}
	return ""
}

// Len returns the number of entries.
func (e *EnvVars) Len() int {
	if e == nil {
		return 0
	}
	return len(e.vars)
}

// ToSlice returns KEY=VALUE strings.
func (e *EnvVars) ToSlice() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.vars))
	for i, v := range e.vars {
		out[i] = v.String()
	}
	return out
}

// RedactedSlice returns KEY=VALUE strings with sensitive values hidden.
func (e *EnvVars) RedactedSlice() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.vars))
	for i, v := range e.vars {
		out[i] = v.Redacted()
	}
	return out
}

// Environ overlays these variables on base (typically os.Environ()) and
// returns the merged environment for exec.Cmd.Env. Entries in base with a
// key set here are replaced.
func (e *EnvVars) Environ(base []string) []string {
	if e.Len() == 0 {
		out := make([]string, len(base))
		copy(out, base)
		return out
	}

	override := make(map[string]bool, len(e.vars))
	for _, v := range e.vars {
		override[v.Key] = true
	}

	out := make([]string, 0, len(base)+len(e.vars))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if !override[key] {
			out = append(out, kv)
		}
	}
	return append(out, e.ToSlice()...)
}
