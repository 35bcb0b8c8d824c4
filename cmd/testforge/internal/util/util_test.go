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
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// SafeGo Tests
// =============================================================================

// TestSafeGo_WithPanic verifies SafeGo recovers from panic.
//
// # Description
//
// When the function panics, the panic value and stack are passed to onPanic
// and the test process survives.
func TestSafeGo_WithPanic(t *testing.T) {
	var wg sync.WaitGroup
	var got SafeGoResult

	wg.Add(1)
	SafeGo(func() {
		panic("stream reader exploded")
	}, func(r SafeGoResult) {
		got = r
		wg.Done()
	})
	wg.Wait()

	if got.PanicValue != "stream reader exploded" {
		t.Errorf("PanicValue = %v, want %q", got.PanicValue, "stream reader exploded")
	}
	if !strings.Contains(got.Stack, "goroutine") {
		t.Errorf("Stack does not look like a stack trace: %q", got.Stack)
	}
	if got.Error() != "panic: stream reader exploded" {
		t.Errorf("Error() = %q", got.Error())
	}
}

// TestSafeGo_NoPanic verifies onPanic is not called on normal return.
func TestSafeGo_NoPanic(t *testing.T) {
	done := make(chan struct{})
	called := false

	SafeGo(func() {
		close(done)
	}, func(r SafeGoResult) {
		called = true
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function did not run")
	}
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Error("onPanic called without a panic")
	}
}

// TestSafeGo_NilCallback verifies a nil onPanic is tolerated.
func TestSafeGo_NilCallback(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() {
		defer close(done)
		panic("ignored")
	}, nil)
	<-done
}

// TestLogPanic_NilLogger verifies the default logger fallback does not panic.
func TestLogPanic_NilLogger(t *testing.T) {
	cb := LogPanic(nil, "test")
	cb(SafeGoResult{PanicValue: "x", Stack: "stack"})
}

// =============================================================================
// CommandError Tests
// =============================================================================

func TestCommandError_Error(t *testing.T) {
	base := errors.New("wait failed")
	tests := []struct {
		name string
		err  *CommandError
		want string
	}{
		{"stderr wins", NewCommandError("claude -p x", 1, "", "  rate limited \n", base), "claude -p x (exit 1): rate limited"},
		{"wrapped", NewCommandError("claude", 2, "", "", base), "claude (exit 2): wait failed"},
		{"bare", NewCommandError("claude", 3, "", "", nil), "claude (exit 3)"},
		{"signal", NewCommandError("sleep 100", -1, "killed", "", nil), "sleep 100 (signal killed)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandError_UnwrapAndExtract(t *testing.T) {
	sentinel := errors.New("sentinel")
	inner := NewCommandError("claude", 1, "", "boom", sentinel)
	outer := fmt.Errorf("attempt 2: %w", inner)

	if !errors.Is(outer, sentinel) {
		t.Error("errors.Is should find the wrapped sentinel")
	}
	if got := ExtractStderr(outer); got != "boom" {
		t.Errorf("ExtractStderr() = %q, want %q", got, "boom")
	}
	if got := ExtractStderr(errors.New("plain")); got != "" {
		t.Errorf("ExtractStderr(plain) = %q, want empty", got)
	}
	if got := ExtractStderr(nil); got != "" {
		t.Errorf("ExtractStderr(nil) = %q, want empty", got)
	}
}

func TestExtractStderr_Nested(t *testing.T) {
	inner := NewCommandError("inner", 1, "", "deep stderr", nil)
	outer := NewCommandError("outer", 1, "", "", inner)
	if got := ExtractStderr(outer); got != "deep stderr" {
		t.Errorf("ExtractStderr() = %q, want %q", got, "deep stderr")
	}
}

// =============================================================================
// Timeout Tests
// =============================================================================

func TestEnforceMinTimeout(t *testing.T) {
	tests := []struct {
		requested, minimum, want time.Duration
	}{
		{0, time.Second, time.Second},
		{-time.Second, time.Second, time.Second},
		{500 * time.Millisecond, time.Second, time.Second},
		{2 * time.Second, time.Second, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := EnforceMinTimeout(tt.requested, tt.minimum); got != tt.want {
			t.Errorf("EnforceMinTimeout(%v, %v) = %v, want %v", tt.requested, tt.minimum, got, tt.want)
		}
	}
}

func TestEnforceDefaultTimeout(t *testing.T) {
	if got := EnforceDefaultTimeout(0, time.Minute); got != time.Minute {
		t.Errorf("EnforceDefaultTimeout(0) = %v, want 1m", got)
	}
	if got := EnforceDefaultTimeout(time.Second, time.Minute); got != time.Second {
		t.Errorf("EnforceDefaultTimeout(1s) = %v, want 1s", got)
	}
}

func TestTimeoutConfig_Validated(t *testing.T) {
	got := TimeoutConfig{Heartbeat: time.Nanosecond, Attempt: 0}.Validated()
	want := TimeoutConfig{
		Heartbeat: MinHeartbeatInterval,
		KillGrace: DefaultKillGrace,
		Attempt:   DefaultAttemptTimeout,
		Watchdog:  DefaultWatchdogInterval,
	}
	if got != want {
		t.Errorf("Validated() = %+v, want %+v", got, want)
	}
	if NewTimeoutConfig().Validated() != NewTimeoutConfig() {
		t.Error("defaults should already be valid")
	}
}

// =============================================================================
// RingBuffer Tests
// =============================================================================

func TestRingBuffer_EvictsOldest(t *testing.T) {
	rb := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c"} {
		if rb.Push(s) {
			t.Fatalf("Push(%q) dropped an item before the buffer was full", s)
		}
	}
	if !rb.Push("d") {
		t.Error("Push on a full buffer should report a drop")
	}

	if got, want := rb.ToSlice(), []string{"b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ToSlice() = %v, want %v", got, want)
	}
	if rb.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", rb.DroppedCount())
	}
	if rb.Capacity() != 3 || rb.Len() != 3 {
		t.Errorf("Capacity/Len = %d/%d, want 3/3", rb.Capacity(), rb.Len())
	}
}

func TestRingBuffer_Drain(t *testing.T) {
	rb := NewRingBuffer[int](4)
	for i := 0; i < 6; i++ {
		rb.Push(i)
	}
	if got, want := rb.Drain(), []int{2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("Drain() = %v, want %v", got, want)
	}
	if rb.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", rb.Len())
	}
	rb.Push(9)
	if got := rb.ToSlice(); !reflect.DeepEqual(got, []int{9}) {
		t.Errorf("ToSlice() after reuse = %v", got)
	}
}

func TestRingBuffer_ConcurrentPush(t *testing.T) {
	rb := NewRingBuffer[int](10)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Push(i)
			}
		}()
	}
	wg.Wait()

	if rb.Len() != 10 {
		t.Errorf("Len() = %d, want 10", rb.Len())
	}
	if rb.DroppedCount() != 790 {
		t.Errorf("DroppedCount() = %d, want 790", rb.DroppedCount())
	}
}

func TestNewRingBuffer_PanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewRingBuffer(0) should panic")
		}
	}()
	NewRingBuffer[int](0)
}

// =============================================================================
// EnvVars Tests
// =============================================================================

func TestEnvFromMap_SortedAndRedacted(t *testing.T) {
	env, err := EnvFromMap(map[string]string{
		"ANTHROPIC_API_KEY": "sk-secret",
		"MODE":              "ci",
	})
	if err != nil {
		t.Fatalf("EnvFromMap() error = %v", err)
	}

	if got, want := env.ToSlice(), []string{"ANTHROPIC_API_KEY=sk-secret", "MODE=ci"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ToSlice() = %v, want %v", got, want)
	}
	if got, want := env.RedactedSlice(), []string{"ANTHROPIC_API_KEY=[REDACTED]", "MODE=ci"}; !reflect.DeepEqual(got, want) {
		t.Errorf("RedactedSlice() = %v, want %v", got, want)
	}
}

func TestEnvFromMap_InvalidKey(t *testing.T) {
	_, err := EnvFromMap(map[string]string{"1BAD": "x"})
	if !errors.Is(err, ErrInvalidEnvVarKey) {
		t.Errorf("error = %v, want ErrInvalidEnvVarKey", err)
	}
}

func TestEnvVars_Environ(t *testing.T) {
	env, _ := NewEnvVars(EnvVar{Key: "PATH", Value: "/opt/bin"}, EnvVar{Key: "NEW", Value: "1"})
	got := env.Environ([]string{"HOME=/root", "PATH=/usr/bin"})
	want := []string{"HOME=/root", "PATH=/opt/bin", "NEW=1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Environ() = %v, want %v", got, want)
	}

	var empty *EnvVars
	if got := empty.Environ([]string{"A=1"}); !reflect.DeepEqual(got, []string{"A=1"}) {
		t.Errorf("nil Environ() = %v", got)
	}
}

func TestEnvVars_GetAndAdd(t *testing.T) {
	env, _ := NewEnvVars()
	if err := env.Add("MODE", "a", false); err != nil {
		t.Fatal(err)
	}
	_ = env.Add("MODE", "b", false)
	if env.Get("MODE") != "b" {
		t.Errorf("Get() = %q, want last value b", env.Get("MODE"))
	}
	if err := env.Add("bad-key", "x", false); err == nil {
		t.Error("Add with invalid key should fail")
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for key, want := range map[string]bool{
		"ANTHROPIC_API_KEY": true,
		"GITHUB_TOKEN":      true,
		"db_password":       true,
		"HOME":              false,
		"WORKDIR":           false,
	} {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
