// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Locker guards against two supervisors sharing one process budget.
//
// # Thread Safety
//
// Use from a single goroutine. The lock synchronizes processes, not
// goroutines.
type Locker interface {
	Acquire() error
	Release() error
	Held() bool
	HolderPID() int
}

// LockConfig locates the lock file.
type LockConfig struct {
	// Dir holds the lock file. Default: os.TempDir().
	Dir string

	// LockName is the file's base name. Default: "testforge".
	LockName string
}

// LockHeldError reports that another instance holds the lock.
type LockHeldError struct {
	HolderPID int
	Path      string
}

func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another testforge supervisor is running (PID %d, lock %s)", e.HolderPID, e.Path)
	}
	return fmt.Sprintf("another testforge supervisor is running (lock %s)", e.Path)
}

// Lock is an advisory flock(2) on {Dir}/{LockName}.lock. The file body is
// the holder's PID. The kernel drops the lock when the holder dies, so a
// stale file never blocks a new instance.
type Lock struct {
	path string
	file *os.File
}

// NewLock creates an unacquired Lock.
func NewLock(cfg LockConfig) *Lock {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.LockName == "" {
		cfg.LockName = "testforge"
	}
	return &Lock{path: filepath.Join(cfg.Dir, cfg.LockName+".lock")}
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: *LockHeldError when another process holds it; a wrapped I/O
//     error when the file cannot be opened or locked.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &LockHeldError{HolderPID: l.HolderPID(), Path: l.path}
		}
		return fmt.Errorf("lock %s: %w", l.path, err)
	}

	// The PID is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.file = f
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	_ = f.Truncate(0)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this Lock holds the flock.
func (l *Lock) Held() bool { return l.file != nil }

// HolderPID reads the holder's PID from the lock file, 0 if unknown.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

var _ Locker = (*Lock)(nil)
