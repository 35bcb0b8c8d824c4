// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testforge/cmd/testforge/config"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	tasks  []orchestrator.Task
	err    error
	errFor string
}

func (s *fakeSubmitter) Submit(t orchestrator.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && (s.errFor == "" || s.errFor == t.ID) {
		return "", s.err
	}
	s.tasks = append(s.tasks, t)
	return t.ID, nil
}

func (s *fakeSubmitter) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.ID)
	}
	return out
}

func startInbox(t *testing.T, dir string, sub Submitter) *Watcher {
	t.Helper()
	w, err := New(Config{Dir: dir, Settle: 20 * time.Millisecond, Parse: config.ParseTasks}, sub, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w
}

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Parse: config.ParseTasks}, &fakeSubmitter{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Dir: t.TempDir()}, &fakeSubmitter{}, nil)
	assert.Error(t, err)
}

func TestInbox_SubmitsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w := startInbox(t, dir, sub)

	write(t, dir, "batch.yaml", "tasks:\n  - id: a\n    command: echo\n  - id: b\n    command: echo\n")

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, DoneDir, "batch.yaml"))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sub.IDs())
	assert.Equal(t, int64(2), w.Submitted())
	assert.False(t, exists(filepath.Join(dir, "batch.yaml")))
}

func TestInbox_PicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("id: two\ncommand: echo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id": "one", "command": "echo"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	sub := &fakeSubmitter{}
	startInbox(t, dir, sub)

	require.Eventually(t, func() bool { return len(sub.IDs()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, sub.IDs())
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestInbox_RejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w := startInbox(t, dir, sub)

	write(t, dir, "bad.yaml", "tasks:\n  - id: a\n")

	errPath := filepath.Join(dir, RejectedDir, "bad.yaml.error")
	require.Eventually(t, func() bool { return exists(errPath) }, 3*time.Second, 10*time.Millisecond)
	reason, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(reason), "Command")
	assert.Equal(t, int64(1), w.Rejected())
	assert.Empty(t, sub.IDs())
}

func TestInbox_RejectsOnSubmitError(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{err: orchestrator.ErrDuplicateTask, errFor: "dup"}
	startInbox(t, dir, sub)

	write(t, dir, "mixed.yaml", "tasks:\n  - id: ok\n    command: echo\n  - id: dup\n    command: echo\n")

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, RejectedDir, "mixed.yaml"))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ok"}, sub.IDs())
}

func TestInbox_LeavesFileWhenClosed(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{err: orchestrator.ErrSubmissionsClosed}
	w := startInbox(t, dir, sub)

	write(t, dir, "late.yaml", "id: late\ncommand: echo\n")

	time.Sleep(200 * time.Millisecond)
	assert.True(t, exists(filepath.Join(dir, "late.yaml")))
	assert.Zero(t, w.Rejected())
}

func TestEligible(t *testing.T) {
	assert.True(t, eligible("/x/a.yaml"))
	assert.True(t, eligible("/x/a.YML"))
	assert.True(t, eligible("/x/a.json"))
	assert.False(t, eligible("/x/.a.yaml"))
	assert.False(t, eligible("/x/a.txt"))
}
