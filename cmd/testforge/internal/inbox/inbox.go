// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inbox submits task files dropped into a directory.
//
// A file is picked up once it has been quiet for the settle period. After
// processing it moves to done/ or, with a sibling .error file, to
// rejected/. Dotfiles are ignored, so writers can write ".name.yaml" and
// rename it into place.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

const (
	DoneDir     = "done"
	RejectedDir = "rejected"

	// DefaultSettle is how long a file must be quiet before it is read.
	DefaultSettle = 200 * time.Millisecond
)

// Submitter accepts tasks. *orchestrator.Orchestrator satisfies it.
type Submitter interface {
	Submit(t orchestrator.Task) (string, error)
}

// ParseFunc decodes a task file.
type ParseFunc func(data []byte) ([]orchestrator.Task, error)

// Config configures a Watcher.
type Config struct {
	Dir    string
	Settle time.Duration
	Parse  ParseFunc
}

// Watcher feeds task files from Dir into a Submitter.
type Watcher struct {
	cfg     Config
	sub     Submitter
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	pending map[string]time.Time

	submitted atomic.Int64
	rejected  atomic.Int64
}

// New creates the inbox directories and the filesystem watcher.
func New(cfg Config, sub Submitter, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Parse == nil {
		return nil, errors.New("inbox parse function is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, DoneDir), filepath.Join(cfg.Dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("create inbox directory %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch inbox %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:     cfg,
		sub:     sub,
		logger:  logger.With(slog.String("component", "inbox")),
		watcher: watcher,
		pending: make(map[string]time.Time),
	}, nil
}

// Run processes files already present, then watches until ctx ends or the
// watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.scan()

	tick := w.cfg.Settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Info("watching inbox", slog.String("dir", w.cfg.Dir))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			w.flush(ctx, now)

		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops the filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Submitted counts tasks accepted from files.
func (w *Watcher) Submitted() int64 { return w.submitted.Load() }

// Rejected counts files moved to rejected/.
func (w *Watcher) Rejected() int64 { return w.rejected.Load() }

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !eligible(event.Name) {
		return
	}
	w.pending[event.Name] = time.Now().Add(w.cfg.Settle)
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Warn("inbox scan failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now()
	for _, e := range entries {
		path := filepath.Join(w.cfg.Dir, e.Name())
		if e.Type().IsRegular() && eligible(path) {
			w.pending[path] = now
		}
	}
}

// flush processes files whose settle deadline has passed, in name order.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var due []string
	for path, at := range w.pending {
		if !now.Before(at) {
			due = append(due, path)
		}
	}
	sort.Strings(due)
	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, path)
		w.process(path)
	}
}

func (w *Watcher) process(path string) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("inbox read failed", slog.String("file", name), slog.String("error", err.Error()))
		}
		return
	}

	tasks, err := w.cfg.Parse(data)
	if err != nil {
		w.reject(path, err)
		return
	}

	var errs []error
	for _, t := range tasks {
		id, err := w.sub.Submit(t)
		if errors.Is(err, orchestrator.ErrSubmissionsClosed) || errors.Is(err, orchestrator.ErrAborted) {
			// Leave the file for the next run.
			w.logger.Warn("inbox file left in place", slog.String("file", name), slog.String("error", err.Error()))
			return
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		w.submitted.Add(1)
		w.logger.Info("task submitted from inbox", slog.String("file", name), slog.String("task_id", id))
	}
	if len(errs) > 0 {
		w.reject(path, errors.Join(errs...))
		return
	}
	w.move(path, DoneDir)
}

func (w *Watcher) reject(path string, cause error) {
	name := filepath.Base(path)
	w.rejected.Add(1)
	w.logger.Warn("inbox file rejected", slog.String("file", name), slog.String("error", cause.Error()))
	dst := w.move(path, RejectedDir)
	if dst == "" {
		return
	}
	if err := os.WriteFile(dst+".error", []byte(cause.Error()+"\n"), 0640); err != nil {
		w.logger.Warn("could not write rejection reason", slog.String("file", name), slog.String("error", err.Error()))
	}
}

// move renames path into sub/, adding a timestamp when the name is taken.
// It returns the destination, or "" on failure.
func (w *Watcher) move(path, sub string) string {
	name := filepath.Base(path)
	dst := filepath.Join(w.cfg.Dir, sub, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(w.cfg.Dir, sub,
			fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dst); err != nil {
		w.logger.Error("inbox move failed", slog.String("file", name), slog.String("error", err.Error()))
		return ""
	}
	return dst
}

func eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
