// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists orchestrator outcomes in BadgerDB so a run can
// be inspected after the process exits.
//
// Records are keyed by a Badger sequence, so iteration order is append
// order across runs. Values are JSON.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal closed")

	recordPrefix = []byte("rec/")
	sequenceKey  = []byte("meta/seq")
)

// Config configures the journal store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites fsyncs every append.
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value-log GC period for RunGC. Zero disables GC.
	GCInterval time.Duration
}

// DefaultConfig returns a persistent configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Record is one journaled event.
type Record struct {
	Seq      uint64                       `json:"seq"`
	RunID    string                       `json:"run_id"`
	TaskID   string                       `json:"task_id,omitempty"`
	Kind     orchestrator.EventKind       `json:"kind"`
	At       time.Time                    `json:"at"`
	Attempt  int                          `json:"attempt,omitempty"`
	Attempts int                          `json:"attempts,omitempty"`
	Failure  orchestrator.FailureKind     `json:"failure,omitempty"`
	Error    string                       `json:"error,omitempty"`
	Cost     float64                      `json:"cost,omitempty"`
	Reason   string                       `json:"reason,omitempty"`
	History  []orchestrator.AttemptRecord `json:"history,omitempty"`
}

// Journaled reports whether an event kind is persisted. Queue and health
// chatter is not.
func Journaled(kind orchestrator.EventKind) bool {
	switch kind {
	case orchestrator.EventStarted, orchestrator.EventAttemptFailed, orchestrator.EventRetrying,
		orchestrator.EventAborted:
		return true
	}
	return kind.IsTerminal()
}

// FromEvent converts an orchestrator event into a record for runID.
func FromEvent(runID string, ev orchestrator.Event) Record {
	return Record{
		RunID:    runID,
		TaskID:   ev.TaskID,
		Kind:     ev.Kind,
		At:       ev.At,
		Attempt:  ev.Attempt,
		Attempts: ev.Attempts,
		Failure:  ev.Failure,
		Error:    ev.Error,
		Cost:     ev.Cost,
		Reason:   ev.Reason,
		History:  ev.History,
	}
}

// Filter narrows List.
type Filter struct {
	RunID  string
	TaskID string

	// Kinds keeps only these kinds. Empty keeps all.
	Kinds []orchestrator.EventKind

	// Limit keeps the newest Limit matches. Zero keeps all.
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Journal is an append-only event log.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	seq    *badger.Sequence
	cfg    Config
	logger *slog.Logger
}

// Open opens or creates the journal.
//
// # Description
//
// Creates Path when missing. Badger's own logging goes to cfg.Logger at the
// matching level, or nowhere when it is nil.
//
// # Outputs
//
//   - *Journal: Ready for Append and List. Close it when done.
//   - error: Path missing, directory not creatable, or database locked by
//     another process.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Journal{db: db, seq: seq, cfg: cfg, logger: logger}, nil
}

// Append stores r and returns it with Seq assigned.
func (j *Journal) Append(r Record) (Record, error) {
	if j.db.IsClosed() {
		return r, ErrClosed
	}
	n, err := j.seq.Next()
	if err != nil {
		return r, fmt.Errorf("journal sequence: %w", err)
	}
	r.Seq = n
	if r.At.IsZero() {
		r.At = time.Now()
	}
	val, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("encode record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(n), val)
	})
	if err != nil {
		return r, fmt.Errorf("append record: %w", err)
	}
	return r, nil
}

// List returns matching records in append order.
func (j *Journal) List(f Filter) ([]Record, error) {
	if j.db.IsClosed() {
		return nil, ErrClosed
	}
	var all []Record
	var tail *util.RingBuffer[Record]
	if f.Limit > 0 {
		tail = util.NewRingBuffer[Record](f.Limit)
	}

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &r)
			}); err != nil {
				j.logger.Warn("skipping unreadable journal record",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()))
				continue
			}
			if !f.match(r) {
				continue
			}
			if tail != nil {
				tail.Push(r)
			} else {
				all = append(all, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if tail != nil {
		return tail.ToSlice(), nil
	}
	return all, nil
}

// Runs lists distinct run IDs in order of first appearance.
func (j *Journal) Runs() ([]string, error) {
	records, err := j.List(Filter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !seen[r.RunID] {
			seen[r.RunID] = true
			out = append(out, r.RunID)
		}
	}
	return out, nil
}

// Consume drains events into the journal until the channel closes or ctx
// ends. Events that are not Journaled are skipped. Write failures are
// logged and do not stop the drain.
func (j *Journal) Consume(ctx context.Context, runID string, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !Journaled(ev.Kind) {
				continue
			}
			if _, err := j.Append(FromEvent(runID, ev)); err != nil {
				j.logger.Error("journal append failed",
					slog.String("task_id", ev.TaskID),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunGC runs value-log garbage collection every GCInterval until ctx ends.
func (j *Journal) RunGC(ctx context.Context) {
	if j.cfg.GCInterval <= 0 || j.cfg.InMemory {
		return
	}
	ticker := time.NewTicker(j.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := j.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
						j.logger.Warn("journal gc failed", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

// Close releases the sequence and closes the database.
func (j *Journal) Close() error {
	if j.db.IsClosed() {
		return nil
	}
	seqErr := j.seq.Release()
	return errors.Join(seqErr, j.db.Close())
}

func recordKey(n uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], n)
	return key
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
