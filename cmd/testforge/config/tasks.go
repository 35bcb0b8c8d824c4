// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// ErrNoTasks is returned for a task file without tasks.
var ErrNoTasks = errors.New("no tasks")

// TaskFile is the tasks.yaml schema.
//
// # Example
//
//	defaults:
//	  command: claude
//	  max_attempts: 3
//	  timeout: 10m
//	  estimated_cost: 0.05
//	tasks:
//	  - id: app-tests
//	    args: ["-p", "Write pytest tests for app.py", "--output-format", "json"]
//	  - id: util-tests
//	    priority: 5
//	    args: ["-p", "Write pytest tests for util.py", "--output-format", "json"]
type TaskFile struct {
	Defaults TaskDefaults        `yaml:"defaults"`
	Tasks    []orchestrator.Task `yaml:"tasks"`
}

// TaskDefaults fill fields a task leaves empty. Env is merged, with the
// task's own values winning.
type TaskDefaults struct {
	Command       string            `yaml:"command,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Dir           string            `yaml:"dir,omitempty"`
	MaxAttempts   int               `yaml:"max_attempts,omitempty"`
	Timeout       time.Duration     `yaml:"timeout,omitempty"`
	EstimatedCost float64           `yaml:"estimated_cost,omitempty"`
}

func (d TaskDefaults) apply(t orchestrator.Task) orchestrator.Task {
	if t.Command == "" {
		t.Command = d.Command
	}
	if t.Dir == "" {
		t.Dir = d.Dir
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = d.MaxAttempts
	}
	if t.Timeout == 0 {
		t.Timeout = d.Timeout
	}
	if t.EstimatedCost == 0 {
		t.EstimatedCost = d.EstimatedCost
	}
	if len(d.Env) > 0 {
		env := make(map[string]string, len(d.Env)+len(t.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		for k, v := range t.Env {
			env[k] = v
		}
		t.Env = env
	}
	return t
}

// ParseTasks decodes a task document.
//
// # Description
//
// Accepts either a TaskFile (a mapping with a "tasks" key) or a single
// task mapping, which is what inbox files usually hold. Unknown keys are
// rejected. Every task is validated after defaults are applied.
func ParseTasks(data []byte) ([]orchestrator.Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	if root.Kind == 0 {
		return nil, ErrNoTasks
	}

	var file TaskFile
	if hasKey(&root, "tasks") {
		if err := decodeStrict(data, &file); err != nil {
			return nil, err
		}
	} else {
		var t orchestrator.Task
		if err := decodeStrict(data, &t); err != nil {
			return nil, err
		}
		file.Tasks = []orchestrator.Task{t}
	}
	if len(file.Tasks) == 0 {
		return nil, ErrNoTasks
	}

	out := make([]orchestrator.Task, 0, len(file.Tasks))
	seen := make(map[string]bool, len(file.Tasks))
	for i, t := range file.Tasks {
		t = file.Defaults.apply(t)
		if err := configValidate.Struct(t); err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, t.ID, err)
		}
		if t.ID != "" {
			if seen[t.ID] {
				return nil, fmt.Errorf("task %d: duplicate id %q", i, t.ID)
			}
			seen[t.ID] = true
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadTasks reads and parses a task file.
func LoadTasks(path string) ([]orchestrator.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	tasks, err := ParseTasks(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse tasks: %w", err)
	}
	return nil
}

func hasKey(root *yaml.Node, key string) bool {
	n := root
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}
