// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// RegistryCounter counts the workers a Supervisor is tracking.
type RegistryCounter struct {
	sup *Supervisor
}

// NewRegistryCounter counts sup's live workers.
func NewRegistryCounter(sup *Supervisor) *RegistryCounter {
	return &RegistryCounter{sup: sup}
}

// CountLive returns the number of live workers. It never fails.
func (c *RegistryCounter) CountLive(context.Context) (int, error) {
	return c.sup.LiveCount(), nil
}

// SystemCounter counts every process on the host whose executable name
// matches one of Names, including processes this supervisor did not spawn.
// Zombies and the current process are skipped.
type SystemCounter struct {
	names map[string]bool
	self  int32
}

// NewSystemCounter matches on base names, compared case-insensitively.
func NewSystemCounter(names ...string) *SystemCounter {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(filepath.Base(strings.TrimSpace(n)))
		if n != "" && n != "." {
			set[n] = true
		}
	}
	return &SystemCounter{names: set, self: int32(os.Getpid())}
}

// CountLive lists host processes through gopsutil. Processes that vanish
// while being inspected are ignored.
func (c *SystemCounter) CountLive(ctx context.Context) (int, error) {
	if len(c.names) == 0 {
		return 0, nil
	}
	procs, err := gopsprocess.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	count := 0
	for _, p := range procs {
		if p.Pid == c.self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !c.names[strings.ToLower(name)] {
			continue
		}
		if isZombie(ctx, p) {
			continue
		}
		count++
	}
	return count, nil
}

func isZombie(ctx context.Context, p *gopsprocess.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == gopsprocess.Zombie {
			return true
		}
	}
	return false
}
