// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/journal"
)

// runHistory handles `testforge history`. The journal is opened
// read-write, so it fails while a run holds the same directory.
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Journal.Dir
	if runJournal != "" {
		dir = runJournal
	}
	if dir == "" {
		return errors.New("no journal configured: set journal.dir or pass --journal")
	}

	jcfg := journal.DefaultConfig(dir)
	jcfg.GCInterval = 0
	j, err := journal.Open(jcfg)
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	if historyRuns {
		runs, err := j.Runs()
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(out).Encode(runs)
		}
		for _, r := range runs {
			fmt.Fprintln(out, r)
		}
		return nil
	}

	records, err := j.List(journal.Filter{RunID: historyRun, TaskID: historyTask, Limit: historyLimit})
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	writeRecords(out, records)
	return nil
}

func writeRecords(w io.Writer, records []journal.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tRUN\tTASK\tEVENT\tATTEMPT\tCOST\tDETAIL")
	for _, r := range records {
		attempt := r.Attempt
		if r.Attempts > 0 {
			attempt = r.Attempts
		}
		detail := r.Error
		if r.Reason != "" {
			detail = r.Reason
		}
		if r.Failure != "" {
			detail = fmt.Sprintf("[%s] %s", r.Failure, detail)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%.4f\t%s\n",
			r.Seq, r.At.Format(time.RFC3339), shortID(r.RunID), r.TaskID, r.Kind, attempt, r.Cost, detail)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
