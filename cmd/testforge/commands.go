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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testforge/cmd/testforge/config"
)

// --- Global Command Variables ---
var (
	configPath string
	jsonOutput bool

	// run
	runMaxConcurrent int
	runBudget        float64
	runListen        string
	runInbox         string
	runJournal       string
	runNoWatchdog    bool
	runDebugHTTP     bool

	// analyze
	analyzePreset string

	// history
	historyRun   string
	historyTask  string
	historyLimit int
	historyRuns  bool

	// config init
	configForce bool

	rootCmd = &cobra.Command{
		Use:   "testforge",
		Short: "Supervise a fleet of test-generation workers",
		Long: `testforge runs worker processes under health-adaptive supervision:
it samples each worker, kills the ones that stall or misbehave, retries
failed tasks with backoff, enforces a cost budget, and aborts everything
if the number of live workers ever exceeds the safety ceiling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Work ---
	runCmd = &cobra.Command{
		Use:   "run [tasks.yaml...]",
		Short: "Run tasks from files, the control API, or an inbox directory",
		Long: `Runs every task in the given files. With --listen or --inbox the
orchestrator stays up and accepts more work until interrupted.`,
		RunE: runRun, // Defined in cmd_run.go
	}

	// --- Inspection ---
	analyzeCmd = &cobra.Command{
		Use:   "analyze [scenario | metrics.yaml]",
		Short: "Run the health analyzer on a named scenario or a metrics snapshot",
		Long: fmt.Sprintf(`Prints the analyzer verdict. Without an argument every built-in
scenario is analyzed. Scenarios: %v`, scenarioList()),
		Args: cobra.MaximumNArgs(1),
		RunE: runAnalyze, // Defined in cmd_analyze.go
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show journaled task outcomes",
		Args:  cobra.NoArgs,
		RunE:  runHistory, // Defined in cmd_history.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configEnvCmd = &cobra.Command{
		Use:   "env",
		Short: "List the recognized environment overrides",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range config.EnvNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "testforge", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.testforge/testforge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "override orchestrator.max_concurrent")
	runCmd.Flags().Float64Var(&runBudget, "budget", -1, "override orchestrator.budget_limit (0 = unlimited)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "serve the control API on this address")
	runCmd.Flags().StringVar(&runInbox, "inbox", "", "submit task files dropped into this directory")
	runCmd.Flags().StringVar(&runJournal, "journal", "", "journal outcomes into this directory")
	runCmd.Flags().BoolVar(&runNoWatchdog, "no-watchdog", false, "disable the safety watchdog")
	runCmd.Flags().BoolVar(&runDebugHTTP, "debug-http", false, "log every control API request")

	analyzeCmd.Flags().StringVar(&analyzePreset, "preset", "", "threshold preset (default from config)")

	historyCmd.Flags().StringVar(&runJournal, "journal", "", "journal directory (default from config)")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "only this run ID")
	historyCmd.Flags().StringVar(&historyTask, "task", "", "only this task ID")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "newest records to show (0 = all)")
	historyCmd.Flags().BoolVar(&historyRuns, "runs", false, "list run IDs only")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd, configInitCmd, configEnvCmd)
	rootCmd.AddCommand(runCmd, analyzeCmd, historyCmd, configCmd, versionCmd)
}

// loadConfig reads --config with environment overrides.
func loadConfig() (config.Config, error) {
	return config.Load(configPath, os.LookupEnv)
}
