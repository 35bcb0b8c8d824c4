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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/testforge/cmd/testforge/config"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/api"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/diagnostics"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/inbox"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/infra/process"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/journal"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/sampling"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/util"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/watchdog"
	"github.com/AleutianAI/testforge/pkg/logging"
)

// workerShutdownTimeout bounds the final supervisor shutdown.
const workerShutdownTimeout = 30 * time.Second

// applyRunFlags overlays run flags on the loaded configuration.
func applyRunFlags(cfg *config.Config) {
	if runMaxConcurrent > 0 {
		cfg.Orchestrator.MaxConcurrent = runMaxConcurrent
	}
	if runBudget >= 0 {
		cfg.Orchestrator.BudgetLimit = runBudget
	}
	if runListen != "" {
		cfg.Server.Listen = runListen
	}
	if runInbox != "" {
		cfg.Inbox.Dir = runInbox
	}
	if runJournal != "" {
		cfg.Journal.Dir = runJournal
	}
	if runNoWatchdog {
		cfg.Watchdog.Enabled = false
	}
}

// runRun handles `testforge run`.
//
// # Description
//
// Builds the supervision stack from the configuration and runs it until
// the work is done:
//
//  1. Take the instance lock so two supervisors never share a ceiling.
//  2. Start the supervisor, watchdog and orchestrator.
//  3. Submit tasks from the given files.
//  4. Optionally serve the control API, watch the inbox and journal events.
//  5. Wait, shut every worker down, and print the summary.
//
// Without --listen or --inbox submissions close after the files are
// queued, so the command returns once every task is terminal.
//
// # Outputs
//
//   - error: errTasksFailed when any task did not succeed, an
//     orchestrator.ErrAborted chain after a watchdog trip, or a setup error.
func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var tasks []orchestrator.Task
	for _, path := range args {
		t, err := config.LoadTasks(path)
		if err != nil {
			return err
		}
		tasks = append(tasks, t...)
	}
	serving := cfg.Server.Listen != "" || cfg.Inbox.Dir != ""
	if len(tasks) == 0 && !serving {
		return errors.New("nothing to do: pass task files, --listen or --inbox")
	}

	logger := logging.New(cfg.ForLogging("testforge"))
	defer logger.Close()
	log := logger.Slog()

	lock := process.NewLock(process.LockConfig{Dir: cfg.LockDir()})
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release instance lock", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := buildStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.close(log)

	for _, t := range tasks {
		if _, err := stack.orch.Submit(t); err != nil {
			return err
		}
	}
	if !serving {
		stack.orch.CloseSubmissions()
	}

	runID := uuid.NewString()
	log.Info("run started",
		slog.String("run_id", runID),
		slog.Int("tasks", len(tasks)),
		slog.Bool("serving", serving),
	)

	sum := newSummary(runID)
	runErr := stack.run(ctx, cfg, runID, sum, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
	defer cancel()
	if err := stack.sup.Shutdown(shutdownCtx); err != nil {
		log.Error("worker shutdown incomplete", slog.String("error", err.Error()))
	}

	if jsonOutput {
		if err := sum.writeJSON(cmd.OutOrStdout(), stack.orch.Stats()); err != nil {
			return err
		}
	} else {
		sum.writeText(cmd.OutOrStdout(), stack.orch.Stats())
	}

	// An interrupted server run is a normal way to stop.
	if serving && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		return runErr
	}
	if sum.failed() > 0 {
		return errTasksFailed
	}
	return nil
}

// stack is the wired supervision core for one run.
type stack struct {
	metrics        diagnostics.Metrics
	shutdownTracer diagnostics.ShutdownFunc
	shutdownMeter  diagnostics.ShutdownFunc
	sup            *process.Supervisor
	wd             *watchdog.Watchdog
	orch           *orchestrator.Orchestrator
	journal        *journal.Journal
}

func buildStack(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *stack, err error) {
	noop := func(context.Context) error { return nil }
	s := &stack{shutdownTracer: noop, shutdownMeter: noop}
	defer func() {
		if err != nil {
			s.close(log)
		}
	}()

	s.metrics = diagnostics.NewDefaultMetrics(cfg.Metrics.Enabled)
	if err := s.metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	tracerCfg := cfg.ForTracer()
	tracerCfg.Writer = os.Stderr
	shutdownTracer, err := diagnostics.InstallTracer(ctx, tracerCfg)
	if err != nil {
		return nil, err
	}
	s.shutdownTracer = shutdownTracer

	meterCfg := cfg.ForMeter()
	meterCfg.Writer = os.Stderr
	shutdownMeter, err := diagnostics.InstallMeter(ctx, meterCfg)
	if err != nil {
		return nil, err
	}
	s.shutdownMeter = shutdownMeter

	supCfg, err := cfg.ForSupervisor()
	if err != nil {
		return nil, err
	}
	s.sup, err = process.NewSupervisor(supCfg, log,
		process.WithMetrics(s.metrics),
		process.WithProbe(sampling.NewProcessProbe()),
	)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(s.metrics),
	}
	if cfg.Watchdog.Enabled {
		counter := watchdog.MaxCounter{process.NewRegistryCounter(s.sup)}
		if len(cfg.Watchdog.ProcessNames) > 0 {
			counter = append(counter, process.NewSystemCounter(cfg.Watchdog.ProcessNames...))
		}
		s.wd = watchdog.New(cfg.ForWatchdog(), counter, s.sup, log, s.metrics)
		opts = append(opts, orchestrator.WithAbortSignal(s.wd.Done(), s.wd.Reason))
	} else {
		log.Warn("safety watchdog disabled")
	}
	s.orch = orchestrator.New(cfg.ForOrchestrator(), orchestrator.SupervisorSpawner{Supervisor: s.sup}, opts...)

	if cfg.Journal.Dir != "" {
		jcfg := journal.DefaultConfig(cfg.Journal.Dir)
		jcfg.Logger = log.With(slog.String("component", "journal"))
		s.journal, err = journal.Open(jcfg)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// run drives the orchestrator and every auxiliary loop until the
// orchestrator returns, then stops the rest.
func (s *stack) run(ctx context.Context, cfg config.Config, runID string, sum *summary, log *slog.Logger) error {
	hub := api.NewHub()
	summaryEvents := hub.SubscribeAll(64)
	var journalEvents <-chan orchestrator.Event
	if s.journal != nil {
		journalEvents = hub.SubscribeAll(64)
	}

	var srv *api.Server
	if cfg.Server.Listen != "" {
		var safety api.SafetyView
		if s.wd != nil {
			safety = s.wd
		}
		handlers := api.NewHandlers(s.orch, hub, safety, config.ParseTasks, version, log)
		srv = api.NewServer(cfg.Server.Listen, api.NewRouter(handlers, runDebugHTTP), log)
	}
	var box *inbox.Watcher
	if cfg.Inbox.Dir != "" {
		w, err := inbox.New(inbox.Config{Dir: cfg.Inbox.Dir, Parse: config.ParseTasks}, s.orch, log)
		if err != nil {
			return err
		}
		box = w
		defer box.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	if s.wd != nil {
		if err := s.wd.Start(auxCtx); err != nil {
			return err
		}
		defer s.wd.Stop()
	}

	g.Go(func() error {
		defer stopAux()
		return s.orch.Run(gctx)
	})
	g.Go(func() error {
		defer hub.Close()
		defer util.RecoverPanic(util.LogPanic(log, "event-hub"))()
		hub.Run(s.orch.Events())
		return nil
	})
	g.Go(func() error {
		sum.consume(summaryEvents, log)
		return nil
	})
	if s.journal != nil {
		g.Go(func() error {
			// Drains to the end even after cancellation so the final
			// outcomes are kept.
			s.journal.Consume(context.WithoutCancel(auxCtx), runID, journalEvents)
			return nil
		})
		g.Go(func() error {
			s.journal.RunGC(auxCtx)
			return nil
		})
	}
	if srv != nil {
		g.Go(func() error {
			return srv.Run(auxCtx)
		})
	}
	if box != nil {
		g.Go(func() error {
			return box.Run(auxCtx)
		})
	}

	return g.Wait()
}

func (s *stack) close(log *slog.Logger) {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTracer(ctx); err != nil {
		log.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}
	if err := s.shutdownMeter(ctx); err != nil {
		log.Warn("meter shutdown failed", slog.String("error", err.Error()))
	}
}
