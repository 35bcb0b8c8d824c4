// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNoOpMetrics_Counters(t *testing.T) {
	m := NewNoOpMetrics()
	m.WorkerSpawned("claude")
	m.SpawnFailed("missing")
	m.WorkerExited("success", time.Second)
	m.WorkerExited("killed_timeout", time.Second)
	m.TaskFinished("succeeded")
	m.TaskRetried("exit")
	m.SetLiveWorkers(3)
	m.WatchdogTripped()

	assert.Equal(t, int64(1), m.Spawned())
	assert.Equal(t, int64(1), m.SpawnFailures())
	assert.Equal(t, int64(2), m.Exited())
	assert.Equal(t, int64(3), m.LiveWorkers())
	assert.Equal(t, int64(1), m.Retries())
	assert.Equal(t, int64(1), m.Trips())
	assert.Equal(t, 1, m.Outcome("exit:killed_timeout"))
	assert.Equal(t, 1, m.Outcome("task:succeeded"))
	assert.NoError(t, m.Register(nil))
}

func TestPrometheusMetrics_RegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics()
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "second Register is a no-op")

	m.WorkerSpawned("claude")
	m.WorkerSpawned("claude")
	m.TaskFinished("failed")
	m.SetBudget(1.5, 0.5, 10)
	m.WatchdogTripped()
	m.WorkerExited("success", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.spawnsTotal.WithLabelValues("claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.budget.WithLabelValues("spent")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.budget.WithLabelValues("limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watchdogTrips))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["testforge_supervisor_spawns_total"])
	assert.True(t, names["testforge_watchdog_trips_total"])
	assert.True(t, names["testforge_supervisor_worker_runtime_seconds"])
}

func TestNewDefaultMetrics(t *testing.T) {
	_, ok := NewDefaultMetrics(false).(*NoOpMetrics)
	assert.True(t, ok)
	_, ok = NewDefaultMetrics(true).(*PrometheusMetrics)
	assert.True(t, ok)
	assert.NotNil(t, OrNoOp(nil))
}

func TestInstallTracer_None(t *testing.T) {
	shutdown, err := InstallTracer(context.Background(), TracerConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstallTracer_Unknown(t *testing.T) {
	_, err := InstallTracer(context.Background(), TracerConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestInstallTracer_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InstallTracer(context.Background(), TracerConfig{Exporter: TraceExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "attempt")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"attempt"`)
}

func TestInstallMeter_None(t *testing.T) {
	shutdown, err := InstallMeter(context.Background(), MeterConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstallMeter_Unknown(t *testing.T) {
	shutdown, err := InstallMeter(context.Background(), MeterConfig{Exporter: "statsd"})
	assert.ErrorContains(t, err, "unknown meter exporter")
	assert.NotNil(t, shutdown)
}

func TestInstallMeter_Prometheus(t *testing.T) {
	prev := otel.GetMeterProvider()
	defer otel.SetMeterProvider(prev)

	reg := prometheus.NewRegistry()
	shutdown, err := InstallMeter(context.Background(), MeterConfig{
		Exporter:   MeterExporterPrometheus,
		Registerer: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("diagnostics-test").Int64Counter("sample_events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "sample_events_total")
}

func TestInstallMeter_StdoutFlushesOnShutdown(t *testing.T) {
	prev := otel.GetMeterProvider()
	defer otel.SetMeterProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InstallMeter(context.Background(), MeterConfig{
		Exporter: MeterExporterStdout,
		Writer:   &buf,
		Interval: time.Hour,
	})
	require.NoError(t, err)

	hist, err := otel.Meter("diagnostics-test").Float64Histogram("sample_seconds")
	require.NoError(t, err)
	hist.Record(context.Background(), 0.25)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "sample_seconds")
}
