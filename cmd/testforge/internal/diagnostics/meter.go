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
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Meter exporters.
const (
	MeterExporterNone       = "none"
	MeterExporterPrometheus = "prometheus"
	MeterExporterStdout     = "stdout"
)

// MeterConfig selects where OpenTelemetry instruments are exported.
type MeterConfig struct {
	// Exporter is "none", "prometheus" or "stdout". Default: "none".
	Exporter string

	// ServiceName is the service.name resource attribute. Default: "testforge".
	ServiceName string

	// Registerer receives the prometheus exporter's collector.
	// Default: prometheus.DefaultRegisterer, which /metrics serves.
	Registerer prometheus.Registerer

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer

	// Interval is the stdout export period. Default: 30s.
	Interval time.Duration
}

// InstallMeter sets the global OpenTelemetry meter provider.
//
// # Description
//
// The prometheus exporter is a pull reader: instruments appear next to the
// native collectors on the same registry. The stdout exporter pushes
// periodically and on shutdown. With "none" the global no-op provider stays.
//
// # Outputs
//
//   - ShutdownFunc: Flushes and stops the provider. Always non-nil.
//   - error: Non-nil if the exporter could not be created.
func InstallMeter(ctx context.Context, cfg MeterConfig) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if cfg.ServiceName == "" {
		cfg.ServiceName = "testforge"
	}

	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case "", MeterExporterNone:
		return noop, nil
	case MeterExporterPrometheus:
		var opts []promexporter.Option
		if cfg.Registerer != nil {
			opts = append(opts, promexporter.WithRegisterer(cfg.Registerer))
		}
		exp, err := promexporter.New(opts...)
		if err != nil {
			return noop, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exp
	case MeterExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return noop, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	default:
		return noop, fmt.Errorf("unknown meter exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
