// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("testforge.orchestrator")

// instruments are the OpenTelemetry counterparts of the Prometheus
// collectors. They forward to the global meter provider and stay no-ops
// until one is installed.
type instruments struct {
	once            sync.Once
	attemptDuration metric.Float64Histogram
	attemptFailures metric.Int64Counter
	costSpent       metric.Float64Counter
}

func (in *instruments) init(logger *slog.Logger) {
	in.once.Do(func() {
		var err error
		in.attemptDuration, err = meter.Float64Histogram("testforge_attempt_duration_seconds",
			metric.WithDescription("Wall time of each worker attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			logger.Warn("failed to create attempt duration histogram", slog.String("error", err.Error()))
		}

		in.attemptFailures, err = meter.Int64Counter("testforge_attempt_failures_total",
			metric.WithDescription("Failed attempts by failure kind"),
		)
		if err != nil {
			logger.Warn("failed to create attempt failure counter", slog.String("error", err.Error()))
		}

		in.costSpent, err = meter.Float64Counter("testforge_cost_spent_total",
			metric.WithDescription("Cost committed against the run budget"),
		)
		if err != nil {
			logger.Warn("failed to create cost counter", slog.String("error", err.Error()))
		}
	})
}

// recordAttempt records one settled attempt.
func (in *instruments) recordAttempt(ctx context.Context, command string, rec AttemptRecord) {
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("failure", string(rec.Failure)),
	)
	if in.attemptDuration != nil && !rec.EndedAt.IsZero() {
		in.attemptDuration.Record(ctx, rec.EndedAt.Sub(rec.StartedAt).Seconds(), attrs)
	}
	if in.attemptFailures != nil && rec.Failure != FailureNone {
		in.attemptFailures.Add(ctx, 1, attrs)
	}
	if in.costSpent != nil && rec.Cost > 0 {
		in.costSpent.Add(ctx, rec.Cost, metric.WithAttributes(attribute.String("command", command)))
	}
}
