// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("provgraph.scope")
	meter  = otel.Meter("provgraph.scope")
)

var (
	resolveLatency metric.Float64Histogram
	resolveTotal   metric.Int64Counter
	loopsFound     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics registers the instruments once; later calls return the
// first registration error.
func initMetrics() error {
	metricsOnce.Do(func() {
		var errs [3]error
		resolveLatency, errs[0] = meter.Float64Histogram("scope_resolve_duration_seconds",
			metric.WithDescription("Duration of loop span resolution"), metric.WithUnit("s"))
		resolveTotal, errs[1] = meter.Int64Counter("scope_resolve_total",
			metric.WithDescription("Scripts scanned for loops"))
		loopsFound, errs[2] = meter.Int64Histogram("scope_loops_found",
			metric.WithDescription("Loop spans found per script"))
		metricsErr = errors.Join(errs[:]...)
	})
	return metricsErr
}

func recordResolve(ctx context.Context, duration time.Duration, loops int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	resolveLatency.Record(ctx, duration.Seconds(), attrs)
	resolveTotal.Add(ctx, 1, attrs)
	if success {
		loopsFound.Record(ctx, int64(loops))
	}
}

func startResolveSpan(ctx context.Context, path string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ScopeResolver.Resolve",
		trace.WithAttributes(
			attribute.String("scope.file", path),
			attribute.Int("scope.source_bytes", size),
		),
	)
}
