// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("provgraph.graph")
	meter  = otel.Meter("provgraph.graph")
)

var (
	runDuration    metric.Float64Histogram
	runActivities  metric.Int64Histogram
	runEdges       metric.Int64Histogram
	drainedScopes  metric.Int64Counter
	dependencyHits metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runDuration, err = meter.Float64Histogram(
			"graph_run_duration_seconds",
			metric.WithDescription("Duration of building one run into the graph"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runActivities, err = meter.Int64Histogram(
			"graph_run_activities",
			metric.WithDescription("Activity nodes emitted per run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runEdges, err = meter.Int64Histogram(
			"graph_run_edges",
			metric.WithDescription("Edges emitted per run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		drainedScopes, err = meter.Int64Counter(
			"graph_drained_scopes_total",
			metric.WithDescription("Scopes still open at the end of a run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dependencyHits, err = meter.Int64Counter(
			"graph_dependency_edges_total",
			metric.WithDescription("Used edges added by dependency resolution"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, duration time.Duration, res *RunResult) {
	if err := initMetrics(); err != nil {
		return
	}
	runDuration.Record(ctx, duration.Seconds())
	runActivities.Record(ctx, int64(res.Activities))
	runEdges.Record(ctx, int64(res.Edges))
	if res.DrainedScopes > 0 {
		drainedScopes.Add(ctx, int64(res.DrainedScopes))
	}
	if res.DependencyEdges > 0 {
		dependencyHits.Add(ctx, int64(res.DependencyEdges))
	}
}

func startBuildSpan(ctx context.Context, runID int64, activations int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "GraphBuilder.BuildRun",
		trace.WithAttributes(
			attribute.Int64("graph.run_id", runID),
			attribute.Int("graph.activations", activations),
		),
	)
}

func startLinkSpan(ctx context.Context, runs int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "CrossRunLinker.Link",
		trace.WithAttributes(attribute.Int("graph.runs", runs)),
	)
}
