// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

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
	tracer = otel.Tracer("aleutian.lineage.traversal")
	meter  = otel.Meter("aleutian.lineage.traversal")
)

var (
	traceLatency metric.Float64Histogram
	traceTotal   metric.Int64Counter
	traceSize    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		traceLatency, err = meter.Float64Histogram(
			"lineage_trace_duration_seconds",
			metric.WithDescription("Duration of lineage traversals"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		traceTotal, err = meter.Int64Counter(
			"lineage_trace_total",
			metric.WithDescription("Total lineage traversals by operation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		traceSize, err = meter.Int64Histogram(
			"lineage_trace_size",
			metric.WithDescription("Nodes or branches produced per traversal"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startTraceSpan creates a span for a traversal.
func startTraceSpan(ctx context.Context, name, nodeID string, dir Direction, maxDepth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("lineage.node_id", nodeID),
			attribute.String("lineage.direction", string(dir)),
			attribute.Int("lineage.max_depth", maxDepth),
		),
	)
}

// setTraceSpanResult sets the result attributes on a traversal span.
func setTraceSpanResult(span trace.Span, size int, truncated bool) {
	span.SetAttributes(
		attribute.Int("lineage.size", size),
		attribute.Bool("lineage.truncated", truncated),
	)
}

// recordTraceMetrics records metrics for one traversal.
func recordTraceMetrics(ctx context.Context, op string, duration time.Duration, size int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("op", op))
	traceLatency.Record(ctx, duration.Seconds(), attrs)
	traceTotal.Add(ctx, 1, attrs)
	traceSize.Record(ctx, int64(size), attrs)
}
