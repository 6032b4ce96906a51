// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for impact analysis operations.
var (
	tracer = otel.Tracer("aleutian.lineage.impact")
	meter  = otel.Meter("aleutian.lineage.impact")
)

// Metrics for impact analysis operations.
var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	overallScores   metric.Float64Histogram
	affectedNodes   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"lineage_impact_analysis_duration_seconds",
			metric.WithDescription("Duration of impact analysis computations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"lineage_impact_analysis_total",
			metric.WithDescription("Total number of impact analysis computations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		overallScores, err = meter.Float64Histogram(
			"lineage_impact_overall_score",
			metric.WithDescription("Distribution of overall impact scores"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		affectedNodes, err = meter.Int64Histogram(
			"lineage_impact_affected_nodes",
			metric.WithDescription("Number of affected nodes per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startAnalysisSpan creates a span for an impact computation.
func startAnalysisSpan(ctx context.Context, nodeID, changeType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Analyzer.Compute",
		trace.WithAttributes(
			attribute.String("impact.node_id", nodeID),
			attribute.String("impact.change_type", changeType),
		),
	)
}

// setAnalysisSpanResult sets the result attributes on an analysis span.
func setAnalysisSpanResult(span trace.Span, a *Analysis) {
	span.SetAttributes(
		attribute.String("impact.criticality_level", string(a.Total.CriticalityLevel)),
		attribute.Float64("impact.overall_score", a.Total.OverallScore),
		attribute.Int("impact.direct_nodes", len(a.Direct.AffectedNodes)),
		attribute.Int("impact.affected_nodes", a.Total.AffectedNodeCount),
		attribute.Bool("impact.truncated", a.Truncated),
	)
}

// recordAnalysisMetrics records metrics for one computation.
func recordAnalysisMetrics(ctx context.Context, duration time.Duration, level Level, overall float64, nodes int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("criticality_level", string(level)),
		attribute.Bool("success", success),
	)

	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	if success {
		overallScores.Record(ctx, overall)
		affectedNodes.Record(ctx, int64(nodes))
	}
}
