// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_health_checks_total",
		Help: "Total graph health checks run",
	})

	healthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lineage_health_check_duration_seconds",
		Help:    "Duration of graph health checks",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	healthIssues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lineage_health_issues",
		Help: "Issues found by the latest health check, by type",
	}, []string{"type"})

	flowNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lineage_flow_nodes",
		Help: "Nodes in the graph by kind, as of the latest statistics refresh",
	}, []string{"kind"})

	flowRelationships = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lineage_flow_relationships",
		Help: "Relationships in the graph by criticality, as of the latest statistics refresh",
	}, []string{"criticality"})
)
