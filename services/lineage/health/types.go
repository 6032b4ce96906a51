// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health checks the integrity of the lineage graph and computes
// flow statistics over it.
//
// Integrity problems are reported as Issues in a Report. They are never
// returned as errors and never repaired.
package health

import (
	"slices"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// IssueType classifies a health issue.
type IssueType string

const (
	// IssueInactiveNode flags a node with status inactive.
	IssueInactiveNode IssueType = "inactive_node"

	// IssueErrorNode flags a node with status error.
	IssueErrorNode IssueType = "error_node"

	// IssueBrokenRelationship flags a relationship whose source or target
	// does not exist.
	IssueBrokenRelationship IssueType = "broken_relationship"

	// IssueAdjacencyDrift flags an adjacency index that no longer matches
	// the relationship table.
	IssueAdjacencyDrift IssueType = "adjacency_drift"
)

// IssueTypes lists every IssueType.
var IssueTypes = []IssueType{
	IssueInactiveNode,
	IssueErrorNode,
	IssueBrokenRelationship,
	IssueAdjacencyDrift,
}

// Severity is how urgent an issue is.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one integrity problem.
type Issue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	NodeID         string    `json:"node_id,omitempty"`
	RelationshipID string    `json:"relationship_id,omitempty"`
	Message        string    `json:"message"`
}

// Report is the result of one health check.
type Report struct {
	CheckedAt         time.Time     `json:"checked_at"`
	Duration          time.Duration `json:"duration"`
	NodeCount         int           `json:"node_count"`
	RelationshipCount int           `json:"relationship_count"`
	Issues            []Issue       `json:"issues"`
}

// Healthy reports whether the check found no issues.
func (r *Report) Healthy() bool {
	return len(r.Issues) == 0
}

// CountByType returns the number of issues of each type.
func (r *Report) CountByType() map[IssueType]int {
	out := make(map[IssueType]int, len(IssueTypes))
	for _, issue := range r.Issues {
		out[issue.Type]++
	}
	return out
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Issues = slices.Clone(r.Issues)
	return &out
}

// FlowStatistics summarizes the shape of the graph.
type FlowStatistics struct {
	ComputedAt         time.Time `json:"computed_at"`
	TotalNodes         int       `json:"total_nodes"`
	TotalRelationships int       `json:"total_relationships"`

	NodesByKind     map[graph.NodeKind]int `json:"nodes_by_kind"`
	NodesByCategory map[string]int         `json:"nodes_by_category"`
	NodesByOwner    map[string]int         `json:"nodes_by_owner"`
	NodesByStatus   map[graph.Status]int   `json:"nodes_by_status"`

	RelationshipsByKind          map[graph.RelationshipKind]int `json:"relationships_by_kind"`
	RelationshipsByCriticality   map[graph.Criticality]int      `json:"relationships_by_criticality"`
	RelationshipsByQualityImpact map[graph.QualityImpact]int    `json:"relationships_by_quality_impact"`

	// SourceNodes have no upstream relationships; SinkNodes have no
	// downstream relationships. Isolated nodes count as both.
	SourceNodes int `json:"source_nodes"`
	SinkNodes   int `json:"sink_nodes"`
}
