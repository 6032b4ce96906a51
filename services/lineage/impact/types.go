// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package impact answers "what breaks if this data changes".
//
// An Analysis scores the direct consumers of a node (one hop downstream)
// and the indirect consumers beyond them, classifies the overall risk, and
// proposes mitigation and rollback steps. Results are cached per
// (node, change type) for a TTL.
package impact

import (
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// ChangeType classifies a change to a data asset.
type ChangeType string

const (
	ChangeTypeData           ChangeType = "data_change"
	ChangeTypeSchema         ChangeType = "schema_change"
	ChangeTypeTransformation ChangeType = "transformation_change"
	ChangeTypeStatus         ChangeType = "status_change"
	ChangeTypeRemoval        ChangeType = "removal"
)

// ChangeTypes lists every valid ChangeType.
var ChangeTypes = []ChangeType{
	ChangeTypeData,
	ChangeTypeSchema,
	ChangeTypeTransformation,
	ChangeTypeStatus,
	ChangeTypeRemoval,
}

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	return slices.Contains(ChangeTypes, c)
}

// ParseChangeType converts a change type name. The empty string means
// data_change.
//
// Errors:
//
//	graph.ErrInvalidArgument - Unknown name.
func ParseChangeType(s string) (ChangeType, error) {
	if s == "" {
		return ChangeTypeData, nil
	}
	c := ChangeType(s)
	if !c.Valid() {
		return "", graph.NewInvalidArgument("change_type", s, fmt.Sprintf("must be one of %v", ChangeTypes))
	}
	return c, nil
}

// Level is the overall risk classification of a change.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// AffectedNode is a downstream node reached by the analysis.
type AffectedNode struct {
	NodeID string         `json:"node_id"`
	Name   string         `json:"name"`
	Kind   graph.NodeKind `json:"kind"`

	// Depth is the shortest distance from the changed node.
	Depth int `json:"depth"`

	// RelationshipID is the relationship through which the node was first
	// reached; Criticality and QualityImpact are copied from it.
	RelationshipID string              `json:"relationship_id"`
	Criticality    graph.Criticality   `json:"criticality"`
	QualityImpact  graph.QualityImpact `json:"data_quality_impact"`
}

// DirectImpact covers the relationships where the changed node is the source.
type DirectImpact struct {
	AffectedNodes         []AffectedNode `json:"affected_nodes"`
	AffectedRelationships []string       `json:"affected_relationships"`
	Score                 float64        `json:"impact_score"`
}

// IndirectImpact covers everything reachable at depth ≥ 2.
type IndirectImpact struct {
	AffectedNodes         []AffectedNode `json:"affected_nodes"`
	AffectedRelationships []string       `json:"affected_relationships"`

	// Depth is the traversal depth used.
	Depth int `json:"depth"`

	// RawScore is the undiscounted weight sum; Score = RawScore × discount.
	RawScore float64 `json:"raw_score"`
	Score    float64 `json:"impact_score"`
}

// TotalImpact aggregates direct and indirect impact.
type TotalImpact struct {
	AffectedNodeCount         int     `json:"affected_node_count"`
	AffectedRelationshipCount int     `json:"affected_relationship_count"`
	OverallScore              float64 `json:"overall_score"`
	CriticalityLevel          Level   `json:"criticality_level"`
}

// Analysis is the impact of one change type on one node.
//
// Values returned by Analyzer are private copies; mutating them does not
// affect the cache.
type Analysis struct {
	NodeID     string     `json:"node_id"`
	ChangeType ChangeType `json:"change_type"`

	Direct   DirectImpact   `json:"direct_impact"`
	Indirect IndirectImpact `json:"indirect_impact"`
	Total    TotalImpact    `json:"total_impact"`

	MitigationStrategies []string `json:"mitigation_strategies"`
	RollbackPlan         []string `json:"rollback_plan"`

	// DanglingRelationships lists downstream relationships skipped because
	// their target does not exist.
	DanglingRelationships []string `json:"dangling_relationships,omitempty"`

	// Truncated is true when the downstream walk hit its branch budget.
	Truncated bool `json:"truncated,omitempty"`

	CachedAt time.Time     `json:"cached_at"`
	TTL      time.Duration `json:"ttl"`
}

// ExpiresAt returns when the cached analysis stops being fresh.
func (a *Analysis) ExpiresAt() time.Time {
	return a.CachedAt.Add(a.TTL)
}

// Clone returns a deep copy of the analysis.
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	out := *a
	out.Direct.AffectedNodes = slices.Clone(a.Direct.AffectedNodes)
	out.Direct.AffectedRelationships = slices.Clone(a.Direct.AffectedRelationships)
	out.Indirect.AffectedNodes = slices.Clone(a.Indirect.AffectedNodes)
	out.Indirect.AffectedRelationships = slices.Clone(a.Indirect.AffectedRelationships)
	out.MitigationStrategies = slices.Clone(a.MitigationStrategies)
	out.RollbackPlan = slices.Clone(a.RollbackPlan)
	out.DanglingRelationships = slices.Clone(a.DanglingRelationships)
	return &out
}
