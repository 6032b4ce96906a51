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
	"encoding/json"
	"slices"
	"time"
)

// NodeKind classifies a data asset.
type NodeKind string

const (
	// NodeKindSource is an origin of data (meter feed, upstream API, file drop).
	NodeKindSource NodeKind = "source"

	// NodeKindProcess transforms data (aggregation job, enrichment step).
	NodeKindProcess NodeKind = "process"

	// NodeKindStorage persists data (table, bucket, time series).
	NodeKindStorage NodeKind = "storage"

	// NodeKindOutput is a consumer-facing product (report, dashboard, export).
	NodeKindOutput NodeKind = "output"

	// NodeKindReference is lookup data joined into flows (emission factors).
	NodeKindReference NodeKind = "reference"
)

// NodeKinds lists every valid NodeKind in display order.
var NodeKinds = []NodeKind{
	NodeKindSource,
	NodeKindProcess,
	NodeKindStorage,
	NodeKindOutput,
	NodeKindReference,
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	return slices.Contains(NodeKinds, k)
}

// Status is the lifecycle status shared by nodes and relationships.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	default:
		return false
	}
}

// RelationshipKind classifies an edge.
type RelationshipKind string

const (
	// RelationshipKindDataFlow moves data from source to target.
	RelationshipKindDataFlow RelationshipKind = "data_flow"

	// RelationshipKindReference means the target looks up values in the source.
	RelationshipKindReference RelationshipKind = "reference"

	// RelationshipKindDataConsumption means the target reads the source as an input.
	RelationshipKindDataConsumption RelationshipKind = "data_consumption"
)

// RelationshipKinds lists every valid RelationshipKind.
var RelationshipKinds = []RelationshipKind{
	RelationshipKindDataFlow,
	RelationshipKindReference,
	RelationshipKindDataConsumption,
}

// Valid reports whether k is a known relationship kind.
func (k RelationshipKind) Valid() bool {
	return slices.Contains(RelationshipKinds, k)
}

// Criticality ranks how important a relationship is to its consumer.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Valid reports whether c is a known criticality.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityLow, CriticalityMedium, CriticalityHigh, CriticalityCritical:
		return true
	default:
		return false
	}
}

// QualityImpact ranks how much a relationship affects data quality downstream.
type QualityImpact string

const (
	QualityImpactLow    QualityImpact = "low"
	QualityImpactMedium QualityImpact = "medium"
	QualityImpactHigh   QualityImpact = "high"
)

// Valid reports whether q is a known quality impact.
func (q QualityImpact) Valid() bool {
	switch q {
	case QualityImpactLow, QualityImpactMedium, QualityImpactHigh:
		return true
	default:
		return false
	}
}

// Payload is an opaque metadata envelope.
//
// The engine never interprets Data. Kind and Version let collaborators
// decode it (e.g. Kind "sql_schema", Version 3).
type Payload struct {
	Kind    string          `json:"kind,omitempty" yaml:"kind,omitempty"`
	Version int             `json:"version,omitempty" yaml:"version,omitempty"`
	Data    json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return p.Kind == "" && p.Version == 0 && len(p.Data) == 0
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	if p.Data != nil {
		out.Data = slices.Clone(p.Data)
	}
	return out
}

// DataNode is a data asset in the lineage graph.
type DataNode struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     NodeKind `json:"kind"`
	Category string   `json:"category,omitempty"`
	Owner    string   `json:"owner,omitempty"`

	// Tags is a set; the Store keeps it sorted and deduplicated.
	Tags []string `json:"tags,omitempty"`

	Status Status `json:"status"`

	// Schema holds the schema or storage location metadata.
	Schema Payload `json:"schema,omitempty"`

	// Version starts at 1 and is bumped on every re-registration or
	// status mutation.
	Version int `json:"version"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasTag reports whether the node carries tag.
func (n *DataNode) HasTag(tag string) bool {
	_, found := slices.BinarySearch(n.Tags, tag)
	return found
}

// Clone returns a deep copy of the node.
func (n *DataNode) Clone() *DataNode {
	if n == nil {
		return nil
	}
	out := *n
	out.Tags = slices.Clone(n.Tags)
	out.Schema = n.Schema.Clone()
	return &out
}

// Relationship is a directed edge SourceID → TargetID.
type Relationship struct {
	ID       string           `json:"id"`
	SourceID string           `json:"source_id"`
	TargetID string           `json:"target_id"`
	Kind     RelationshipKind `json:"kind"`

	// Transformation describes field mappings and business rules.
	Transformation Payload `json:"transformation,omitempty"`

	QualityImpact QualityImpact `json:"data_quality_impact"`
	Criticality   Criticality   `json:"criticality"`
	Status        Status        `json:"status"`
	Version       int           `json:"version"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	out.Transformation = r.Transformation.Clone()
	return &out
}

// NodeFilter selects nodes in ListNodes. Zero-valued fields match everything.
type NodeFilter struct {
	Kind     NodeKind
	Category string
	Owner    string
	Status   Status
	Tag      string
}

// Matches reports whether n satisfies every set field of the filter.
func (f NodeFilter) Matches(n *DataNode) bool {
	if f.Kind != "" && n.Kind != f.Kind {
		return false
	}
	if f.Category != "" && n.Category != f.Category {
		return false
	}
	if f.Owner != "" && n.Owner != f.Owner {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Tag != "" && !n.HasTag(f.Tag) {
		return false
	}
	return true
}

// Stats summarizes store contents.
type Stats struct {
	NodeCount         int    `json:"node_count"`
	RelationshipCount int    `json:"relationship_count"`
	MaxNodes          int    `json:"max_nodes"`
	MaxRelationships  int    `json:"max_relationships"`

	// Generation is incremented on every successful mutation. Two equal
	// generations mean nothing changed in between.
	Generation uint64 `json:"generation"`
}

// AdjacencyDrift describes a mismatch between the adjacency index and the
// relationship table.
type AdjacencyDrift struct {
	NodeID    string   `json:"node_id"`
	Direction string   `json:"direction"`
	Expected  []string `json:"expected"`
	Actual    []string `json:"actual"`
}
