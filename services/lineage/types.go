// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
)

// ServiceVersion is the lineage service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`
}

// HealthResponse is returned by GET /v1/lineage/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// RegisterNodeRequest is the body of POST /v1/lineage/nodes.
type RegisterNodeRequest struct {
	ID       string         `json:"id" binding:"required,max=256"`
	Name     string         `json:"name" binding:"max=512"`
	Kind     string         `json:"kind" binding:"required,oneof=source process storage output reference"`
	Category string         `json:"category"`
	Owner    string         `json:"owner"`
	Tags     []string       `json:"tags" binding:"dive,required"`
	Status   string         `json:"status" binding:"omitempty,oneof=active inactive error"`
	Schema   *graph.Payload `json:"schema"`
}

func (r *RegisterNodeRequest) node() graph.DataNode {
	n := graph.DataNode{
		ID:       r.ID,
		Name:     r.Name,
		Kind:     graph.NodeKind(r.Kind),
		Category: r.Category,
		Owner:    r.Owner,
		Tags:     r.Tags,
		Status:   graph.Status(r.Status),
	}
	if r.Schema != nil {
		n.Schema = *r.Schema
	}
	return n
}

// RegisterRelationshipRequest is the body of POST /v1/lineage/relationships.
type RegisterRelationshipRequest struct {
	ID             string         `json:"id" binding:"required,max=256"`
	SourceID       string         `json:"source_id" binding:"required"`
	TargetID       string         `json:"target_id" binding:"required"`
	Kind           string         `json:"kind" binding:"required,oneof=data_flow reference data_consumption"`
	Criticality    string         `json:"criticality" binding:"omitempty,oneof=low medium high critical"`
	QualityImpact  string         `json:"data_quality_impact" binding:"omitempty,oneof=low medium high"`
	Status         string         `json:"status" binding:"omitempty,oneof=active inactive error"`
	Transformation *graph.Payload `json:"transformation"`
}

func (r *RegisterRelationshipRequest) relationship() graph.Relationship {
	rel := graph.Relationship{
		ID:            r.ID,
		SourceID:      r.SourceID,
		TargetID:      r.TargetID,
		Kind:          graph.RelationshipKind(r.Kind),
		Criticality:   graph.Criticality(r.Criticality),
		QualityImpact: graph.QualityImpact(r.QualityImpact),
		Status:        graph.Status(r.Status),
	}
	if r.Transformation != nil {
		rel.Transformation = *r.Transformation
	}
	return rel
}

// RecordChangeRequest is the body of POST /v1/lineage/changes.
type RecordChangeRequest struct {
	NodeID        string        `json:"node_id" binding:"required"`
	ChangeType    string        `json:"change_type"`
	ChangedFields []string      `json:"changed_fields"`
	Before        graph.Payload `json:"before"`
	After         graph.Payload `json:"after"`
	Actor         string        `json:"actor" binding:"max=256"`
	StatusAfter   string        `json:"status_after" binding:"omitempty,oneof=active inactive error"`

	// Fresh bypasses cached analyses of the node.
	Fresh bool `json:"fresh"`
}

func (r *RecordChangeRequest) details() audit.ChangeDetails {
	return audit.ChangeDetails{
		ChangeType:    impact.ChangeType(r.ChangeType),
		ChangedFields: r.ChangedFields,
		Before:        r.Before,
		After:         r.After,
		Actor:         r.Actor,
		StatusAfter:   graph.Status(r.StatusAfter),
	}
}

// NodeListResponse is returned by GET /v1/lineage/nodes.
type NodeListResponse struct {
	Nodes []*graph.DataNode `json:"nodes"`
	Count int               `json:"count"`
}

// RemoveNodeResponse is returned by DELETE /v1/lineage/nodes/:id.
type RemoveNodeResponse struct {
	NodeID               string   `json:"node_id"`
	RemovedRelationships []string `json:"removed_relationships"`
}

// ChangeListResponse is returned by GET /v1/lineage/changes.
type ChangeListResponse struct {
	Changes []*audit.ChangeRecord `json:"changes"`
	Count   int                   `json:"count"`
}

// RecordChangeResponse is returned by POST /v1/lineage/changes. Error is
// set when the change was recorded but its impact analysis failed.
type RecordChangeResponse struct {
	Change *audit.ChangeRecord `json:"change"`
	Error  string              `json:"error,omitempty"`
}
