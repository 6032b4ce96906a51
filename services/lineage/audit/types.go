// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit keeps the append-only log of changes made to data assets.
//
// Every recorded change is validated against the graph, optionally applies
// a node status mutation, and carries the impact analysis computed for it.
package audit

import (
	"context"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
)

// ValidationStatus is the outcome of the impact validation of a change.
// It is set once when the record is created.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationCompleted ValidationStatus = "completed"
	ValidationFailed    ValidationStatus = "failed"
)

// ChangeDetails describes a change submitted for recording.
type ChangeDetails struct {
	// ChangeType defaults to data_change when empty.
	ChangeType impact.ChangeType `json:"change_type" yaml:"change_type"`

	ChangedFields []string `json:"changed_fields,omitempty" yaml:"changed_fields"`

	// Before and After are stored verbatim.
	Before graph.Payload `json:"before" yaml:"before"`
	After  graph.Payload `json:"after" yaml:"after"`

	Actor string `json:"actor,omitempty" yaml:"actor"`

	// StatusAfter, when set, is applied to the node before analysis.
	StatusAfter graph.Status `json:"status_after,omitempty" yaml:"status_after"`
}

// ChangeRecord is one immutable entry of the audit log.
type ChangeRecord struct {
	ID            string            `json:"change_id"`
	NodeID        string            `json:"node_id"`
	ChangeType    impact.ChangeType `json:"change_type"`
	ChangedFields []string          `json:"changed_fields"`
	Before        graph.Payload     `json:"before"`
	After         graph.Payload     `json:"after"`
	Actor         string            `json:"actor,omitempty"`
	StatusAfter   graph.Status      `json:"status_after,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`

	// Impact is nil when ValidationStatus is failed.
	Impact           *impact.Analysis `json:"impact_analysis,omitempty"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationError  string           `json:"validation_error,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ChangeRecord) Clone() *ChangeRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.ChangedFields = slices.Clone(r.ChangedFields)
	out.Before = r.Before.Clone()
	out.After = r.After.Clone()
	out.Impact = r.Impact.Clone()
	return &out
}

// NodeStore is the part of the graph the audit log reads and mutates.
// *graph.Store implements it.
type NodeStore interface {
	GetNode(id string) (*graph.DataNode, error)
	UpdateNodeStatus(id string, status graph.Status) (*graph.DataNode, error)
}

// ImpactAnalyzer computes impact for recorded changes. *impact.Analyzer
// implements it.
type ImpactAnalyzer interface {
	AnalyzeImpact(ctx context.Context, nodeID string, changeType impact.ChangeType) (*impact.Analysis, error)
	InvalidateNode(nodeID string) int
}

// Sink receives every recorded change, for example a persistent archive.
// Sink errors are logged and never fail RecordChange.
type Sink interface {
	Append(ctx context.Context, record *ChangeRecord) error
}
