// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the pub/sub channel through which the lineage
// engine notifies collaborators (alerting, dashboards, report builders).
//
// Engine components depend only on the Publisher interface and receive an
// implementation at construction. Event Data is the result object the
// event describes: a *traversal.LineageResult for TypeLineageTraced, an
// *impact.Analysis for TypeImpactAnalyzed, and so on. This package does
// not import those types so that every engine package can import it.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeLineageTraced is emitted after a lineage trace completes.
	TypeLineageTraced Type = "lineage:traced"

	// TypeImpactAnalyzed is emitted when an impact analysis is computed.
	// Cache hits do not emit.
	TypeImpactAnalyzed Type = "impact:analyzed"

	// TypeChangeRecorded is emitted after a change record is stored.
	TypeChangeRecorded Type = "change:recorded"

	// TypeHealthIssues is emitted when a health check finds issues.
	TypeHealthIssues Type = "lineage:health_issues"

	// TypeStatisticsUpdated is emitted after flow statistics are refreshed.
	TypeStatisticsUpdated Type = "statistics:updated"
)

// Types lists every event type the engine emits.
var Types = []Type{
	TypeLineageTraced,
	TypeImpactAnalyzed,
	TypeChangeRecorded,
	TypeHealthIssues,
	TypeStatisticsUpdated,
}

// Event is a single engine notification.
//
// Thread Safety:
//
//	Treat Event as immutable after creation. Data is shared between all
//	handlers and must not be mutated by them.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data is the result object the event describes.
	Data any `json:"data,omitempty"`
}

// Publisher emits events. *Emitter and *Recorder implement it.
type Publisher interface {
	Emit(eventType Type, data any)
}

// Nop is a Publisher that drops every event.
type Nop struct{}

// Emit implements Publisher.
func (Nop) Emit(Type, any) {}
