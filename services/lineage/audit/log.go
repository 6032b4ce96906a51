// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
)

// Options configures a Log.
type Options struct {
	// Sink receives every record after it is stored. Optional.
	Sink Sink

	// Publisher receives change:recorded events. Default: events.Nop.
	Publisher events.Publisher

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Option is a functional option for configuring Log.
type Option func(*Options)

// WithSink sets the record sink.
func WithSink(s Sink) Option {
	return func(o *Options) {
		o.Sink = s
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Options) {
		o.Publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// RecordOptions tunes a single RecordChange call.
type RecordOptions struct {
	// Fresh drops cached analyses of the node before analysing.
	Fresh bool
}

// RecordOption is a functional option for RecordChange.
type RecordOption func(*RecordOptions)

// WithFreshAnalysis bypasses any cached analysis of the changed node.
func WithFreshAnalysis() RecordOption {
	return func(o *RecordOptions) {
		o.Fresh = true
	}
}

// Log is the append-only change audit log.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Records are immutable once
// stored; every read returns copies.
type Log struct {
	nodes     NodeStore
	analyzer  ImpactAnalyzer
	sink      Sink
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	records []*ChangeRecord
	byID    map[string]int
	byNode  map[string][]int
}

// NewLog creates an empty audit log.
func NewLog(nodes NodeStore, analyzer ImpactAnalyzer, opts ...Option) *Log {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Publisher == nil {
		options.Publisher = events.Nop{}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Log{
		nodes:     nodes,
		analyzer:  analyzer,
		sink:      options.Sink,
		publisher: options.Publisher,
		logger:    options.Logger.With("component", "audit_log"),
		now:       options.Now,
		byID:      make(map[string]int),
		byNode:    make(map[string][]int),
	}
}

// RecordChange validates and records a change to a node.
//
// # Description
//
// The node must exist. When details.StatusAfter is set the status is
// applied to the graph first. The impact of the change is then analysed
// (through the cache unless WithFreshAnalysis is given) and attached to the
// record. A failed analysis still produces a stored record with
// ValidationFailed, and the analysis error is returned alongside it.
//
// After the record is stored every cached analysis of the node is
// invalidated, the record is handed to the sink, and change:recorded is
// emitted.
//
// # Errors
//
//   - graph.ErrNotFound: unknown node. Nothing is recorded.
//   - graph.ErrInvalidArgument: unknown change type or status. Nothing is
//     recorded.
//   - Analysis errors: returned with the stored record.
func (l *Log) RecordChange(ctx context.Context, nodeID string, details ChangeDetails, opts ...RecordOption) (*ChangeRecord, error) {
	var ro RecordOptions
	for _, opt := range opts {
		opt(&ro)
	}

	changeType, err := impact.ParseChangeType(string(details.ChangeType))
	if err != nil {
		return nil, err
	}
	if details.StatusAfter != "" && !details.StatusAfter.Valid() {
		return nil, graph.NewInvalidArgument("status_after", string(details.StatusAfter), "unknown status")
	}
	if _, err := l.nodes.GetNode(nodeID); err != nil {
		return nil, err
	}

	if details.StatusAfter != "" {
		if _, err := l.nodes.UpdateNodeStatus(nodeID, details.StatusAfter); err != nil {
			return nil, fmt.Errorf("applying status %q: %w", details.StatusAfter, err)
		}
	}

	if ro.Fresh {
		l.analyzer.InvalidateNode(nodeID)
	}

	record := &ChangeRecord{
		ID:               uuid.NewString(),
		NodeID:           nodeID,
		ChangeType:       changeType,
		ChangedFields:    slices.Clone(details.ChangedFields),
		Before:           details.Before.Clone(),
		After:            details.After.Clone(),
		Actor:            details.Actor,
		StatusAfter:      details.StatusAfter,
		Timestamp:        l.now(),
		ValidationStatus: ValidationPending,
	}
	if record.ChangedFields == nil {
		record.ChangedFields = []string{}
	}

	analysis, analysisErr := l.analyzer.AnalyzeImpact(ctx, nodeID, changeType)
	if analysisErr != nil {
		record.ValidationStatus = ValidationFailed
		record.ValidationError = analysisErr.Error()
	} else {
		record.Impact = analysis
		record.ValidationStatus = ValidationCompleted
	}

	l.mu.Lock()
	idx := len(l.records)
	l.records = append(l.records, record)
	l.byID[record.ID] = idx
	l.byNode[nodeID] = append(l.byNode[nodeID], idx)
	l.mu.Unlock()

	l.analyzer.InvalidateNode(nodeID)
	changesRecorded.WithLabelValues(string(changeType), string(record.ValidationStatus)).Inc()

	if l.sink != nil {
		if err := l.sink.Append(ctx, record.Clone()); err != nil {
			sinkFailures.Inc()
			l.logger.Warn("change sink append failed",
				"change_id", record.ID,
				"node_id", nodeID,
				"error", err,
			)
		}
	}

	l.logger.Info("change recorded",
		"change_id", record.ID,
		"node_id", nodeID,
		"change_type", changeType,
		"validation_status", record.ValidationStatus,
		"actor", record.Actor,
	)
	l.publisher.Emit(events.TypeChangeRecorded, record.Clone())

	if analysisErr != nil {
		return record.Clone(), fmt.Errorf("analysing change %s: %w", record.ID, analysisErr)
	}
	return record.Clone(), nil
}

// Get returns a copy of one record.
//
// # Errors
//
//   - graph.ErrNotFound: unknown change id.
func (l *Log) Get(changeID string) (*ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byID[changeID]
	if !ok {
		return nil, graph.NewNotFound("change", changeID)
	}
	return l.records[idx].Clone(), nil
}

// ForNode returns the records of one node, oldest first.
func (l *Log) ForNode(nodeID string) []*ChangeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idxs := l.byNode[nodeID]
	out := make([]*ChangeRecord, len(idxs))
	for i, idx := range idxs {
		out[i] = l.records[idx].Clone()
	}
	return out
}

// List returns every record, oldest first.
func (l *Log) List() []*ChangeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*ChangeRecord, len(l.records))
	for i, r := range l.records {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
