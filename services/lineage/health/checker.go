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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/history"
)

// DefaultHistorySize is the number of reports kept by default.
const DefaultHistorySize = 48

// GraphSource is the read side of the graph the checker inspects.
// *graph.Store implements it.
type GraphSource interface {
	ListNodes(filter graph.NodeFilter) []*graph.DataNode
	ListRelationships() []*graph.Relationship
	HasNode(id string) bool
	UpstreamOf(id string) []string
	DownstreamOf(id string) []string
	VerifyAdjacency() []graph.AdjacencyDrift
}

// Options configures a Checker.
type Options struct {
	// HistorySize is the number of past reports kept. Default: 48.
	HistorySize int

	// Publisher receives health and statistics events. Default: events.Nop.
	Publisher events.Publisher

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Option is a functional option for configuring Checker.
type Option func(*Options)

// WithHistorySize sets the number of reports kept.
func WithHistorySize(n int) Option {
	return func(o *Options) {
		o.HistorySize = n
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

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// Checker runs health checks and flow statistics over the graph.
//
// # Thread Safety
//
// Safe for concurrent use. Checks may run concurrently with graph
// mutations; each check reads a consistent copy of each table but the node
// and relationship tables are read separately.
type Checker struct {
	source    GraphSource
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	reports *history.Ring[*Report]

	stats atomic.Pointer[FlowStatistics]
}

// NewChecker creates a Checker over source.
func NewChecker(source GraphSource, opts ...Option) *Checker {
	options := Options{HistorySize: DefaultHistorySize}
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

	return &Checker{
		source:    source,
		publisher: options.Publisher,
		logger:    options.Logger.With("component", "health_checker"),
		now:       options.Now,
		reports:   history.NewRing[*Report](options.HistorySize),
	}
}

// CheckGraphHealth inspects every node and relationship once.
//
// # Description
//
// Nodes with status inactive or error produce an inactive_node or
// error_node issue. A relationship whose source or target is missing
// produces exactly one broken_relationship issue. A mismatch between the
// adjacency index and the relationship table produces one adjacency_drift
// issue per drifted entry. lineage:health_issues is emitted only when
// issues are found.
//
// # Errors
//
// Only context cancellation is returned. Issues are never errors.
func (c *Checker) CheckGraphHealth(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	nodes := c.source.ListNodes(graph.NodeFilter{})
	rels := c.source.ListRelationships()
	report := &Report{
		CheckedAt:         c.now(),
		NodeCount:         len(nodes),
		RelationshipCount: len(rels),
		Issues:            []Issue{},
	}

	for _, n := range nodes {
		switch n.Status {
		case graph.StatusInactive:
			report.Issues = append(report.Issues, Issue{
				Type:     IssueInactiveNode,
				Severity: SeverityWarning,
				NodeID:   n.ID,
				Message:  fmt.Sprintf("node %q is inactive", n.ID),
			})
		case graph.StatusError:
			report.Issues = append(report.Issues, Issue{
				Type:     IssueErrorNode,
				Severity: SeverityError,
				NodeID:   n.ID,
				Message:  fmt.Sprintf("node %q is in error", n.ID),
			})
		}
	}

	for i, r := range rels {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var missing []string
		if !c.source.HasNode(r.SourceID) {
			missing = append(missing, fmt.Sprintf("source %q", r.SourceID))
		}
		if !c.source.HasNode(r.TargetID) {
			missing = append(missing, fmt.Sprintf("target %q", r.TargetID))
		}
		if len(missing) == 0 {
			continue
		}
		report.Issues = append(report.Issues, Issue{
			Type:           IssueBrokenRelationship,
			Severity:       SeverityError,
			RelationshipID: r.ID,
			Message:        fmt.Sprintf("relationship %q references missing %s", r.ID, strings.Join(missing, " and ")),
		})
	}

	for _, d := range c.source.VerifyAdjacency() {
		report.Issues = append(report.Issues, Issue{
			Type:     IssueAdjacencyDrift,
			Severity: SeverityError,
			NodeID:   d.NodeID,
			Message: fmt.Sprintf("%s adjacency of %q drifted: expected %v, indexed %v",
				d.Direction, d.NodeID, d.Expected, d.Actual),
		})
	}
	report.Duration = time.Since(start)

	c.mu.Lock()
	c.reports.Push(report)
	c.mu.Unlock()

	counts := report.CountByType()
	for _, t := range IssueTypes {
		healthIssues.WithLabelValues(string(t)).Set(float64(counts[t]))
	}
	healthChecksTotal.Inc()
	healthCheckDuration.Observe(report.Duration.Seconds())

	if report.Healthy() {
		c.logger.Debug("graph healthy", "nodes", report.NodeCount, "relationships", report.RelationshipCount)
		return report.Clone(), nil
	}

	c.logger.Warn("graph health issues found",
		"issues", len(report.Issues),
		"broken_relationships", counts[IssueBrokenRelationship],
		"error_nodes", counts[IssueErrorNode],
		"adjacency_drift", counts[IssueAdjacencyDrift],
	)
	c.publisher.Emit(events.TypeHealthIssues, report.Clone())
	return report.Clone(), nil
}

// LastReport returns the most recent report.
func (c *Checker) LastReport() (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports.Newest()
	return r.Clone(), ok
}

// History returns up to n recent reports, newest first. n <= 0 returns all.
func (c *Checker) History(n int) []*Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		n = c.reports.Len()
	}
	reports := c.reports.Last(n)
	out := make([]*Report, len(reports))
	for i, r := range reports {
		out[i] = r.Clone()
	}
	return out
}

// RefreshFlowStatistics recomputes the flow statistics, stores them as
// current and emits statistics:updated.
func (c *Checker) RefreshFlowStatistics(ctx context.Context) (*FlowStatistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes := c.source.ListNodes(graph.NodeFilter{})
	rels := c.source.ListRelationships()
	stats := &FlowStatistics{
		ComputedAt:                   c.now(),
		TotalNodes:                   len(nodes),
		TotalRelationships:           len(rels),
		NodesByKind:                  make(map[graph.NodeKind]int),
		NodesByCategory:              make(map[string]int),
		NodesByOwner:                 make(map[string]int),
		NodesByStatus:                make(map[graph.Status]int),
		RelationshipsByKind:          make(map[graph.RelationshipKind]int),
		RelationshipsByCriticality:   make(map[graph.Criticality]int),
		RelationshipsByQualityImpact: make(map[graph.QualityImpact]int),
	}

	for _, n := range nodes {
		stats.NodesByKind[n.Kind]++
		stats.NodesByStatus[n.Status]++
		if n.Category != "" {
			stats.NodesByCategory[n.Category]++
		}
		if n.Owner != "" {
			stats.NodesByOwner[n.Owner]++
		}
		if len(c.source.UpstreamOf(n.ID)) == 0 {
			stats.SourceNodes++
		}
		if len(c.source.DownstreamOf(n.ID)) == 0 {
			stats.SinkNodes++
		}
	}
	for _, r := range rels {
		stats.RelationshipsByKind[r.Kind]++
		stats.RelationshipsByCriticality[r.Criticality]++
		stats.RelationshipsByQualityImpact[r.QualityImpact]++
	}

	c.stats.Store(stats)
	for _, k := range graph.NodeKinds {
		flowNodes.WithLabelValues(string(k)).Set(float64(stats.NodesByKind[k]))
	}
	for _, cr := range []graph.Criticality{graph.CriticalityLow, graph.CriticalityMedium, graph.CriticalityHigh, graph.CriticalityCritical} {
		flowRelationships.WithLabelValues(string(cr)).Set(float64(stats.RelationshipsByCriticality[cr]))
	}

	c.logger.Debug("flow statistics refreshed",
		"nodes", stats.TotalNodes,
		"relationships", stats.TotalRelationships,
	)
	c.publisher.Emit(events.TypeStatisticsUpdated, stats)
	return stats, nil
}

// Statistics returns the current flow statistics, if any were computed.
// The returned value is shared and must not be modified.
func (c *Checker) Statistics() (*FlowStatistics, bool) {
	s := c.stats.Load()
	return s, s != nil
}
