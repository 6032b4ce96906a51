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
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
)

// DownstreamTracer builds downstream trees. *traversal.Tracer implements it.
type DownstreamTracer interface {
	TraceDownstream(ctx context.Context, nodeID string, maxDepth int) (*traversal.Tree, error)
}

// Cache is the result cache type used by Analyzer.
type Cache = cache.TTLCache[*Analysis]

// Options configures an Analyzer.
type Options struct {
	// Policy holds weights and thresholds. Default: DefaultPolicy().
	Policy Policy

	// Cache stores results. Default: a new cache with default TTL and size.
	Cache *Cache

	// Publisher receives impact:analyzed events. Default: events.Nop.
	Publisher events.Publisher

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring Analyzer.
type Option func(*Options)

// WithPolicy sets the scoring policy.
func WithPolicy(p Policy) Option {
	return func(o *Options) {
		o.Policy = p.Clone()
	}
}

// WithRollbackPlan overrides the rollback checklist.
func WithRollbackPlan(steps []string) Option {
	return func(o *Options) {
		o.Policy.RollbackPlan = slices.Clone(steps)
	}
}

// WithCache sets the result cache.
func WithCache(c *Cache) Option {
	return func(o *Options) {
		o.Cache = c
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

// Analyzer computes and caches impact analyses.
//
// Thread Safety: Analyzer is safe for concurrent use.
type Analyzer struct {
	tracer    DownstreamTracer
	cache     *Cache
	policy    Policy
	publisher events.Publisher
	logger    *slog.Logger
}

// NewAnalyzer creates an Analyzer that walks the graph through tracer.
func NewAnalyzer(tracer DownstreamTracer, opts ...Option) *Analyzer {
	options := Options{Policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Cache == nil {
		options.Cache = cache.New[*Analysis](cache.WithLogger(options.Logger))
	}
	if options.Publisher == nil {
		options.Publisher = events.Nop{}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Policy.IndirectDepth < 1 {
		options.Policy.IndirectDepth = 1
	}

	return &Analyzer{
		tracer:    tracer,
		cache:     options.Cache,
		policy:    options.Policy,
		publisher: options.Publisher,
		logger:    logger.With("component", "impact_analyzer"),
	}
}

// Policy returns a copy of the scoring policy.
func (a *Analyzer) Policy() Policy {
	return a.policy.Clone()
}

// Cache returns the result cache.
func (a *Analyzer) Cache() *Cache {
	return a.cache
}

// AnalyzeImpact returns the impact of changeType on nodeID.
//
// Description:
//
//	A fresh cached result is returned unchanged, with no side effects.
//	Otherwise the analysis is computed, cached with a new CachedAt, and
//	impact:analyzed is emitted. Concurrent misses for the same key share
//	one computation.
//
// Inputs:
//
//	ctx        - Cancellation aborts the downstream walk.
//	nodeID     - The changed node. Must exist.
//	changeType - Empty means data_change.
//
// Outputs:
//
//	*Analysis - A private copy of the result.
//	error     - Non-nil on failure; nothing is cached.
//
// Errors:
//
//	graph.ErrNotFound        - Unknown node.
//	graph.ErrInvalidArgument - Unknown change type.
func (a *Analyzer) AnalyzeImpact(ctx context.Context, nodeID string, changeType ChangeType) (*Analysis, error) {
	changeType, err := ParseChangeType(string(changeType))
	if err != nil {
		return nil, err
	}

	key := cache.Key{NodeID: nodeID, ChangeType: string(changeType)}
	computed := false
	entry, hit, err := a.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*Analysis, error) {
		computed = true
		return a.Compute(ctx, nodeID, changeType)
	})
	if err != nil {
		return nil, err
	}

	out := entry.Value.Clone()
	out.CachedAt = entry.CachedAt
	out.TTL = entry.TTL

	if computed {
		a.logger.Info("impact analyzed",
			"node_id", nodeID,
			"change_type", changeType,
			"overall_score", out.Total.OverallScore,
			"criticality_level", out.Total.CriticalityLevel,
			"affected_nodes", out.Total.AffectedNodeCount,
		)
		a.publisher.Emit(events.TypeImpactAnalyzed, out.Clone())
	} else if hit {
		a.logger.Debug("impact served from cache", "node_id", nodeID, "change_type", changeType)
	}
	return out, nil
}

// Compute runs an analysis without consulting or filling the cache.
// CachedAt and TTL are left zero.
func (a *Analyzer) Compute(ctx context.Context, nodeID string, changeType ChangeType) (*Analysis, error) {
	ctx, span := startAnalysisSpan(ctx, nodeID, string(changeType))
	defer span.End()
	start := time.Now()

	tree, err := a.tracer.TraceDownstream(ctx, nodeID, a.policy.IndirectDepth)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordAnalysisMetrics(ctx, time.Since(start), "", 0, 0, false)
		return nil, err
	}

	result := score(tree, a.policy)
	result.ChangeType = changeType

	setAnalysisSpanResult(span, result)
	recordAnalysisMetrics(ctx, time.Since(start), result.Total.CriticalityLevel,
		result.Total.OverallScore, result.Total.AffectedNodeCount, true)
	return result, nil
}

// InvalidateNode drops every cached analysis of nodeID.
func (a *Analyzer) InvalidateNode(nodeID string) int {
	return a.cache.InvalidateNode(nodeID)
}

// Sweep drops expired cached analyses.
func (a *Analyzer) Sweep(ctx context.Context) int {
	return a.cache.Sweep(ctx)
}

// score turns a downstream tree into an Analysis.
func score(tree *traversal.Tree, p Policy) *Analysis {
	rootID := tree.Root.ID
	result := &Analysis{
		NodeID:                rootID,
		DanglingRelationships: slices.Clone(tree.Dangling),
		Truncated:             tree.Truncated,
		Indirect:              IndirectImpact{Depth: tree.MaxDepth},
	}

	// Direct: the depth-1 branches are exactly the root's outgoing
	// relationships with an existing target, in adjacency order.
	directNodes := make(map[string]bool)
	directRels := make(map[string]bool)
	for _, b := range tree.Children {
		result.Direct.Score += p.Weight(b.Relationship)
		result.Direct.AffectedRelationships = append(result.Direct.AffectedRelationships, b.Relationship.ID)
		directRels[b.Relationship.ID] = true

		if b.Node.ID == rootID || directNodes[b.Node.ID] {
			continue
		}
		directNodes[b.Node.ID] = true
		result.Direct.AffectedNodes = append(result.Direct.AffectedNodes, affected(b))
	}

	// Indirect: everything at depth ≥ 2, each relationship and node once.
	seenRels := make(map[string]bool)
	nodeIndex := make(map[string]int)
	tree.Walk(func(b *traversal.Branch) {
		if b.Depth < 2 {
			return
		}
		if relID := b.Relationship.ID; !directRels[relID] && !seenRels[relID] {
			seenRels[relID] = true
			result.Indirect.RawScore += p.Weight(b.Relationship)
			result.Indirect.AffectedRelationships = append(result.Indirect.AffectedRelationships, relID)
		}

		id := b.Node.ID
		if id == rootID || directNodes[id] {
			return
		}
		if i, ok := nodeIndex[id]; ok {
			if b.Depth < result.Indirect.AffectedNodes[i].Depth {
				result.Indirect.AffectedNodes[i] = affected(b)
			}
			return
		}
		nodeIndex[id] = len(result.Indirect.AffectedNodes)
		result.Indirect.AffectedNodes = append(result.Indirect.AffectedNodes, affected(b))
	})
	result.Indirect.Score = result.Indirect.RawScore * p.IndirectDiscount

	if result.Direct.AffectedNodes == nil {
		result.Direct.AffectedNodes = []AffectedNode{}
	}
	if result.Direct.AffectedRelationships == nil {
		result.Direct.AffectedRelationships = []string{}
	}
	if result.Indirect.AffectedNodes == nil {
		result.Indirect.AffectedNodes = []AffectedNode{}
	}
	if result.Indirect.AffectedRelationships == nil {
		result.Indirect.AffectedRelationships = []string{}
	}

	nodes := len(result.Direct.AffectedNodes) + len(result.Indirect.AffectedNodes)
	overall := result.Direct.Score + result.Indirect.Score
	level := p.Level(overall, nodes)
	result.Total = TotalImpact{
		AffectedNodeCount:         nodes,
		AffectedRelationshipCount: len(result.Direct.AffectedRelationships) + len(result.Indirect.AffectedRelationships),
		OverallScore:              overall,
		CriticalityLevel:          level,
	}
	result.MitigationStrategies = p.Mitigations(level, nodes)
	result.RollbackPlan = slices.Clone(p.RollbackPlan)
	return result
}

func affected(b *traversal.Branch) AffectedNode {
	return AffectedNode{
		NodeID:         b.Node.ID,
		Name:           b.Node.Name,
		Kind:           b.Node.Kind,
		Depth:          b.Depth,
		RelationshipID: b.Relationship.ID,
		Criticality:    b.Relationship.Criticality,
		QualityImpact:  b.Relationship.QualityImpact,
	}
}
