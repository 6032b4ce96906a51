// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// GraphReader is the read side of the graph store the tracer needs.
// *graph.Store implements it.
type GraphReader interface {
	// GetNode returns a copy of the node or a graph.ErrNotFound error.
	GetNode(id string) (*graph.DataNode, error)

	// DownstreamRelationships returns copies of relationships where id is the source.
	DownstreamRelationships(id string) []*graph.Relationship

	// UpstreamRelationships returns copies of relationships where id is the target.
	UpstreamRelationships(id string) []*graph.Relationship
}

// Options configures a Tracer.
type Options struct {
	// MaxDepthLimit is the largest accepted maxDepth.
	// Default: 25
	MaxDepthLimit int

	// BranchBudget caps branches per tree. Zero or negative disables the cap.
	// Default: 100,000
	BranchBudget int

	// Publisher receives lineage:traced events. Default: events.Nop.
	Publisher events.Publisher

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Now is the time source for TracedAt. Default: time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default tracer options.
func DefaultOptions() Options {
	return Options{
		MaxDepthLimit: DefaultMaxDepthLimit,
		BranchBudget:  DefaultBranchBudget,
		Publisher:     events.Nop{},
		Now:           time.Now,
	}
}

// Option is a functional option for configuring Tracer.
type Option func(*Options)

// WithMaxDepthLimit sets the largest accepted maxDepth.
func WithMaxDepthLimit(n int) Option {
	return func(o *Options) {
		o.MaxDepthLimit = n
	}
}

// WithBranchBudget sets the per-tree branch cap.
func WithBranchBudget(n int) Option {
	return func(o *Options) {
		o.BranchBudget = n
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

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// Tracer traces upstream and downstream lineage.
//
// Thread Safety: Tracer is safe for concurrent use.
type Tracer struct {
	reader  GraphReader
	options Options
	logger  *slog.Logger
}

// NewTracer creates a Tracer over reader.
func NewTracer(reader GraphReader, opts ...Option) *Tracer {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Publisher == nil {
		options.Publisher = events.Nop{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracer{
		reader:  reader,
		options: options,
		logger:  logger.With("component", "tracer"),
	}
}

// MaxDepthLimit returns the largest maxDepth this tracer accepts.
func (t *Tracer) MaxDepthLimit() int {
	return t.options.MaxDepthLimit
}

// TraceUpstream builds the tree of everything nodeID is derived from.
//
// Inputs:
//
//	ctx      - Checked at every step; cancellation aborts the walk.
//	nodeID   - The root node. Must exist.
//	maxDepth - 0..MaxDepthLimit. 0 yields a tree with no children.
//
// Outputs:
//
//	*Tree - The upstream tree.
//	error - graph.ErrNotFound, ErrInvalidDepth, or the context error.
func (t *Tracer) TraceUpstream(ctx context.Context, nodeID string, maxDepth int) (*Tree, error) {
	return t.trace(ctx, nodeID, DirectionUpstream, maxDepth)
}

// TraceDownstream builds the tree of everything that depends on nodeID.
//
// Same inputs, outputs and errors as TraceUpstream.
func (t *Tracer) TraceDownstream(ctx context.Context, nodeID string, maxDepth int) (*Tree, error) {
	return t.trace(ctx, nodeID, DirectionDownstream, maxDepth)
}

// TraceLineage traces one or both directions and summarizes the result.
//
// Description:
//
//	Builds the requested trees, collects the root-to-leaf paths of the
//	downstream tree, computes distinct-count statistics over both trees,
//	and emits lineage:traced with the result.
//
// Inputs:
//
//	ctx       - Cancellation aborts the walk.
//	nodeID    - The root node. Must exist.
//	direction - upstream, downstream or both.
//	maxDepth  - 0..MaxDepthLimit.
//
// Errors:
//
//	graph.ErrNotFound   - Unknown root; no partial result is returned.
//	ErrInvalidDepth     - maxDepth out of range.
//	ErrInvalidDirection - Unknown direction.
func (t *Tracer) TraceLineage(ctx context.Context, nodeID string, direction Direction, maxDepth int) (*LineageResult, error) {
	if direction == "" {
		direction = DirectionBoth
	}
	switch direction {
	case DirectionUpstream, DirectionDownstream, DirectionBoth:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	ctx, span := startTraceSpan(ctx, "Tracer.TraceLineage", nodeID, direction, maxDepth)
	defer span.End()
	start := time.Now()

	result := &LineageResult{
		Direction: direction,
		MaxDepth:  maxDepth,
	}

	if direction != DirectionDownstream {
		up, err := t.trace(ctx, nodeID, DirectionUpstream, maxDepth)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result.Upstream = up
		result.Root = up.Root
	}
	if direction != DirectionUpstream {
		down, err := t.trace(ctx, nodeID, DirectionDownstream, maxDepth)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result.Downstream = down
		result.Root = down.Root
		result.Paths = down.Paths()
	}
	if result.Paths == nil {
		result.Paths = [][]string{}
	}

	result.Stats = computeStats(result.Root, result.Upstream, result.Downstream)
	result.TracedAt = t.options.Now()

	setTraceSpanResult(span, result.Stats.TotalNodes, result.Truncated())
	recordTraceMetrics(ctx, "lineage", time.Since(start), result.Stats.TotalNodes)

	t.logger.Debug("lineage traced",
		"node_id", nodeID,
		"direction", direction,
		"max_depth", maxDepth,
		"nodes", result.Stats.TotalNodes,
		"relationships", result.Stats.TotalRelationships,
	)
	t.options.Publisher.Emit(events.TypeLineageTraced, result)

	return result, nil
}

// walker holds the per-tree state of one walk.
type walker struct {
	ctx      context.Context
	reader   GraphReader
	dir      Direction
	budget   int
	tree     *Tree
	onPath   map[string]bool
	dangling map[string]struct{}
}

func (t *Tracer) trace(ctx context.Context, nodeID string, dir Direction, maxDepth int) (*Tree, error) {
	if maxDepth < 0 || maxDepth > t.options.MaxDepthLimit {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidDepth, maxDepth, t.options.MaxDepthLimit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := t.reader.GetNode(nodeID)
	if err != nil {
		return nil, err
	}

	ctx, span := startTraceSpan(ctx, "Tracer.trace", nodeID, dir, maxDepth)
	defer span.End()
	start := time.Now()

	w := &walker{
		ctx:      ctx,
		reader:   t.reader,
		dir:      dir,
		budget:   t.options.BranchBudget,
		tree:     &Tree{Root: root, Direction: dir, MaxDepth: maxDepth},
		onPath:   make(map[string]bool),
		dangling: make(map[string]struct{}),
	}

	children, err := w.walk(root.ID, maxDepth, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	w.tree.Children = children

	if len(w.dangling) > 0 {
		w.tree.Dangling = make([]string, 0, len(w.dangling))
		for id := range w.dangling {
			w.tree.Dangling = append(w.tree.Dangling, id)
		}
		slices.Sort(w.tree.Dangling)
	}
	if w.tree.Truncated {
		t.logger.Warn("traversal truncated by branch budget",
			"node_id", nodeID,
			"direction", dir,
			"budget", t.options.BranchBudget,
		)
	}
	setTraceSpanResult(span, w.tree.Branches, w.tree.Truncated)
	recordTraceMetrics(ctx, string(dir), time.Since(start), w.tree.Branches)

	return w.tree, nil
}

// walk returns the branches beyond nodeID. remaining is the depth budget
// left; level is nodeID's distance from the root.
func (w *walker) walk(nodeID string, remaining, level int) ([]*Branch, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	if remaining <= 0 || w.onPath[nodeID] || w.tree.Truncated {
		return nil, nil
	}

	w.onPath[nodeID] = true
	defer delete(w.onPath, nodeID)

	var rels []*graph.Relationship
	if w.dir == DirectionUpstream {
		rels = w.reader.UpstreamRelationships(nodeID)
	} else {
		rels = w.reader.DownstreamRelationships(nodeID)
	}

	var branches []*Branch
	for _, rel := range rels {
		farID := rel.TargetID
		if w.dir == DirectionUpstream {
			farID = rel.SourceID
		}

		node, err := w.reader.GetNode(farID)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				w.dangling[rel.ID] = struct{}{}
				continue
			}
			return nil, err
		}

		if w.budget > 0 && w.tree.Branches >= w.budget {
			w.tree.Truncated = true
			break
		}
		w.tree.Branches++

		branch := &Branch{
			Node:         node,
			Relationship: rel,
			Depth:        level + 1,
		}
		branch.Children, err = w.walk(farID, remaining-1, level+1)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// computeStats counts distinct nodes and relationships across the trees.
func computeStats(root *graph.DataNode, trees ...*Tree) Stats {
	stats := Stats{
		NodesByKind:         make(map[graph.NodeKind]int),
		RelationshipsByKind: make(map[graph.RelationshipKind]int),
	}

	nodes := make(map[string]struct{})
	rels := make(map[string]struct{})
	if root != nil {
		nodes[root.ID] = struct{}{}
		stats.NodesByKind[root.Kind]++
	}

	for _, tree := range trees {
		tree.Walk(func(b *Branch) {
			if _, seen := nodes[b.Node.ID]; !seen {
				nodes[b.Node.ID] = struct{}{}
				stats.NodesByKind[b.Node.Kind]++
			}
			if _, seen := rels[b.Relationship.ID]; !seen {
				rels[b.Relationship.ID] = struct{}{}
				stats.RelationshipsByKind[b.Relationship.Kind]++
			}
			stats.MaxDepthReached = max(stats.MaxDepthReached, b.Depth)
		})
	}

	stats.TotalNodes = len(nodes)
	stats.TotalRelationships = len(rels)
	return stats
}
