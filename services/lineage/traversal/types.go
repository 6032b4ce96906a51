// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traversal walks the lineage graph upstream ("where did this data
// come from") and downstream ("what depends on this data").
//
// # Semantics
//
// Traversal is a depth-first walk bounded by maxDepth. Each branch tracks
// the nodes already on its own path; a node is not expanded twice on the
// same path, so cycles terminate. Nodes reached along different paths
// (diamonds) are expanded on every path, so the tree may contain the same
// node more than once. A node that closes a cycle appears once more as a
// leaf with no children.
//
// Relationships whose far endpoint does not exist are skipped and listed
// in Tree.Dangling.
//
// # Thread Safety
//
// Tracer is safe for concurrent use. It reads the graph through
// GraphReader, which returns copies.
package traversal

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

const (
	// DefaultMaxDepth is the depth used when the caller has no preference.
	DefaultMaxDepth = 5

	// DefaultMaxDepthLimit is the largest maxDepth a Tracer accepts by default.
	DefaultMaxDepthLimit = 25

	// DefaultBranchBudget caps the branches built for one tree. Dense
	// diamond lattices grow exponentially with depth; the budget marks the
	// tree Truncated instead of exhausting memory.
	DefaultBranchBudget = 100_000
)

var (
	// ErrInvalidDepth is returned for maxDepth < 0 or above the limit.
	ErrInvalidDepth = fmt.Errorf("%w: depth out of range", graph.ErrInvalidArgument)

	// ErrInvalidDirection is returned for an unknown Direction.
	ErrInvalidDirection = fmt.Errorf("%w: unknown direction", graph.ErrInvalidArgument)
)

// Direction selects which side of a node to trace.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// ParseDirection converts a direction name. The empty string means both.
//
// Errors:
//
//	ErrInvalidDirection - Unknown name.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionUpstream, DirectionDownstream, DirectionBoth:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// Branch is one step of a traversal: the node reached, the relationship
// that led to it, and what lies beyond.
type Branch struct {
	// Node is a copy of the reached node.
	Node *graph.DataNode `json:"node"`

	// Relationship is the edge that led from the parent to Node.
	Relationship *graph.Relationship `json:"relationship"`

	// Depth is the distance from the tree root (1 for direct neighbours).
	Depth int `json:"depth"`

	// Children are the branches beyond Node. Empty for leaves, for nodes at
	// the depth bound, and for nodes that close a cycle.
	Children []*Branch `json:"children,omitempty"`
}

// Tree is the result of a one-direction trace.
type Tree struct {
	// Root is a copy of the node the trace started from.
	Root *graph.DataNode `json:"root"`

	Direction Direction `json:"direction"`
	MaxDepth  int       `json:"max_depth"`

	// Children are the branches one hop from Root.
	Children []*Branch `json:"children,omitempty"`

	// Dangling lists, sorted, the IDs of relationships skipped because their
	// far endpoint does not exist.
	Dangling []string `json:"dangling,omitempty"`

	// Truncated is true when the branch budget stopped the walk early.
	Truncated bool `json:"truncated,omitempty"`

	// Branches is the number of branches in the tree.
	Branches int `json:"branches"`
}

// Walk visits every branch depth-first, parents before children, in
// adjacency order.
func (t *Tree) Walk(fn func(b *Branch)) {
	if t == nil {
		return
	}
	var visit func(bs []*Branch)
	visit = func(bs []*Branch) {
		for _, b := range bs {
			fn(b)
			visit(b.Children)
		}
	}
	visit(t.Children)
}

// Paths returns every root-to-leaf sequence of node IDs, in walk order.
// A tree without children has no paths.
func (t *Tree) Paths() [][]string {
	if t == nil || t.Root == nil {
		return nil
	}
	var paths [][]string
	var visit func(prefix []string, bs []*Branch)
	visit = func(prefix []string, bs []*Branch) {
		for _, b := range bs {
			path := append(prefix[:len(prefix):len(prefix)], b.Node.ID)
			if len(b.Children) == 0 {
				paths = append(paths, path)
				continue
			}
			visit(path, b.Children)
		}
	}
	visit([]string{t.Root.ID}, t.Children)
	return paths
}

// Stats summarizes a lineage result.
type Stats struct {
	// TotalNodes counts distinct nodes, root included.
	TotalNodes int `json:"total_nodes"`

	// TotalRelationships counts distinct relationships.
	TotalRelationships int `json:"total_relationships"`

	// MaxDepthReached is the deepest branch depth in either tree.
	MaxDepthReached int `json:"max_depth_reached"`

	NodesByKind         map[graph.NodeKind]int         `json:"nodes_by_kind"`
	RelationshipsByKind map[graph.RelationshipKind]int `json:"relationships_by_kind"`
}

// LineageResult is the result of TraceLineage.
type LineageResult struct {
	Root      *graph.DataNode `json:"root"`
	Direction Direction       `json:"direction"`
	MaxDepth  int             `json:"max_depth"`

	// Upstream is nil when Direction is downstream.
	Upstream *Tree `json:"upstream_tree,omitempty"`

	// Downstream is nil when Direction is upstream.
	Downstream *Tree `json:"downstream_tree,omitempty"`

	// Paths are the root-to-leaf node ID sequences of the downstream tree.
	Paths [][]string `json:"paths"`

	Stats    Stats     `json:"stats"`
	TracedAt time.Time `json:"traced_at"`
}

// Truncated reports whether either tree hit the branch budget.
func (r *LineageResult) Truncated() bool {
	return (r.Upstream != nil && r.Upstream.Truncated) ||
		(r.Downstream != nil && r.Downstream.Truncated)
}
