// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package visualization turns lineage traces into renderable graphs.
//
// Build flattens a traversal.LineageResult into distinct nodes and edges
// with display attributes and layout coordinates. The renderers produce
// Mermaid, Graphviz DOT, D3-style JSON and a standalone HTML page from the
// same Graph. All rendering is done locally without external services.
package visualization

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
)

// Layout is the placement strategy of a graph.
type Layout string

const (
	// LayoutHierarchical places upstream nodes left of the root and
	// downstream nodes right of it, one column per depth.
	LayoutHierarchical Layout = "hierarchical"

	// LayoutForce leaves final placement to a client-side force simulation
	// (D3). Nodes are seeded on the circular layout so the simulation does
	// not start from coincident points.
	LayoutForce Layout = "force"

	// LayoutCircular places nodes on a circle around the root.
	LayoutCircular Layout = "circular"
)

// ParseLayout converts a layout name. The empty string means hierarchical.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "":
		return LayoutHierarchical, nil
	case LayoutHierarchical, LayoutForce, LayoutCircular:
		return Layout(s), nil
	default:
		return "", graph.NewInvalidArgument("layout", s, "must be hierarchical, force or circular")
	}
}

// Node is a rendered data asset.
type Node struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Kind     graph.NodeKind `json:"kind"`
	Category string         `json:"category,omitempty"`
	Status   graph.Status   `json:"status"`

	// Level is the signed distance from the root: negative upstream,
	// positive downstream, zero for the root.
	Level int  `json:"level"`
	Root  bool `json:"root,omitempty"`

	// Size grows with the node's degree in the rendered graph.
	Size  float64 `json:"size"`
	Color string  `json:"color"`

	// X and Y are set by the hierarchical and circular layouts.
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a rendered relationship, always oriented source to target.
type Edge struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	Target      string                 `json:"target"`
	Kind        graph.RelationshipKind `json:"kind"`
	Criticality graph.Criticality      `json:"criticality"`
	Weight      float64                `json:"weight"`
	Color       string                 `json:"color"`
}

// Graph is the renderable form of a lineage trace.
type Graph struct {
	Root      string              `json:"root"`
	Direction traversal.Direction `json:"direction"`
	Layout    Layout              `json:"layout"`
	Nodes     []Node              `json:"nodes"`
	Edges     []Edge              `json:"edges"`

	// Omitted counts nodes dropped by Options.MaxNodes.
	Omitted   int  `json:"omitted,omitempty"`
	Truncated bool `json:"truncated,omitempty"`
}

// Options configures Build.
type Options struct {
	// Layout. Default: hierarchical.
	Layout Layout

	// MaxNodes limits the nodes in the output, nearest first. Zero means
	// no limit.
	MaxNodes int

	// Spacing is the distance between layout columns and rows.
	// Default: 120.
	Spacing float64
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Layout:  LayoutHierarchical,
		Spacing: 120,
	}
}

// KindColors maps node kinds to fill colors.
var KindColors = map[graph.NodeKind]string{
	graph.NodeKindSource:    "#10ac84",
	graph.NodeKindProcess:   "#54a0ff",
	graph.NodeKindStorage:   "#5f27cd",
	graph.NodeKindOutput:    "#ff9f43",
	graph.NodeKindReference: "#8395a7",
}

// RelationshipColors maps relationship kinds to stroke colors.
var RelationshipColors = map[graph.RelationshipKind]string{
	graph.RelationshipKindDataFlow:        "#576574",
	graph.RelationshipKindReference:       "#c8d6e5",
	graph.RelationshipKindDataConsumption: "#ee5253",
}

// CriticalityWeights maps relationship criticality to stroke weight.
var CriticalityWeights = map[graph.Criticality]float64{
	graph.CriticalityLow:      1,
	graph.CriticalityMedium:   2,
	graph.CriticalityHigh:     3,
	graph.CriticalityCritical: 4,
}

const (
	baseNodeSize   = 10.0
	degreeNodeSize = 4.0
	rootNodeSize   = 10.0
	defaultColor   = "#c8d6e5"
)

// Build flattens a lineage result into a Graph.
//
// # Description
//
// Every distinct node of the upstream and downstream trees becomes one
// Node, every distinct relationship one Edge. A node reached on both
// sides keeps the level nearest to the root. Build is pure; it never
// touches the graph store.
//
// # Inputs
//
//   - result: A TraceLineage result. Nil yields nil.
//   - opts: Layout and limits. Zero fields take defaults.
func Build(result *traversal.LineageResult, opts Options) *Graph {
	if result == nil || result.Root == nil {
		return nil
	}
	defaults := DefaultOptions()
	if opts.Layout == "" {
		opts.Layout = defaults.Layout
	}
	if opts.Spacing <= 0 {
		opts.Spacing = defaults.Spacing
	}

	b := &builder{
		index:     make(map[string]int),
		edgeIndex: make(map[string]bool),
	}
	b.addNode(result.Root, 0)
	b.addTree(result.Upstream, -1)
	b.addTree(result.Downstream, 1)

	g := &Graph{
		Root:      result.Root.ID,
		Direction: result.Direction,
		Layout:    opts.Layout,
		Nodes:     b.nodes,
		Edges:     b.edges,
		Truncated: result.Truncated(),
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}

	if opts.MaxNodes > 0 && len(g.Nodes) > opts.MaxNodes {
		limit(g, opts.MaxNodes)
	}
	sizeNodes(g)

	switch opts.Layout {
	case LayoutHierarchical:
		layoutHierarchical(g, opts.Spacing)
	case LayoutCircular, LayoutForce:
		layoutCircular(g, opts.Spacing)
	}
	return g
}

type builder struct {
	nodes     []Node
	edges     []Edge
	index     map[string]int
	edgeIndex map[string]bool
}

func (b *builder) addNode(n *graph.DataNode, level int) {
	if i, ok := b.index[n.ID]; ok {
		if abs(level) < abs(b.nodes[i].Level) {
			b.nodes[i].Level = level
		}
		return
	}
	color, ok := KindColors[n.Kind]
	if !ok {
		color = defaultColor
	}
	label := n.Name
	if label == "" {
		label = n.ID
	}
	b.index[n.ID] = len(b.nodes)
	b.nodes = append(b.nodes, Node{
		ID:       n.ID,
		Label:    label,
		Kind:     n.Kind,
		Category: n.Category,
		Status:   n.Status,
		Level:    level,
		Root:     level == 0,
		Color:    color,
	})
}

func (b *builder) addTree(t *traversal.Tree, sign int) {
	t.Walk(func(br *traversal.Branch) {
		b.addNode(br.Node, sign*br.Depth)

		rel := br.Relationship
		if b.edgeIndex[rel.ID] {
			return
		}
		b.edgeIndex[rel.ID] = true
		color, ok := RelationshipColors[rel.Kind]
		if !ok {
			color = defaultColor
		}
		b.edges = append(b.edges, Edge{
			ID:          rel.ID,
			Source:      rel.SourceID,
			Target:      rel.TargetID,
			Kind:        rel.Kind,
			Criticality: rel.Criticality,
			Weight:      CriticalityWeights[rel.Criticality],
			Color:       color,
		})
	})
}

// limit keeps the max nodes nearest to the root and the edges between them.
func limit(g *Graph, max int) {
	sort.SliceStable(g.Nodes, func(i, j int) bool {
		return abs(g.Nodes[i].Level) < abs(g.Nodes[j].Level)
	})
	g.Omitted = len(g.Nodes) - max
	g.Nodes = g.Nodes[:max]

	kept := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		kept[n.ID] = true
	}
	g.Edges = slices.DeleteFunc(g.Edges, func(e Edge) bool {
		return !kept[e.Source] || !kept[e.Target]
	})
}

func sizeNodes(g *Graph) {
	degree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		degree[e.Source]++
		degree[e.Target]++
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		n.Size = baseNodeSize + degreeNodeSize*float64(degree[n.ID])
		if n.Root {
			n.Size += rootNodeSize
		}
	}
}

func layoutHierarchical(g *Graph, spacing float64) {
	rows := make(map[int]int)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		n.X = float64(n.Level) * spacing
		n.Y = float64(rows[n.Level]) * spacing
		rows[n.Level]++
	}
}

func layoutCircular(g *Graph, spacing float64) {
	others := len(g.Nodes) - 1
	if others <= 0 {
		return
	}
	radius := spacing * math.Max(1, float64(others)/4)
	step := 2 * math.Pi / float64(others)
	k := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Root {
			continue
		}
		angle := float64(k) * step
		n.X = math.Round(radius*math.Cos(angle)*100) / 100
		n.Y = math.Round(radius*math.Sin(angle)*100) / 100
		k++
	}
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// String summarizes the graph for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph{root=%s nodes=%d edges=%d layout=%s}", g.Root, len(g.Nodes), len(g.Edges), g.Layout)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
