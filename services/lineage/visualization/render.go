// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visualization

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// OutputFormat specifies the visualization output format.
type OutputFormat string

const (
	FormatMermaid OutputFormat = "mermaid"
	FormatDOT     OutputFormat = "dot"
	FormatJSON    OutputFormat = "json"
	FormatHTML    OutputFormat = "html"
)

// ParseFormat converts a format name. The empty string means json.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "":
		return FormatJSON, nil
	case FormatMermaid, FormatDOT, FormatJSON, FormatHTML:
		return OutputFormat(s), nil
	default:
		return "", graph.NewInvalidArgument("format", s, "must be mermaid, dot, json or html")
	}
}

// ContentType returns the HTTP content type of a format.
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render renders g in the given format.
func Render(g *Graph, format OutputFormat) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is required")
	}
	switch format {
	case FormatMermaid:
		return Mermaid(g), nil
	case FormatDOT:
		return DOT(g), nil
	case FormatJSON:
		data, err := JSON(g)
		return string(data), err
	case FormatHTML:
		return HTML(g)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// mermaidShapes wraps a label in the flowchart shape of a node kind.
var mermaidShapes = map[graph.NodeKind][2]string{
	graph.NodeKindSource:    {"([", "])"},
	graph.NodeKindProcess:   {"[", "]"},
	graph.NodeKindStorage:   {"[(", ")]"},
	graph.NodeKindOutput:    {"[/", "/]"},
	graph.NodeKindReference: {"{{", "}}"},
}

// Mermaid renders a left-to-right Mermaid flowchart.
func Mermaid(g *Graph) string {
	var sb strings.Builder
	sb.WriteString("flowchart LR\n")

	for _, n := range g.Nodes {
		shape, ok := mermaidShapes[n.Kind]
		if !ok {
			shape = [2]string{"[", "]"}
		}
		class := string(n.Kind)
		if n.Root {
			class = "root"
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s:::%s\n",
			sanitizeMermaidID(n.ID), shape[0], escapeMermaidLabel(n.Label), shape[1], class))
	}

	if len(g.Edges) > 0 {
		sb.WriteString("\n")
	}
	for _, e := range g.Edges {
		arrow := "-->"
		if e.Criticality == graph.CriticalityCritical {
			arrow = "==>"
		} else if e.Kind == graph.RelationshipKindReference {
			arrow = "-.->"
		}
		sb.WriteString(fmt.Sprintf("    %s %s|%s| %s\n",
			sanitizeMermaidID(e.Source), arrow, escapeMermaidLabel(string(e.Kind)), sanitizeMermaidID(e.Target)))
	}
	if g.Omitted > 0 {
		sb.WriteString(fmt.Sprintf("    more[...%d more]\n", g.Omitted))
	}

	sb.WriteString("\n")
	sb.WriteString("    classDef root fill:#ff6b6b,stroke:#333,stroke-width:2px,color:#fff\n")
	for _, kind := range graph.NodeKinds {
		sb.WriteString(fmt.Sprintf("    classDef %s fill:%s,stroke:#333\n", kind, KindColors[kind]))
	}
	return sb.String()
}

// dotShapes maps node kinds to Graphviz shapes.
var dotShapes = map[graph.NodeKind]string{
	graph.NodeKindSource:    "ellipse",
	graph.NodeKindProcess:   "box",
	graph.NodeKindStorage:   "cylinder",
	graph.NodeKindOutput:    "note",
	graph.NodeKindReference: "hexagon",
}

// DOT renders a Graphviz digraph.
func DOT(g *Graph) string {
	var sb strings.Builder

	sb.WriteString("digraph Lineage {\n")
	sb.WriteString("    rankdir=LR;\n")
	sb.WriteString("    node [style=filled];\n")
	sb.WriteString("\n")

	for _, n := range g.Nodes {
		shape, ok := dotShapes[n.Kind]
		if !ok {
			shape = "box"
		}
		extra := ""
		if n.Root {
			extra = ", penwidth=3, fontcolor=\"white\""
		}
		sb.WriteString(fmt.Sprintf("    %s [label=\"%s\", shape=%s, fillcolor=\"%s\"%s];\n",
			sanitizeDOTID(n.ID), escapeDOTLabel(n.Label), shape, n.Color, extra))
	}
	if g.Omitted > 0 {
		sb.WriteString(fmt.Sprintf("    overflow [label=\"+%d more\", shape=plaintext];\n", g.Omitted))
	}

	sb.WriteString("\n")
	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("    %s -> %s [label=\"%s\", color=\"%s\", penwidth=%g];\n",
			sanitizeDOTID(e.Source), sanitizeDOTID(e.Target), escapeDOTLabel(string(e.Kind)), e.Color, e.Weight))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// d3Graph is the D3 force-graph shape: nodes plus links keyed by node id.
type d3Graph struct {
	Root      string `json:"root"`
	Layout    Layout `json:"layout"`
	Nodes     []Node `json:"nodes"`
	Links     []Edge `json:"links"`
	Omitted   int    `json:"omitted,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// JSON renders D3-compatible JSON.
func JSON(g *Graph) ([]byte, error) {
	return json.MarshalIndent(d3Graph{
		Root:      g.Root,
		Layout:    g.Layout,
		Nodes:     g.Nodes,
		Links:     g.Edges,
		Omitted:   g.Omitted,
		Truncated: g.Truncated,
	}, "", "  ")
}

// HTML renders a standalone interactive page backed by D3.
func HTML(g *Graph) (string, error) {
	data, err := JSON(g)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(htmlTemplate, html.EscapeString(g.Root), data), nil
}

func sanitizeMermaidID(s string) string {
	replacer := strings.NewReplacer(
		":", "_",
		"/", "_",
		".", "_",
		"-", "_",
		" ", "_",
		"(", "",
		")", "",
		"\"", "",
	)
	result := replacer.Replace(s)
	// Mermaid reserves "end" and rejects ids starting with a digit.
	if result == "" || (result[0] >= '0' && result[0] <= '9') || strings.EqualFold(result, "end") {
		result = "n" + result
	}
	return result
}

func sanitizeDOTID(s string) string {
	return fmt.Sprintf("\"%s\"", strings.ReplaceAll(s, "\"", "\\\""))
}

func escapeMermaidLabel(s string) string {
	replacer := strings.NewReplacer(
		"\"", "#quot;",
		"<", "&lt;",
		">", "&gt;",
	)
	return replacer.Replace(s)
}

func escapeDOTLabel(s string) string {
	replacer := strings.NewReplacer(
		"\"", "\\\"",
		"\n", "\\n",
	)
	return replacer.Replace(s)
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Lineage of %s</title>
  <script src="https://d3js.org/d3.v7.min.js"></script>
  <style>
    body { margin: 0; font-family: Arial, sans-serif; }
    svg { width: 100%%; height: 100vh; }
    .node circle { stroke: #333; stroke-width: 1.5px; }
    .node text { font-size: 12px; }
    .link { stroke-opacity: 0.7; }
  </style>
</head>
<body>
  <svg></svg>
  <script>
    const data = %s;

    const width = window.innerWidth;
    const height = window.innerHeight;
    const svg = d3.select("svg");

    const placed = data.layout !== "force";
    data.nodes.forEach(d => {
      if (placed) { d.fx = width / 2 + d.x; d.fy = height / 2 + d.y; }
    });

    const simulation = d3.forceSimulation(data.nodes)
      .force("link", d3.forceLink(data.links).id(d => d.id).distance(120))
      .force("charge", d3.forceManyBody().strength(-250))
      .force("center", d3.forceCenter(width / 2, height / 2));

    svg.append("defs").append("marker")
      .attr("id", "arrow").attr("viewBox", "0 -5 10 10")
      .attr("refX", 18).attr("markerWidth", 6).attr("markerHeight", 6)
      .attr("orient", "auto")
      .append("path").attr("d", "M0,-5L10,0L0,5").attr("fill", "#999");

    const link = svg.append("g")
      .selectAll("line")
      .data(data.links)
      .join("line")
      .attr("class", "link")
      .attr("stroke", d => d.color)
      .attr("stroke-width", d => d.weight)
      .attr("marker-end", "url(#arrow)");

    const node = svg.append("g")
      .selectAll("g")
      .data(data.nodes)
      .join("g")
      .attr("class", "node");

    node.append("circle")
      .attr("r", d => d.size)
      .attr("fill", d => d.root ? "#ff6b6b" : d.color);

    node.append("text")
      .attr("dx", d => d.size + 4)
      .attr("dy", 4)
      .text(d => d.label);

    simulation.on("tick", () => {
      link
        .attr("x1", d => d.source.x)
        .attr("y1", d => d.source.y)
        .attr("x2", d => d.target.x)
        .attr("y2", d => d.target.y);
      node.attr("transform", d => "translate(" + d.x + "," + d.y + ")");
    });
  </script>
</body>
</html>`
