// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/health"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
	"github.com/AleutianAI/AleutianLineage/services/lineage/visualization"
)

// withRuntime loads the configuration and an in-memory engine, runs fn,
// and releases the runtime.
func withRuntime(cmd *cobra.Command, root *rootOptions, fn func(rt *runtime) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" && cfg.Definitions.Path == "" {
		return fmt.Errorf("no definitions: set --data-dir or --definitions")
	}
	rt, err := openRuntime(cmd.Context(), cfg, false, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTraceCmd(root *rootOptions) *cobra.Command {
	var (
		direction string
		depth     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "trace <node-id>",
		Short: "Trace the lineage of a node",
		Long: `Trace the upstream sources and downstream consumers of a node.

By default every root-to-leaf downstream path is printed, one per line.
Use --json for the full upstream and downstream trees.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := traversal.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withRuntime(cmd, root, func(rt *runtime) error {
				if depth == 0 {
					depth = rt.engine.Config().DefaultMaxDepth
				}
				res, err := rt.engine.TraceLineage(cmd.Context(), args[0], dir, depth)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, res)
				}
				writeTrace(out, res)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&direction, "direction", "both", "upstream, downstream or both")
	cmd.Flags().IntVar(&depth, "depth", 0, "Maximum depth (0 = configured default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeTrace(w io.Writer, res *traversal.LineageResult) {
	fmt.Fprintf(w, "%s (%s)\n", res.Root.ID, res.Root.Kind)
	if res.Upstream != nil {
		fmt.Fprintln(w, "upstream:")
		res.Upstream.Walk(func(b *traversal.Branch) {
			fmt.Fprintf(w, "%s<- %s [%s]\n", strings.Repeat("  ", b.Depth), b.Node.ID, b.Relationship.Kind)
		})
	}
	if res.Downstream != nil {
		fmt.Fprintln(w, "downstream paths:")
		for _, p := range res.Paths {
			fmt.Fprintf(w, "  %s\n", strings.Join(p, " -> "))
		}
	}
	fmt.Fprintf(w, "nodes: %d, relationships: %d, max depth reached: %d\n",
		res.Stats.TotalNodes, res.Stats.TotalRelationships, res.Stats.MaxDepthReached)
	if res.Truncated() {
		fmt.Fprintln(w, "warning: branch budget reached, result truncated")
	}
}

func newImpactCmd(root *rootOptions) *cobra.Command {
	var (
		changeType string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "impact <node-id>",
		Short: "Estimate the downstream impact of changing a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := impact.ParseChangeType(changeType)
			if err != nil {
				return err
			}
			return withRuntime(cmd, root, func(rt *runtime) error {
				a, err := rt.engine.AnalyzeImpact(cmd.Context(), args[0], ct)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, a)
				}
				writeImpact(out, a)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&changeType, "change-type", string(impact.ChangeTypeData),
		"data_change, schema_change, transformation_change, status_change or removal")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeImpact(w io.Writer, a *impact.Analysis) {
	fmt.Fprintf(w, "Impact of %s on %s: %s (score %.1f)\n",
		a.ChangeType, a.NodeID, strings.ToUpper(string(a.Total.CriticalityLevel)), a.Total.OverallScore)
	fmt.Fprintf(w, "  direct:   %d nodes, score %.1f\n", len(a.Direct.AffectedNodes), a.Direct.Score)
	for _, n := range a.Direct.AffectedNodes {
		fmt.Fprintf(w, "    %s (%s)\n", n.NodeID, n.Criticality)
	}
	fmt.Fprintf(w, "  indirect: %d nodes, score %.1f\n", len(a.Indirect.AffectedNodes), a.Indirect.Score)
	for _, n := range a.Indirect.AffectedNodes {
		fmt.Fprintf(w, "    %s (depth %d)\n", n.NodeID, n.Depth)
	}
	if len(a.DanglingRelationships) > 0 {
		fmt.Fprintf(w, "  skipped dangling relationships: %s\n", strings.Join(a.DanglingRelationships, ", "))
	}
	fmt.Fprintln(w, "Mitigation:")
	for _, m := range a.MitigationStrategies {
		fmt.Fprintf(w, "  - %s\n", m)
	}
}

func newVisualizeCmd(root *rootOptions) *cobra.Command {
	var (
		format    string
		direction string
		layout    string
		depth     int
		maxNodes  int
	)

	cmd := &cobra.Command{
		Use:   "visualize <node-id>",
		Short: "Render the lineage graph of a node",
		Long: `Render the lineage graph of a node as Mermaid, Graphviz DOT,
D3 JSON or a standalone HTML page.

Examples:
  lineage visualize daily_agg --format mermaid
  lineage visualize daily_agg --format dot | dot -Tsvg > lineage.svg
  lineage visualize daily_agg --format html > lineage.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := visualization.ParseFormat(format)
			if err != nil {
				return err
			}
			dir, err := traversal.ParseDirection(direction)
			if err != nil {
				return err
			}
			l, err := visualization.ParseLayout(layout)
			if err != nil {
				return err
			}
			return withRuntime(cmd, root, func(rt *runtime) error {
				g, err := rt.engine.RenderVisualization(cmd.Context(), args[0], lineage.VisualizationRequest{
					Depth:     depth,
					Direction: dir,
					Layout:    l,
					MaxNodes:  maxNodes,
				})
				if err != nil {
					return err
				}
				rendered, err := visualization.Render(g, f)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), rendered)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "mermaid, dot, json or html")
	cmd.Flags().StringVar(&direction, "direction", "both", "upstream, downstream or both")
	cmd.Flags().StringVar(&layout, "layout", "hierarchical", "hierarchical, force or circular")
	cmd.Flags().IntVar(&depth, "depth", 0, "Maximum depth (0 = configured default)")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "Keep only the nearest nodes (0 = all)")
	return cmd
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the integrity of the lineage graph",
		Long: `Check the lineage graph for inactive and failing nodes, relationships
that reference missing nodes, and adjacency index drift.

Exits non-zero when any issue has error severity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, root, func(rt *runtime) error {
				report, err := rt.engine.Checker().CheckGraphHealth(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := printJSON(out, report); err != nil {
						return err
					}
				} else {
					writeHealth(out, report)
				}
				for _, issue := range report.Issues {
					if issue.Severity == health.SeverityError {
						return fmt.Errorf("graph has %d issues", len(report.Issues))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeHealth(w io.Writer, r *health.Report) {
	if r.Healthy() {
		fmt.Fprintf(w, "healthy: %d nodes, %d relationships\n", r.NodeCount, r.RelationshipCount)
		return
	}
	fmt.Fprintf(w, "%d issues in %d nodes, %d relationships\n", len(r.Issues), r.NodeCount, r.RelationshipCount)
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "  [%s] %s: %s\n", issue.Severity, issue.Type, issue.Message)
	}
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print flow statistics of the lineage graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, root, func(rt *runtime) error {
				stats, err := rt.engine.Checker().RefreshFlowStatistics(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}
