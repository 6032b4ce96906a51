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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
)

const definitionsYAML = `
nodes:
  - id: meter
    kind: source
    owner: ops
  - id: agg
    kind: process
  - id: report
    kind: output
relationships:
  - id: meter_to_agg
    source: meter
    target: agg
    kind: data_flow
    criticality: critical
    data_quality_impact: high
  - id: agg_to_report
    source: agg
    target: report
    kind: data_consumption
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// run executes the CLI and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadAppConfig(t *testing.T) {
	path := writeFile(t, "lineage.yaml", `
server:
  addr: ":9999"
storage:
  path: /tmp/lineage-data
engine:
  cache_ttl: 30m
  indirect_depth: 3
`)
	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "/tmp/lineage-data", cfg.Storage.Path)
	assert.Equal(t, 30*time.Minute, cfg.Engine.CacheTTL)
	assert.Equal(t, 3, cfg.Engine.IndirectDepth)
	assert.Equal(t, 25, cfg.Engine.MaxDepthLimit, "unset fields keep defaults")
	assert.Equal(t, 200, cfg.Server.RateBurst)
}

func TestLoadAppConfig_Env(t *testing.T) {
	t.Setenv("LINEAGE_ADDR", ":7000")
	t.Setenv("LINEAGE_CACHE_TTL", "5m")
	t.Setenv("LINEAGE_WATCH", "true")

	cfg, err := LoadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Engine.CacheTTL)
	assert.True(t, cfg.Definitions.Watch)

	t.Setenv("LINEAGE_RATE_LIMIT", "fast")
	_, err = LoadAppConfig("")
	assert.ErrorContains(t, err, "LINEAGE_RATE_LIMIT")
}

func TestLoadAppConfig_Errors(t *testing.T) {
	_, err := LoadAppConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadAppConfig(writeFile(t, "bad.yaml", "server:\n  port: 80\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lineage 0.1.0\n", out)
}

func TestTraceCmd(t *testing.T) {
	defs := writeFile(t, "defs.yaml", definitionsYAML)

	out, err := run(t, "trace", "meter", "--definitions", defs, "--direction", "downstream")
	require.NoError(t, err)
	assert.Contains(t, out, "meter -> agg -> report")

	out, err = run(t, "trace", "agg", "-d", defs, "--json")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Contains(t, res, "upstream_tree")
	assert.Contains(t, res, "downstream_tree")

	_, err = run(t, "trace", "nope", "-d", defs)
	assert.Error(t, err)

	_, err = run(t, "trace", "meter")
	assert.ErrorContains(t, err, "no definitions")
}

func TestImpactCmd(t *testing.T) {
	defs := writeFile(t, "defs.yaml", definitionsYAML)

	out, err := run(t, "impact", "meter", "-d", defs, "--change-type", "schema_change", "--json")
	require.NoError(t, err)
	var a impact.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, impact.ChangeTypeSchema, a.ChangeType)
	assert.Equal(t, 2, a.Total.AffectedNodeCount)

	out, err = run(t, "impact", "meter", "-d", defs)
	require.NoError(t, err)
	assert.Contains(t, out, "Impact of data_change on meter")

	_, err = run(t, "impact", "meter", "-d", defs, "--change-type", "rename")
	assert.Error(t, err)
}

func TestVisualizeCmd(t *testing.T) {
	defs := writeFile(t, "defs.yaml", definitionsYAML)

	out, err := run(t, "visualize", "agg", "-d", defs)
	require.NoError(t, err)
	assert.Contains(t, out, "flowchart LR")

	out, err = run(t, "visualize", "agg", "-d", defs, "--format", "dot")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
}

func TestHealthAndStatsCmd(t *testing.T) {
	defs := writeFile(t, "defs.yaml", definitionsYAML)

	out, err := run(t, "health", "-d", defs)
	require.NoError(t, err)
	assert.Contains(t, out, "healthy: 3 nodes, 2 relationships")

	broken := writeFile(t, "broken.yaml", definitionsYAML+`  - id: dangling
    source: report
    target: archive
    kind: data_flow
`)
	out, err = run(t, "health", "-d", broken)
	assert.Error(t, err)
	assert.Contains(t, out, "broken_relationship")

	out, err = run(t, "stats", "-d", defs)
	require.NoError(t, err)
	assert.Contains(t, out, `"total_nodes": 3`)
}

func TestImportThenQuery(t *testing.T) {
	defs := writeFile(t, "defs.yaml", definitionsYAML)
	dataDir := t.TempDir()

	out, err := run(t, "import", defs, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "valid: 3 nodes, 2 relationships")

	_, err = run(t, "import", defs)
	assert.ErrorContains(t, err, "no data directory")

	out, err = run(t, "import", defs, "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 nodes, 2 relationships")

	out, err = run(t, "trace", "meter", "--data-dir", dataDir, "--direction", "downstream")
	require.NoError(t, err)
	assert.Contains(t, out, "meter -> agg -> report")
}
