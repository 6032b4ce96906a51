// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
	"github.com/AleutianAI/AleutianLineage/services/lineage/visualization"
)

// recordingWriter records DefinitionWriter calls.
type recordingWriter struct {
	mu         sync.Mutex
	savedNodes []graph.DataNode
	savedRels  []string
	deleted    []string
	fail       error
}

func (w *recordingWriter) SaveNode(n *graph.DataNode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.savedNodes = append(w.savedNodes, *n)
	return w.fail
}

func (w *recordingWriter) SaveRelationship(r *graph.Relationship) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.savedRels = append(w.savedRels, r.ID)
	return w.fail
}

func (w *recordingWriter) DeleteNode(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, "node:"+id)
	return w.fail
}

func (w *recordingWriter) DeleteRelationship(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, "rel:"+id)
	return w.fail
}

type memorySink struct {
	mu      sync.Mutex
	records []*audit.ChangeRecord
}

func (s *memorySink) Append(_ context.Context, r *audit.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var pipelineNodes = []graph.DataNode{
	{ID: "S", Name: "Orders source", Kind: graph.NodeKindSource},
	{ID: "P", Name: "Cleaner", Kind: graph.NodeKindProcess},
	{ID: "O", Name: "Dashboard", Kind: graph.NodeKindOutput},
}

var pipelineRels = []graph.Relationship{
	{ID: "r1", SourceID: "S", TargetID: "P", Kind: graph.RelationshipKindDataFlow,
		Criticality: graph.CriticalityCritical, QualityImpact: graph.QualityImpactHigh},
	{ID: "r2", SourceID: "P", TargetID: "O", Kind: graph.RelationshipKindDataFlow,
		Criticality: graph.CriticalityHigh, QualityImpact: graph.QualityImpactMedium},
}

// newTestEngine returns an engine bootstrapped with S -> P -> O.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	res, err := e.Bootstrap(context.Background(), pipelineNodes, pipelineRels)
	require.NoError(t, err)
	require.Equal(t, BootstrapResult{Nodes: 3, Relationships: 2}, res)
	return e
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"zero cache size", func(c *Config) { c.CacheMaxEntries = 0 }},
		{"default depth over limit", func(c *Config) { c.DefaultMaxDepth = c.MaxDepthLimit + 1 }},
		{"indirect depth zero", func(c *Config) { c.IndirectDepth = 0 }},
		{"negative task timeout", func(c *Config) { c.TaskTimeout = -time.Second }},
		{"zero health interval", func(c *Config) { c.HealthCheckInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, graph.ErrInvalidArgument)
		})
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestEngine_AnalyzeImpact(t *testing.T) {
	e := newTestEngine(t)

	a, err := e.AnalyzeImpact(context.Background(), "S", impact.ChangeTypeSchema)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, a.Direct.Score, 1e-9)
	assert.InDelta(t, 5.0, a.Indirect.Score, 1e-9)
	assert.InDelta(t, 20.0, a.Total.OverallScore, 1e-9)
	assert.Equal(t, impact.LevelMedium, a.Total.CriticalityLevel)

	_, err = e.AnalyzeImpact(context.Background(), "missing", impact.ChangeTypeData)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestEngine_TraceLineage(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.TraceLineage(context.Background(), "P", traversal.DirectionBoth, 3)
	require.NoError(t, err)
	require.NotNil(t, res.Upstream)
	require.NotNil(t, res.Downstream)

	var up, down []string
	res.Upstream.Walk(func(b *traversal.Branch) { up = append(up, b.Node.ID) })
	res.Downstream.Walk(func(b *traversal.Branch) { down = append(down, b.Node.ID) })
	assert.Equal(t, []string{"S"}, up)
	assert.Equal(t, []string{"O"}, down)

	_, err = e.TraceLineage(context.Background(), "P", traversal.DirectionBoth, 99)
	assert.ErrorIs(t, err, traversal.ErrInvalidDepth)
}

func TestEngine_RegisterRelationshipInvalidatesAncestors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)
	_, err = e.AnalyzeImpact(ctx, "O", impact.ChangeTypeData)
	require.NoError(t, err)
	require.Equal(t, 2, e.Analyzer().Cache().Len())

	_, err = e.RegisterNode(ctx, graph.DataNode{ID: "X", Kind: graph.NodeKindOutput})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Analyzer().Cache().Len(), "an unconnected node affects nothing")

	_, err = e.RegisterRelationship(ctx, graph.Relationship{
		ID: "r3", SourceID: "P", TargetID: "X", Kind: graph.RelationshipKindDataFlow,
		Criticality: graph.CriticalityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Analyzer().Cache().Len(), "S reaches P and is dropped; O is not upstream")

	a, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Total.AffectedNodeCount)
}

func TestEngine_RegisterNodeResolvesDangling(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RegisterRelationship(ctx, graph.Relationship{
		ID: "r3", SourceID: "O", TargetID: "later", Kind: graph.RelationshipKindDataFlow,
	})
	require.NoError(t, err)

	before, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, before.DanglingRelationships)

	_, err = e.RegisterNode(ctx, graph.DataNode{ID: "later", Kind: graph.NodeKindOutput})
	require.NoError(t, err)

	after, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)
	assert.Empty(t, after.DanglingRelationships)
	assert.Equal(t, 3, after.Total.AffectedNodeCount)
}

func TestEngine_RemoveNode(t *testing.T) {
	w := &recordingWriter{}
	e := newTestEngine(t, WithDefinitionWriter(w))
	ctx := context.Background()

	_, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)

	removed, err := e.RemoveNode(ctx, "O")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, removed)
	assert.Zero(t, e.Analyzer().Cache().Len())
	assert.Equal(t, []string{"node:O", "rel:r2"}, w.deleted)

	a, err := e.AnalyzeImpact(ctx, "S", impact.ChangeTypeData)
	require.NoError(t, err)
	assert.Empty(t, a.Indirect.AffectedNodes)

	_, err = e.RemoveNode(ctx, "O")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestEngine_RemoveRelationship(t *testing.T) {
	w := &recordingWriter{}
	e := newTestEngine(t, WithDefinitionWriter(w))
	ctx := context.Background()

	require.NoError(t, e.RemoveRelationship(ctx, "r1"))
	assert.Equal(t, []string{"rel:r1"}, w.deleted)
	assert.ErrorIs(t, e.RemoveRelationship(ctx, "r1"), graph.ErrNotFound)
}

func TestEngine_Persistence(t *testing.T) {
	w := &recordingWriter{}
	e := newTestEngine(t, WithDefinitionWriter(w))
	assert.Empty(t, w.savedNodes, "bootstrap does not persist")

	ctx := context.Background()
	n, err := e.RegisterNode(ctx, graph.DataNode{ID: "P", Kind: graph.NodeKindProcess, Owner: "data"})
	require.NoError(t, err)
	assert.Equal(t, 2, n.Version)
	require.Len(t, w.savedNodes, 1)
	assert.Equal(t, "data", w.savedNodes[0].Owner)

	_, err = e.RegisterRelationship(ctx, pipelineRels[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, w.savedRels)

	// Persistence failures do not fail the mutation.
	w.fail = errors.New("disk full")
	_, err = e.RegisterNode(ctx, graph.DataNode{ID: "Y", Kind: graph.NodeKindStorage})
	assert.NoError(t, err)
	assert.True(t, e.Store().HasNode("Y"))

	_, err = e.RegisterNode(ctx, graph.DataNode{ID: "bad", Kind: "spreadsheet"})
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestEngine_RecordChange(t *testing.T) {
	w := &recordingWriter{}
	sink := &memorySink{}
	e := newTestEngine(t, WithDefinitionWriter(w), WithChangeSink(sink))
	ctx := context.Background()

	rec, err := e.RecordChange(ctx, "P", audit.ChangeDetails{
		ChangeType:  impact.ChangeTypeStatus,
		Actor:       "ops",
		StatusAfter: graph.StatusInactive,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.ValidationCompleted, rec.ValidationStatus)
	require.NotNil(t, rec.Impact)
	assert.Equal(t, impact.ChangeTypeStatus, rec.Impact.ChangeType)
	assert.Equal(t, 1, sink.Len())

	node, err := e.Store().GetNode("P")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusInactive, node.Status)
	require.Len(t, w.savedNodes, 1)
	assert.Equal(t, graph.StatusInactive, w.savedNodes[0].Status)

	// No status change, nothing persisted.
	_, err = e.RecordChange(ctx, "P", audit.ChangeDetails{ChangeType: impact.ChangeTypeData}, audit.WithFreshAnalysis())
	require.NoError(t, err)
	assert.Len(t, w.savedNodes, 1)
	assert.Equal(t, 2, e.AuditLog().Len())

	rec, err = e.RecordChange(ctx, "missing", audit.ChangeDetails{})
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.Nil(t, rec)
}

func TestEngine_RenderVisualization(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	g, err := e.RenderVisualization(ctx, "P", VisualizationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "P", g.Root)
	assert.Equal(t, visualization.LayoutHierarchical, g.Layout)
	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 2)

	s, ok := g.Node("S")
	require.True(t, ok)
	assert.Equal(t, -1, s.Level)

	g, err = e.RenderVisualization(ctx, "S", VisualizationRequest{
		Direction: traversal.DirectionDownstream,
		Layout:    visualization.LayoutCircular,
		MaxNodes:  2,
	})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.Equal(t, 1, g.Omitted)

	_, err = e.RenderVisualization(ctx, "S", VisualizationRequest{Layout: "spiral"})
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestEngine_StartStop(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	assert.Eventually(t, func() bool {
		_, ok := e.Checker().Statistics()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "statistics refresh runs on start")

	st := e.GetStatus()
	assert.True(t, st.Running)
	assert.Equal(t, 3, st.NodeCount)
	assert.Equal(t, 2, st.RelationshipCount)
	assert.Equal(t, 3, st.ActiveTasks)
	require.Len(t, st.Tasks, 3)

	require.NoError(t, e.Scheduler().RunNow(ctx, TaskHealthCheck))
	st = e.GetStatus()
	require.NotNil(t, st.LastHealthCheck)
	assert.Zero(t, st.HealthIssues)

	e.Stop()
	assert.False(t, e.GetStatus().Running)
}

func TestEngine_Events(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[events.Type]int{}
	e.Events().Subscribe(func(ev *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Type]++
	})

	_, err := e.RecordChange(ctx, "S", audit.ChangeDetails{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.TypeChangeRecorded] == 1 && seen[events.TypeImpactAnalyzed] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_BootstrapCancelled(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Bootstrap(ctx, pipelineNodes, pipelineRels)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Nodes)
}
