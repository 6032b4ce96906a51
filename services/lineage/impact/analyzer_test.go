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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *graph.Store
	clock    *testClock
	recorder *events.Recorder
	analyzer *Analyzer
}

// newFixture builds the S -> P -> O pipeline:
//
//	r1: S -> P  critical / high
//	r2: P -> O  high / medium
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    graph.NewStore(),
		clock:    &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		recorder: events.NewRecorder(),
	}
	for _, n := range []graph.DataNode{
		{ID: "S", Name: "Orders source", Kind: graph.NodeKindSource},
		{ID: "P", Name: "Cleaner", Kind: graph.NodeKindProcess},
		{ID: "O", Name: "Dashboard", Kind: graph.NodeKindOutput},
	} {
		_, err := f.store.RegisterNode(n)
		require.NoError(t, err)
	}
	f.addRel(t, "r1", "S", "P", graph.CriticalityCritical, graph.QualityImpactHigh)
	f.addRel(t, "r2", "P", "O", graph.CriticalityHigh, graph.QualityImpactMedium)

	c := cache.New[*Analysis](cache.WithClock(f.clock.Now), cache.WithTTL(time.Hour))
	all := append([]Option{WithCache(c), WithPublisher(f.recorder)}, opts...)
	f.analyzer = NewAnalyzer(traversal.NewTracer(f.store), all...)
	return f
}

func (f *fixture) addRel(t *testing.T, id, src, dst string, c graph.Criticality, q graph.QualityImpact) {
	t.Helper()
	_, err := f.store.RegisterRelationship(graph.Relationship{
		ID:            id,
		SourceID:      src,
		TargetID:      dst,
		Kind:          graph.RelationshipKindDataFlow,
		Criticality:   c,
		QualityImpact: q,
	})
	require.NoError(t, err)
}

func nodeIDs(nodes []AffectedNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	return out
}

func TestAnalyzeImpact_Pipeline(t *testing.T) {
	f := newFixture(t)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeSchema)
	require.NoError(t, err)

	assert.Equal(t, "S", a.NodeID)
	assert.Equal(t, ChangeTypeSchema, a.ChangeType)

	assert.Equal(t, []string{"P"}, nodeIDs(a.Direct.AffectedNodes))
	assert.Equal(t, []string{"r1"}, a.Direct.AffectedRelationships)
	assert.InDelta(t, 15.0, a.Direct.Score, 1e-9)
	assert.Equal(t, 1, a.Direct.AffectedNodes[0].Depth)
	assert.Equal(t, graph.CriticalityCritical, a.Direct.AffectedNodes[0].Criticality)

	assert.Equal(t, []string{"O"}, nodeIDs(a.Indirect.AffectedNodes))
	assert.Equal(t, []string{"r2"}, a.Indirect.AffectedRelationships)
	assert.Equal(t, 2, a.Indirect.AffectedNodes[0].Depth)
	assert.InDelta(t, 10.0, a.Indirect.RawScore, 1e-9)
	assert.InDelta(t, 5.0, a.Indirect.Score, 1e-9)
	assert.Equal(t, DefaultPolicy().IndirectDepth, a.Indirect.Depth)

	assert.InDelta(t, 20.0, a.Total.OverallScore, 1e-9)
	assert.Equal(t, 2, a.Total.AffectedNodeCount)
	assert.Equal(t, 2, a.Total.AffectedRelationshipCount)
	assert.Equal(t, LevelMedium, a.Total.CriticalityLevel)

	assert.Equal(t, []string{MitigationMonitoring}, a.MitigationStrategies)
	assert.Equal(t, DefaultRollbackPlan, a.RollbackPlan)

	assert.Equal(t, f.clock.Now(), a.CachedAt)
	assert.Equal(t, time.Hour, a.TTL)
	assert.Equal(t, f.clock.Now().Add(time.Hour), a.ExpiresAt())
}

func TestAnalyzeImpact_EmptyChangeTypeIsData(t *testing.T) {
	f := newFixture(t)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", "")
	require.NoError(t, err)
	assert.Equal(t, ChangeTypeData, a.ChangeType)

	// Served from the same cache entry as an explicit data_change.
	b, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, a.CachedAt, b.CachedAt)
	assert.Equal(t, 1, f.recorder.Count(events.TypeImpactAnalyzed))
}

func TestAnalyzeImpact_CachedWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)

	// A new critical relationship is invisible while the entry is fresh.
	require.NoError(t, registerNode(f.store, "X"))
	f.addRel(t, "r3", "S", "X", graph.CriticalityCritical, graph.QualityImpactHigh)

	f.clock.Advance(59 * time.Minute)
	second, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.CachedAt, second.CachedAt)
	assert.Equal(t, 1, f.recorder.Count(events.TypeImpactAnalyzed))
}

func TestAnalyzeImpact_RecomputedAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)

	require.NoError(t, registerNode(f.store, "X"))
	f.addRel(t, "r3", "S", "X", graph.CriticalityCritical, graph.QualityImpactHigh)

	f.clock.Advance(time.Hour)
	second, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)

	assert.True(t, second.CachedAt.After(first.CachedAt))
	assert.ElementsMatch(t, []string{"P", "X"}, nodeIDs(second.Direct.AffectedNodes))
	assert.InDelta(t, 30.0, second.Direct.Score, 1e-9)
	assert.Equal(t, 2, f.recorder.Count(events.TypeImpactAnalyzed))
}

func TestAnalyzeImpact_MonotonicInRelationships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.analyzer.Compute(ctx, "S", ChangeTypeData)
	require.NoError(t, err)

	require.NoError(t, registerNode(f.store, "X"))
	f.addRel(t, "r3", "S", "X", graph.CriticalityCritical, graph.QualityImpactHigh)

	after, err := f.analyzer.Compute(ctx, "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Greater(t, after.Total.OverallScore, before.Total.OverallScore)
	assert.Greater(t, after.Total.AffectedNodeCount, before.Total.AffectedNodeCount)
	assert.True(t, after.CachedAt.IsZero(), "Compute does not stamp the cache time")
}

func TestAnalyzeImpact_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.analyzer.AnalyzeImpact(context.Background(), "ghost", ChangeTypeData)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.Equal(t, 0, f.analyzer.Cache().Len(), "failures are not cached")
	assert.Zero(t, f.recorder.Count(events.TypeImpactAnalyzed))
}

func TestAnalyzeImpact_InvalidChangeType(t *testing.T) {
	f := newFixture(t)

	_, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeType("rename"))
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestAnalyzeImpact_LeafHasNoImpact(t *testing.T) {
	f := newFixture(t)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "O", ChangeTypeRemoval)
	require.NoError(t, err)
	assert.Empty(t, a.Direct.AffectedNodes)
	assert.NotNil(t, a.Direct.AffectedNodes)
	assert.Empty(t, a.Indirect.AffectedNodes)
	assert.Zero(t, a.Total.OverallScore)
	assert.Equal(t, LevelLow, a.Total.CriticalityLevel)
	assert.Equal(t, []string{MitigationMonitoring}, a.MitigationStrategies)
}

func TestAnalyzeImpact_HighFanOut(t *testing.T) {
	f := newFixture(t)

	// S fans out to 6 more outputs: 7 direct nodes in total.
	for i := range 6 {
		id := fmt.Sprintf("out%d", i)
		require.NoError(t, registerNode(f.store, id))
		f.addRel(t, "f"+id, "S", id, graph.CriticalityCritical, graph.QualityImpactHigh)
	}

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)

	// 7 × 15 direct + 10 × 0.5 indirect.
	assert.InDelta(t, 110.0, a.Total.OverallScore, 1e-9)
	assert.Equal(t, 8, a.Total.AffectedNodeCount)
	assert.Equal(t, LevelHigh, a.Total.CriticalityLevel)
	assert.Equal(t, []string{
		MitigationStagedRollout,
		MitigationBackup,
		MitigationParallelTest,
		MitigationMonitoring,
	}, a.MitigationStrategies)
}

func TestAnalyzeImpact_ParallelTestingWithoutHighLevel(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{
		CriticalityWeights:   map[graph.Criticality]float64{},
		QualityWeights:       map[graph.QualityImpact]float64{},
		IndirectDiscount:     0.5,
		IndirectDepth:        5,
		HighScore:            50,
		HighNodes:            100,
		MediumScore:          20,
		MediumNodes:          100,
		ParallelTestingNodes: 5,
	}))
	for i := range 5 {
		id := fmt.Sprintf("out%d", i)
		require.NoError(t, registerNode(f.store, id))
		f.addRel(t, "f"+id, "S", id, graph.CriticalityLow, graph.QualityImpactLow)
	}

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, LevelLow, a.Total.CriticalityLevel)
	assert.Equal(t, []string{MitigationParallelTest, MitigationMonitoring}, a.MitigationStrategies)
}

func TestAnalyzeImpact_SelfLoopAndDiamond(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, registerNode(f.store, "Q"))
	f.addRel(t, "self", "S", "S", graph.CriticalityLow, graph.QualityImpactLow)
	f.addRel(t, "r4", "S", "Q", graph.CriticalityLow, graph.QualityImpactLow)
	f.addRel(t, "r5", "Q", "O", graph.CriticalityLow, graph.QualityImpactLow)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"P", "Q"}, nodeIDs(a.Direct.AffectedNodes))
	assert.ElementsMatch(t, []string{"r1", "self", "r4"}, a.Direct.AffectedRelationships)
	assert.Equal(t, []string{"O"}, nodeIDs(a.Indirect.AffectedNodes), "O counted once")
	assert.ElementsMatch(t, []string{"r2", "r5"}, a.Indirect.AffectedRelationships)
	assert.Equal(t, 3, a.Total.AffectedNodeCount)
}

func TestAnalyzeImpact_DanglingRelationship(t *testing.T) {
	f := newFixture(t)
	f.addRel(t, "dangle", "S", "nowhere", graph.CriticalityCritical, graph.QualityImpactHigh)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, []string{"dangle"}, a.DanglingRelationships)
	assert.InDelta(t, 15.0, a.Direct.Score, 1e-9)
}

func TestAnalyzeImpact_ResultsArePrivateCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)
	a.Direct.AffectedNodes[0].NodeID = "mutated"
	a.MitigationStrategies = nil

	b, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, "P", b.Direct.AffectedNodes[0].NodeID)
	assert.NotEmpty(t, b.MitigationStrategies)
}

func TestAnalyzeImpact_EventCarriesAnalysis(t *testing.T) {
	f := newFixture(t)

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)

	evts := f.recorder.ByType(events.TypeImpactAnalyzed)
	require.Len(t, evts, 1)
	payload, ok := evts[0].Data.(*Analysis)
	require.True(t, ok)
	assert.Equal(t, a, payload)
}

func TestAnalyzer_InvalidateNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeData)
	require.NoError(t, err)
	_, err = f.analyzer.AnalyzeImpact(ctx, "S", ChangeTypeSchema)
	require.NoError(t, err)
	_, err = f.analyzer.AnalyzeImpact(ctx, "P", ChangeTypeData)
	require.NoError(t, err)

	assert.Equal(t, 2, f.analyzer.InvalidateNode("S"))
	assert.Equal(t, 1, f.analyzer.Cache().Len())

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.analyzer.Sweep(ctx))
}

// gatedTracer finishes its walk, then holds the result until released.
type gatedTracer struct {
	inner   DownstreamTracer
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTracer) TraceDownstream(ctx context.Context, nodeID string, maxDepth int) (*traversal.Tree, error) {
	tree, err := g.inner.TraceDownstream(ctx, nodeID, maxDepth)
	gated := false
	g.once.Do(func() { gated = true })
	if gated {
		close(g.started)
		<-g.release
	}
	return tree, err
}

func TestAnalyzeImpact_MutationDuringComputeNotCached(t *testing.T) {
	f := newFixture(t)
	gate := &gatedTracer{
		inner:   traversal.NewTracer(f.store),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := cache.New[*Analysis](cache.WithClock(f.clock.Now), cache.WithTTL(time.Hour))
	analyzer := NewAnalyzer(gate, WithCache(c), WithPublisher(f.recorder))

	done := make(chan *Analysis, 1)
	go func() {
		a, err := analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
		if err != nil {
			done <- nil
			return
		}
		done <- a
	}()

	<-gate.started
	require.NoError(t, registerNode(f.store, "Z"))
	f.addRel(t, "r3", "S", "Z", graph.CriticalityCritical, graph.QualityImpactHigh)
	analyzer.InvalidateNode("S")
	close(gate.release)

	before := <-done
	require.NotNil(t, before)
	assert.InDelta(t, 20.0, before.Total.OverallScore, 1e-9)

	after, err := analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)
	assert.InDelta(t, 35.0, after.Total.OverallScore, 1e-9)
	assert.Equal(t, int64(1), c.Stats().Discarded)
}

func TestPolicy_HighBoundaryMitigations(t *testing.T) {
	// X -> A, X -> B critical/high (15 each), X -> C, X -> D high/medium (10 each).
	store := graph.NewStore()
	for _, id := range []string{"X", "A", "B", "C", "D"} {
		require.NoError(t, registerNode(store, id))
	}
	for _, r := range []struct {
		id, dst string
		c       graph.Criticality
		q       graph.QualityImpact
	}{
		{"xa", "A", graph.CriticalityCritical, graph.QualityImpactHigh},
		{"xb", "B", graph.CriticalityCritical, graph.QualityImpactHigh},
		{"xc", "C", graph.CriticalityHigh, graph.QualityImpactMedium},
		{"xd", "D", graph.CriticalityHigh, graph.QualityImpactMedium},
	} {
		_, err := store.RegisterRelationship(graph.Relationship{
			ID: r.id, SourceID: "X", TargetID: r.dst,
			Kind: graph.RelationshipKindDataFlow, Criticality: r.c, QualityImpact: r.q,
		})
		require.NoError(t, err)
	}

	a, err := NewAnalyzer(traversal.NewTracer(store)).AnalyzeImpact(context.Background(), "X", ChangeTypeData)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, a.Total.OverallScore, 1e-9)
	assert.Equal(t, LevelMedium, a.Total.CriticalityLevel)
	assert.Equal(t, []string{MitigationMonitoring}, a.MitigationStrategies)
}

func TestWithRollbackPlan(t *testing.T) {
	plan := []string{"Pause ingestion", "Restore snapshot"}
	f := newFixture(t, WithRollbackPlan(plan))

	a, err := f.analyzer.AnalyzeImpact(context.Background(), "S", ChangeTypeData)
	require.NoError(t, err)
	assert.Equal(t, plan, a.RollbackPlan)

	plan[0] = "changed"
	assert.Equal(t, "Pause ingestion", f.analyzer.Policy().RollbackPlan[0])
}

func TestPolicy_Level(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		score float64
		nodes int
		want  Level
	}{
		{0, 0, LevelLow},
		{19.9, 5, LevelLow},
		{20, 0, LevelMedium},
		{0, 6, LevelMedium},
		{49.9, 10, LevelMedium},
		{50, 0, LevelMedium},
		{50.5, 0, LevelHigh},
		{0, 11, LevelHigh},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%d", tt.score, tt.nodes), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Level(tt.score, tt.nodes))
		})
	}
}

func TestParseChangeType(t *testing.T) {
	for _, c := range ChangeTypes {
		got, err := ParseChangeType(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := ParseChangeType("")
	require.NoError(t, err)
	assert.Equal(t, ChangeTypeData, got)

	_, err = ParseChangeType("bogus")
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func registerNode(s *graph.Store, id string) error {
	_, err := s.RegisterNode(graph.DataNode{ID: id, Kind: graph.NodeKindOutput})
	return err
}
