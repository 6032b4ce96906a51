// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err, "path required on disk")

	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	db, err := Open(cfg)
	require.NoError(t, err)

	defs := NewDefinitionStore(db)
	require.NoError(t, defs.SaveNode(&graph.DataNode{ID: "meter", Kind: graph.NodeKindSource}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	n, err := NewDefinitionStore(db).GetNode("meter")
	require.NoError(t, err)
	assert.Equal(t, graph.NodeKindSource, n.Kind)
}

func TestDefinitionStore(t *testing.T) {
	defs := NewDefinitionStore(openTestDB(t))
	ctx := context.Background()

	nodes := []graph.DataNode{
		{ID: "report", Kind: graph.NodeKindOutput, Tags: []string{"finance"}},
		{ID: "meter", Kind: graph.NodeKindSource, Schema: graph.Payload{Kind: "table", Version: 2, Data: json.RawMessage(`{"cols":["kwh"]}`)}},
	}
	rels := []graph.Relationship{
		{ID: "r1", SourceID: "meter", TargetID: "report", Kind: graph.RelationshipKindDataFlow, Criticality: graph.CriticalityHigh},
	}
	require.NoError(t, defs.SaveAll(ctx, nodes, rels))

	gotNodes, gotRels, err := defs.Load(ctx)
	require.NoError(t, err)
	require.Len(t, gotNodes, 2)
	assert.Equal(t, "meter", gotNodes[0].ID, "ordered by id")
	assert.JSONEq(t, `{"cols":["kwh"]}`, string(gotNodes[0].Schema.Data))
	assert.Equal(t, []string{"finance"}, gotNodes[1].Tags)
	require.Len(t, gotRels, 1)
	assert.Equal(t, graph.CriticalityHigh, gotRels[0].Criticality)

	require.NoError(t, defs.DeleteNode("report"))
	require.NoError(t, defs.DeleteRelationship("r1"))
	require.NoError(t, defs.DeleteNode("never-saved"))

	_, err = defs.GetNode("report")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	gotNodes, gotRels, err = defs.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, gotNodes, 1)
	assert.Empty(t, gotRels)
}

func TestDefinitionStore_SaveSingle(t *testing.T) {
	defs := NewDefinitionStore(openTestDB(t))
	require.NoError(t, defs.SaveRelationship(&graph.Relationship{ID: "r", SourceID: "a", TargetID: "b", Kind: graph.RelationshipKindReference}))

	_, rels, err := defs.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, graph.RelationshipKindReference, rels[0].Kind)
}

func record(id, node string, ts time.Time) *audit.ChangeRecord {
	return &audit.ChangeRecord{
		ID:               id,
		NodeID:           node,
		ChangeType:       impact.ChangeTypeSchema,
		ChangedFields:    []string{"kwh"},
		Timestamp:        ts,
		ValidationStatus: audit.ValidationCompleted,
		Impact: &impact.Analysis{
			NodeID:     node,
			ChangeType: impact.ChangeTypeSchema,
		},
	}
}

func TestChangeArchive(t *testing.T) {
	archive := NewChangeArchive(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.Append(ctx, record("c1", "meter", base)))
	require.NoError(t, archive.Append(ctx, record("c2", "agg", base.Add(time.Minute))))
	require.NoError(t, archive.Append(ctx, record("c3", "meter", base.Add(2*time.Minute))))
	// A node whose id extends another must not leak into its listing.
	require.NoError(t, archive.Append(ctx, record("c4", "meter2", base.Add(3*time.Minute))))

	all, err := archive.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "c4", all[0].ID, "newest first")
	assert.Equal(t, "c1", all[3].ID)
	assert.True(t, base.Equal(all[3].Timestamp))
	require.NotNil(t, all[3].Impact)
	assert.Equal(t, impact.ChangeTypeSchema, all[3].Impact.ChangeType)

	limited, err := archive.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	meter, err := archive.ListByNode(ctx, "meter", 0)
	require.NoError(t, err)
	require.Len(t, meter, 2)
	assert.Equal(t, "c3", meter[0].ID)
	assert.Equal(t, "c1", meter[1].ID)

	none, err := archive.ListByNode(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := archive.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := archive.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "agg", got.NodeID)

	_, err = archive.Get(ctx, "c9")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestChangeArchive_Rejects(t *testing.T) {
	archive := NewChangeArchive(openTestDB(t))

	err := archive.Append(context.Background(), &audit.ChangeRecord{NodeID: "meter"})
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, archive.Append(ctx, record("c1", "meter", time.Now())), context.Canceled)
}
