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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/health"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Engine) {
	t.Helper()
	e := newTestEngine(t)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(e))
	return router, e
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodGet, "/v1/lineage/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandleStatus(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/lineage/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	st := decode[Status](t, w)
	assert.Equal(t, 3, st.NodeCount)
	assert.Len(t, st.Tasks, 3)
}

func TestHandleNodes(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/lineage/nodes", RegisterNodeRequest{
		ID:   "W",
		Kind: "storage",
		Tags: []string{"b", "a", "b"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	node := decode[graph.DataNode](t, w)
	assert.Equal(t, "W", node.Name, "name defaults to id")
	assert.Equal(t, []string{"a", "b"}, node.Tags)
	assert.Equal(t, graph.StatusActive, node.Status)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doRequest(router, http.MethodGet, "/v1/lineage/nodes/W", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/lineage/nodes?kind=storage", nil)
	list := decode[NodeListResponse](t, w)
	assert.Equal(t, 1, list.Count)

	w = doRequest(router, http.MethodGet, "/v1/lineage/nodes", nil)
	list = decode[NodeListResponse](t, w)
	assert.Equal(t, 4, list.Count)

	w = doRequest(router, http.MethodDelete, "/v1/lineage/nodes/P", nil)
	require.Equal(t, http.StatusOK, w.Code)
	removed := decode[RemoveNodeResponse](t, w)
	assert.Equal(t, []string{"r1", "r2"}, removed.RemovedRelationships)

	w = doRequest(router, http.MethodGet, "/v1/lineage/nodes/P", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, w).Code)
}

func TestHandleRegisterNode_Invalid(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing id", RegisterNodeRequest{Kind: "source"}},
		{"unknown kind", RegisterNodeRequest{ID: "x", Kind: "spreadsheet"}},
		{"empty tag", RegisterNodeRequest{ID: "x", Kind: "source", Tags: []string{""}}},
		{"bad status", RegisterNodeRequest{ID: "x", Kind: "source", Status: "paused"}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/v1/lineage/nodes", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleNodes_LimitExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 3
	e, err := New(cfg)
	require.NoError(t, err)
	_, err = e.Bootstrap(context.Background(), pipelineNodes, pipelineRels)
	require.NoError(t, err)

	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(e))

	w := doRequest(router, http.MethodPost, "/v1/lineage/nodes", RegisterNodeRequest{ID: "extra", Kind: "source"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", decode[ErrorResponse](t, w).Code)
}

func TestHandleRelationships(t *testing.T) {
	router, e := setupTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/lineage/relationships", RegisterRelationshipRequest{
		ID:          "r3",
		SourceID:    "O",
		TargetID:    "S",
		Kind:        "reference",
		Criticality: "low",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rel := decode[graph.Relationship](t, w)
	assert.Equal(t, graph.QualityImpactMedium, rel.QualityImpact)
	assert.Equal(t, 3, e.Store().RelationshipCount())

	w = doRequest(router, http.MethodPost, "/v1/lineage/relationships", RegisterRelationshipRequest{
		ID: "r4", SourceID: "O", TargetID: "S", Kind: "data_flow", Criticality: "extreme",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodDelete, "/v1/lineage/relationships/r3", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doRequest(router, http.MethodDelete, "/v1/lineage/relationships/r3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTrace(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodGet, "/v1/lineage/trace/S?direction=downstream&depth=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[traversal.LineageResult](t, w)
	assert.Equal(t, traversal.DirectionDownstream, res.Direction)
	assert.Nil(t, res.Upstream)
	assert.Equal(t, [][]string{{"S", "P", "O"}}, res.Paths)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/lineage/trace/S?direction=sideways", http.StatusBadRequest},
		{"/v1/lineage/trace/S?depth=-1", http.StatusBadRequest},
		{"/v1/lineage/trace/S?depth=abc", http.StatusBadRequest},
		{"/v1/lineage/trace/S?depth=1000", http.StatusBadRequest},
		{"/v1/lineage/trace/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := doRequest(router, http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.want, w.Code, tt.path)
	}
}

func TestHandleImpact(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodGet, "/v1/lineage/impact/S?change_type=schema_change", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a := decode[impact.Analysis](t, w)
	assert.InDelta(t, 20.0, a.Total.OverallScore, 1e-9)
	assert.Equal(t, impact.LevelMedium, a.Total.CriticalityLevel)

	w = doRequest(router, http.MethodGet, "/v1/lineage/impact/S?change_type=rename", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decode[ErrorResponse](t, w).Code)
}

func TestHandleVisualize(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		query       string
		contentType string
		contains    string
	}{
		{"", "application/json", `"root": "P"`},
		{"?format=mermaid", "text/plain", "flowchart LR"},
		{"?format=dot", "text/plain", "digraph"},
		{"?format=html&layout=force", "text/html", "<html"},
	}
	for _, tt := range tests {
		w := doRequest(router, http.MethodGet, "/v1/lineage/visualize/P"+tt.query, nil)
		require.Equal(t, http.StatusOK, w.Code, tt.query)
		assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), tt.contentType), tt.query)
		assert.Contains(t, w.Body.String(), tt.contains, tt.query)
	}

	w := doRequest(router, http.MethodGet, "/v1/lineage/visualize/P?format=svg", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(router, http.MethodGet, "/v1/lineage/visualize/P?layout=spiral", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChanges(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/lineage/changes", RecordChangeRequest{
		NodeID:      "P",
		ChangeType:  "status_change",
		Actor:       "ops",
		StatusAfter: "inactive",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[RecordChangeResponse](t, w)
	require.NotNil(t, first.Change)
	assert.Equal(t, audit.ValidationCompleted, first.Change.ValidationStatus)
	assert.Empty(t, first.Error)

	w = doRequest(router, http.MethodPost, "/v1/lineage/changes", RecordChangeRequest{NodeID: "S", Fresh: true})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/lineage/changes", nil)
	list := decode[ChangeListResponse](t, w)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "S", list.Changes[0].NodeID, "newest first")

	w = doRequest(router, http.MethodGet, "/v1/lineage/changes?node_id=P&limit=5", nil)
	list = decode[ChangeListResponse](t, w)
	require.Equal(t, 1, list.Count)

	w = doRequest(router, http.MethodGet, "/v1/lineage/changes/"+first.Change.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodGet, "/v1/lineage/changes/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/lineage/changes", RecordChangeRequest{NodeID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doRequest(router, http.MethodPost, "/v1/lineage/changes", RecordChangeRequest{NodeID: "S", ChangeType: "rename"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(router, http.MethodPost, "/v1/lineage/changes", RecordChangeRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// archiveStub serves fixed records as a durable archive.
type archiveStub struct {
	records []*audit.ChangeRecord
	byNode  string
}

func (a *archiveStub) Get(_ context.Context, changeID string) (*audit.ChangeRecord, error) {
	for _, r := range a.records {
		if r.ID == changeID {
			return r, nil
		}
	}
	return nil, graph.NewNotFound("change", changeID)
}

func (a *archiveStub) List(_ context.Context, limit int) ([]*audit.ChangeRecord, error) {
	return a.records, nil
}

func (a *archiveStub) ListByNode(_ context.Context, nodeID string, limit int) ([]*audit.ChangeRecord, error) {
	a.byNode = nodeID
	return a.records[:1], nil
}

func TestHandleListChanges_Archive(t *testing.T) {
	e := newTestEngine(t)
	stub := &archiveStub{records: []*audit.ChangeRecord{
		{ID: "c2", NodeID: "S"},
		{ID: "c1", NodeID: "P"},
	}}
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(e).WithChangeArchive(stub))

	w := doRequest(router, http.MethodGet, "/v1/lineage/changes", nil)
	assert.Equal(t, 2, decode[ChangeListResponse](t, w).Count)

	w = doRequest(router, http.MethodGet, "/v1/lineage/changes?node_id=S", nil)
	assert.Equal(t, 1, decode[ChangeListResponse](t, w).Count)
	assert.Equal(t, "S", stub.byNode)

	// Archived records the in-memory log never saw, as after a restart.
	w = doRequest(router, http.MethodGet, "/v1/lineage/changes/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "P", decode[audit.ChangeRecord](t, w).NodeID)

	w = doRequest(router, http.MethodGet, "/v1/lineage/changes/c9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealthReport(t *testing.T) {
	router, e := setupTestRouter(t)

	_, err := e.RegisterRelationship(context.Background(), graph.Relationship{
		ID: "dangling", SourceID: "O", TargetID: "gone", Kind: graph.RelationshipKindDataFlow,
	})
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/v1/lineage/health/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[health.Report](t, w)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "dangling", report.Issues[0].RelationshipID)

	require.NoError(t, e.RemoveRelationship(context.Background(), "dangling"))

	w = doRequest(router, http.MethodGet, "/v1/lineage/health/report", nil)
	assert.Len(t, decode[health.Report](t, w).Issues, 1, "last report is served")

	w = doRequest(router, http.MethodGet, "/v1/lineage/health/report?refresh=true", nil)
	assert.Empty(t, decode[health.Report](t, w).Issues)
}

func TestHandleStatistics(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, http.MethodGet, "/v1/lineage/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[health.FlowStatistics](t, w)
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 2, stats.TotalRelationships)
	assert.Equal(t, 1, stats.NodesByKind[graph.NodeKindSource])
}

func TestNewRouter_RateLimit(t *testing.T) {
	e := newTestEngine(t)
	router := NewRouter(NewHandlers(e), RouterOptions{
		RateLimit: 0.001,
		RateBurst: 2,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
	})

	for i := 0; i < 2; i++ {
		w := doRequest(router, http.MethodGet, "/v1/lineage/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(router, http.MethodGet, "/v1/lineage/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode[ErrorResponse](t, w).Code)
}

func TestClientRateLimiter(t *testing.T) {
	l := NewClientRateLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "clients are limited independently")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"), "token refilled")

	now = now.Add(DefaultLimiterIdleTTL)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Clients(), "idle clients are dropped")
}
