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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
	"github.com/AleutianAI/AleutianLineage/services/lineage/visualization"
)

// ChangeReader lists durable change records. *badger.ChangeArchive
// implements it.
type ChangeReader interface {
	Get(ctx context.Context, changeID string) (*audit.ChangeRecord, error)
	List(ctx context.Context, limit int) ([]*audit.ChangeRecord, error)
	ListByNode(ctx context.Context, nodeID string, limit int) ([]*audit.ChangeRecord, error)
}

// Handlers contains the HTTP handlers for the lineage engine.
type Handlers struct {
	engine  *Engine
	changes ChangeReader
}

// NewHandlers creates handlers for the given engine.
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// WithChangeArchive serves GET /v1/lineage/changes and /changes/:id from a
// durable archive instead of the in-memory audit log.
func (h *Handlers) WithChangeArchive(r ChangeReader) *Handlers {
	h.changes = r
	return h
}

// HandleHealth handles GET /v1/lineage/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleStatus handles GET /v1/lineage/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, h.engine.GetStatus())
}

// HandleListNodes handles GET /v1/lineage/nodes.
//
// Query Parameters:
//
//	kind, category, owner, status, tag - Optional exact-match filters
//
// Response:
//
//	200 OK: NodeListResponse
func (h *Handlers) HandleListNodes(c *gin.Context) {
	getOrCreateRequestID(c)
	nodes := h.engine.Store().ListNodes(graph.NodeFilter{
		Kind:     graph.NodeKind(c.Query("kind")),
		Category: c.Query("category"),
		Owner:    c.Query("owner"),
		Status:   graph.Status(c.Query("status")),
		Tag:      c.Query("tag"),
	})
	c.JSON(http.StatusOK, NodeListResponse{Nodes: nodes, Count: len(nodes)})
}

// HandleGetNode handles GET /v1/lineage/nodes/:id.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetNode")

	node, err := h.engine.Store().GetNode(c.Param("id"))
	if err != nil {
		writeError(c, logger, err, "GET_NODE_FAILED")
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleRegisterNode handles POST /v1/lineage/nodes.
//
// Description:
//
//	Adds or replaces a node. Replacing bumps the node version and
//	invalidates cached impact analyses that can reach it.
//
// Request Body:
//
//	RegisterNodeRequest
//
// Response:
//
//	201 Created: graph.DataNode
//	400 Bad Request: Validation error
//	409 Conflict: Node limit reached
func (h *Handlers) HandleRegisterNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRegisterNode")

	var req RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	node, err := h.engine.RegisterNode(c.Request.Context(), req.node())
	if err != nil {
		writeError(c, logger, err, "REGISTER_NODE_FAILED")
		return
	}
	logger.Info("Node registered", "node_id", node.ID, "version", node.Version)
	c.JSON(http.StatusCreated, node)
}

// HandleRemoveNode handles DELETE /v1/lineage/nodes/:id.
func (h *Handlers) HandleRemoveNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRemoveNode")

	id := c.Param("id")
	removed, err := h.engine.RemoveNode(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err, "REMOVE_NODE_FAILED")
		return
	}
	logger.Info("Node removed", "node_id", id, "relationships", len(removed))
	c.JSON(http.StatusOK, RemoveNodeResponse{NodeID: id, RemovedRelationships: removed})
}

// HandleRegisterRelationship handles POST /v1/lineage/relationships.
//
// Request Body:
//
//	RegisterRelationshipRequest
//
// Response:
//
//	201 Created: graph.Relationship
//	400 Bad Request: Validation error
//	409 Conflict: Relationship limit reached
func (h *Handlers) HandleRegisterRelationship(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRegisterRelationship")

	var req RegisterRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rel, err := h.engine.RegisterRelationship(c.Request.Context(), req.relationship())
	if err != nil {
		writeError(c, logger, err, "REGISTER_RELATIONSHIP_FAILED")
		return
	}
	c.JSON(http.StatusCreated, rel)
}

// HandleRemoveRelationship handles DELETE /v1/lineage/relationships/:id.
func (h *Handlers) HandleRemoveRelationship(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRemoveRelationship")

	if err := h.engine.RemoveRelationship(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, logger, err, "REMOVE_RELATIONSHIP_FAILED")
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleTrace handles GET /v1/lineage/trace/:id.
//
// Query Parameters:
//
//	direction - upstream, downstream or both (default both)
//	depth - Maximum depth (default from config)
//
// Response:
//
//	200 OK: traversal.LineageResult
//	400 Bad Request: Invalid direction or depth
//	404 Not Found: Unknown node
func (h *Handlers) HandleTrace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTrace")

	direction, err := traversal.ParseDirection(c.Query("direction"))
	if err != nil {
		writeError(c, logger, err, "TRACE_FAILED")
		return
	}
	depth, ok := h.queryInt(c, logger, "depth", h.engine.Config().DefaultMaxDepth)
	if !ok {
		return
	}

	result, err := h.engine.TraceLineage(c.Request.Context(), c.Param("id"), direction, depth)
	if err != nil {
		writeError(c, logger, err, "TRACE_FAILED")
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleImpact handles GET /v1/lineage/impact/:id.
//
// Query Parameters:
//
//	change_type - data_change (default), schema_change, transformation_change,
//	              status_change or removal
//
// Response:
//
//	200 OK: impact.Analysis
//	404 Not Found: Unknown node
func (h *Handlers) HandleImpact(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleImpact")

	changeType, err := impact.ParseChangeType(c.Query("change_type"))
	if err != nil {
		writeError(c, logger, err, "IMPACT_FAILED")
		return
	}
	analysis, err := h.engine.AnalyzeImpact(c.Request.Context(), c.Param("id"), changeType)
	if err != nil {
		writeError(c, logger, err, "IMPACT_FAILED")
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// HandleVisualize handles GET /v1/lineage/visualize/:id.
//
// Query Parameters:
//
//	format - json (default), mermaid, dot or html
//	direction, depth - As for trace
//	layout - hierarchical (default), force or circular
//	max_nodes - Keep only the nearest nodes
func (h *Handlers) HandleVisualize(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleVisualize")

	format, err := visualization.ParseFormat(c.Query("format"))
	if err != nil {
		writeError(c, logger, err, "VISUALIZE_FAILED")
		return
	}
	direction, err := traversal.ParseDirection(c.Query("direction"))
	if err != nil {
		writeError(c, logger, err, "VISUALIZE_FAILED")
		return
	}
	layout, err := visualization.ParseLayout(c.Query("layout"))
	if err != nil {
		writeError(c, logger, err, "VISUALIZE_FAILED")
		return
	}
	depth, ok := h.queryInt(c, logger, "depth", 0)
	if !ok {
		return
	}
	maxNodes, ok := h.queryInt(c, logger, "max_nodes", 0)
	if !ok {
		return
	}

	g, err := h.engine.RenderVisualization(c.Request.Context(), c.Param("id"), VisualizationRequest{
		Depth:     depth,
		Direction: direction,
		Layout:    layout,
		MaxNodes:  maxNodes,
	})
	if err != nil {
		writeError(c, logger, err, "VISUALIZE_FAILED")
		return
	}
	out, err := visualization.Render(g, format)
	if err != nil {
		writeError(c, logger, err, "VISUALIZE_FAILED")
		return
	}
	c.Data(http.StatusOK, format.ContentType(), []byte(out))
}

// HandleRecordChange handles POST /v1/lineage/changes.
//
// Description:
//
//	Records a change and analyses its impact. A change whose analysis
//	failed is still recorded; the response carries the error and the
//	status is 201 with validation_status "failed".
//
// Response:
//
//	201 Created: RecordChangeResponse
//	400 Bad Request: Validation error
//	404 Not Found: Unknown node
func (h *Handlers) HandleRecordChange(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRecordChange")

	var req RecordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	var opts []audit.RecordOption
	if req.Fresh {
		opts = append(opts, audit.WithFreshAnalysis())
	}
	record, err := h.engine.RecordChange(c.Request.Context(), req.NodeID, req.details(), opts...)
	if record == nil {
		writeError(c, logger, err, "RECORD_CHANGE_FAILED")
		return
	}
	resp := RecordChangeResponse{Change: record}
	if err != nil {
		logger.Warn("Change recorded without analysis", "change_id", record.ID, "error", err)
		resp.Error = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

// HandleListChanges handles GET /v1/lineage/changes.
//
// Query Parameters:
//
//	node_id - Only changes of this node
//	limit - Newest first, at most this many (default all)
func (h *Handlers) HandleListChanges(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListChanges")

	limit, ok := h.queryInt(c, logger, "limit", 0)
	if !ok {
		return
	}
	nodeID := c.Query("node_id")

	var (
		changes []*audit.ChangeRecord
		err     error
	)
	switch {
	case h.changes != nil && nodeID != "":
		changes, err = h.changes.ListByNode(c.Request.Context(), nodeID, limit)
	case h.changes != nil:
		changes, err = h.changes.List(c.Request.Context(), limit)
	default:
		changes = newestFirst(h.engine.AuditLog(), nodeID, limit)
	}
	if err != nil {
		writeError(c, logger, err, "LIST_CHANGES_FAILED")
		return
	}
	if changes == nil {
		changes = []*audit.ChangeRecord{}
	}
	c.JSON(http.StatusOK, ChangeListResponse{Changes: changes, Count: len(changes)})
}

// HandleGetChange handles GET /v1/lineage/changes/:id.
func (h *Handlers) HandleGetChange(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetChange")

	var (
		record *audit.ChangeRecord
		err    error
	)
	if h.changes != nil {
		record, err = h.changes.Get(c.Request.Context(), c.Param("id"))
	} else {
		record, err = h.engine.AuditLog().Get(c.Param("id"))
	}
	if err != nil {
		writeError(c, logger, err, "GET_CHANGE_FAILED")
		return
	}
	c.JSON(http.StatusOK, record)
}

// HandleHealthReport handles GET /v1/lineage/health/report.
//
// Query Parameters:
//
//	refresh - "true" runs a new check instead of returning the last one
func (h *Handlers) HandleHealthReport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleHealthReport")

	if c.Query("refresh") != "true" {
		if report, ok := h.engine.Checker().LastReport(); ok {
			c.JSON(http.StatusOK, report)
			return
		}
	}
	report, err := h.engine.Checker().CheckGraphHealth(c.Request.Context())
	if err != nil {
		writeError(c, logger, err, "HEALTH_CHECK_FAILED")
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleStatistics handles GET /v1/lineage/statistics.
//
// Query Parameters:
//
//	refresh - "true" recomputes instead of returning the last snapshot
func (h *Handlers) HandleStatistics(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStatistics")

	if c.Query("refresh") != "true" {
		if stats, ok := h.engine.Checker().Statistics(); ok {
			c.JSON(http.StatusOK, stats)
			return
		}
	}
	stats, err := h.engine.Checker().RefreshFlowStatistics(c.Request.Context())
	if err != nil {
		writeError(c, logger, err, "STATISTICS_FAILED")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// queryInt parses an optional integer query parameter. On failure it
// writes a 400 response and returns false.
func (h *Handlers) queryInt(c *gin.Context, logger *slog.Logger, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		logger.Warn("Invalid query parameter", "param", name, "value", raw)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: name + " must be a non-negative integer",
			Code:  "INVALID_ARGUMENT",
		})
		return 0, false
	}
	return v, true
}

// newestFirst lists in-memory records in reverse recording order.
func newestFirst(log *audit.Log, nodeID string, limit int) []*audit.ChangeRecord {
	var records []*audit.ChangeRecord
	if nodeID != "" {
		records = log.ForNode(nodeID)
	} else {
		records = log.List()
	}
	out := make([]*audit.ChangeRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, records[i])
	}
	return out
}

// writeError maps engine errors to HTTP status codes.
func writeError(c *gin.Context, logger *slog.Logger, err error, fallbackCode string) {
	status := http.StatusInternalServerError
	code := fallbackCode

	switch {
	case errors.Is(err, graph.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, graph.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, graph.ErrMaxNodesExceeded), errors.Is(err, graph.ErrMaxRelationshipsExceeded):
		status, code = http.StatusConflict, "LIMIT_EXCEEDED"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Info("Request rejected", "status", status, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// getOrCreateRequestID echoes X-Request-ID or assigns a new one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
