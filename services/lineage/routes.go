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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all lineage routes with the router.
//
// Description:
//
//	Registers all /v1/lineage/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Graph Endpoints:
//
//	GET    /v1/lineage/nodes - List nodes (filters: kind, category, owner, status, tag)
//	GET    /v1/lineage/nodes/:id - Get a node
//	POST   /v1/lineage/nodes - Register or replace a node
//	DELETE /v1/lineage/nodes/:id - Remove a node and its relationships
//	POST   /v1/lineage/relationships - Register or replace a relationship
//	DELETE /v1/lineage/relationships/:id - Remove a relationship
//
// Analysis Endpoints:
//
//	GET  /v1/lineage/trace/:id - Trace lineage
//	GET  /v1/lineage/impact/:id - Analyze change impact
//	GET  /v1/lineage/visualize/:id - Render the lineage graph
//	POST /v1/lineage/changes - Record a change
//	GET  /v1/lineage/changes - List changes, newest first
//	GET  /v1/lineage/changes/:id - Get a change
//
// Health Endpoints:
//
//	GET /v1/lineage/health - Liveness
//	GET /v1/lineage/status - Engine status
//	GET /v1/lineage/health/report - Graph integrity report
//	GET /v1/lineage/statistics - Flow statistics
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	lg := rg.Group("/lineage")
	{
		lg.GET("/health", handlers.HandleHealth)
		lg.GET("/status", handlers.HandleStatus)
		lg.GET("/health/report", handlers.HandleHealthReport)
		lg.GET("/statistics", handlers.HandleStatistics)

		lg.GET("/nodes", handlers.HandleListNodes)
		lg.GET("/nodes/:id", handlers.HandleGetNode)
		lg.POST("/nodes", handlers.HandleRegisterNode)
		lg.DELETE("/nodes/:id", handlers.HandleRemoveNode)

		lg.POST("/relationships", handlers.HandleRegisterRelationship)
		lg.DELETE("/relationships/:id", handlers.HandleRemoveRelationship)

		lg.GET("/trace/:id", handlers.HandleTrace)
		lg.GET("/impact/:id", handlers.HandleImpact)
		lg.GET("/visualize/:id", handlers.HandleVisualize)

		lg.POST("/changes", handlers.HandleRecordChange)
		lg.GET("/changes", handlers.HandleListChanges)
		lg.GET("/changes/:id", handlers.HandleGetChange)
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName labels server spans.
	ServiceName string

	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit float64

	// RateBurst is the per-client burst size.
	RateBurst int

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter builds the gin engine serving the lineage API under /v1.
func NewRouter(handlers *Handlers, opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "aleutian-lineage"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(RequestLogger())
	if opts.RateLimit > 0 {
		router.Use(NewClientRateLimiter(opts.RateLimit, opts.RateBurst).Middleware())
	}
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
