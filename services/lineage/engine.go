// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineage is the data lineage and impact analysis engine.
//
// Engine owns the graph store and every component built on it: the
// traversal engine, the cached impact analyzer, the change audit log, the
// health checker, the background scheduler and the event emitter. The
// package also exposes the engine over HTTP (see RegisterRoutes).
package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/events"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/health"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/scheduler"
	"github.com/AleutianAI/AleutianLineage/services/lineage/traversal"
	"github.com/AleutianAI/AleutianLineage/services/lineage/visualization"
)

// DefinitionWriter persists definitions after a successful mutation.
// *badger.DefinitionStore implements it.
type DefinitionWriter interface {
	SaveNode(node *graph.DataNode) error
	SaveRelationship(rel *graph.Relationship) error
	DeleteNode(id string) error
	DeleteRelationship(id string) error
}

type engineOptions struct {
	logger      *slog.Logger
	sink        audit.Sink
	definitions DefinitionWriter
	policy      *impact.Policy
	now         func() time.Time
}

// Option is a functional option for configuring Engine.
type Option func(*engineOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithChangeSink hands every recorded change to sink, for example a
// badger.ChangeArchive.
func WithChangeSink(sink audit.Sink) Option {
	return func(o *engineOptions) {
		o.sink = sink
	}
}

// WithDefinitionWriter persists node and relationship mutations.
func WithDefinitionWriter(w DefinitionWriter) Option {
	return func(o *engineOptions) {
		o.definitions = w
	}
}

// WithPolicy overrides the impact scoring policy. Its IndirectDepth wins
// over Config.IndirectDepth.
func WithPolicy(p impact.Policy) Option {
	return func(o *engineOptions) {
		p = p.Clone()
		o.policy = &p
	}
}

// WithClock sets the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		o.now = now
	}
}

// Engine is the lineage engine.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Background tasks run concurrently
// with foreground calls.
type Engine struct {
	config      Config
	logger      *slog.Logger
	definitions DefinitionWriter

	store     *graph.Store
	tracer    *traversal.Tracer
	analyzer  *impact.Analyzer
	cache     *impact.Cache
	audit     *audit.Log
	checker   *health.Checker
	scheduler *scheduler.Scheduler
	emitter   *events.Emitter
}

// New builds an engine and registers its background tasks.
//
// Description:
//
//	Every component shares one emitter, so subscribers of Events() see
//	lineage:traced, impact:analyzed, change:recorded,
//	lineage:health_issues and statistics:updated. Background tasks are
//	registered but not started; call Start.
//
// Errors:
//
//	graph.ErrInvalidArgument - cfg failed validation.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	options := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	policy := impact.DefaultPolicy()
	policy.IndirectDepth = cfg.IndirectDepth
	if options.policy != nil {
		policy = *options.policy
	}

	emitter := events.NewEmitter(
		events.WithBufferSize(cfg.EventBufferSize),
		events.WithLogger(logger),
		events.WithClock(options.now),
	)
	store := graph.NewStore(
		graph.WithMaxNodes(cfg.MaxNodes),
		graph.WithMaxRelationships(cfg.MaxRelationships),
		graph.WithLogger(logger),
		graph.WithClock(options.now),
	)
	tracer := traversal.NewTracer(store,
		traversal.WithMaxDepthLimit(cfg.MaxDepthLimit),
		traversal.WithBranchBudget(cfg.BranchBudget),
		traversal.WithPublisher(emitter),
		traversal.WithLogger(logger),
		traversal.WithClock(options.now),
	)
	impactCache := cache.New[*impact.Analysis](
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithClock(options.now),
		cache.WithLogger(logger),
	)
	analyzer := impact.NewAnalyzer(tracer,
		impact.WithPolicy(policy),
		impact.WithCache(impactCache),
		impact.WithPublisher(emitter),
		impact.WithLogger(logger),
	)

	auditOpts := []audit.Option{
		audit.WithPublisher(emitter),
		audit.WithLogger(logger),
		audit.WithClock(options.now),
	}
	if options.sink != nil {
		auditOpts = append(auditOpts, audit.WithSink(options.sink))
	}
	auditLog := audit.NewLog(store, analyzer, auditOpts...)

	checker := health.NewChecker(store,
		health.WithHistorySize(cfg.HealthHistorySize),
		health.WithPublisher(emitter),
		health.WithLogger(logger),
		health.WithClock(options.now),
	)

	e := &Engine{
		config:      cfg,
		logger:      logger.With("component", "lineage_engine"),
		definitions: options.definitions,
		store:       store,
		tracer:      tracer,
		analyzer:    analyzer,
		cache:       impactCache,
		audit:       auditLog,
		checker:     checker,
		scheduler:   scheduler.New(scheduler.WithLogger(logger)),
		emitter:     emitter,
	}
	if err := e.registerTasks(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerTasks() error {
	tasks := []scheduler.Task{
		{
			Name:     TaskHealthCheck,
			Interval: e.config.HealthCheckInterval,
			Timeout:  e.config.TaskTimeout,
			Run: func(ctx context.Context) error {
				_, err := e.checker.CheckGraphHealth(ctx)
				return err
			},
		},
		{
			Name:     TaskCacheSweep,
			Interval: e.config.CacheSweepInterval,
			Timeout:  e.config.TaskTimeout,
			Run: func(ctx context.Context) error {
				if n := e.analyzer.Sweep(ctx); n > 0 {
					e.logger.Info("expired impact analyses swept", "entries", n)
				}
				return ctx.Err()
			},
		},
		{
			Name:       TaskStatisticsRefresh,
			Interval:   e.config.StatisticsRefreshInterval,
			Timeout:    e.config.TaskTimeout,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := e.checker.RefreshFlowStatistics(ctx)
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := e.scheduler.Register(t); err != nil {
			return fmt.Errorf("register task %s: %w", t.Name, err)
		}
	}
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Store returns the graph store. Mutating it directly bypasses cache
// invalidation and persistence; prefer the Engine mutation methods.
func (e *Engine) Store() *graph.Store { return e.store }

// Analyzer returns the impact analyzer.
func (e *Engine) Analyzer() *impact.Analyzer { return e.analyzer }

// AuditLog returns the change audit log.
func (e *Engine) AuditLog() *audit.Log { return e.audit }

// Checker returns the health checker.
func (e *Engine) Checker() *health.Checker { return e.checker }

// Scheduler returns the background scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Events returns the event emitter.
func (e *Engine) Events() *events.Emitter { return e.emitter }

// BootstrapResult counts what Bootstrap registered.
type BootstrapResult struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
}

// Bootstrap registers definitions in order: every node, then every
// relationship.
//
// # Description
//
// Bootstrap does not persist through the DefinitionWriter, since its input
// usually comes from that store. The impact cache is cleared afterwards.
// Bootstrap stops at the first error; earlier definitions stay registered.
func (e *Engine) Bootstrap(ctx context.Context, nodes []graph.DataNode, relationships []graph.Relationship) (BootstrapResult, error) {
	var res BootstrapResult
	defer e.cache.Clear()

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := e.store.RegisterNode(n); err != nil {
			return res, fmt.Errorf("bootstrap node %s: %w", n.ID, err)
		}
		res.Nodes++
	}
	for _, r := range relationships {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := e.store.RegisterRelationship(r); err != nil {
			return res, fmt.Errorf("bootstrap relationship %s: %w", r.ID, err)
		}
		res.Relationships++
	}

	e.logger.Info("graph bootstrapped", "nodes", res.Nodes, "relationships", res.Relationships)
	return res, nil
}

// TraceLineage traces nodeID in direction up to maxDepth.
// See traversal.Tracer.TraceLineage.
func (e *Engine) TraceLineage(ctx context.Context, nodeID string, direction traversal.Direction, maxDepth int) (*traversal.LineageResult, error) {
	return e.tracer.TraceLineage(ctx, nodeID, direction, maxDepth)
}

// AnalyzeImpact returns the cached or freshly computed impact of
// changeType on nodeID. See impact.Analyzer.AnalyzeImpact.
func (e *Engine) AnalyzeImpact(ctx context.Context, nodeID string, changeType impact.ChangeType) (*impact.Analysis, error) {
	return e.analyzer.AnalyzeImpact(ctx, nodeID, changeType)
}

// VisualizationRequest selects what RenderVisualization draws.
type VisualizationRequest struct {
	// Depth of the trace. Zero means Config.DefaultMaxDepth.
	Depth int

	// Direction. Empty means both.
	Direction traversal.Direction

	// Layout. Empty means hierarchical.
	Layout visualization.Layout

	// MaxNodes limits the output, nearest nodes first. Zero means no limit.
	MaxNodes int
}

// RenderVisualization traces nodeID and turns the result into a
// renderable graph.
func (e *Engine) RenderVisualization(ctx context.Context, nodeID string, req VisualizationRequest) (*visualization.Graph, error) {
	if req.Depth == 0 {
		req.Depth = e.config.DefaultMaxDepth
	}
	if req.Layout != "" {
		if _, err := visualization.ParseLayout(string(req.Layout)); err != nil {
			return nil, err
		}
	}
	result, err := e.tracer.TraceLineage(ctx, nodeID, req.Direction, req.Depth)
	if err != nil {
		return nil, err
	}
	opts := visualization.DefaultOptions()
	opts.MaxNodes = req.MaxNodes
	if req.Layout != "" {
		opts.Layout = req.Layout
	}
	return visualization.Build(result, opts), nil
}

// RegisterNode adds or replaces a node.
//
// The cached analyses of the node and of every node upstream of it within
// the indirect depth are invalidated. A new node can resolve relationships
// that were dangling, so this applies to first registrations too.
func (e *Engine) RegisterNode(ctx context.Context, node graph.DataNode) (*graph.DataNode, error) {
	stored, err := e.store.RegisterNode(node)
	if err != nil {
		return nil, err
	}
	e.invalidateFrom(stored.ID)
	if e.definitions != nil {
		if err := e.definitions.SaveNode(stored); err != nil {
			e.logger.Warn("persist node failed", "node_id", stored.ID, "error", err)
		}
	}
	return stored, nil
}

// RegisterRelationship adds or replaces a relationship and invalidates
// the cached analyses that can reach its source.
func (e *Engine) RegisterRelationship(ctx context.Context, rel graph.Relationship) (*graph.Relationship, error) {
	var previousSource string
	if old, err := e.store.GetRelationship(rel.ID); err == nil {
		previousSource = old.SourceID
	}

	stored, err := e.store.RegisterRelationship(rel)
	if err != nil {
		return nil, err
	}
	e.invalidateFrom(stored.SourceID)
	if previousSource != "" && previousSource != stored.SourceID {
		e.invalidateFrom(previousSource)
	}
	if e.definitions != nil {
		if err := e.definitions.SaveRelationship(stored); err != nil {
			e.logger.Warn("persist relationship failed", "relationship_id", stored.ID, "error", err)
		}
	}
	return stored, nil
}

// RemoveNode deletes a node and its relationships.
//
// Outputs:
//
//	[]string - IDs of the removed relationships, sorted.
func (e *Engine) RemoveNode(ctx context.Context, id string) ([]string, error) {
	if !e.store.HasNode(id) {
		return nil, graph.NewNotFound("node", id)
	}
	// Collect ancestors while the upstream edges still exist.
	affected := e.ancestors(id)

	removed, err := e.store.RemoveNode(id)
	if err != nil {
		return nil, err
	}
	for _, n := range affected {
		e.analyzer.InvalidateNode(n)
	}
	if e.definitions != nil {
		if err := e.definitions.DeleteNode(id); err != nil {
			e.logger.Warn("delete persisted node failed", "node_id", id, "error", err)
		}
		for _, relID := range removed {
			if err := e.definitions.DeleteRelationship(relID); err != nil {
				e.logger.Warn("delete persisted relationship failed", "relationship_id", relID, "error", err)
			}
		}
	}
	return removed, nil
}

// RemoveRelationship deletes a relationship.
func (e *Engine) RemoveRelationship(ctx context.Context, id string) error {
	rel, err := e.store.GetRelationship(id)
	if err != nil {
		return err
	}
	if err := e.store.RemoveRelationship(id); err != nil {
		return err
	}
	e.invalidateFrom(rel.SourceID)
	if e.definitions != nil {
		if err := e.definitions.DeleteRelationship(id); err != nil {
			e.logger.Warn("delete persisted relationship failed", "relationship_id", id, "error", err)
		}
	}
	return nil
}

// RecordChange records a change to a node in the audit log.
// See audit.Log.RecordChange.
func (e *Engine) RecordChange(ctx context.Context, nodeID string, details audit.ChangeDetails, opts ...audit.RecordOption) (*audit.ChangeRecord, error) {
	record, err := e.audit.RecordChange(ctx, nodeID, details, opts...)
	if record == nil || details.StatusAfter == "" {
		return record, err
	}
	e.invalidateFrom(nodeID)
	if e.definitions != nil {
		if node, getErr := e.store.GetNode(nodeID); getErr == nil {
			if saveErr := e.definitions.SaveNode(node); saveErr != nil {
				e.logger.Warn("persist node status failed", "node_id", nodeID, "error", saveErr)
			}
		}
	}
	return record, err
}

// Start starts the background tasks. Cancelling ctx stops them.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("lineage engine started")
	return nil
}

// Stop stops the background tasks and waits for running ones.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.logger.Info("lineage engine stopped")
}

// Status is a snapshot for readiness probes.
type Status struct {
	Running           bool                   `json:"running"`
	NodeCount         int                    `json:"node_count"`
	RelationshipCount int                    `json:"relationship_count"`
	Generation        uint64                 `json:"generation"`
	CacheEntries      int                    `json:"cache_entries"`
	Cache             cache.Stats            `json:"cache"`
	ChangeCount       int                    `json:"change_count"`
	ActiveTasks       int                    `json:"active_tasks"`
	Tasks             []scheduler.TaskStatus `json:"tasks"`

	// LastHealthCheck is nil until the first check ran.
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	HealthIssues    int        `json:"health_issues"`
}

// GetStatus returns counts and background task state.
func (e *Engine) GetStatus() Status {
	stats := e.store.Stats()
	cacheStats := e.cache.Stats()
	st := Status{
		Running:           e.scheduler.Running(),
		NodeCount:         stats.NodeCount,
		RelationshipCount: stats.RelationshipCount,
		Generation:        stats.Generation,
		CacheEntries:      cacheStats.EntryCount,
		Cache:             cacheStats,
		ChangeCount:       e.audit.Len(),
		ActiveTasks:       len(e.scheduler.ActiveTasks()),
		Tasks:             e.scheduler.Status(),
	}
	if report, ok := e.checker.LastReport(); ok {
		at := report.CheckedAt
		st.LastHealthCheck = &at
		st.HealthIssues = len(report.Issues)
	}
	return st
}

// invalidateFrom drops the cached analyses of id and of every node that
// reaches id within the indirect depth.
func (e *Engine) invalidateFrom(id string) {
	dropped := 0
	for _, n := range e.ancestors(id) {
		dropped += e.analyzer.InvalidateNode(n)
	}
	if dropped > 0 {
		e.logger.Debug("impact cache invalidated", "node_id", id, "entries", dropped)
	}
}

// ancestors returns id and every node upstream of it within the indirect
// depth, following relationships whether or not their endpoints exist.
func (e *Engine) ancestors(id string) []string {
	depth := e.analyzer.Policy().IndirectDepth
	seen := map[string]bool{id: true}
	out := []string{id}
	frontier := []string{id}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, n := range frontier {
			for _, r := range e.store.UpstreamRelationships(n) {
				if !seen[r.SourceID] {
					seen[r.SourceID] = true
					out = append(out, r.SourceID)
					next = append(next, r.SourceID)
				}
			}
		}
		frontier = next
	}
	return out
}
