// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxNodes is the default node capacity of a Store.
	DefaultMaxNodes = 1_000_000

	// DefaultMaxRelationships is the default relationship capacity of a Store.
	DefaultMaxRelationships = 10_000_000
)

// Adjacency directions reported in AdjacencyDrift.
const (
	DirectionDownstream = "downstream"
	DirectionUpstream   = "upstream"
)

// StoreOptions configures Store behavior and limits.
type StoreOptions struct {
	// MaxNodes is the maximum number of nodes the store can hold.
	// Default: 1,000,000
	MaxNodes int

	// MaxRelationships is the maximum number of relationships the store can hold.
	// Default: 10,000,000
	MaxRelationships int

	// Logger receives mutation logs. Default: slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultStoreOptions returns sensible defaults for store configuration.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		MaxNodes:         DefaultMaxNodes,
		MaxRelationships: DefaultMaxRelationships,
		Now:              time.Now,
	}
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*StoreOptions)

// WithMaxNodes sets the maximum number of nodes the store can hold.
func WithMaxNodes(n int) StoreOption {
	return func(o *StoreOptions) {
		o.MaxNodes = n
	}
}

// WithMaxRelationships sets the maximum number of relationships the store can hold.
func WithMaxRelationships(n int) StoreOption {
	return func(o *StoreOptions) {
		o.MaxRelationships = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *StoreOptions) {
		o.Logger = logger
	}
}

// WithClock sets the time source used for RegisteredAt/UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(o *StoreOptions) {
		o.Now = now
	}
}

// Store is the in-memory lineage graph.
//
// Thread Safety:
//
//	Store is safe for concurrent use. Reads take the read lock and return
//	copies; writes take the write lock. Adjacency lists are maintained
//	incrementally under the same lock as the relationship table, so they
//	never drift from it.
type Store struct {
	mu sync.RWMutex

	// nodes maps node ID to the stored node.
	nodes map[string]*DataNode

	// relationships maps relationship ID to the stored relationship.
	relationships map[string]*Relationship

	// downstream maps node ID to the IDs of relationships where the node is
	// the source, in insertion order. Keys may reference missing nodes.
	downstream map[string][]string

	// upstream maps node ID to the IDs of relationships where the node is
	// the target, in insertion order.
	upstream map[string][]string

	generation uint64

	options StoreOptions
	logger  *slog.Logger
}

// NewStore creates an empty Store.
//
// Inputs:
//
//	opts - Optional configuration (WithMaxNodes, WithLogger, ...).
//
// Outputs:
//
//	*Store - Ready for use.
func NewStore(opts ...StoreOption) *Store {
	options := DefaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		nodes:         make(map[string]*DataNode),
		relationships: make(map[string]*Relationship),
		downstream:    make(map[string][]string),
		upstream:      make(map[string][]string),
		options:       options,
		logger:        logger.With("component", "graph_store"),
	}
}

// =============================================================================
// Nodes
// =============================================================================

// RegisterNode adds a node or replaces an existing node with the same ID.
//
// Description:
//
//	A new node gets Version 1. Re-registering an existing ID replaces every
//	field except RegisteredAt and bumps Version. An empty Status defaults to
//	active and an empty Name defaults to the ID. Tags are deduplicated and
//	sorted.
//
// Inputs:
//
//	node - The node definition. Version, RegisteredAt and UpdatedAt are
//	       ignored; the store assigns them.
//
// Outputs:
//
//	*DataNode - A copy of the stored node.
//	error     - Non-nil if validation fails or capacity is exhausted.
//
// Errors:
//
//	ErrInvalidArgument  - Empty ID, unknown kind, unknown status.
//	ErrMaxNodesExceeded - A new node would exceed MaxNodes.
func (s *Store) RegisterNode(node DataNode) (*DataNode, error) {
	if err := normalizeNode(&node); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.options.Now()
	stored := node.Clone()
	stored.UpdatedAt = now

	existing, ok := s.nodes[node.ID]
	if ok {
		stored.Version = existing.Version + 1
		stored.RegisteredAt = existing.RegisteredAt
	} else {
		if s.options.MaxNodes > 0 && len(s.nodes) >= s.options.MaxNodes {
			return nil, fmt.Errorf("%w: limit %d", ErrMaxNodesExceeded, s.options.MaxNodes)
		}
		stored.Version = 1
		stored.RegisteredAt = now
	}

	s.nodes[node.ID] = stored
	s.generation++

	op := "create"
	if ok {
		op = "replace"
	}
	mutationsTotal.WithLabelValues("node", op).Inc()
	s.logger.Debug("node registered", "node_id", node.ID, "op", op, "version", stored.Version)

	return stored.Clone(), nil
}

// GetNode returns a copy of the node with the given ID.
//
// Errors:
//
//	ErrNotFound - Unknown ID (as *NotFoundError).
func (s *Store) GetNode(id string) (*DataNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, NewNotFound("node", id)
	}
	return node.Clone(), nil
}

// HasNode reports whether a node with the given ID exists.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.nodes[id]
	return ok
}

// ListNodes returns copies of every node matching filter, sorted by ID.
func (s *Store) ListNodes(filter NodeFilter) []*DataNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DataNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		if filter.Matches(node) {
			result = append(result, node.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// UpdateNodeStatus sets the status of an existing node and bumps its version.
//
// Errors:
//
//	ErrInvalidArgument - Unknown status.
//	ErrNotFound        - Unknown ID.
func (s *Store) UpdateNodeStatus(id string, status Status) (*DataNode, error) {
	if !status.Valid() {
		return nil, NewInvalidArgument("status", string(status), "must be active, inactive or error")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, NewNotFound("node", id)
	}

	updated := node.Clone()
	updated.Status = status
	updated.Version++
	updated.UpdatedAt = s.options.Now()
	s.nodes[id] = updated
	s.generation++

	mutationsTotal.WithLabelValues("node", "status").Inc()
	s.logger.Info("node status updated",
		"node_id", id,
		"from", node.Status,
		"to", status,
		"version", updated.Version,
	)

	return updated.Clone(), nil
}

// RemoveNode deletes a node and every relationship that references it.
//
// Description:
//
//	Relationships are removed whether the node is their source or their
//	target, including relationships whose other endpoint is dangling.
//
// Outputs:
//
//	[]string - IDs of the removed relationships, sorted.
//	error    - ErrNotFound for an unknown node.
func (s *Store) RemoveNode(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, NewNotFound("node", id)
	}

	dependent := make([]string, 0, len(s.downstream[id])+len(s.upstream[id]))
	dependent = append(dependent, s.downstream[id]...)
	dependent = append(dependent, s.upstream[id]...)
	slices.Sort(dependent)
	dependent = slices.Compact(dependent)

	for _, relID := range dependent {
		s.removeRelationshipLocked(relID)
	}
	delete(s.nodes, id)
	s.generation++

	mutationsTotal.WithLabelValues("node", "remove").Inc()
	s.logger.Info("node removed", "node_id", id, "relationships_removed", len(dependent))

	return dependent, nil
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// =============================================================================
// Relationships
// =============================================================================

// RegisterRelationship adds a relationship or replaces one with the same ID.
//
// Description:
//
//	The relationship is appended to the downstream list of its source and
//	the upstream list of its target. Re-registering an existing ID replaces
//	it in place and bumps Version; if the endpoints changed, the adjacency
//	entries move with it. Endpoints are not required to exist.
//
//	Empty Criticality and QualityImpact default to medium; empty Status
//	defaults to active.
//
// Errors:
//
//	ErrInvalidArgument          - Empty ID/endpoint or unknown enum value.
//	ErrMaxRelationshipsExceeded - A new relationship would exceed the limit.
func (s *Store) RegisterRelationship(rel Relationship) (*Relationship, error) {
	if err := normalizeRelationship(&rel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.options.Now()
	stored := rel.Clone()
	stored.UpdatedAt = now

	existing, ok := s.relationships[rel.ID]
	if ok {
		stored.Version = existing.Version + 1
		stored.RegisteredAt = existing.RegisteredAt
		if existing.SourceID != rel.SourceID {
			s.downstream[existing.SourceID] = removeID(s.downstream, existing.SourceID, rel.ID)
			s.downstream[rel.SourceID] = append(s.downstream[rel.SourceID], rel.ID)
		}
		if existing.TargetID != rel.TargetID {
			s.upstream[existing.TargetID] = removeID(s.upstream, existing.TargetID, rel.ID)
			s.upstream[rel.TargetID] = append(s.upstream[rel.TargetID], rel.ID)
		}
		pruneEmpty(s.downstream, existing.SourceID)
		pruneEmpty(s.upstream, existing.TargetID)
	} else {
		if s.options.MaxRelationships > 0 && len(s.relationships) >= s.options.MaxRelationships {
			return nil, fmt.Errorf("%w: limit %d", ErrMaxRelationshipsExceeded, s.options.MaxRelationships)
		}
		stored.Version = 1
		stored.RegisteredAt = now
		s.downstream[rel.SourceID] = append(s.downstream[rel.SourceID], rel.ID)
		s.upstream[rel.TargetID] = append(s.upstream[rel.TargetID], rel.ID)
	}

	s.relationships[rel.ID] = stored
	s.generation++

	op := "create"
	if ok {
		op = "replace"
	}
	mutationsTotal.WithLabelValues("relationship", op).Inc()
	s.logger.Debug("relationship registered",
		"relationship_id", rel.ID,
		"source_id", rel.SourceID,
		"target_id", rel.TargetID,
		"op", op,
	)

	return stored.Clone(), nil
}

// GetRelationship returns a copy of the relationship with the given ID.
//
// Errors:
//
//	ErrNotFound - Unknown ID (as *NotFoundError).
func (s *Store) GetRelationship(id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.relationships[id]
	if !ok {
		return nil, NewNotFound("relationship", id)
	}
	return rel.Clone(), nil
}

// ListRelationships returns copies of every relationship, sorted by ID.
func (s *Store) ListRelationships() []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Relationship, 0, len(s.relationships))
	for _, rel := range s.relationships {
		result = append(result, rel.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// RemoveRelationship deletes a relationship and its adjacency entries.
//
// Errors:
//
//	ErrNotFound - Unknown ID.
func (s *Store) RemoveRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeRelationshipLocked(id) {
		return NewNotFound("relationship", id)
	}
	s.generation++

	mutationsTotal.WithLabelValues("relationship", "remove").Inc()
	s.logger.Debug("relationship removed", "relationship_id", id)
	return nil
}

// RelationshipCount returns the number of relationships.
func (s *Store) RelationshipCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relationships)
}

// =============================================================================
// Adjacency
// =============================================================================

// DownstreamOf returns the IDs of relationships where id is the source, in
// insertion order. The node itself need not exist.
func (s *Store) DownstreamOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.downstream[id])
}

// UpstreamOf returns the IDs of relationships where id is the target, in
// insertion order.
func (s *Store) UpstreamOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.upstream[id])
}

// DownstreamRelationships returns copies of the relationships where id is
// the source, in insertion order, under a single read lock.
func (s *Store) DownstreamRelationships(id string) []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(s.downstream[id])
}

// UpstreamRelationships returns copies of the relationships where id is
// the target, in insertion order.
func (s *Store) UpstreamRelationships(id string) []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(s.upstream[id])
}

// VerifyAdjacency rebuilds the adjacency index from the relationship table
// and reports every node whose stored lists differ from the rebuilt ones.
//
// Lists are compared as sets. An empty result means the index is consistent.
func (s *Store) VerifyAdjacency() []AdjacencyDrift {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedDown := make(map[string][]string)
	expectedUp := make(map[string][]string)
	for id, rel := range s.relationships {
		expectedDown[rel.SourceID] = append(expectedDown[rel.SourceID], id)
		expectedUp[rel.TargetID] = append(expectedUp[rel.TargetID], id)
	}

	var drift []AdjacencyDrift
	drift = append(drift, diffAdjacency(DirectionDownstream, expectedDown, s.downstream)...)
	drift = append(drift, diffAdjacency(DirectionUpstream, expectedUp, s.upstream)...)
	sort.Slice(drift, func(i, j int) bool {
		if drift[i].NodeID != drift[j].NodeID {
			return drift[i].NodeID < drift[j].NodeID
		}
		return drift[i].Direction < drift[j].Direction
	})
	return drift
}

// Stats returns counts, limits and the mutation generation.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		NodeCount:         len(s.nodes),
		RelationshipCount: len(s.relationships),
		MaxNodes:          s.options.MaxNodes,
		MaxRelationships:  s.options.MaxRelationships,
		Generation:        s.generation,
	}
}

// =============================================================================
// Internal
// =============================================================================

// removeRelationshipLocked deletes a relationship. Caller holds the write lock.
func (s *Store) removeRelationshipLocked(id string) bool {
	rel, ok := s.relationships[id]
	if !ok {
		return false
	}
	s.downstream[rel.SourceID] = removeID(s.downstream, rel.SourceID, id)
	s.upstream[rel.TargetID] = removeID(s.upstream, rel.TargetID, id)
	pruneEmpty(s.downstream, rel.SourceID)
	pruneEmpty(s.upstream, rel.TargetID)
	delete(s.relationships, id)
	return true
}

func (s *Store) resolveLocked(ids []string) []*Relationship {
	if len(ids) == 0 {
		return nil
	}
	result := make([]*Relationship, 0, len(ids))
	for _, id := range ids {
		if rel, ok := s.relationships[id]; ok {
			result = append(result, rel.Clone())
		}
	}
	return result
}

// removeID returns index[key] without id, preserving order.
func removeID(index map[string][]string, key, id string) []string {
	list := index[key]
	if i := slices.Index(list, id); i >= 0 {
		return slices.Delete(slices.Clone(list), i, i+1)
	}
	return list
}

func pruneEmpty(index map[string][]string, key string) {
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

func diffAdjacency(direction string, expected, actual map[string][]string) []AdjacencyDrift {
	keys := make(map[string]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}

	var drift []AdjacencyDrift
	for k := range keys {
		want := slices.Sorted(slices.Values(expected[k]))
		got := slices.Sorted(slices.Values(actual[k]))
		if !slices.Equal(want, got) {
			drift = append(drift, AdjacencyDrift{
				NodeID:    k,
				Direction: direction,
				Expected:  want,
				Actual:    got,
			})
		}
	}
	return drift
}

func normalizeNode(node *DataNode) error {
	node.ID = strings.TrimSpace(node.ID)
	if node.ID == "" {
		return NewInvalidArgument("node id", "", "must not be empty")
	}
	if !node.Kind.Valid() {
		return NewInvalidArgument("node kind", string(node.Kind), "unknown kind")
	}
	if node.Status == "" {
		node.Status = StatusActive
	}
	if !node.Status.Valid() {
		return NewInvalidArgument("node status", string(node.Status), "must be active, inactive or error")
	}
	if node.Name == "" {
		node.Name = node.ID
	}

	tags := make([]string, 0, len(node.Tags))
	for _, tag := range node.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	node.Tags = slices.Compact(tags)
	if len(node.Tags) == 0 {
		node.Tags = nil
	}
	return nil
}

func normalizeRelationship(rel *Relationship) error {
	rel.ID = strings.TrimSpace(rel.ID)
	if rel.ID == "" {
		return NewInvalidArgument("relationship id", "", "must not be empty")
	}
	if rel.SourceID == "" {
		return NewInvalidArgument("source_id", "", "must not be empty")
	}
	if rel.TargetID == "" {
		return NewInvalidArgument("target_id", "", "must not be empty")
	}
	if !rel.Kind.Valid() {
		return NewInvalidArgument("relationship kind", string(rel.Kind), "unknown kind")
	}
	if rel.Criticality == "" {
		rel.Criticality = CriticalityMedium
	}
	if !rel.Criticality.Valid() {
		return NewInvalidArgument("criticality", string(rel.Criticality), "must be low, medium, high or critical")
	}
	if rel.QualityImpact == "" {
		rel.QualityImpact = QualityImpactMedium
	}
	if !rel.QualityImpact.Valid() {
		return NewInvalidArgument("data_quality_impact", string(rel.QualityImpact), "must be low, medium or high")
	}
	if rel.Status == "" {
		rel.Status = StatusActive
	}
	if !rel.Status.Valid() {
		return NewInvalidArgument("relationship status", string(rel.Status), "must be active, inactive or error")
	}
	return nil
}
