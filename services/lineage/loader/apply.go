// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Registrar receives definitions. The lineage Engine implements it, so that
// re-applied definitions also invalidate cached impact analyses.
type Registrar interface {
	RegisterNode(ctx context.Context, node graph.DataNode) (*graph.DataNode, error)
	RegisterRelationship(ctx context.Context, rel graph.Relationship) (*graph.Relationship, error)
}

// Result counts what Apply registered.
type Result struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
}

// Apply registers every node, then every relationship, in file order.
//
// # Description
//
// Registration is an upsert, so applying the same file twice bumps the
// version of every definition. Apply stops at the first error; definitions
// registered before it stay registered.
//
// # Errors
//
//   - ctx.Err() when cancelled between registrations.
//   - The first registration error, wrapped with the definition id.
func Apply(ctx context.Context, r Registrar, f *File) (Result, error) {
	var res Result

	nodes, err := f.GraphNodes()
	if err != nil {
		return res, err
	}
	rels, err := f.GraphRelationships()
	if err != nil {
		return res, err
	}

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := r.RegisterNode(ctx, n); err != nil {
			return res, fmt.Errorf("register node %s: %w", n.ID, err)
		}
		res.Nodes++
	}
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := r.RegisterRelationship(ctx, rel); err != nil {
			return res, fmt.Errorf("register relationship %s: %w", rel.ID, err)
		}
		res.Relationships++
	}
	return res, nil
}

// StoreRegistrar adapts a *graph.Store to Registrar for callers without an
// Engine, such as the import command.
type StoreRegistrar struct {
	Store *graph.Store
}

// RegisterNode implements Registrar.
func (s StoreRegistrar) RegisterNode(_ context.Context, node graph.DataNode) (*graph.DataNode, error) {
	return s.Store.RegisterNode(node)
}

// RegisterRelationship implements Registrar.
func (s StoreRegistrar) RegisterRelationship(_ context.Context, rel graph.Relationship) (*graph.Relationship, error) {
	return s.Store.RegisterRelationship(rel)
}
