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
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

const (
	nodeKeyPrefix         = "def/node/"
	relationshipKeyPrefix = "def/rel/"
)

// DefinitionStore saves node and relationship definitions as JSON so the
// graph can be bootstrapped from them on restart.
//
// Thread Safety: Safe for concurrent use.
type DefinitionStore struct {
	db *DB
}

// NewDefinitionStore creates a definition store over db.
func NewDefinitionStore(db *DB) *DefinitionStore {
	return &DefinitionStore{db: db}
}

// SaveNode upserts a node definition.
func (s *DefinitionStore) SaveNode(node *graph.DataNode) error {
	return s.put(nodeKeyPrefix+node.ID, node)
}

// SaveRelationship upserts a relationship definition.
func (s *DefinitionStore) SaveRelationship(rel *graph.Relationship) error {
	return s.put(relationshipKeyPrefix+rel.ID, rel)
}

// DeleteNode removes a node definition. Missing ids are not an error.
func (s *DefinitionStore) DeleteNode(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(nodeKeyPrefix + id))
	})
}

// DeleteRelationship removes a relationship definition.
func (s *DefinitionStore) DeleteRelationship(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(relationshipKeyPrefix + id))
	})
}

// SaveAll writes every definition in one batch.
func (s *DefinitionStore) SaveAll(ctx context.Context, nodes []graph.DataNode, rels []graph.Relationship) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(&nodes[i])
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", nodes[i].ID, err)
		}
		if err := wb.Set([]byte(nodeKeyPrefix+nodes[i].ID), data); err != nil {
			return fmt.Errorf("write node %s: %w", nodes[i].ID, err)
		}
	}
	for i := range rels {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(&rels[i])
		if err != nil {
			return fmt.Errorf("marshal relationship %s: %w", rels[i].ID, err)
		}
		if err := wb.Set([]byte(relationshipKeyPrefix+rels[i].ID), data); err != nil {
			return fmt.Errorf("write relationship %s: %w", rels[i].ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush definitions: %w", err)
	}
	return nil
}

// GetNode returns a stored node definition.
//
// Errors:
//
//	graph.ErrNotFound - No definition with that id.
func (s *DefinitionStore) GetNode(id string) (*graph.DataNode, error) {
	var node graph.DataNode
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nodeKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.NewNotFound("node definition", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Load returns every stored definition ordered by id.
func (s *DefinitionStore) Load(ctx context.Context) ([]graph.DataNode, []graph.Relationship, error) {
	var (
		nodes []graph.DataNode
		rels  []graph.Relationship
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(ctx, txn, nodeKeyPrefix, func(val []byte) error {
			var n graph.DataNode
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		}); err != nil {
			return fmt.Errorf("load nodes: %w", err)
		}
		if err := scanPrefix(ctx, txn, relationshipKeyPrefix, func(val []byte) error {
			var r graph.Relationship
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rels = append(rels, r)
			return nil
		}); err != nil {
			return fmt.Errorf("load relationships: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return nodes, rels, nil
}

func (s *DefinitionStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// scanPrefix calls fn with the value of every key under prefix, in key
// order.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
