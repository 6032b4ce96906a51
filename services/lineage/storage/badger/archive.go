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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianLineage/services/lineage/audit"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Key layout:
//
//	chg/<ts>/<change id>                    -> record JSON
//	chgn/<node id>\x00<ts>/<change id>      -> primary key
//	chgi/<change id>                        -> primary key
//
// ts is the zero-padded UnixNano timestamp, so key order is time order.
const (
	changeKeyPrefix     = "chg/"
	changeNodeKeyPrefix = "chgn/"
	changeIDKeyPrefix   = "chgi/"
)

// ChangeArchive persists change records. It implements audit.Sink.
//
// Thread Safety: Safe for concurrent use.
type ChangeArchive struct {
	db *DB
}

var _ audit.Sink = (*ChangeArchive)(nil)

// NewChangeArchive creates an archive over db.
func NewChangeArchive(db *DB) *ChangeArchive {
	return &ChangeArchive{db: db}
}

// Append stores a record and its index entries in one transaction.
func (a *ChangeArchive) Append(ctx context.Context, record *audit.ChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || record.ID == "" {
		return graph.NewInvalidArgument("change record", "", "must have an id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal change %s: %w", record.ID, err)
	}

	suffix := fmt.Sprintf("%020d/%s", record.Timestamp.UnixNano(), record.ID)
	primary := []byte(changeKeyPrefix + suffix)
	index := []byte(nodeIndexPrefix(record.NodeID) + suffix)

	return a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(primary, data); err != nil {
			return err
		}
		if err := txn.Set([]byte(changeIDKeyPrefix+record.ID), primary); err != nil {
			return err
		}
		return txn.Set(index, primary)
	})
}

// Get returns the record with the given change id.
//
// Errors:
//
//	graph.ErrNotFound - No such record.
func (a *ChangeArchive) Get(ctx context.Context, changeID string) (*audit.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *audit.ChangeRecord
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(changeIDKeyPrefix + changeID))
		if err != nil {
			return err
		}
		primary, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		target, err := txn.Get(primary)
		if err != nil {
			return err
		}
		rec, err = decodeRecord(target)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graph.NewNotFound("change", changeID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (a *ChangeArchive) List(ctx context.Context, limit int) ([]*audit.ChangeRecord, error) {
	var out []*audit.ChangeRecord
	err := a.db.View(func(txn *badger.Txn) error {
		return scanReverse(ctx, txn, []byte(changeKeyPrefix), limit, func(item *badger.Item) error {
			rec, err := decodeRecord(item)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ListByNode returns up to limit records of one node, newest first.
func (a *ChangeArchive) ListByNode(ctx context.Context, nodeID string, limit int) ([]*audit.ChangeRecord, error) {
	var out []*audit.ChangeRecord
	err := a.db.View(func(txn *badger.Txn) error {
		return scanReverse(ctx, txn, []byte(nodeIndexPrefix(nodeID)), limit, func(item *badger.Item) error {
			primary, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			target, err := txn.Get(primary)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			rec, err := decodeRecord(target)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Count returns the number of archived records.
func (a *ChangeArchive) Count(ctx context.Context) (int, error) {
	n := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(changeKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func nodeIndexPrefix(nodeID string) string {
	return changeNodeKeyPrefix + nodeID + "\x00"
}

// scanReverse visits keys under prefix from the last to the first.
func scanReverse(ctx context.Context, txn *badger.Txn, prefix []byte, limit int, fn func(*badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// In reverse mode Seek lands on the largest key <= seek.
	seek := append(bytes.Clone(prefix), 0xFF)
	n := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && n >= limit {
			return nil
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
		n++
	}
	return nil
}

func decodeRecord(item *badger.Item) (*audit.ChangeRecord, error) {
	var rec audit.ChangeRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return &rec, nil
}
