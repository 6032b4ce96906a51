// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the data lineage graph: data assets (nodes), their
// directed transformation relationships (edges), and the adjacency index
// that the traversal and impact engines walk.
//
// # Ownership Model
//
// The Store owns its nodes and relationships. Every value returned by the
// Store is a copy; mutating it never changes Store state. To change a node
// or relationship, register it again.
//
// # Integrity
//
// Relationship endpoints are NOT validated at write time. A relationship may
// reference a node that does not (yet) exist. Such dangling references are
// detected by the health checker, which reports them without repairing.
//
// # Thread Safety
//
// Store is safe for concurrent use. All state is guarded by a single
// sync.RWMutex; readers receive copies so traversals never observe a
// relationship list being mutated mid-iteration.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every lineage package.
var (
	// ErrNotFound is returned when a node, relationship, or change record id
	// does not exist. Use errors.As with *NotFoundError for the missing id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for bad input: empty ids, unknown enum
	// values, out-of-range depths.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMaxNodesExceeded is returned when the store has reached its
	// configured maximum node capacity.
	ErrMaxNodesExceeded = errors.New("maximum node count exceeded")

	// ErrMaxRelationshipsExceeded is returned when the store has reached its
	// configured maximum relationship capacity.
	ErrMaxRelationshipsExceeded = errors.New("maximum relationship count exceeded")
)

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	// Entity is the kind of thing that was missing ("node", "relationship", "change").
	Entity string

	// ID is the id that failed lookup.
	ID string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidArgumentError describes a rejected argument.
type InvalidArgumentError struct {
	// Field is the argument or struct field name.
	Field string

	// Value is the offending value, formatted for display.
	Value string

	// Reason explains the constraint that was violated.
	Reason string
}

// Error implements error.
func (e *InvalidArgumentError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalidArgument.
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// NewNotFound returns a *NotFoundError for the given entity and id.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewInvalidArgument returns an *InvalidArgumentError.
func NewInvalidArgument(field, value, reason string) error {
	return &InvalidArgumentError{Field: field, Value: value, Reason: reason}
}
