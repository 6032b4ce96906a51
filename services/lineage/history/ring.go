// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides bounded in-memory history for lineage results:
// recent events and recent health reports.
package history

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Ring is a fixed-size circular buffer that keeps the newest items.
//
// # Description
//
// Push is O(1). Once the ring is full, each push overwrites the oldest
// item, so memory stays bounded regardless of how long the engine runs.
//
// # Thread Safety
//
// NOT safe for concurrent use; the owner synchronizes.
type Ring[T any] struct {
	data  []T
	start int // index of the oldest item
	count int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends item, evicting the oldest item when full.
//
// # Outputs
//
//   - bool: True if an item was evicted.
func (r *Ring[T]) Push(item T) bool {
	if r.count < len(r.data) {
		r.data[(r.start+r.count)%len(r.data)] = item
		r.count++
		return false
	}
	r.data[r.start] = item
	r.start = (r.start + 1) % len(r.data)
	return true
}

// at returns the i-th item counting from the oldest.
func (r *Ring[T]) at(i int) T {
	return r.data[(r.start+i)%len(r.data)]
}

// Newest returns the most recently pushed item.
func (r *Ring[T]) Newest() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.at(r.count - 1), true
}

// Slice returns a copy of all items, oldest first.
func (r *Ring[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

// Last returns up to n items, newest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	n = min(n, r.count)
	out := make([]T, n)
	for i := range out {
		out[i] = r.at(r.count - 1 - i)
	}
	return out
}

// Filter returns the items matching keep, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	var out []T
	for i := 0; i < r.count; i++ {
		if item := r.at(i); keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the maximum number of items.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Clear drops every item.
func (r *Ring[T]) Clear() {
	clear(r.data)
	r.start = 0
	r.count = 0
}
