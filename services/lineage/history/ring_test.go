// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_PushAndWrap(t *testing.T) {
	r := NewRing[int](3)

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.False(t, r.Push(3))
	assert.Equal(t, []int{1, 2, 3}, r.Slice())

	assert.True(t, r.Push(4))
	assert.True(t, r.Push(5))
	assert.Equal(t, []int{3, 4, 5}, r.Slice())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())

	newest, ok := r.Newest()
	assert.True(t, ok)
	assert.Equal(t, 5, newest)
}

func TestRing_Last(t *testing.T) {
	r := NewRing[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	assert.Equal(t, []string{"e", "d"}, r.Last(2))
	assert.Equal(t, []string{"e", "d", "c", "b"}, r.Last(10))
	assert.Nil(t, r.Last(0))
}

func TestRing_Filter(t *testing.T) {
	r := NewRing[int](5)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}
	even := r.Filter(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{4, 6}, even)
}

func TestRing_EmptyAndClear(t *testing.T) {
	r := NewRing[int](0)
	assert.Equal(t, DefaultCapacity, r.Cap())

	_, ok := r.Newest()
	assert.False(t, ok)
	assert.Nil(t, r.Slice())

	r.Push(1)
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Slice())
}
