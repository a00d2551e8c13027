// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package idalloc implements the dense 32-bit id space described in
// spec.md §4.1: one allocator instance per tree (clients, objects, types),
// ids reused after free, zero never allocated, allocation attempted first
// from a caller hint and otherwise from a monotonic cursor that wraps past
// zero.
//
// The C source backs this with an AVL tree; Go's builtin map already gives
// O(1) average find/free, which satisfies (and beats) the spec's O(log n)
// amortized requirement, so no third-party balanced-tree package is pulled
// in for this — see DESIGN.md.
package idalloc

import (
	"errors"
	"sort"
)

// ErrExhausted is returned by Allocate when all 2^32-1 non-zero ids are in
// use. Per spec.md §4.1 this is "practically unreachable" but is handled
// rather than left to panic.
var ErrExhausted = errors.New("idalloc: id space exhausted")

// Tree is a single dense id space. It is not safe for concurrent use: every
// Tree in this broker is owned and mutated only by the single router
// goroutine (spec.md §5).
type Tree[T any] struct {
	items map[uint32]T
	next  uint32
}

// New returns an empty Tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{items: make(map[uint32]T), next: 1}
}

// Allocate assigns a fresh, previously-unused, non-zero id to v and returns
// it. If hint is non-zero and free, it is used directly; otherwise
// allocation proceeds from the tree's monotonic cursor, probing forward and
// wrapping past zero (which is reserved and never handed out).
func (t *Tree[T]) Allocate(hint uint32, v T) (uint32, error) {
	if hint != 0 {
		if _, taken := t.items[hint]; !taken {
			t.items[hint] = v
			return hint, nil
		}
	}
	if len(t.items) >= int(^uint32(0)) {
		return 0, ErrExhausted
	}
	id := t.next
	for {
		if id == 0 {
			id = 1
		}
		if _, taken := t.items[id]; !taken {
			break
		}
		id++
	}
	t.items[id] = v
	t.next = id + 1
	if t.next == 0 {
		t.next = 1
	}
	return id, nil
}

// Find returns the value stored at id, if any.
func (t *Tree[T]) Find(id uint32) (T, bool) {
	v, ok := t.items[id]
	return v, ok
}

// Free releases id back to the pool.
func (t *Tree[T]) Free(id uint32) {
	delete(t.items, id)
}

// Len returns the number of live ids.
func (t *Tree[T]) Len() int { return len(t.items) }

// Range calls fn for every (id, value) pair in ascending id order, stopping
// early if fn returns false. Orders on demand rather than maintaining a
// sorted index incrementally, since this is the allocator's cold path
// (spec.md §4.1 "ordered iteration").
func (t *Tree[T]) Range(fn func(id uint32, v T) bool) {
	ids := make([]uint32, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(id, t.items[id]) {
			return
		}
	}
}

// LowerBound returns the smallest live id >= from, and whether one exists.
func (t *Tree[T]) LowerBound(from uint32) (uint32, T, bool) {
	var best uint32
	var bestV T
	found := false
	for id, v := range t.items {
		if id >= from && (!found || id < best) {
			best, bestV, found = id, v, true
		}
	}
	return best, bestV, found
}
