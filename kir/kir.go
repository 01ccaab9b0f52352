// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kir defines the intermediate representation (IR) used for kernel
// compilation: small immutable nodes, each holding an operation type, a
// value type, source nodes and an optional argument.
//
// Nodes are interned per Scope: Scope.Node returns the canonical node for a
// given (op, dtype, sources, arg) tuple, so within a scope two structurally
// identical nodes are the same pointer. Graphs are DAGs by construction,
// since sources must already exist in the scope.
//
// A Scope is the unit of compilation and is not safe for concurrent use;
// concurrent compilations each use their own Scope.
package kir

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Scope is an interning arena for Nodes. The zero value is not usable, use
// NewScope.
type Scope struct {
	id    string
	nodes []*Node
	dedup map[dedupKey][]*Node
}

// dedupKey narrows the candidates when looking for an already interned
// node. Candidates still need their remaining sources, dtype and argument
// compared.
type dedupKey struct {
	op       OpType
	srcCount int
	firstSrc *Node // nil if there are no sources.
}

// NewScope creates an empty Scope.
func NewScope() *Scope {
	return &Scope{
		id:    uuid.NewString(),
		dedup: make(map[dedupKey][]*Node),
	}
}

// ID returns an opaque unique id for the scope, used in debug logs.
func (s *Scope) ID() string { return s.id }

// NumNodes returns how many distinct nodes were interned so far.
func (s *Scope) NumNodes() int { return len(s.nodes) }

// Nodes returns the interned nodes in creation order, which is always a
// valid topological order. The returned slice is owned by the scope and
// must not be modified.
func (s *Scope) Nodes() []*Node { return s.nodes }

// Node returns the canonical node for (op, dtype, src, arg), validating
// and interning it.
//
// The contract: the op must be one of the closed enum, the dtype must be
// legal for the op, the sources must have the right count and types and
// belong to this scope, and the argument must have the shape the op
// requires. Violations return a *ConstructionError. On success, building
// the same tuple again returns the same pointer.
func (s *Scope) Node(op OpType, dtype DType, src []*Node, arg any) (*Node, error) {
	arg, err := s.checkNode(op, dtype, src, arg)
	if err != nil {
		return nil, err
	}
	key := newDedupKey(op, src)
	if found := s.findInterned(key, dtype, src, arg); found != nil {
		return found, nil
	}
	node := &Node{
		scope:    s,
		scopeIdx: len(s.nodes),
		op:       op,
		dtype:    dtype,
		arg:      arg,
	}
	if len(src) > 0 {
		node.src = append([]*Node(nil), src...)
	}
	s.nodes = append(s.nodes, node)
	s.dedup[key] = append(s.dedup[key], node)
	return node, nil
}

func newDedupKey(op OpType, src []*Node) dedupKey {
	key := dedupKey{op: op, srcCount: len(src)}
	if len(src) > 0 {
		key.firstSrc = src[0]
	}
	return key
}

// findInterned returns the already interned node matching the tuple, or nil.
func (s *Scope) findInterned(key dedupKey, dtype DType, src []*Node, arg any) *Node {
	for _, candidate := range s.dedup[key] {
		if candidate.dtype != dtype {
			continue
		}
		if !sourcesEqual(candidate.src, src) {
			continue
		}
		if candidate.arg != arg {
			// Arguments are normalized comparable values, so == is an
			// exact structural comparison.
			continue
		}
		return candidate
	}
	return nil
}

// sourcesEqual compares sources by pointer: interning makes pointer
// equality structural equality.
func sourcesEqual(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] != b[ii] {
			return false
		}
	}
	return true
}

// String lists the interned nodes in creation order, one per line.
func (s *Scope) String() string {
	parts := []string{fmt.Sprintf("Scope %s: %d nodes", s.id, len(s.nodes))}
	for ii, node := range s.nodes {
		parts = append(parts, fmt.Sprintf("#%d\t%s", ii, node))
	}
	return strings.Join(parts, "\n")
}
