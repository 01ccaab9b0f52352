// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/kir"
)

// Pattern describes the shape of one node to match.
//
// All set fields must hold for the pattern to match; zero fields match
// anything. Src patterns match the node sources in order; a nil entry is a
// wildcard. For commutative binary ops the two source patterns are also
// tried in swapped order, and the first orientation that matches wins.
//
// A Name captures the matched node in the Bindings. The same name may
// appear more than once in a pattern tree, in which case all occurrences
// must match the same node.
type Pattern struct {
	Ops     []kir.OpType
	DType   kir.DType    // exact dtype; zero matches any.
	Base    dtypes.DType // base type with any lane count; zero matches any.
	Src     []*Pattern   // nil slice matches any sources; nil entries are wildcards.
	Name    string
	ArgPred func(arg any) bool
}

// Op returns a Pattern matching the given op with the given source
// patterns.
func Op(op kir.OpType, src ...*Pattern) *Pattern {
	p := &Pattern{Ops: []kir.OpType{op}}
	if len(src) > 0 {
		p.Src = src
	}
	return p
}

// Capture returns a wildcard Pattern that captures the node under name.
func Capture(name string) *Pattern {
	return &Pattern{Name: name}
}

// Bind sets the capture name and returns the pattern, for chaining.
func (p *Pattern) Bind(name string) *Pattern {
	p.Name = name
	return p
}

// Bindings maps capture names to the nodes they matched.
type Bindings map[string]*kir.Node

func (b Bindings) bind(name string, n *kir.Node) bool {
	if existing, found := b[name]; found {
		return existing == n
	}
	b[name] = n
	return true
}

func (b Bindings) clone() Bindings {
	b2 := make(Bindings, len(b))
	for name, n := range b {
		b2[name] = n
	}
	return b2
}

// Match reports whether the pattern matches the node, and returns the
// captured bindings if it does.
func (p *Pattern) Match(n *kir.Node) (Bindings, bool) {
	b := make(Bindings)
	if !p.match(n, b) {
		return nil, false
	}
	return b, true
}

func (p *Pattern) match(n *kir.Node, b Bindings) bool {
	if p == nil {
		return true
	}
	if len(p.Ops) > 0 && !slices.Contains(p.Ops, n.Op()) {
		return false
	}
	if p.DType != (kir.DType{}) && n.DType() != p.DType {
		return false
	}
	if p.Base != dtypes.InvalidDType && n.DType().Base != p.Base {
		return false
	}
	if p.ArgPred != nil && !p.ArgPred(n.Arg()) {
		return false
	}
	if p.Src != nil && !p.matchSources(n, b) {
		return false
	}
	if p.Name != "" && !b.bind(p.Name, n) {
		return false
	}
	return true
}

func (p *Pattern) matchSources(n *kir.Node, b Bindings) bool {
	if len(p.Src) != n.NumSources() {
		return false
	}
	trial := b.clone()
	if matchOrdered(p.Src, n.Sources(), trial) {
		commit(b, trial)
		return true
	}
	if len(p.Src) == 2 && kir.CommutativeOps.Has(n.Op()) {
		trial = b.clone()
		if matchOrdered([]*Pattern{p.Src[1], p.Src[0]}, n.Sources(), trial) {
			commit(b, trial)
			return true
		}
	}
	return false
}

func matchOrdered(patterns []*Pattern, src []*kir.Node, b Bindings) bool {
	for ii, pat := range patterns {
		if !pat.match(src[ii], b) {
			return false
		}
	}
	return true
}

// commit copies the trial bindings back. The trial always contains the
// original bindings, so copying is enough.
func commit(b, trial Bindings) {
	for name, n := range trial {
		b[name] = n
	}
}
