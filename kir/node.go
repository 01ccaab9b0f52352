// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"fmt"
	"strings"
)

// Node is one operation of a computation graph.
//
// Nodes are immutable and interned: within a Scope, building the same
// (op, dtype, sources, arg) tuple twice yields the same *Node, so pointer
// equality is structural equality. See Scope.Node.
type Node struct {
	scope    *Scope
	scopeIdx int
	op       OpType
	dtype    DType
	src      []*Node
	arg      any
}

// SpecialArg is the argument of an OpSpecial node: a named grid axis with
// its extent (the number of work-items along it).
type SpecialArg struct {
	Name   string
	Extent int
}

// ReduceArg is the argument of an OpReduce node: the combining operation
// (OpAdd or OpMax), the number of elements combined and the distance in
// elements between them.
type ReduceArg struct {
	Op     OpType
	Extent int
	Stride int
}

// Op returns the operation type of the node.
func (n *Node) Op() OpType { return n.op }

// DType returns the value type of the node.
func (n *Node) DType() DType { return n.dtype }

// NumSources returns the number of source nodes.
func (n *Node) NumSources() int { return len(n.src) }

// Source returns the i-th source node.
func (n *Node) Source(i int) *Node { return n.src[i] }

// Sources returns the source nodes. The returned slice is owned by the node
// and must not be modified.
func (n *Node) Sources() []*Node { return n.src }

// Arg returns the node argument: a normalized constant value for OpConst
// (float64, int64 or bool), a SpecialArg for OpSpecial, an int buffer tag
// for OpEmpty, a ReduceArg for OpReduce, an int lane for OpGep, and nil for
// everything else.
func (n *Node) Arg() any { return n.arg }

// IsConst reports whether the node is an OpConst.
func (n *Node) IsConst() bool { return n.op == OpConst }

// String implements fmt.Stringer with a one-line description. Sources are
// referenced by their creation index in the scope (#i).
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var desc string
	switch n.op {
	case OpConst:
		desc = fmt.Sprintf("Const(%v)", n.arg)
	case OpEmpty:
		desc = fmt.Sprintf("Empty(buf%d)", n.arg)
	case OpSpecial:
		a := n.arg.(SpecialArg)
		desc = fmt.Sprintf("Special(%s, %d)", a.Name, a.Extent)
	case OpReduce:
		a := n.arg.(ReduceArg)
		desc = fmt.Sprintf("Reduce[%s x%d stride %d](%s)", a.Op, a.Extent, a.Stride, sourceRefs(n.src))
	case OpGep:
		desc = fmt.Sprintf("Gep[%d](%s)", n.arg, sourceRefs(n.src))
	default:
		desc = fmt.Sprintf("%s(%s)", n.op, sourceRefs(n.src))
	}
	return fmt.Sprintf("%s -> %s", desc, n.dtype)
}

func sourceRefs(src []*Node) string {
	parts := make([]string, len(src))
	for ii, s := range src {
		parts[ii] = fmt.Sprintf("#%d", s.scopeIdx)
	}
	return strings.Join(parts, ", ")
}
