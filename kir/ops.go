// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kir

// Convenience constructors. They all funnel through Scope.Node, so they
// validate and intern the same way.

// Const builds a floating point constant. The value is rounded to the
// precision of dtype before interning, so two constants that are equal at
// that precision are the same node.
func (s *Scope) Const(dtype DType, value float64) (*Node, error) {
	return s.Node(OpConst, dtype, nil, value)
}

// ConstInt builds an integer constant. The value wraps around to the width
// of dtype before interning.
func (s *Scope) ConstInt(dtype DType, value int64) (*Node, error) {
	return s.Node(OpConst, dtype, nil, value)
}

// ConstBool builds a boolean constant.
func (s *Scope) ConstBool(value bool) (*Node, error) {
	return s.Node(OpConst, Bool, nil, value)
}

// Special builds a named grid axis with the given extent. Axes are always
// int32.
func (s *Scope) Special(name string, extent int) (*Node, error) {
	return s.Node(OpSpecial, I32, nil, SpecialArg{Name: name, Extent: extent})
}

// Empty builds a buffer placeholder. The tag distinguishes different
// buffers of the same dtype: two Empty nodes with the same dtype and tag
// are the same buffer.
func (s *Scope) Empty(dtype DType, tag int) (*Node, error) {
	return s.Node(OpEmpty, dtype, nil, tag)
}

// Load reads one value of the given dtype from buffer at index. A vector
// dtype reads dtype.Lanes consecutive elements starting at index.
func (s *Scope) Load(buffer, index *Node, dtype DType) (*Node, error) {
	if buffer == nil || index == nil {
		return nil, constructionErrorf(OpLoad, "nil source")
	}
	return s.Node(OpLoad, dtype, []*Node{buffer, index}, nil)
}

// Store writes value into buffer at index. The node's dtype is the stored
// value's dtype.
func (s *Scope) Store(buffer, index, value *Node) (*Node, error) {
	if buffer == nil || index == nil || value == nil {
		return nil, constructionErrorf(OpStore, "nil source")
	}
	return s.Node(OpStore, value.dtype, []*Node{buffer, index, value}, nil)
}

// Cast converts x to dtype, preserving the lane count.
func (s *Scope) Cast(x *Node, dtype DType) (*Node, error) {
	if x == nil {
		return nil, constructionErrorf(OpCast, "nil source")
	}
	return s.Node(OpCast, dtype, []*Node{x}, nil)
}

// Add builds x+y. Sources must share the base type; one side may be scalar
// while the other is a vector, in which case it broadcasts.
func (s *Scope) Add(x, y *Node) (*Node, error) { return s.binaryOp(OpAdd, x, y) }

// Sub builds x-y. See Add for the dtype rules.
func (s *Scope) Sub(x, y *Node) (*Node, error) { return s.binaryOp(OpSub, x, y) }

// Mul builds x*y. See Add for the dtype rules.
func (s *Scope) Mul(x, y *Node) (*Node, error) { return s.binaryOp(OpMul, x, y) }

// Max builds max(x,y). See Add for the dtype rules.
func (s *Scope) Max(x, y *Node) (*Node, error) { return s.binaryOp(OpMax, x, y) }

func (s *Scope) binaryOp(op OpType, x, y *Node) (*Node, error) {
	if x == nil || y == nil {
		return nil, constructionErrorf(op, "nil source")
	}
	dtype := x.dtype
	if y.dtype.Lanes > dtype.Lanes {
		dtype = y.dtype
	}
	return s.Node(op, dtype, []*Node{x, y}, nil)
}

// Shl builds x << bits, with bits a constant. Only scalar integers shift.
func (s *Scope) Shl(x *Node, bits int64) (*Node, error) {
	if x == nil {
		return nil, constructionErrorf(OpShl, "nil source")
	}
	if !isScalarInt(x.dtype) {
		return nil, constructionErrorf(OpShl, "shifts scalar integers, got %s", x.dtype)
	}
	c, err := s.ConstInt(x.dtype, bits)
	if err != nil {
		return nil, err
	}
	return s.Node(OpShl, x.dtype, []*Node{x, c}, nil)
}

// Reduce combines extent elements with op (OpAdd or OpMax), starting at
// x (which must be a Load) and stepping stride elements at a time.
func (s *Scope) Reduce(x *Node, op OpType, extent, stride int) (*Node, error) {
	if x == nil {
		return nil, constructionErrorf(OpReduce, "nil source")
	}
	return s.Node(OpReduce, x.dtype, []*Node{x}, ReduceArg{Op: op, Extent: extent, Stride: stride})
}

// Vectorize packs two or more scalar values of the same base type into one
// vector value.
func (s *Scope) Vectorize(parts ...*Node) (*Node, error) {
	if len(parts) < 2 {
		return nil, constructionErrorf(OpVectorize, "takes at least 2 sources, got %d", len(parts))
	}
	for _, part := range parts {
		if part == nil {
			return nil, constructionErrorf(OpVectorize, "nil source")
		}
	}
	dtype := DType{Base: parts[0].dtype.Base, Lanes: len(parts)}
	return s.Node(OpVectorize, dtype, parts, nil)
}

// Gep extracts one lane of a vector value.
func (s *Scope) Gep(vec *Node, lane int) (*Node, error) {
	if vec == nil {
		return nil, constructionErrorf(OpGep, "nil source")
	}
	return s.Node(OpGep, vec.dtype.Scalar(), []*Node{vec}, lane)
}
