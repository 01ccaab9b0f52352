// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lower

import "github.com/gomlx/kernelgen/kir"

// affineIndex is a memory index decomposed as an affine expression over
// the grid axes: a constant offset plus one integer coefficient per
// Special node. Anything that cannot be written this way (a gather through
// a loaded index, a product of two axes) is not affine and never
// vectorizes.
type affineIndex struct {
	offset int64
	coeffs map[*kir.Node]int64
}

func (a affineIndex) coeff(special *kir.Node) int64 {
	return a.coeffs[special]
}

// isConst reports whether the expression has no axis terms.
func (a affineIndex) isConst() bool {
	for _, c := range a.coeffs {
		if c != 0 {
			return false
		}
	}
	return true
}

// analyzeAffine decomposes an integer index expression. The second result
// is false when the expression is not affine over the Specials.
func analyzeAffine(n *kir.Node) (affineIndex, bool) {
	out := affineIndex{coeffs: make(map[*kir.Node]int64)}
	if !analyzeAffineInto(n, 1, &out) {
		return affineIndex{}, false
	}
	return out, true
}

func analyzeAffineInto(n *kir.Node, scale int64, out *affineIndex) bool {
	switch n.Op() {
	case kir.OpConst:
		v, ok := n.Arg().(int64)
		if !ok {
			return false
		}
		out.offset += scale * v
		return true
	case kir.OpSpecial:
		out.coeffs[n] += scale
		return true
	case kir.OpAdd:
		return analyzeAffineInto(n.Source(0), scale, out) &&
			analyzeAffineInto(n.Source(1), scale, out)
	case kir.OpSub:
		return analyzeAffineInto(n.Source(0), scale, out) &&
			analyzeAffineInto(n.Source(1), -scale, out)
	case kir.OpMul:
		// One side must be constant under the axes.
		for flip := 0; flip < 2; flip++ {
			factor, rest := n.Source(flip), n.Source(1-flip)
			sub, ok := analyzeAffine(factor)
			if !ok || !sub.isConst() {
				continue
			}
			return analyzeAffineInto(rest, scale*sub.offset, out)
		}
		return false
	case kir.OpShl:
		sub, ok := analyzeAffine(n.Source(1))
		if !ok || !sub.isConst() || sub.offset < 0 || sub.offset >= 63 {
			return false
		}
		return analyzeAffineInto(n.Source(0), scale*(1<<sub.offset), out)
	case kir.OpCast:
		if !n.DType().IsInteger() || !n.Source(0).DType().IsInteger() {
			return false
		}
		return analyzeAffineInto(n.Source(0), scale, out)
	}
	return false
}
