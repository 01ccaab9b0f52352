// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lower

import (
	"math/bits"

	"github.com/gomlx/kernelgen/kir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// vectorize tries to pack consecutive elements of the kernel's contiguous
// axis into vector memory accesses. Widths are tried in policy order; the
// first one the kernel's accesses and value path support wins. When none
// fits, the kernel stays scalar -- that is a fallback, not an error.
//
// The transform shrinks the contiguous axis by the width and rewrites the
// body with shifted indexes and vector dtypes, so 16 units of scalar work
// become 4 units of width-4 vector work.
func vectorize(scope *kir.Scope, root *kir.Node, axes []Axis, widths []int, name string) (*kir.Node, []Axis, int, error) {
	if len(axes) == 0 {
		return root, axes, 1, nil
	}
	plan, found := planVectorize(root, axes, widths)
	if !found {
		return root, axes, 1, nil
	}

	newRoot, err := applyVectorize(scope, root, plan, name)
	if err != nil {
		return nil, nil, 0, err
	}
	newAxes, err := collectAxes([]*kir.Node{newRoot}, name)
	if err != nil {
		return nil, nil, 0, err
	}
	klog.V(1).Infof("lower: kernel %q: packed axis %q at width %d",
		name, plan.inner.Arg().(kir.SpecialArg).Name, plan.width)
	return newRoot, newAxes, plan.width, nil
}

// vectorPlan is a viable packing: the contiguous axis and the chosen
// width.
type vectorPlan struct {
	inner *kir.Node
	width int
}

// planVectorize decides whether any policy width fits the kernel's memory
// accesses and value path. The store's index picks the contiguous axis:
// the Special with coefficient 1, preferring the innermost (last assigned)
// axis when several qualify.
func planVectorize(root *kir.Node, axes []Axis, widths []int) (vectorPlan, bool) {
	storeIdx, ok := analyzeAffine(root.Source(1))
	if !ok {
		return vectorPlan{}, false
	}
	loads := collectLoads(root)

	for _, width := range widths {
		if width < 2 {
			continue
		}
		for ii := len(axes) - 1; ii >= 0; ii-- {
			inner := axes[ii].Node
			if storeIdx.coeff(inner) != 1 {
				continue
			}
			if !packable(storeIdx, inner, axes[ii].Extent, width) {
				continue
			}
			if !loadsPackable(loads, inner, axes[ii].Extent, width) {
				continue
			}
			if !valuePackable(root.Source(2), inner) {
				continue
			}
			return vectorPlan{inner: inner, width: width}, true
		}
	}
	return vectorPlan{}, false
}

// packable reports whether an access with the given affine index stays
// aligned when the inner axis is packed by width: the axis extent, every
// other coefficient and the constant offset must all divide by width.
func packable(idx affineIndex, inner *kir.Node, extent, width int) bool {
	if extent%width != 0 {
		return false
	}
	if idx.offset%int64(width) != 0 {
		return false
	}
	for special, c := range idx.coeffs {
		if special == inner || c == 0 {
			continue
		}
		if c%int64(width) != 0 {
			return false
		}
	}
	return true
}

// loadsPackable checks every load: it must either be contiguous over the
// inner axis like the store (coefficient 1) or not touch the axis at all
// (coefficient 0; it stays scalar and broadcasts).
func loadsPackable(loads []*kir.Node, inner *kir.Node, extent, width int) bool {
	for _, load := range loads {
		idx, ok := analyzeAffine(load.Source(1))
		if !ok {
			return false
		}
		switch idx.coeff(inner) {
		case 0:
			// Independent of the packed axis, loaded once per unit. The
			// axis must not appear structurally either (terms that cancel
			// would keep the unpacked axis alive in the rebuilt graph).
			if referencesNode(load.Source(1), inner) {
				return false
			}
		case 1:
			if !packable(idx, inner, extent, width) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func referencesNode(root, target *kir.Node) bool {
	for _, n := range preOrder([]*kir.Node{root}) {
		if n == target {
			return true
		}
	}
	return false
}

// valuePackable reports whether the store's value expression survives
// widening over the inner axis. A node widens when it depends on the axis
// through data, mirroring rebuildValue; ops that only take scalars (Shl)
// or fix their lane layout (Vectorize, Gep), and loads that already carry
// lanes, cannot widen, so a plan that would widen one is not viable.
func valuePackable(value, inner *kir.Node) bool {
	ok := true
	widens := make(map[*kir.Node]bool)
	var visit func(n *kir.Node) bool
	visit = func(n *kir.Node) bool {
		if w, found := widens[n]; found {
			return w
		}
		var w bool
		switch n.Op() {
		case kir.OpConst, kir.OpEmpty:
			// Never widened.
		case kir.OpSpecial:
			w = n == inner
		case kir.OpLoad:
			// The load's index is rebuilt scalar; only the load itself
			// widens, and only when the index moves with the axis.
			idx, affine := analyzeAffine(n.Source(1))
			w = affine && idx.coeff(inner) != 0
			if w && n.DType().IsVector() {
				ok = false
			}
		default:
			for _, source := range n.Sources() {
				if visit(source) {
					w = true
				}
			}
			if w {
				switch n.Op() {
				case kir.OpShl, kir.OpVectorize, kir.OpGep:
					ok = false
				}
			}
		}
		widens[n] = w
		return w
	}
	visit(value)
	return ok
}

func collectLoads(root *kir.Node) []*kir.Node {
	var loads []*kir.Node
	for _, n := range preOrder([]*kir.Node{root}) {
		if n.Op() == kir.OpLoad {
			loads = append(loads, n)
		}
	}
	return loads
}

// applyVectorize rebuilds the kernel graph under the plan. Indexes get the
// inner axis replaced by the shrunk axis scaled back to element units
// (idx << log2(width), or a multiply for non-power-of-two widths); values
// get vector dtypes, with the inner axis itself expanding to a per-lane
// Vectorize when it appears as data.
func applyVectorize(scope *kir.Scope, root *kir.Node, plan vectorPlan, name string) (*kir.Node, error) {
	arg := plan.inner.Arg().(kir.SpecialArg)
	packed, err := scope.Special(arg.Name, arg.Extent/plan.width)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: packing axis %q", name, arg.Name)
	}
	base, err := scaleIndex(scope, packed, plan.width)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: packing axis %q", name, arg.Name)
	}

	v := &vectorizer{
		scope:     scope,
		inner:     plan.inner,
		base:      base,
		width:     plan.width,
		name:      name,
		indexMemo: make(map[*kir.Node]*kir.Node),
		valueMemo: make(map[*kir.Node]*kir.Node),
	}

	out, idx, value := root.Source(0), root.Source(1), root.Source(2)
	newIdx, err := v.rebuildIndex(idx)
	if err != nil {
		return nil, err
	}
	newValue, err := v.rebuildValue(value)
	if err != nil {
		return nil, err
	}
	if !newValue.DType().IsVector() {
		// The stored value must cover all lanes; a uniform value is
		// widened explicitly.
		newValue, err = v.broadcast(newValue)
		if err != nil {
			return nil, err
		}
	}
	newRoot, err := scope.Store(out, newIdx, newValue)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: rebuilding the store", name)
	}
	return newRoot, nil
}

// scaleIndex returns packed scaled back to element units: a left shift for
// power-of-two widths, a multiply otherwise.
func scaleIndex(scope *kir.Scope, packed *kir.Node, width int) (*kir.Node, error) {
	if width&(width-1) == 0 {
		return scope.Shl(packed, int64(bits.TrailingZeros(uint(width))))
	}
	w, err := scope.ConstInt(packed.DType(), int64(width))
	if err != nil {
		return nil, err
	}
	return scope.Mul(packed, w)
}

type vectorizer struct {
	scope *kir.Scope
	inner *kir.Node // the original contiguous axis.
	base  *kir.Node // the packed axis scaled back to element units.
	width int
	name  string

	indexMemo map[*kir.Node]*kir.Node
	valueMemo map[*kir.Node]*kir.Node
}

// rebuildIndex substitutes the inner axis with the scaled packed axis.
// Index expressions stay scalar.
func (v *vectorizer) rebuildIndex(n *kir.Node) (*kir.Node, error) {
	if n == v.inner {
		return v.base, nil
	}
	if out, found := v.indexMemo[n]; found {
		return out, nil
	}
	src := n.Sources()
	newSrc := make([]*kir.Node, len(src))
	changed := false
	for ii, source := range src {
		out, err := v.rebuildIndex(source)
		if err != nil {
			return nil, err
		}
		newSrc[ii] = out
		changed = changed || out != source
	}
	out := n
	if changed {
		var err error
		out, err = v.scope.Node(n.Op(), n.DType(), newSrc, n.Arg())
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: rebuilding index %s", v.name, n.Op())
		}
	}
	v.indexMemo[n] = out
	return out, nil
}

// rebuildValue widens the value expression to the vector width. Loads over
// the packed axis become vector loads, loads independent of it stay scalar
// and broadcast through the ALU ops, and the axis itself becomes a
// per-lane vector when used as data.
func (v *vectorizer) rebuildValue(n *kir.Node) (*kir.Node, error) {
	if out, found := v.valueMemo[n]; found {
		return out, nil
	}
	out, err := v.rebuildValueUncached(n)
	if err != nil {
		return nil, err
	}
	v.valueMemo[n] = out
	return out, nil
}

func (v *vectorizer) rebuildValueUncached(n *kir.Node) (*kir.Node, error) {
	switch n.Op() {
	case kir.OpConst, kir.OpEmpty:
		return n, nil

	case kir.OpSpecial:
		if n != v.inner {
			return n, nil
		}
		return v.lanes()

	case kir.OpLoad:
		idx, ok := analyzeAffine(n.Source(1))
		if !ok || idx.coeff(v.inner) == 0 {
			return n, nil
		}
		newIdx, err := v.rebuildIndex(n.Source(1))
		if err != nil {
			return nil, err
		}
		load, err := v.scope.Load(n.Source(0), newIdx, n.DType().Vec(v.width))
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: widening load", v.name)
		}
		return load, nil
	}

	// ALU ops rebuild with widened sources; the result lane count follows
	// from the sources.
	src := n.Sources()
	newSrc := make([]*kir.Node, len(src))
	lanes := 1
	for ii, source := range src {
		out, err := v.rebuildValue(source)
		if err != nil {
			return nil, err
		}
		newSrc[ii] = out
		lanes = max(lanes, out.DType().Lanes)
	}
	dtype := kir.DType{Base: n.DType().Base, Lanes: lanes}
	out, err := v.scope.Node(n.Op(), dtype, newSrc, n.Arg())
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: widening %s", v.name, n.Op())
	}
	return out, nil
}

// lanes builds the per-lane expansion of the inner axis used as data:
// lane l holds base+l, the element index that lane addresses.
func (v *vectorizer) lanes() (*kir.Node, error) {
	parts := make([]*kir.Node, v.width)
	parts[0] = v.base
	for l := 1; l < v.width; l++ {
		offset, err := v.scope.ConstInt(v.base.DType(), int64(l))
		if err != nil {
			return nil, err
		}
		parts[l], err = v.scope.Add(v.base, offset)
		if err != nil {
			return nil, err
		}
	}
	vec, err := v.scope.Vectorize(parts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: expanding axis lanes", v.name)
	}
	return vec, nil
}

// broadcast widens a uniform scalar value to the vector width by
// replicating it per lane.
func (v *vectorizer) broadcast(n *kir.Node) (*kir.Node, error) {
	parts := make([]*kir.Node, v.width)
	for ii := range parts {
		parts[ii] = n
	}
	vec, err := v.scope.Vectorize(parts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering %q: broadcasting the stored value", v.name)
	}
	return vec, nil
}
