// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lower

import (
	"testing"

	"github.com/gomlx/kernelgen/kir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// buildAdd16 builds the canonical elementwise kernel: out[i] = a[i]+b[i]
// over 16 contiguous elements.
func buildAdd16(t *testing.T, s *kir.Scope) *kir.Node {
	t.Helper()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	b := must.M1(s.Empty(kir.F32, 2))
	gidx := must.M1(s.Special("gidx0", 16))
	sum := must.M1(s.Add(
		must.M1(s.Load(a, gidx, kir.F32)),
		must.M1(s.Load(b, gidx, kir.F32))))
	return must.M1(s.Store(out, gidx, sum))
}

func TestLowerVectorizes(t *testing.T) {
	s := kir.NewScope()
	root := buildAdd16(t, s)

	k, err := Lower(s, []*kir.Node{root}, "add4x4", Options{})
	require.NoError(t, err)

	require.Equal(t, "add4x4", k.Name)
	require.Equal(t, 4, k.VectorWidth)
	require.Equal(t, 4, k.Units)
	require.Equal(t, 16, k.Elements)
	require.Equal(t, 4, k.ItemsPerUnit())
	require.Equal(t, [3]int{4, 1, 1}, k.LaunchDims())

	require.Len(t, k.Axes, 1)
	require.Equal(t, 0, k.Axes[0].Comp)
	require.Equal(t, 4, k.Axes[0].Extent)
	require.Equal(t, "gidx0", k.Axes[0].Node.Arg().(kir.SpecialArg).Name)

	// Output first, then inputs by first reference.
	require.Len(t, k.Buffers, 3)
	require.True(t, k.Buffers[0].Output)
	require.Equal(t, 0, k.Buffers[0].Node.Arg())
	require.Equal(t, 1, k.Buffers[1].Node.Arg())
	require.Equal(t, 2, k.Buffers[2].Node.Arg())

	// The store root carries a width-4 value fed by width-4 loads over a
	// shifted index.
	require.Len(t, k.Roots, 1)
	store := k.Roots[0]
	require.Equal(t, kir.OpStore, store.Op())
	require.Equal(t, kir.F32.Vec(4), store.DType())
	idx := store.Source(1)
	require.Equal(t, kir.OpShl, idx.Op())
	require.Equal(t, int64(2), idx.Source(1).Arg())
	sum := store.Source(2)
	require.Equal(t, kir.OpAdd, sum.Op())
	require.Equal(t, kir.F32.Vec(4), sum.DType())
	for ii := 0; ii < 2; ii++ {
		load := sum.Source(ii)
		require.Equal(t, kir.OpLoad, load.Op())
		require.Equal(t, kir.F32.Vec(4), load.DType())
		require.Same(t, idx, load.Source(1), "loads and store share the interned index")
	}
}

func TestLowerScalarFallback(t *testing.T) {
	s := kir.NewScope()
	root := buildAdd16(t, s)

	k, err := Lower(s, []*kir.Node{root}, "add16", Options{DisableVectorize: true})
	require.NoError(t, err)
	require.Equal(t, 1, k.VectorWidth)
	require.Equal(t, 16, k.Units)
	require.Equal(t, 16, k.Elements)
	require.Equal(t, 1, k.ItemsPerUnit())
	require.Equal(t, [3]int{16, 1, 1}, k.LaunchDims())
	require.Same(t, root, k.Roots[0], "scalar lowering leaves the graph untouched")
}

func TestLowerWidthPolicy(t *testing.T) {
	s := kir.NewScope()
	root := buildAdd16(t, s)

	// First policy width that divides wins.
	k, err := Lower(s, []*kir.Node{root}, "k", Options{VectorWidths: []int{3, 2}})
	require.NoError(t, err)
	require.Equal(t, 2, k.VectorWidth)
	require.Equal(t, 8, k.Units)

	// No width divides: scalar.
	s2 := kir.NewScope()
	root2 := buildAdd16(t, s2)
	k2, err := Lower(s2, []*kir.Node{root2}, "k", Options{VectorWidths: []int{5}})
	require.NoError(t, err)
	require.Equal(t, 1, k2.VectorWidth)
	require.Equal(t, 16, k2.Units)
}

// A shift in the value path cannot take vector lanes, so no width is
// viable even though every memory access is contiguous: the kernel falls
// back to scalar instead of failing.
func TestLowerShiftValueStaysScalar(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.I32, 0))
	in := must.M1(s.Empty(kir.I32, 1))
	gidx := must.M1(s.Special("gidx0", 16))
	doubled := must.M1(s.Shl(must.M1(s.Load(in, gidx, kir.I32)), 1))
	root := must.M1(s.Store(out, gidx, doubled))

	k, err := Lower(s, []*kir.Node{root}, "shl2", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, k.VectorWidth)
	require.Equal(t, 16, k.Units)
	require.Same(t, root, k.Roots[0])
}

// Values that already carry lanes pin their layout: packing would re-lane
// the load and the Gep, so those plans are rejected and the kernel stays
// scalar.
func TestLowerVectorValueStaysScalar(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	in := must.M1(s.Empty(kir.F32, 1))
	gidx := must.M1(s.Special("gidx0", 8))
	pair := must.M1(s.Load(in, gidx, kir.F32.Vec(2)))
	root := must.M1(s.Store(out, gidx, must.M1(s.Gep(pair, 0))))

	k, err := Lower(s, []*kir.Node{root}, "firstlane", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, k.VectorWidth)
	require.Equal(t, 8, k.Units)
	require.Same(t, root, k.Roots[0])
}

func TestLowerTwoAxes(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	row := must.M1(s.Special("gidx0", 8))
	col := must.M1(s.Special("gidx1", 16))
	// Row-major flat index: row*16 + col.
	rowStride := must.M1(s.ConstInt(kir.I32, 16))
	idx := must.M1(s.Add(must.M1(s.Mul(row, rowStride)), col))
	val := must.M1(s.Load(a, idx, kir.F32))
	root := must.M1(s.Store(out, idx, val))

	k, err := Lower(s, []*kir.Node{root}, "copy2d", Options{})
	require.NoError(t, err)

	// The innermost contiguous axis (col) packs; row is untouched.
	require.Equal(t, 4, k.VectorWidth)
	require.Len(t, k.Axes, 2)
	require.Equal(t, 0, k.Axes[0].Comp)
	require.Equal(t, 8, k.Axes[0].Extent)
	require.Equal(t, 1, k.Axes[1].Comp)
	require.Equal(t, 4, k.Axes[1].Extent)
	require.Equal(t, [3]int{8, 4, 1}, k.LaunchDims())
	require.Equal(t, 32, k.Units)
	require.Equal(t, 128, k.Elements)
}

func TestLowerBroadcastLoadStaysScalar(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	bias := must.M1(s.Empty(kir.F32, 2))
	row := must.M1(s.Special("gidx0", 4))
	col := must.M1(s.Special("gidx1", 8))
	rowStride := must.M1(s.ConstInt(kir.I32, 8))
	idx := must.M1(s.Add(must.M1(s.Mul(row, rowStride)), col))
	sum := must.M1(s.Add(
		must.M1(s.Load(a, idx, kir.F32)),
		must.M1(s.Load(bias, row, kir.F32))))
	root := must.M1(s.Store(out, idx, sum))

	k, err := Lower(s, []*kir.Node{root}, "addbias", Options{})
	require.NoError(t, err)
	require.Equal(t, 4, k.VectorWidth)

	sum = k.Roots[0].Source(2)
	require.Equal(t, kir.F32.Vec(4), sum.DType())
	require.Equal(t, kir.F32.Vec(4), sum.Source(0).DType(), "contiguous load widens")
	require.Equal(t, kir.F32, sum.Source(1).DType(), "per-row load stays scalar and broadcasts")
}

func TestLowerConstantFillBroadcasts(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	gidx := must.M1(s.Special("gidx0", 8))
	one := must.M1(s.Const(kir.F32, 1))
	root := must.M1(s.Store(out, gidx, one))

	k, err := Lower(s, []*kir.Node{root}, "fill", Options{})
	require.NoError(t, err)
	require.Equal(t, 4, k.VectorWidth)
	value := k.Roots[0].Source(2)
	require.Equal(t, kir.OpVectorize, value.Op())
	require.Equal(t, kir.F32.Vec(4), value.DType())
	for ii := 0; ii < 4; ii++ {
		require.Same(t, one, value.Source(ii))
	}
}

func TestLowerAxisAsDataExpandsLanes(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.I32, 0))
	gidx := must.M1(s.Special("gidx0", 8))
	root := must.M1(s.Store(out, gidx, gidx))

	k, err := Lower(s, []*kir.Node{root}, "iota", Options{})
	require.NoError(t, err)
	require.Equal(t, 4, k.VectorWidth)
	value := k.Roots[0].Source(2)
	require.Equal(t, kir.OpVectorize, value.Op())
	require.Equal(t, kir.I32.Vec(4), value.DType())
	// Lane 0 is the shifted base, lane l adds l.
	require.Same(t, k.Roots[0].Source(1), value.Source(0))
	lane1 := value.Source(1)
	require.Equal(t, kir.OpAdd, lane1.Op())
	require.Equal(t, int64(1), lane1.Source(1).Arg())
}

func TestLowerDeclarationOnly(t *testing.T) {
	s := kir.NewScope()
	g0 := must.M1(s.Special("gidx0", 16))
	g1 := must.M1(s.Special("gidx1", 16))

	k, err := Lower(s, []*kir.Node{g0, g1}, "axes_only", Options{})
	require.NoError(t, err)
	require.Len(t, k.Axes, 2)
	require.Equal(t, 0, k.Axes[0].Comp)
	require.Equal(t, 1, k.Axes[1].Comp)
	require.Empty(t, k.Buffers)
	require.Equal(t, 256, k.Units)
	require.Equal(t, 1, k.ItemsPerUnit())
	require.Equal(t, [3]int{16, 16, 1}, k.LaunchDims())
}

func TestLowerRejectsBadRoots(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	gidx := must.M1(s.Special("gidx0", 4))
	one := must.M1(s.Const(kir.F32, 1))
	store := must.M1(s.Store(out, gidx, one))

	var lErr *LoweringError

	// A non-store, non-special root.
	_, err := Lower(s, []*kir.Node{one}, "bad", Options{})
	require.ErrorAs(t, err, &lErr)

	// Two stores.
	out2 := must.M1(s.Empty(kir.F32, 1))
	store2 := must.M1(s.Store(out2, gidx, one))
	_, err = Lower(s, []*kir.Node{store, store2}, "bad", Options{})
	require.ErrorAs(t, err, &lErr)
	require.Contains(t, lErr.Reason, "single store")

	// A store mixed with extra roots.
	_, err = Lower(s, []*kir.Node{store, gidx}, "bad", Options{})
	require.ErrorAs(t, err, &lErr)

	// No roots at all.
	_, err = Lower(s, nil, "bad", Options{})
	require.ErrorAs(t, err, &lErr)
}

func TestLowerTooManyAxes(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	idx := must.M1(s.Special("gidx0", 2))
	for ii := 1; ii < 4; ii++ {
		next := must.M1(s.Special("gidx"+string(rune('0'+ii)), 2))
		idx = must.M1(s.Add(idx, next))
	}
	one := must.M1(s.Const(kir.F32, 1))
	root := must.M1(s.Store(out, idx, one))

	_, err := Lower(s, []*kir.Node{root}, "grid4d", Options{})
	var lErr *LoweringError
	require.ErrorAs(t, err, &lErr)
	require.Contains(t, lErr.Reason, "at most 3 grid axes")
	require.Equal(t, "grid4d", lErr.Kernel)
}

func TestLowerDuplicateAxisNames(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Special("gidx0", 4))
	b := must.M1(s.Special("gidx0", 8))
	one := must.M1(s.Const(kir.F32, 1))
	root := must.M1(s.Store(out, must.M1(s.Add(a, b)), one))

	_, err := Lower(s, []*kir.Node{root}, "dup", Options{})
	var lErr *LoweringError
	require.ErrorAs(t, err, &lErr)
	require.Contains(t, lErr.Reason, "gidx0")
}

func TestLowerUnrollsReduce(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	row := must.M1(s.Special("gidx0", 4))
	rowStride := must.M1(s.ConstInt(kir.I32, 4))
	first := must.M1(s.Load(a, must.M1(s.Mul(row, rowStride)), kir.F32))
	total := must.M1(s.Reduce(first, kir.OpAdd, 4, 1))
	root := must.M1(s.Store(out, row, total))

	k, err := Lower(s, []*kir.Node{root}, "rowsum", Options{})
	require.NoError(t, err)

	// Row loads have stride 1 over a row-strided base: never contiguous in
	// the output axis, so the kernel stays scalar.
	require.Equal(t, 1, k.VectorWidth)

	// The reduce became a left-leaning chain of adds over 4 loads.
	value := k.Roots[0].Source(2)
	loads := 0
	for _, n := range preOrder([]*kir.Node{value}) {
		switch n.Op() {
		case kir.OpReduce:
			t.Fatalf("reduce survived lowering: %s", n)
		case kir.OpLoad:
			loads++
		}
	}
	require.Equal(t, 4, loads)
	require.Equal(t, kir.OpAdd, value.Op())
}

func TestLowerReduceExtentLimit(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	row := must.M1(s.Special("gidx0", 2))
	first := must.M1(s.Load(a, row, kir.F32))
	total := must.M1(s.Reduce(first, kir.OpAdd, MaxReduceExtent+1, 1))
	root := must.M1(s.Store(out, row, total))

	_, err := Lower(s, []*kir.Node{root}, "toolong", Options{})
	var lErr *LoweringError
	require.ErrorAs(t, err, &lErr)
	require.Contains(t, lErr.Reason, "unroll limit")
}

func TestLowerSanitizesName(t *testing.T) {
	s := kir.NewScope()
	g := must.M1(s.Special("gidx0", 4))
	k, err := Lower(s, []*kir.Node{g}, "my kernel/v2", Options{})
	require.NoError(t, err)
	require.Equal(t, "my_kernel_v2", k.Name)

	k, err = Lower(s, []*kir.Node{g}, "4x4", Options{})
	require.NoError(t, err)
	require.Equal(t, "k4x4", k.Name)
}
