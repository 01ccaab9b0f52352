// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgsl

import (
	"math"
	"testing"

	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/janpfeifer/must"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, k *lower.Kernel) *renderers.Kernel {
	t.Helper()
	rendered, err := New().Render(k)
	require.NoError(t, err)
	require.Equal(t, Name, rendered.Renderer)
	require.Equal(t, k.Name, rendered.EntryName)
	return rendered
}

func TestRenderAdd4x4(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	b := must.M1(s.Empty(kir.F32, 2))
	gidx := must.M1(s.Special("gidx0", 16))
	sum := must.M1(s.Add(
		must.M1(s.Load(a, gidx, kir.F32)),
		must.M1(s.Load(b, gidx, kir.F32))))
	root := must.M1(s.Store(out, gidx, sum))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "add4x4", lower.Options{}))

	rendered := render(t, k)
	require.Equal(t, [3]int{4, 1, 1}, rendered.LaunchDims)
	goldie.New(t).Assert(t, "add4x4", []byte(rendered.Source))
}

func TestRenderRowSum(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	row := must.M1(s.Special("gidx0", 4))
	rowStride := must.M1(s.ConstInt(kir.I32, 4))
	first := must.M1(s.Load(a, must.M1(s.Mul(row, rowStride)), kir.F32))
	total := must.M1(s.Reduce(first, kir.OpAdd, 4, 1))
	root := must.M1(s.Store(out, row, total))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "rowsum", lower.Options{}))

	require.Equal(t, 1, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "rowsum", []byte(rendered.Source))
}

func TestRenderBroadcastLoad(t *testing.T) {
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
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "addbias", lower.Options{}))

	require.Equal(t, 4, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "addbias", []byte(rendered.Source))
}

// A scalar read of a buffer that is elsewhere read as a vector indexes the
// vector element and then the lane.
func TestRenderScalarReadOfVectorBuffer(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	a := must.M1(s.Empty(kir.F32, 1))
	gidx := must.M1(s.Special("gidx0", 8))
	zero := must.M1(s.ConstInt(kir.I32, 0))
	sum := must.M1(s.Add(
		must.M1(s.Load(a, gidx, kir.F32)),
		must.M1(s.Load(a, zero, kir.F32))))
	root := must.M1(s.Store(out, gidx, sum))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "first_plus", lower.Options{}))

	require.Equal(t, 4, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "first_plus", []byte(rendered.Source))
}

func TestRenderRejectsNonFinite(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F32, 0))
	x := must.M1(s.Empty(kir.F32, 1))
	gidx := must.M1(s.Special("gidx0", 4))
	clamped := must.M1(s.Max(
		must.M1(s.Load(x, gidx, kir.F32)),
		must.M1(s.Const(kir.F32, math.Inf(-1)))))
	root := must.M1(s.Store(out, gidx, clamped))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "noop_max", lower.Options{}))

	rendered, err := New().Render(k)
	require.Nil(t, rendered)
	var uErr *renderers.UnsupportedOpError
	require.ErrorAs(t, err, &uErr)
	require.Equal(t, kir.OpConst, uErr.Op)
}

func TestRenderRejectsFloat64(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F64, 0))
	x := must.M1(s.Empty(kir.F64, 1))
	gidx := must.M1(s.Special("gidx0", 4))
	root := must.M1(s.Store(out, gidx, must.M1(s.Load(x, gidx, kir.F64))))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "copy64", lower.Options{}))

	_, err := New().Render(k)
	var uErr *renderers.UnsupportedOpError
	require.ErrorAs(t, err, &uErr)
}
