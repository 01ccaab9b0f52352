// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metal

import (
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
	require.Equal(t, 4, rendered.VectorWidth)
	goldie.New(t).Assert(t, "add4x4", []byte(rendered.Source))
}

func TestRenderIota(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.I32, 0))
	gidx := must.M1(s.Special("gidx0", 8))
	root := must.M1(s.Store(out, gidx, gidx))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "iota8", lower.Options{}))

	rendered := render(t, k)
	goldie.New(t).Assert(t, "iota8", []byte(rendered.Source))
}

func TestRenderHalf(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F16, 0))
	x := must.M1(s.Empty(kir.F16, 1))
	gidx := must.M1(s.Special("gidx0", 6))
	scaled := must.M1(s.Mul(
		must.M1(s.Load(x, gidx, kir.F16)),
		must.M1(s.Const(kir.F16, 2.5))))
	root := must.M1(s.Store(out, gidx, scaled))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "half_scale", lower.Options{}))

	// 6 elements pack at width 2, not 4.
	require.Equal(t, 2, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "half_scale", []byte(rendered.Source))
}

func TestRenderAxesOnly(t *testing.T) {
	s := kir.NewScope()
	g0 := must.M1(s.Special("gidx0", 16))
	g1 := must.M1(s.Special("gidx1", 16))
	k := must.M1(lower.Lower(s, []*kir.Node{g0, g1}, "axes_only", lower.Options{}))

	rendered := render(t, k)
	require.Equal(t, [3]int{16, 16, 1}, rendered.LaunchDims)
	goldie.New(t).Assert(t, "axes_only", []byte(rendered.Source))
}

func TestRenderRejectsFloat64(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F64, 0))
	x := must.M1(s.Empty(kir.F64, 1))
	gidx := must.M1(s.Special("gidx0", 4))
	root := must.M1(s.Store(out, gidx, must.M1(s.Load(x, gidx, kir.F64))))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "copy64", lower.Options{}))

	rendered, err := New().Render(k)
	require.Nil(t, rendered, "no partial source on error")
	var uErr *renderers.UnsupportedOpError
	require.ErrorAs(t, err, &uErr)
	require.Equal(t, Name, uErr.Renderer)
	require.Equal(t, "copy64", uErr.Kernel)
}

func TestRenderRejectsShadowingAxis(t *testing.T) {
	s := kir.NewScope()
	g := must.M1(s.Special("gid", 4))
	k := must.M1(lower.Lower(s, []*kir.Node{g}, "shadow", lower.Options{}))

	_, err := New().Render(k)
	require.ErrorContains(t, err, "shadows")
}
