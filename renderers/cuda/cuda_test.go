// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

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
	goldie.New(t).Assert(t, "add4x4", []byte(rendered.Source))

	// Rendering is pure: a second pass is byte-identical.
	again := render(t, k)
	require.Equal(t, rendered.Source, again.Source)
}

func TestRenderDoubleMax(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F64, 0))
	x := must.M1(s.Empty(kir.F64, 1))
	gidx := must.M1(s.Special("gidx0", 5))
	clamped := must.M1(s.Max(
		must.M1(s.Load(x, gidx, kir.F64)),
		must.M1(s.Const(kir.F64, 0.5))))
	root := must.M1(s.Store(out, gidx, clamped))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "clamp_floor", lower.Options{}))

	// 5 elements fit no policy width: scalar kernel.
	require.Equal(t, 1, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "clamp_floor", []byte(rendered.Source))
}

func TestRenderPerLaneCast(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.U32, 0))
	x := must.M1(s.Empty(kir.F32, 1))
	gidx := must.M1(s.Special("gidx0", 8))
	cast := must.M1(s.Cast(must.M1(s.Load(x, gidx, kir.F32)), kir.U32))
	root := must.M1(s.Store(out, gidx, cast))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "cast4", lower.Options{}))

	require.Equal(t, 4, k.VectorWidth)
	rendered := render(t, k)
	goldie.New(t).Assert(t, "cast4", []byte(rendered.Source))
}

func TestRenderRejectsHalf(t *testing.T) {
	s := kir.NewScope()
	out := must.M1(s.Empty(kir.F16, 0))
	x := must.M1(s.Empty(kir.F16, 1))
	gidx := must.M1(s.Special("gidx0", 4))
	root := must.M1(s.Store(out, gidx, must.M1(s.Load(x, gidx, kir.F16))))
	k := must.M1(lower.Lower(s, []*kir.Node{root}, "copy16", lower.Options{}))

	rendered, err := New().Render(k)
	require.Nil(t, rendered)
	var uErr *renderers.UnsupportedOpError
	require.ErrorAs(t, err, &uErr)
	require.Equal(t, Name, uErr.Renderer)
}
