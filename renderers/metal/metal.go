// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metal renders kernels to Metal Shading Language compute source.
//
// Buffers are device pointers annotated with [[buffer(i)]], grid axes come
// from the [[thread_position_in_grid]] builtin, and vector access uses
// typed pointer casts over the scalar buffer pointers. MSL has native
// vector arithmetic, so vector values render with the same operators as
// scalars.
//
// To use it, import it:
//
//	import _ "github.com/gomlx/kernelgen/renderers/metal"
package metal

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/gomlx/kernelgen/renderers/cstyle"
)

// Name of the renderer.
const Name = "metal"

// New returns the metal renderer.
func New() renderers.Renderer {
	return cstyle.New(dialect{cstyle.CLike{
		TypeNames:     typeNames,
		FloatSuffixes: floatSuffixes,
	}})
}

func init() {
	renderers.Register(Name, New)
}

// Capabilities of the metal dialect: the operations, data types and vector
// widths it can express.
var Capabilities = renderers.Capabilities{
	Operations: map[kir.OpType]bool{
		// Leaves:
		kir.OpConst:   true,
		kir.OpEmpty:   true,
		kir.OpSpecial: true,

		// Memory:
		kir.OpLoad:  true,
		kir.OpStore: true,

		// Computing ops:
		kir.OpAdd:       true,
		kir.OpSub:       true,
		kir.OpMul:       true,
		kir.OpMax:       true,
		kir.OpShl:       true,
		kir.OpCast:      true,
		kir.OpVectorize: true,
		kir.OpGep:       true,
	},

	DTypes: map[dtypes.DType]bool{
		dtypes.Float16: true,
		dtypes.Float32: true,
		dtypes.Int32:   true,
		dtypes.Uint32:  true,
	},

	VectorWidths: map[int]bool{2: true, 4: true},
	MaxAxes:      3,
}

var typeNames = map[kir.DType]string{
	kir.F16:        "half",
	kir.F16.Vec(2): "half2",
	kir.F16.Vec(4): "half4",
	kir.F32:        "float",
	kir.F32.Vec(2): "float2",
	kir.F32.Vec(4): "float4",
	kir.I32:        "int",
	kir.I32.Vec(2): "int2",
	kir.I32.Vec(4): "int4",
	kir.U32:        "uint",
	kir.U32.Vec(2): "uint2",
	kir.U32.Vec(4): "uint4",
}

var floatSuffixes = map[dtypes.DType]string{
	dtypes.Float16: "h",
	dtypes.Float32: "f",
}

type dialect struct {
	cstyle.CLike
}

func (dialect) Name() string { return Name }

func (dialect) Description() string {
	return "Metal Shading Language compute kernels (Apple GPUs)"
}

func (dialect) Capabilities() renderers.Capabilities { return Capabilities.Clone() }

func (dialect) Validate(*lower.Kernel) error { return nil }

func (dialect) Prologue(*lower.Kernel, map[int]int) []string {
	return []string{
		"#include <metal_stdlib>",
		"using namespace metal;",
	}
}

func (d dialect) Signature(k *lower.Kernel) []string {
	params := make([]string, 0, len(k.Buffers)+1)
	for _, buffer := range k.Buffers {
		params = append(params, fmt.Sprintf("%s%s* %s [[buffer(%d)]]",
			addrSpace(buffer), d.TypeName(buffer.DType), cstyle.BufferName(buffer), buffer.Index))
	}
	params = append(params, "uint3 gid [[thread_position_in_grid]]")
	return []string{
		fmt.Sprintf("[[max_total_threads_per_threadgroup(%d)]]", k.ItemsPerUnit()),
		fmt.Sprintf("kernel void %s(%s) {", k.Name, strings.Join(params, ", ")),
	}
}

// addrSpace returns the address space qualifier of a buffer parameter,
// const for the inputs.
func addrSpace(buffer lower.Buffer) string {
	if buffer.Output {
		return "device "
	}
	return "device const "
}

func (dialect) AxisDecl(axis lower.Axis) string {
	return fmt.Sprintf("  int %s = gid.%s; /* %d */",
		cstyle.AxisName(axis), cstyle.CompName(axis.Comp), axis.Extent)
}

func (d dialect) LoadExpr(buffer lower.Buffer, _ int, idx string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if !dtype.IsVector() {
		return fmt.Sprintf("%s[%s]", name, idx)
	}
	return fmt.Sprintf("*((%s%s*)(%s+%s))", addrSpace(buffer), d.TypeName(dtype), name, idx)
}

func (d dialect) StoreStmt(buffer lower.Buffer, _ int, idx, value string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if !dtype.IsVector() {
		return fmt.Sprintf("  %s[%s] = %s;", name, idx, value)
	}
	return fmt.Sprintf("  *((device %s*)(%s+%s)) = %s;", d.TypeName(dtype), name, idx, value)
}

func (d dialect) AluExpr(n *kir.Node, src []string) string {
	switch n.Op() {
	case kir.OpAdd:
		return fmt.Sprintf("(%s+%s)", src[0], src[1])
	case kir.OpSub:
		return fmt.Sprintf("(%s-%s)", src[0], src[1])
	case kir.OpMul:
		return fmt.Sprintf("(%s*%s)", src[0], src[1])
	case kir.OpMax:
		return fmt.Sprintf("max(%s, %s)", src[0], src[1])
	case kir.OpShl:
		return fmt.Sprintf("(%s<<%s)", src[0], src[1])
	case kir.OpCast:
		return fmt.Sprintf("%s(%s)", d.TypeName(n.DType()), src[0])
	case kir.OpVectorize:
		return fmt.Sprintf("%s(%s)", d.TypeName(n.DType()), strings.Join(src, ", "))
	case kir.OpGep:
		return src[0] + "." + cstyle.LaneName(n.Arg().(int))
	}
	exceptions.Panicf("metal cannot render op %s, the capability table should have rejected it, this is a bug", n.Op())
	return ""
}

func (dialect) ReservedIdents() []string {
	return []string{"gid"}
}
