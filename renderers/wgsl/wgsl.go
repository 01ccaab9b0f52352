// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wgsl renders kernels to WebGPU Shading Language compute source.
//
// Buffers are module-scope storage bindings typed at the lane count the
// kernel accesses them with (array<vec4<f32>> for width-4 access), so
// element indexes are re-scaled at the access site instead of through
// pointer casts. Locals are untyped let declarations.
//
// WGSL has no non-finite literals; kernels holding an infinity or NaN
// constant fail with *renderers.UnsupportedOpError.
//
// To use it, import it:
//
//	import _ "github.com/gomlx/kernelgen/renderers/wgsl"
package wgsl

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/gomlx/kernelgen/renderers/cstyle"
)

// Name of the renderer.
const Name = "wgsl"

// New returns the wgsl renderer.
func New() renderers.Renderer {
	return cstyle.New(dialect{})
}

func init() {
	renderers.Register(Name, New)
}

// Capabilities of the wgsl dialect: the operations, data types and vector
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
		dtypes.Float32: true,
		dtypes.Int32:   true,
		dtypes.Uint32:  true,
	},

	VectorWidths: map[int]bool{2: true, 4: true},
	MaxAxes:      3,
}

var scalarNames = map[dtypes.DType]string{
	dtypes.Float32: "f32",
	dtypes.Int32:   "i32",
	dtypes.Uint32:  "u32",
}

func typeName(dtype kir.DType) string {
	base, found := scalarNames[dtype.Base]
	if !found {
		exceptions.Panicf("no wgsl type name for %s, the capability table should have rejected it, this is a bug", dtype)
	}
	if dtype.IsVector() {
		return fmt.Sprintf("vec%d<%s>", dtype.Lanes, base)
	}
	return base
}

type dialect struct{}

func (dialect) Name() string { return Name }

func (dialect) Description() string {
	return "WebGPU Shading Language compute kernels (browser and wgpu runtimes)"
}

func (dialect) Capabilities() renderers.Capabilities { return Capabilities.Clone() }

// Validate rejects non-finite float constants, which WGSL cannot write as
// literals.
func (dialect) Validate(k *lower.Kernel) error {
	for _, n := range k.Nodes() {
		if n.Op() != kir.OpConst {
			continue
		}
		if v, ok := n.Arg().(float64); ok && (math.IsInf(v, 0) || math.IsNaN(v)) {
			return &renderers.UnsupportedOpError{
				Renderer: Name,
				Kernel:   k.Name,
				Op:       kir.OpConst,
				Reason:   fmt.Sprintf("wgsl has no literal for non-finite constant %v", v),
			}
		}
	}
	return nil
}

func (dialect) Prologue(k *lower.Kernel, lanes map[int]int) []string {
	lines := make([]string, 0, len(k.Buffers))
	for _, buffer := range k.Buffers {
		access := "read"
		if buffer.Output {
			access = "read_write"
		}
		element := buffer.DType
		if lanes[buffer.Index] > 1 {
			element = element.Vec(lanes[buffer.Index])
		}
		lines = append(lines, fmt.Sprintf("@group(0) @binding(%d) var<storage, %s> %s: array<%s>;",
			buffer.Index, access, cstyle.BufferName(buffer), typeName(element)))
	}
	return lines
}

func (dialect) Signature(k *lower.Kernel) []string {
	return []string{
		fmt.Sprintf("@compute @workgroup_size(%d)", k.ItemsPerUnit()),
		fmt.Sprintf("fn %s(@builtin(global_invocation_id) gid: vec3<u32>) {", k.Name),
	}
}

func (dialect) AxisDecl(axis lower.Axis) string {
	return fmt.Sprintf("  let %s = i32(gid.%s); /* %d */",
		cstyle.AxisName(axis), cstyle.CompName(axis.Comp), axis.Extent)
}

func (dialect) Decl(_ kir.DType, name, expr string) string {
	return "  let " + name + " = " + expr + ";"
}

func (dialect) Literal(n *kir.Node) string {
	dtype := n.DType()
	switch v := n.Arg().(type) {
	case float64:
		return cstyle.FloatText(v, 32)
	case int64:
		if dtype.Base == dtypes.Uint32 {
			return strconv.FormatInt(v, 10) + "u"
		}
		return cstyle.IntText(v)
	}
	exceptions.Panicf("no wgsl literal form for %s constant %v, the capability table should have rejected it, this is a bug",
		dtype, n.Arg())
	return ""
}

func (dialect) LoadExpr(buffer lower.Buffer, bufLanes int, idx string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if bufLanes == 1 {
		return fmt.Sprintf("%s[%s]", name, idx)
	}
	if dtype.Lanes == bufLanes {
		return fmt.Sprintf("%s[%s]", name, elemIdx(idx, bufLanes))
	}
	// Scalar read from a vector-typed binding: index the vector, then the
	// lane.
	return fmt.Sprintf("%s[%s][%s]", name, elemIdx(idx, bufLanes), laneIdx(idx, bufLanes))
}

func (dialect) StoreStmt(buffer lower.Buffer, bufLanes int, idx, value string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if bufLanes == 1 {
		return fmt.Sprintf("  %s[%s] = %s;", name, idx, value)
	}
	if dtype.Lanes == bufLanes {
		return fmt.Sprintf("  %s[%s] = %s;", name, elemIdx(idx, bufLanes), value)
	}
	return fmt.Sprintf("  %s[%s][%s] = %s;", name, elemIdx(idx, bufLanes), laneIdx(idx, bufLanes), value)
}

// elemIdx re-scales an element index to the vector-typed array: a right
// shift for power-of-two lane counts, a division otherwise.
func elemIdx(idx string, lanes int) string {
	if lanes&(lanes-1) == 0 {
		return fmt.Sprintf("(%s>>%du)", idx, bits.TrailingZeros(uint(lanes)))
	}
	return fmt.Sprintf("(%s/%d)", idx, lanes)
}

// laneIdx picks the lane of an element index within its vector.
func laneIdx(idx string, lanes int) string {
	if lanes&(lanes-1) == 0 {
		return fmt.Sprintf("(%s&%d)", idx, lanes-1)
	}
	return fmt.Sprintf("(%s%%%d)", idx, lanes)
}

func (dialect) AluExpr(n *kir.Node, src []string) string {
	switch n.Op() {
	case kir.OpAdd:
		return fmt.Sprintf("(%s+%s)", src[0], src[1])
	case kir.OpSub:
		return fmt.Sprintf("(%s-%s)", src[0], src[1])
	case kir.OpMul:
		return fmt.Sprintf("(%s*%s)", src[0], src[1])
	case kir.OpMax:
		// The max builtin has no mixed vector-scalar overload; scalar
		// sources splat explicitly.
		x, y := src[0], src[1]
		if n.DType().IsVector() {
			if !n.Source(0).DType().IsVector() {
				x = fmt.Sprintf("%s(%s)", typeName(n.DType()), x)
			}
			if !n.Source(1).DType().IsVector() {
				y = fmt.Sprintf("%s(%s)", typeName(n.DType()), y)
			}
		}
		return fmt.Sprintf("max(%s, %s)", x, y)
	case kir.OpShl:
		// The shift amount must be u32; re-render the constant with the
		// suffix.
		return fmt.Sprintf("(%s<<%du)", src[0], n.Source(1).Arg().(int64))
	case kir.OpCast:
		return fmt.Sprintf("%s(%s)", typeName(n.DType()), src[0])
	case kir.OpVectorize:
		return fmt.Sprintf("%s(%s)", typeName(n.DType()), strings.Join(src, ", "))
	case kir.OpGep:
		return src[0] + "." + cstyle.LaneName(n.Arg().(int))
	}
	exceptions.Panicf("wgsl cannot render op %s, the capability table should have rejected it, this is a bug", n.Op())
	return ""
}

func (dialect) ReservedIdents() []string {
	return []string{"gid"}
}
