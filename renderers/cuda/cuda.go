// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cuda renders kernels to CUDA C++ device source.
//
// Buffers are plain pointer parameters, grid axes come from blockIdx, and
// vector access uses typed pointer casts. CUDA's builtin vector types
// (float4 and friends) carry no arithmetic operators, so vector computing
// ops expand per lane into a make_* constructor.
//
// To use it, import it:
//
//	import _ "github.com/gomlx/kernelgen/renderers/cuda"
package cuda

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
const Name = "cuda"

// New returns the cuda renderer.
func New() renderers.Renderer {
	return cstyle.New(dialect{cstyle.CLike{
		TypeNames:     typeNames,
		FloatSuffixes: floatSuffixes,
	}})
}

func init() {
	renderers.Register(Name, New)
}

// Capabilities of the cuda dialect: the operations, data types and vector
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
		dtypes.Float64: true,
		dtypes.Int32:   true,
		dtypes.Uint32:  true,
	},

	VectorWidths: map[int]bool{2: true, 4: true},
	MaxAxes:      3,
}

var typeNames = map[kir.DType]string{
	kir.F32:        "float",
	kir.F32.Vec(2): "float2",
	kir.F32.Vec(4): "float4",
	kir.F64:        "double",
	kir.F64.Vec(2): "double2",
	kir.F64.Vec(4): "double4",
	kir.I32:        "int",
	kir.I32.Vec(2): "int2",
	kir.I32.Vec(4): "int4",
	kir.U32:        "unsigned int",
	kir.U32.Vec(2): "uint2",
	kir.U32.Vec(4): "uint4",
}

// ctorNames are the make_* constructors of the vector types. They do not
// follow from the type names ("unsigned int" builds with make_uint4).
var ctorNames = map[kir.DType]string{
	kir.F32.Vec(2): "make_float2",
	kir.F32.Vec(4): "make_float4",
	kir.F64.Vec(2): "make_double2",
	kir.F64.Vec(4): "make_double4",
	kir.I32.Vec(2): "make_int2",
	kir.I32.Vec(4): "make_int4",
	kir.U32.Vec(2): "make_uint2",
	kir.U32.Vec(4): "make_uint4",
}

var floatSuffixes = map[dtypes.DType]string{
	dtypes.Float32: "f",
}

type dialect struct {
	cstyle.CLike
}

func (dialect) Name() string { return Name }

func (dialect) Description() string {
	return "CUDA C++ device kernels (NVIDIA GPUs)"
}

func (dialect) Capabilities() renderers.Capabilities { return Capabilities.Clone() }

func (dialect) Validate(*lower.Kernel) error { return nil }

func (dialect) Prologue(*lower.Kernel, map[int]int) []string {
	return nil
}

func (d dialect) Signature(k *lower.Kernel) []string {
	params := make([]string, 0, len(k.Buffers))
	for _, buffer := range k.Buffers {
		params = append(params, fmt.Sprintf("%s%s* %s",
			constQual(buffer), d.TypeName(buffer.DType), cstyle.BufferName(buffer)))
	}
	return []string{fmt.Sprintf(`extern "C" __global__ void __launch_bounds__(%d) %s(%s) {`,
		k.ItemsPerUnit(), k.Name, strings.Join(params, ", "))}
}

func constQual(buffer lower.Buffer) string {
	if buffer.Output {
		return ""
	}
	return "const "
}

func (dialect) AxisDecl(axis lower.Axis) string {
	return fmt.Sprintf("  int %s = blockIdx.%s; /* %d */",
		cstyle.AxisName(axis), cstyle.CompName(axis.Comp), axis.Extent)
}

func (d dialect) LoadExpr(buffer lower.Buffer, _ int, idx string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if !dtype.IsVector() {
		return fmt.Sprintf("%s[%s]", name, idx)
	}
	return fmt.Sprintf("*((%s%s*)(%s+%s))", constQual(buffer), d.TypeName(dtype), name, idx)
}

func (d dialect) StoreStmt(buffer lower.Buffer, _ int, idx, value string, dtype kir.DType) string {
	name := cstyle.BufferName(buffer)
	if !dtype.IsVector() {
		return fmt.Sprintf("  %s[%s] = %s;", name, idx, value)
	}
	return fmt.Sprintf("  *((%s*)(%s+%s)) = %s;", d.TypeName(dtype), name, idx, value)
}

func (d dialect) AluExpr(n *kir.Node, src []string) string {
	switch n.Op() {
	case kir.OpGep:
		return src[0] + "." + cstyle.LaneName(n.Arg().(int))
	case kir.OpVectorize:
		return fmt.Sprintf("%s(%s)", ctor(n.DType()), strings.Join(src, ", "))
	}
	if !n.DType().IsVector() {
		return d.scalarExpr(n.Op(), n.DType(), src)
	}

	// Per-lane expansion: scalar sources broadcast by repeating, vector
	// sources pick their lane component.
	parts := make([]string, n.DType().Lanes)
	for lane := range parts {
		laneSrc := make([]string, len(src))
		for ii, expr := range src {
			laneSrc[ii] = expr + laneSuffix(n.Source(ii).DType(), lane)
		}
		parts[lane] = d.scalarExpr(n.Op(), n.DType().Scalar(), laneSrc)
	}
	return fmt.Sprintf("%s(%s)", ctor(n.DType()), strings.Join(parts, ", "))
}

func (d dialect) scalarExpr(op kir.OpType, dtype kir.DType, src []string) string {
	switch op {
	case kir.OpAdd:
		return fmt.Sprintf("(%s+%s)", src[0], src[1])
	case kir.OpSub:
		return fmt.Sprintf("(%s-%s)", src[0], src[1])
	case kir.OpMul:
		return fmt.Sprintf("(%s*%s)", src[0], src[1])
	case kir.OpMax:
		return fmt.Sprintf("%s(%s, %s)", maxFn(dtype), src[0], src[1])
	case kir.OpShl:
		return fmt.Sprintf("(%s<<%s)", src[0], src[1])
	case kir.OpCast:
		return fmt.Sprintf("(%s)(%s)", d.TypeName(dtype), src[0])
	}
	exceptions.Panicf("cuda cannot render op %s, the capability table should have rejected it, this is a bug", op)
	return ""
}

// maxFn returns the device max function for a scalar dtype: the math
// intrinsics for floats, the integer overload otherwise.
func maxFn(dtype kir.DType) string {
	switch dtype.Base {
	case dtypes.Float32:
		return "fmaxf"
	case dtypes.Float64:
		return "fmax"
	}
	return "max"
}

func laneSuffix(dtype kir.DType, lane int) string {
	if !dtype.IsVector() {
		return ""
	}
	return "." + cstyle.LaneName(lane)
}

func ctor(dtype kir.DType) string {
	name, found := ctorNames[dtype]
	if !found {
		exceptions.Panicf("no vector constructor for %s, the capability table should have rejected it, this is a bug", dtype)
	}
	return name
}

func (dialect) ReservedIdents() []string {
	return []string{"blockIdx", "blockDim", "threadIdx", "gridDim"}
}
