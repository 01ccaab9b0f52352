// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/internal/sets"
	"github.com/x448/float16"
)

// ConstructionError reports an attempt to build an invalid IR node. Use
// errors.As to check for it.
type ConstructionError struct {
	Op     OpType
	Reason string
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("cannot build %s node: %s", e.Op, e.Reason)
}

func constructionErrorf(op OpType, format string, args ...any) error {
	return &ConstructionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

var intBases = sets.With(
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64)

func isScalarInt(d DType) bool {
	return !d.IsVector() && intBases.Has(d.Base)
}

// checkNode validates the (op, dtype, src, arg) tuple and returns the
// normalized argument to intern. Any violation returns a
// *ConstructionError.
func (s *Scope) checkNode(op OpType, dtype DType, src []*Node, arg any) (any, error) {
	if op <= OpInvalid || op >= OpLast {
		return nil, constructionErrorf(op, "not part of the IR op set")
	}
	if !dtype.Ok() {
		return nil, constructionErrorf(op, "invalid dtype %s", dtype)
	}
	for ii, source := range src {
		if source == nil {
			return nil, constructionErrorf(op, "source #%d is nil", ii)
		}
		if source.scope != s {
			return nil, constructionErrorf(op, "source #%d belongs to a different scope", ii)
		}
	}
	if LeafOps.Has(op) && len(src) != 0 {
		return nil, constructionErrorf(op, "leaf op takes no sources, got %d", len(src))
	}

	switch op {
	case OpConst:
		return checkConst(dtype, arg)
	case OpEmpty:
		return checkEmpty(dtype, arg)
	case OpSpecial:
		return checkSpecial(dtype, arg)
	case OpLoad:
		return nil, checkLoad(dtype, src, arg)
	case OpStore:
		return nil, checkStore(dtype, src, arg)
	case OpCast:
		return nil, checkCast(dtype, src, arg)
	case OpAdd, OpSub, OpMul, OpMax:
		return nil, checkBinary(op, dtype, src, arg)
	case OpShl:
		return nil, checkShl(dtype, src, arg)
	case OpReduce:
		return checkReduce(dtype, src, arg)
	case OpVectorize:
		return nil, checkVectorize(dtype, src, arg)
	case OpGep:
		return checkGep(dtype, src, arg)
	}
	return nil, constructionErrorf(op, "validation not implemented, this is a bug")
}

func argMustBeNil(op OpType, arg any) error {
	if arg != nil {
		return constructionErrorf(op, "op takes no argument, got %T", arg)
	}
	return nil
}

// checkConst normalizes the constant value to the precision and width of
// the dtype, so that values indistinguishable at that dtype intern to the
// same node.
func checkConst(dtype DType, arg any) (any, error) {
	if dtype.IsVector() {
		return nil, constructionErrorf(OpConst, "constants are scalar, got %s", dtype)
	}
	switch dtype.Base {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		v, ok := arg.(float64)
		if !ok {
			return nil, constructionErrorf(OpConst, "%s constant takes a float64 argument, got %T", dtype, arg)
		}
		switch dtype.Base {
		case dtypes.Float16:
			v = float64(float16.Fromfloat32(float32(v)).Float32())
		case dtypes.Float32:
			v = float64(float32(v))
		}
		return v, nil
	case dtypes.Bool:
		v, ok := arg.(bool)
		if !ok {
			return nil, constructionErrorf(OpConst, "Bool constant takes a bool argument, got %T", arg)
		}
		return v, nil
	}
	if intBases.Has(dtype.Base) {
		v, ok := arg.(int64)
		if !ok {
			return nil, constructionErrorf(OpConst, "%s constant takes an int64 argument, got %T", dtype, arg)
		}
		switch dtype.Base {
		case dtypes.Int8:
			v = int64(int8(v))
		case dtypes.Int16:
			v = int64(int16(v))
		case dtypes.Int32:
			v = int64(int32(v))
		case dtypes.Uint8:
			v = int64(uint8(v))
		case dtypes.Uint16:
			v = int64(uint16(v))
		case dtypes.Uint32:
			v = int64(uint32(v))
		}
		// Int64 and Uint64 keep all 64 bits as they are.
		return v, nil
	}
	return nil, constructionErrorf(OpConst, "unsupported constant dtype %s", dtype)
}

func checkEmpty(dtype DType, arg any) (any, error) {
	if dtype.IsVector() {
		return nil, constructionErrorf(OpEmpty, "buffers hold scalar elements, got %s", dtype)
	}
	tag, ok := arg.(int)
	if !ok {
		return nil, constructionErrorf(OpEmpty, "takes an int buffer tag argument, got %T", arg)
	}
	if tag < 0 {
		return nil, constructionErrorf(OpEmpty, "buffer tag must be >= 0, got %d", tag)
	}
	return tag, nil
}

func checkSpecial(dtype DType, arg any) (any, error) {
	if dtype != I32 {
		return nil, constructionErrorf(OpSpecial, "grid axes are %s, got %s", I32, dtype)
	}
	a, ok := arg.(SpecialArg)
	if !ok {
		return nil, constructionErrorf(OpSpecial, "takes a SpecialArg argument, got %T", arg)
	}
	if !isIdentifier(a.Name) {
		return nil, constructionErrorf(OpSpecial, "axis name %q is not a valid identifier", a.Name)
	}
	if a.Extent < 1 {
		return nil, constructionErrorf(OpSpecial, "axis %q extent must be >= 1, got %d", a.Name, a.Extent)
	}
	return a, nil
}

func checkLoad(dtype DType, src []*Node, arg any) error {
	if err := argMustBeNil(OpLoad, arg); err != nil {
		return err
	}
	if len(src) != 2 {
		return constructionErrorf(OpLoad, "takes (buffer, index) sources, got %d", len(src))
	}
	buffer, index := src[0], src[1]
	if buffer.op != OpEmpty {
		return constructionErrorf(OpLoad, "first source must be a buffer (Empty), got %s", buffer.op)
	}
	if !isScalarInt(index.dtype) {
		return constructionErrorf(OpLoad, "index must be a scalar integer, got %s", index.dtype)
	}
	if dtype.Base != buffer.dtype.Base {
		return constructionErrorf(OpLoad, "loads %s from a %s buffer", dtype, buffer.dtype)
	}
	return nil
}

func checkStore(dtype DType, src []*Node, arg any) error {
	if err := argMustBeNil(OpStore, arg); err != nil {
		return err
	}
	if len(src) != 3 {
		return constructionErrorf(OpStore, "takes (buffer, index, value) sources, got %d", len(src))
	}
	buffer, index, value := src[0], src[1], src[2]
	if buffer.op != OpEmpty {
		return constructionErrorf(OpStore, "first source must be a buffer (Empty), got %s", buffer.op)
	}
	if !isScalarInt(index.dtype) {
		return constructionErrorf(OpStore, "index must be a scalar integer, got %s", index.dtype)
	}
	if value.dtype.Base != buffer.dtype.Base {
		return constructionErrorf(OpStore, "stores %s into a %s buffer", value.dtype, buffer.dtype)
	}
	if dtype != value.dtype {
		return constructionErrorf(OpStore, "node dtype %s must match the stored value dtype %s", dtype, value.dtype)
	}
	return nil
}

func checkCast(dtype DType, src []*Node, arg any) error {
	if err := argMustBeNil(OpCast, arg); err != nil {
		return err
	}
	if len(src) != 1 {
		return constructionErrorf(OpCast, "takes 1 source, got %d", len(src))
	}
	if dtype.Lanes != src[0].dtype.Lanes {
		return constructionErrorf(OpCast, "cast preserves lanes: cannot cast %s to %s", src[0].dtype, dtype)
	}
	return nil
}

func checkBinary(op OpType, dtype DType, src []*Node, arg any) error {
	if err := argMustBeNil(op, arg); err != nil {
		return err
	}
	if len(src) != 2 {
		return constructionErrorf(op, "takes 2 sources, got %d", len(src))
	}
	x, y := src[0], src[1]
	if x.dtype.Base == dtypes.Bool || y.dtype.Base == dtypes.Bool {
		return constructionErrorf(op, "takes numeric sources, got %s and %s", x.dtype, y.dtype)
	}
	if x.dtype.Base != dtype.Base || y.dtype.Base != dtype.Base {
		return constructionErrorf(op, "sources must share the base type %s, got %s and %s",
			dtype.Base, x.dtype, y.dtype)
	}
	// A scalar source broadcasts against a vector one.
	maxLanes := max(x.dtype.Lanes, y.dtype.Lanes)
	if dtype.Lanes != maxLanes {
		return constructionErrorf(op, "result lanes %d do not match sources (%s, %s)",
			dtype.Lanes, x.dtype, y.dtype)
	}
	if (x.dtype.Lanes != maxLanes && x.dtype.Lanes != 1) ||
		(y.dtype.Lanes != maxLanes && y.dtype.Lanes != 1) {
		return constructionErrorf(op, "source lanes must match or broadcast, got %s and %s",
			x.dtype, y.dtype)
	}
	return nil
}

func checkShl(dtype DType, src []*Node, arg any) error {
	if err := checkBinary(OpShl, dtype, src, arg); err != nil {
		return err
	}
	if !isScalarInt(dtype) {
		return constructionErrorf(OpShl, "shifts scalar integers, got %s", dtype)
	}
	if src[1].op != OpConst {
		return constructionErrorf(OpShl, "shift amount must be a constant, got %s", src[1].op)
	}
	if bits := src[1].arg.(int64); bits < 0 || bits > 63 {
		return constructionErrorf(OpShl, "shift amount must be in [0, 63], got %d", bits)
	}
	return nil
}

func checkReduce(dtype DType, src []*Node, arg any) (any, error) {
	a, ok := arg.(ReduceArg)
	if !ok {
		return nil, constructionErrorf(OpReduce, "takes a ReduceArg argument, got %T", arg)
	}
	if a.Op != OpAdd && a.Op != OpMax {
		return nil, constructionErrorf(OpReduce, "combines with OpAdd or OpMax, got %s", a.Op)
	}
	if a.Extent < 1 {
		return nil, constructionErrorf(OpReduce, "extent must be >= 1, got %d", a.Extent)
	}
	if a.Stride < 1 {
		return nil, constructionErrorf(OpReduce, "stride must be >= 1, got %d", a.Stride)
	}
	if len(src) != 1 {
		return nil, constructionErrorf(OpReduce, "takes 1 source, got %d", len(src))
	}
	if src[0].op != OpLoad {
		return nil, constructionErrorf(OpReduce, "source must be a Load, got %s", src[0].op)
	}
	if dtype.IsVector() {
		return nil, constructionErrorf(OpReduce, "reduces scalars, got %s", dtype)
	}
	if dtype != src[0].dtype {
		return nil, constructionErrorf(OpReduce, "dtype %s must match the source dtype %s", dtype, src[0].dtype)
	}
	return a, nil
}

func checkVectorize(dtype DType, src []*Node, arg any) error {
	if err := argMustBeNil(OpVectorize, arg); err != nil {
		return err
	}
	if len(src) < 2 {
		return constructionErrorf(OpVectorize, "takes at least 2 sources, got %d", len(src))
	}
	if dtype.Lanes != len(src) {
		return constructionErrorf(OpVectorize, "result lanes %d must match the source count %d", dtype.Lanes, len(src))
	}
	for ii, part := range src {
		if part.dtype.IsVector() {
			return constructionErrorf(OpVectorize, "source #%d must be scalar, got %s", ii, part.dtype)
		}
		if part.dtype.Base != dtype.Base {
			return constructionErrorf(OpVectorize, "source #%d base %s must match %s", ii, part.dtype.Base, dtype.Base)
		}
	}
	return nil
}

func checkGep(dtype DType, src []*Node, arg any) (any, error) {
	lane, ok := arg.(int)
	if !ok {
		return nil, constructionErrorf(OpGep, "takes an int lane argument, got %T", arg)
	}
	if len(src) != 1 {
		return nil, constructionErrorf(OpGep, "takes 1 source, got %d", len(src))
	}
	vec := src[0]
	if !vec.dtype.IsVector() {
		return nil, constructionErrorf(OpGep, "source must be a vector, got %s", vec.dtype)
	}
	if lane < 0 || lane >= vec.dtype.Lanes {
		return nil, constructionErrorf(OpGep, "lane %d out of range [0, %d)", lane, vec.dtype.Lanes)
	}
	if dtype != vec.dtype.Scalar() {
		return nil, constructionErrorf(OpGep, "dtype %s must be the scalar of %s", dtype, vec.dtype)
	}
	return lane, nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for ii, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if ii == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
