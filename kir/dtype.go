// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DType is the value type of a Node: a scalar base type from gopjrt plus a
// vector lane count. Lanes == 1 means scalar.
//
// DType is a comparable value type, usable as a map key.
type DType struct {
	Base  dtypes.DType
	Lanes int
}

// ScalarOf returns the scalar DType with the given base type.
func ScalarOf(base dtypes.DType) DType {
	return DType{Base: base, Lanes: 1}
}

// Common scalar DTypes.
var (
	Bool = ScalarOf(dtypes.Bool)
	F16  = ScalarOf(dtypes.Float16)
	F32  = ScalarOf(dtypes.Float32)
	F64  = ScalarOf(dtypes.Float64)
	I32  = ScalarOf(dtypes.Int32)
	I64  = ScalarOf(dtypes.Int64)
	U32  = ScalarOf(dtypes.Uint32)
)

// Ok reports whether d holds a valid type. The zero DType is invalid.
func (d DType) Ok() bool {
	return d.Base != dtypes.InvalidDType && d.Lanes >= 1
}

// IsVector reports whether d has more than one lane.
func (d DType) IsVector() bool {
	return d.Lanes > 1
}

// Scalar returns the scalar version of d (same base, one lane).
func (d DType) Scalar() DType {
	return DType{Base: d.Base, Lanes: 1}
}

// Vec returns a vector version of d with the given number of lanes.
// It panics if lanes < 1 or d is not scalar.
func (d DType) Vec(lanes int) DType {
	if lanes < 1 {
		exceptions.Panicf("DType.Vec: lanes must be >= 1, got %d", lanes)
	}
	if d.IsVector() {
		exceptions.Panicf("DType.Vec: %s is already a vector type", d)
	}
	return DType{Base: d.Base, Lanes: lanes}
}

// IsInteger reports whether the base type is one of the signed or unsigned
// integers.
func (d DType) IsInteger() bool {
	return intBases.Has(d.Base)
}

// SizeBytes returns the size of one value of this DType in bytes.
func (d DType) SizeBytes() int {
	return d.Base.Size() * d.Lanes
}

// String implements fmt.Stringer: the base type name for scalars, with an
// "xN" suffix for vectors.
func (d DType) String() string {
	if !d.Ok() {
		return "invalid"
	}
	name := d.Base.String()
	if d.Lanes == 1 {
		return name
	}
	return fmt.Sprintf("%sx%d", name, d.Lanes)
}
