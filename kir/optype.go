// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"fmt"

	"github.com/gomlx/kernelgen/internal/sets"
)

// OpType is the operation performed by a Node.
//
// The enum is closed: Scope.Node rejects anything outside the range
// (OpInvalid, OpLast).
type OpType int

const (
	OpInvalid OpType = iota

	// Leaf operations, they take no sources.
	OpConst
	OpEmpty
	OpSpecial

	// Memory operations.
	OpLoad
	OpStore

	// ALU operations.
	OpAdd
	OpSub
	OpMul
	OpMax
	OpShl
	OpCast

	// Structural operations.
	OpReduce
	OpVectorize
	OpGep

	// OpLast is a sentinel, not a valid operation.
	OpLast
)

var opTypeNames = [OpLast + 1]string{
	"Invalid",
	"Const",
	"Empty",
	"Special",
	"Load",
	"Store",
	"Add",
	"Sub",
	"Mul",
	"Max",
	"Shl",
	"Cast",
	"Reduce",
	"Vectorize",
	"Gep",
	"Last",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op > OpLast {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// Classification of the operations, used by validation, rewriting and
// rendering.
var (
	// LeafOps take no sources.
	LeafOps = sets.With(OpConst, OpEmpty, OpSpecial)

	// BinaryOps take exactly two sources of the same base type.
	BinaryOps = sets.With(OpAdd, OpSub, OpMul, OpMax, OpShl)

	// CommutativeOps is the subset of BinaryOps for which source order is
	// irrelevant.
	CommutativeOps = sets.With(OpAdd, OpMul, OpMax)

	// AluOps compute a value from their sources without touching memory.
	AluOps = sets.With(OpAdd, OpSub, OpMul, OpMax, OpShl, OpCast, OpVectorize, OpGep)

	// MemoryOps read or write buffers.
	MemoryOps = sets.With(OpLoad, OpStore)
)
