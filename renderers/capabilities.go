// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package renderers

import (
	"fmt"
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
)

// Capabilities holds mappings of what a renderer's dialect can express.
type Capabilities struct {
	// Operations supported by the dialect.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[kir.OpType]bool

	// DTypes list the scalar data types supported by the dialect.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool

	// VectorWidths list the vector lane counts the dialect has types for.
	// Scalar (1 lane) is always supported and not listed.
	VectorWidths map[int]bool

	// MaxAxes is how many grid axes the dialect's launch grid exposes.
	MaxAxes int
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[kir.OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	c2.VectorWidths = make(map[int]bool, len(c.VectorWidths))
	maps.Copy(c2.VectorWidths, c.VectorWidths)
	c2.MaxAxes = c.MaxAxes
	return c2
}

// UnsupportedOpError reports a kernel that uses an operation, dtype or
// vector width outside a renderer's capabilities. Rendering returns it with
// no partial source. Use errors.As to check for it.
type UnsupportedOpError struct {
	Renderer string
	Kernel   string
	Op       kir.OpType
	Reason   string
}

// Error implements the error interface.
func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("renderer %q cannot render kernel %q: %s", e.Renderer, e.Kernel, e.Reason)
}

func unsupportedf(renderer string, k *lower.Kernel, op kir.OpType, format string, args ...any) error {
	return &UnsupportedOpError{
		Renderer: renderer,
		Kernel:   k.Name,
		Op:       op,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// Check verifies the lowered kernel fits within the capabilities, returning
// an *UnsupportedOpError for the first node outside them. Renderers call it
// before emitting any text.
func (c Capabilities) Check(renderer string, k *lower.Kernel) error {
	if len(k.Axes) > c.MaxAxes {
		return unsupportedf(renderer, k, kir.OpSpecial,
			"kernel uses %d grid axes, dialect exposes %d", len(k.Axes), c.MaxAxes)
	}
	for _, n := range k.Nodes() {
		if !c.Operations[n.Op()] {
			return unsupportedf(renderer, k, n.Op(), "operation %s is not supported", n.Op())
		}
		dtype := n.DType()
		if !c.DTypes[dtype.Base] {
			return unsupportedf(renderer, k, n.Op(),
				"dtype %s of %s is not supported", dtype.Base, n.Op())
		}
		if dtype.IsVector() && !c.VectorWidths[dtype.Lanes] {
			return unsupportedf(renderer, k, n.Op(),
				"vector width %d of %s is not supported", dtype.Lanes, n.Op())
		}
	}
	return nil
}
