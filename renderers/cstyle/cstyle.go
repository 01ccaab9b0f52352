// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cstyle renders lowered kernels to C-style source text, shared by
// the concrete dialects (metal, cuda, wgsl).
//
// The walk is the same for every dialect: each interned node gets exactly
// one declared local, named in first-need order (`val0, val1, ...` for
// loads, `alu0, alu1, ...` for computed values), grid axes are declared
// first under their IR names, and constants render inline as literals. The
// dialect supplies the syntax: prologue, kernel signature, declarations,
// literals, memory access and per-op expressions.
//
// Because the node walk follows source order and names depend only on it,
// the same lowered kernel always renders to byte-identical text.
package cstyle

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelgen/internal/sets"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Dialect is the syntax one target language plugs into the shared walk.
type Dialect interface {
	// Name returns the short name of the dialect. E.g.: "metal".
	Name() string

	// Description is a longer description that can be used to pretty-print.
	Description() string

	// Capabilities returns what the dialect can express. The walk checks
	// the kernel against them before emitting any text.
	Capabilities() renderers.Capabilities

	// Validate runs dialect-specific checks beyond the capability table.
	// Most dialects have none and return nil.
	Validate(k *lower.Kernel) error

	// Prologue returns the lines above the kernel function: includes,
	// buffer bindings. lanes maps each buffer parameter index to the
	// widest lane count the kernel accesses it with.
	Prologue(k *lower.Kernel, lanes map[int]int) []string

	// Signature returns the kernel function opening lines, ending with the
	// line carrying the opening brace.
	Signature(k *lower.Kernel) []string

	// AxisDecl declares the local holding one grid axis.
	AxisDecl(axis lower.Axis) string

	// Decl declares one local holding expr.
	Decl(dtype kir.DType, name, expr string) string

	// Literal renders a Const node inline.
	Literal(n *kir.Node) string

	// LoadExpr renders reading dtype from the buffer at the index
	// expression idx. bufLanes is the buffer's binding lane count, for
	// dialects that type their bindings.
	LoadExpr(buffer lower.Buffer, bufLanes int, idx string, dtype kir.DType) string

	// StoreStmt renders the statement writing value to the buffer at idx.
	StoreStmt(buffer lower.Buffer, bufLanes int, idx, value string, dtype kir.DType) string

	// AluExpr renders one computing node (arithmetic, shift, cast,
	// vectorize, lane extract) given its rendered sources.
	AluExpr(n *kir.Node, src []string) string

	// ReservedIdents are dialect identifiers kernel locals must not
	// shadow.
	ReservedIdents() []string
}

// New wraps a Dialect into a Renderer running the shared walk.
func New(d Dialect) renderers.Renderer {
	return &renderer{dialect: d}
}

type renderer struct {
	dialect Dialect
}

func (r *renderer) Name() string { return r.dialect.Name() }

func (r *renderer) Description() string { return r.dialect.Description() }

func (r *renderer) Capabilities() renderers.Capabilities { return r.dialect.Capabilities() }

// Render implements renderers.Renderer.
func (r *renderer) Render(k *lower.Kernel) (*renderers.Kernel, error) {
	d := r.dialect
	if err := d.Capabilities().Check(d.Name(), k); err != nil {
		return nil, err
	}
	if err := d.Validate(k); err != nil {
		return nil, err
	}

	w := &walker{
		dialect: d,
		exprs:   make(map[*kir.Node]string),
		buffers: make(map[*kir.Node]lower.Buffer),
		lanes:   bufferLanes(k),
		taken:   sets.Make[string](),
	}
	reserved := sets.With(d.ReservedIdents()...)
	for _, buffer := range k.Buffers {
		w.buffers[buffer.Node] = buffer
		reserved.Insert(BufferName(buffer))
	}
	for _, axis := range k.Axes {
		name := AxisName(axis)
		if reserved.Has(name) {
			return nil, errors.Errorf("rendering kernel %q: axis name %q shadows a %s identifier",
				k.Name, name, d.Name())
		}
		w.exprs[axis.Node] = name
		w.taken.Insert(name)
	}

	var lines []string
	lines = append(lines, d.Prologue(k, w.lanes)...)
	lines = append(lines, d.Signature(k)...)
	for _, axis := range k.Axes {
		lines = append(lines, d.AxisDecl(axis))
	}
	for _, root := range k.Roots {
		if root.Op() != kir.OpStore {
			// Declaration-only roots are the axes, already declared.
			continue
		}
		if err := w.emitStore(root); err != nil {
			return nil, err
		}
	}
	lines = append(lines, w.lines...)
	lines = append(lines, "}")

	source := strings.Join(lines, "\n") + "\n"
	if klog.V(2).Enabled() {
		klog.Infof("render: kernel %q on %s:\n%s", k.Name, d.Name(), source)
	}
	return &renderers.Kernel{
		EntryName:   k.Name,
		Source:      source,
		LaunchDims:  k.LaunchDims(),
		VectorWidth: k.VectorWidth,
		Renderer:    d.Name(),
	}, nil
}

// walker emits the kernel body, one declared local per node.
type walker struct {
	dialect Dialect
	lines   []string

	exprs   map[*kir.Node]string
	buffers map[*kir.Node]lower.Buffer
	lanes   map[int]int
	taken   sets.Set[string]
	numLoad int
	numAlu  int
}

func (w *walker) emitStore(root *kir.Node) error {
	idx, err := w.emit(root.Source(1))
	if err != nil {
		return err
	}
	value, err := w.emit(root.Source(2))
	if err != nil {
		return err
	}
	buffer, found := w.buffers[root.Source(0)]
	if !found {
		return errors.Errorf("store target %s is not in the kernel's buffer table", root.Source(0))
	}
	w.lines = append(w.lines,
		w.dialect.StoreStmt(buffer, w.lanes[buffer.Index], idx, value, root.DType()))
	return nil
}

// emit returns the expression for n, declaring a local for it first unless
// it renders inline (constants and the pre-declared axes).
func (w *walker) emit(n *kir.Node) (string, error) {
	if expr, found := w.exprs[n]; found {
		return expr, nil
	}
	switch n.Op() {
	case kir.OpConst:
		expr := w.dialect.Literal(n)
		w.exprs[n] = expr
		return expr, nil

	case kir.OpSpecial, kir.OpEmpty, kir.OpStore, kir.OpReduce:
		// Axes are pre-declared, buffers render only inside loads and
		// stores, and lowering leaves no nested stores or reduces.
		return "", errors.Errorf("%s cannot appear as a value expression", n)

	case kir.OpLoad:
		idx, err := w.emit(n.Source(1))
		if err != nil {
			return "", err
		}
		buffer, found := w.buffers[n.Source(0)]
		if !found {
			return "", errors.Errorf("load source %s is not in the kernel's buffer table", n.Source(0))
		}
		name := w.nextName("val", &w.numLoad)
		w.lines = append(w.lines,
			w.dialect.Decl(n.DType(), name, w.dialect.LoadExpr(buffer, w.lanes[buffer.Index], idx, n.DType())))
		w.exprs[n] = name
		return name, nil
	}

	src := make([]string, n.NumSources())
	for ii := 0; ii < n.NumSources(); ii++ {
		expr, err := w.emit(n.Source(ii))
		if err != nil {
			return "", err
		}
		src[ii] = expr
	}
	name := w.nextName("alu", &w.numAlu)
	w.lines = append(w.lines, w.dialect.Decl(n.DType(), name, w.dialect.AluExpr(n, src)))
	w.exprs[n] = name
	return name, nil
}

// nextName returns the next free name with the given prefix, skipping any
// taken by an axis.
func (w *walker) nextName(prefix string, counter *int) string {
	for {
		name := fmt.Sprintf("%s%d", prefix, *counter)
		*counter++
		if !w.taken.Has(name) {
			w.taken.Insert(name)
			return name
		}
	}
}

// bufferLanes returns, per buffer parameter index, the widest lane count
// the kernel accesses the buffer with. 1 for buffers only accessed as
// scalars.
func bufferLanes(k *lower.Kernel) map[int]int {
	byNode := make(map[*kir.Node]int, len(k.Buffers))
	lanes := make(map[int]int, len(k.Buffers))
	for _, buffer := range k.Buffers {
		byNode[buffer.Node] = buffer.Index
		lanes[buffer.Index] = 1
	}
	for _, n := range k.Nodes() {
		if n.Op() != kir.OpLoad && n.Op() != kir.OpStore {
			continue
		}
		index := byNode[n.Source(0)]
		lanes[index] = max(lanes[index], n.DType().Lanes)
	}
	return lanes
}

// BufferName returns the parameter name of a buffer in the kernel source,
// "data0" for the output and onward by parameter position.
func BufferName(buffer lower.Buffer) string {
	return fmt.Sprintf("data%d", buffer.Index)
}

// AxisName returns the name a grid axis is declared under, verbatim from
// the IR.
func AxisName(axis lower.Axis) string {
	return axis.Node.Arg().(kir.SpecialArg).Name
}

// CompName returns the launch grid component name ("x", "y" or "z") of a
// launch dimension.
func CompName(comp int) string {
	switch comp {
	case 0:
		return "x"
	case 1:
		return "y"
	case 2:
		return "z"
	}
	exceptions.Panicf("launch grids have 3 components, got component %d", comp)
	return ""
}

// LaneName returns the vector component name ("x", "y", "z" or "w") of a
// lane.
func LaneName(lane int) string {
	switch lane {
	case 0:
		return "x"
	case 1:
		return "y"
	case 2:
		return "z"
	case 3:
		return "w"
	}
	exceptions.Panicf("vector components go up to 4 lanes, got lane %d", lane)
	return ""
}

// FloatText returns the shortest decimal text for a finite value at the
// given float bit width (32 or 64), always with a decimal point or exponent
// so it parses as floating point.
func FloatText(value float64, bits int) string {
	s := strconv.FormatFloat(value, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// HalfText returns the shortest decimal text that still rounds to the same
// half-precision value. Half constants are normalized to half precision
// when interned, so a much shorter decimal than the float32 form usually
// survives the round-trip.
func HalfText(value float64) string {
	want := float16.Fromfloat32(float32(value))
	for prec := 1; prec < 17; prec++ {
		s := strconv.FormatFloat(value, 'g', prec, 32)
		parsed, err := strconv.ParseFloat(s, 32)
		if err == nil && float16.Fromfloat32(float32(parsed)) == want {
			if !strings.ContainsAny(s, ".eE") {
				s += ".0"
			}
			return s
		}
	}
	return FloatText(value, 32)
}

// IntText returns the decimal text of an integer constant, parenthesized
// when negative so it stays one token inside larger expressions.
func IntText(value int64) string {
	if value < 0 {
		return fmt.Sprintf("(%d)", value)
	}
	return strconv.FormatInt(value, 10)
}

// CLike carries the syntax pieces the C-family dialects (metal, cuda)
// share: typed declarations and numeric literals. Dialects embed it and
// fill in their type name table.
type CLike struct {
	// TypeNames maps every renderable DType, vectors included, to the
	// dialect's type name.
	TypeNames map[kir.DType]string

	// FloatSuffixes maps float base types to their literal suffix ("f"
	// for float32). Bases not listed take no suffix.
	FloatSuffixes map[dtypes.DType]string
}

// TypeName returns the dialect's name for dtype.
func (c CLike) TypeName(dtype kir.DType) string {
	name, found := c.TypeNames[dtype]
	if !found {
		exceptions.Panicf("no type name for %s, the capability table should have rejected it, this is a bug", dtype)
	}
	return name
}

// Decl implements Dialect.Decl with C syntax.
func (c CLike) Decl(dtype kir.DType, name, expr string) string {
	return "  " + c.TypeName(dtype) + " " + name + " = " + expr + ";"
}

// Literal implements Dialect.Literal with C numeric literal syntax.
func (c CLike) Literal(n *kir.Node) string {
	dtype := n.DType()
	switch v := n.Arg().(type) {
	case float64:
		if math.IsInf(v, 1) {
			return "INFINITY"
		}
		if math.IsInf(v, -1) {
			return "(-INFINITY)"
		}
		if math.IsNaN(v) {
			return "NAN"
		}
		var s string
		switch dtype.Base {
		case dtypes.Float16:
			s = HalfText(v)
		case dtypes.Float32:
			s = FloatText(v, 32)
		default:
			s = FloatText(v, 64)
		}
		return s + c.FloatSuffixes[dtype.Base]
	case int64:
		return IntText(v)
	}
	exceptions.Panicf("no literal form for %s constant %v, the capability table should have rejected it, this is a bug",
		dtype, n.Arg())
	return ""
}
