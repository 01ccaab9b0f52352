// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lower turns an optimized IR graph into a GPU-style kernel
// structure: grid axes assigned to launch dimensions, reductions unrolled,
// memory access vectorized where the layout allows it, and buffers ordered
// into their parameter positions.
//
// Lowering is expressed in the IR itself: the result is a new Store root in
// the same scope, plus the metadata tables renderers need. Existing nodes
// are never mutated.
package lower

import (
	"fmt"

	"github.com/gomlx/kernelgen/kir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Axis is one grid axis of the kernel. Comp is the launch dimension
// component (0, 1 or 2 for .x, .y and .z), assigned by order of first
// appearance in an output-first traversal.
type Axis struct {
	Node   *kir.Node
	Comp   int
	Extent int
}

// Buffer is one buffer parameter of the kernel. Index is the parameter
// position: the output buffer is index 0 and inputs follow in order of
// first reference in an output-first traversal.
type Buffer struct {
	Node   *kir.Node
	Index  int
	DType  kir.DType
	Output bool
}

// Kernel is a lowered kernel: the transformed roots plus the launch
// metadata renderers consume.
type Kernel struct {
	Name        string
	Roots       []*kir.Node
	Axes        []Axis
	Buffers     []Buffer
	VectorWidth int
	Units       int // work-items per launch, the product of the launch dims.
	Elements    int // logical work-items, before vectorization.
}

// Nodes returns the nodes reachable from the kernel's roots in
// output-first order, each once. Renderers walk it for capability checks.
func (k *Kernel) Nodes() []*kir.Node {
	return preOrder(k.Roots)
}

// LaunchDims returns the work-items per launch dimension. Axes not present
// are 1.
func (k *Kernel) LaunchDims() [3]int {
	dims := [3]int{1, 1, 1}
	for _, axis := range k.Axes {
		dims[axis.Comp] = axis.Extent
	}
	return dims
}

// ItemsPerUnit returns how many logical work-items each launched unit
// performs: the vector width folded into one unit, 1 for scalar kernels.
func (k *Kernel) ItemsPerUnit() int {
	return k.Elements / k.Units
}

// Options configure lowering.
type Options struct {
	// VectorWidths are tried in order until one fits the access pattern.
	// nil means [4, 2].
	VectorWidths []int

	// DisableVectorize keeps every memory access scalar.
	DisableVectorize bool
}

var defaultVectorWidths = []int{4, 2}

// MaxGridAxes is how many grid axes a kernel can use, one per launch
// dimension component.
const MaxGridAxes = 3

// MaxReduceExtent bounds reduction unrolling: kernel bodies are loop-free,
// so every reduced element becomes one instruction.
const MaxReduceExtent = 64

// LoweringError reports a graph that cannot be lowered to a kernel. Use
// errors.As to check for it.
type LoweringError struct {
	Kernel string
	Reason string
}

// Error implements the error interface.
func (e *LoweringError) Error() string {
	return fmt.Sprintf("lowering kernel %q: %s", e.Kernel, e.Reason)
}

func loweringErrorf(kernel, format string, args ...any) error {
	return &LoweringError{Kernel: kernel, Reason: fmt.Sprintf(format, args...)}
}

// Lower lowers the graph with the given roots into a Kernel named name.
//
// Two root shapes are accepted: a single Store node (a kernel writing one
// output buffer), or a sequence of Special nodes with no store (a kernel
// that only declares its grid axes). Everything the roots reference must
// live in scope.
func Lower(scope *kir.Scope, roots []*kir.Node, name string, opts Options) (*Kernel, error) {
	name = sanitizeName(name)
	if len(roots) == 0 {
		return nil, loweringErrorf(name, "no roots")
	}
	for ii, root := range roots {
		if root == nil {
			return nil, loweringErrorf(name, "root #%d is nil", ii)
		}
	}

	if roots[0].Op() == kir.OpStore {
		if len(roots) > 1 {
			return nil, loweringErrorf(name, "kernels write a single store, got %d roots", len(roots))
		}
		return lowerStore(scope, roots[0], name, opts)
	}
	for _, root := range roots {
		if root.Op() != kir.OpSpecial {
			return nil, loweringErrorf(name,
				"kernel roots must be a single Store or only Specials, got %s", root.Op())
		}
	}
	return lowerDeclarationOnly(roots, name)
}

// lowerStore handles the standard kernel form: one Store root.
func lowerStore(scope *kir.Scope, root *kir.Node, name string, opts Options) (*Kernel, error) {
	root, err := unrollReduces(scope, root, name)
	if err != nil {
		return nil, err
	}

	axes, err := collectAxes([]*kir.Node{root}, name)
	if err != nil {
		return nil, err
	}
	elements := 1
	for _, axis := range axes {
		elements *= axis.Extent
	}

	width := 1
	if !opts.DisableVectorize {
		widths := opts.VectorWidths
		if widths == nil {
			widths = defaultVectorWidths
		}
		root, axes, width, err = vectorize(scope, root, axes, widths, name)
		if err != nil {
			return nil, err
		}
	}

	buffers := collectBuffers(root)

	units := 1
	for _, axis := range axes {
		units *= axis.Extent
	}
	kernel := &Kernel{
		Name:        name,
		Roots:       []*kir.Node{root},
		Axes:        axes,
		Buffers:     buffers,
		VectorWidth: width,
		Units:       units,
		Elements:    elements,
	}
	klog.V(1).Infof("lower: kernel %q: %d axes, %d buffers, vector width %d, %d units",
		name, len(axes), len(buffers), width, units)
	if klog.V(2).Enabled() {
		klog.Infof("lower: kernel %q root %s of:\n%s", name, root, scope)
	}
	return kernel, nil
}

// lowerDeclarationOnly handles kernels whose roots are all Specials: the
// axes are declared and nothing else happens. No buffers, no
// vectorization.
func lowerDeclarationOnly(roots []*kir.Node, name string) (*Kernel, error) {
	axes, err := collectAxes(roots, name)
	if err != nil {
		return nil, err
	}
	units := 1
	for _, axis := range axes {
		units *= axis.Extent
	}
	kernel := &Kernel{
		Name:        name,
		Roots:       roots,
		Axes:        axes,
		VectorWidth: 1,
		Units:       units,
		Elements:    units,
	}
	klog.V(1).Infof("lower: kernel %q: declaration-only, %d axes, %d units", name, len(axes), units)
	return kernel, nil
}

// collectAxes gathers the Special nodes in output-first order over the
// roots and assigns their launch dimension components.
func collectAxes(roots []*kir.Node, name string) ([]Axis, error) {
	var axes []Axis
	names := make(map[string]bool)
	for _, n := range preOrder(roots) {
		if n.Op() != kir.OpSpecial {
			continue
		}
		arg := n.Arg().(kir.SpecialArg)
		if names[arg.Name] {
			return nil, loweringErrorf(name, "two grid axes named %q with different extents", arg.Name)
		}
		names[arg.Name] = true
		axes = append(axes, Axis{Node: n, Comp: len(axes), Extent: arg.Extent})
	}
	if len(axes) > MaxGridAxes {
		return nil, loweringErrorf(name, "kernels take at most %d grid axes, got %d", MaxGridAxes, len(axes))
	}
	return axes, nil
}

// collectBuffers gathers the Empty nodes in output-first order. The
// Store's target comes first by construction, so it gets index 0.
func collectBuffers(root *kir.Node) []Buffer {
	var buffers []Buffer
	output := root.Source(0)
	for _, n := range preOrder([]*kir.Node{root}) {
		if n.Op() != kir.OpEmpty {
			continue
		}
		buffers = append(buffers, Buffer{
			Node:   n,
			Index:  len(buffers),
			DType:  n.DType(),
			Output: n == output,
		})
	}
	return buffers
}

// preOrder returns the nodes reachable from the roots in output-first
// order: roots in sequence, each node before its sources, sources left to
// right, every node once.
func preOrder(roots []*kir.Node) []*kir.Node {
	var order []*kir.Node
	seen := make(map[*kir.Node]bool)
	var visit func(n *kir.Node)
	visit = func(n *kir.Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		order = append(order, n)
		for _, source := range n.Sources() {
			visit(source)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return order
}

// unrollReduces replaces every Reduce with a chain of its combining op
// over strided loads, keeping the kernel body loop-free.
func unrollReduces(scope *kir.Scope, root *kir.Node, name string) (*kir.Node, error) {
	memo := make(map[*kir.Node]*kir.Node)
	var rebuild func(n *kir.Node) (*kir.Node, error)
	rebuild = func(n *kir.Node) (*kir.Node, error) {
		if out, found := memo[n]; found {
			return out, nil
		}
		src := n.Sources()
		newSrc := make([]*kir.Node, len(src))
		changed := false
		for ii, source := range src {
			out, err := rebuild(source)
			if err != nil {
				return nil, err
			}
			newSrc[ii] = out
			changed = changed || out != source
		}
		out := n
		if n.Op() == kir.OpReduce {
			var err error
			out, err = unrollOneReduce(scope, n, newSrc[0], name)
			if err != nil {
				return nil, err
			}
		} else if changed {
			var err error
			out, err = scope.Node(n.Op(), n.DType(), newSrc, n.Arg())
			if err != nil {
				return nil, errors.WithMessagef(err, "lowering %q: rebuilding %s", name, n.Op())
			}
		}
		memo[n] = out
		return out, nil
	}
	return rebuild(root)
}

func unrollOneReduce(scope *kir.Scope, n, load *kir.Node, name string) (*kir.Node, error) {
	arg := n.Arg().(kir.ReduceArg)
	if arg.Extent > MaxReduceExtent {
		return nil, loweringErrorf(name, "reduce extent %d exceeds the unroll limit %d", arg.Extent, MaxReduceExtent)
	}
	buffer, index := load.Source(0), load.Source(1)
	acc := load
	for r := 1; r < arg.Extent; r++ {
		offset, err := scope.ConstInt(index.DType(), int64(r*arg.Stride))
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: unrolling reduce", name)
		}
		elemIdx, err := scope.Add(index, offset)
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: unrolling reduce", name)
		}
		elem, err := scope.Load(buffer, elemIdx, load.DType())
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: unrolling reduce", name)
		}
		switch arg.Op {
		case kir.OpAdd:
			acc, err = scope.Add(acc, elem)
		case kir.OpMax:
			acc, err = scope.Max(acc, elem)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %q: unrolling reduce", name)
		}
	}
	return acc, nil
}

// sanitizeName makes name a valid kernel entry point identifier.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for ii := 0; ii < len(name); ii++ {
		c := name[ii]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_',
			c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "kernel"
	}
	if out[0] >= '0' && out[0] <= '9' {
		return "k" + string(out)
	}
	return string(out)
}
