// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"sync"

	"github.com/gomlx/kernelgen/kir"
	"github.com/janpfeifer/must"
)

// Simplify returns the default algebraic simplification rules: constant
// folding, identity elimination and structural cleanups. The returned set
// is shared and must not be modified.
func Simplify() *RuleSet {
	return simplifyOnce()
}

var simplifyOnce = sync.OnceValue(buildSimplify)

func buildSimplify() *RuleSet {
	return NewRuleSet(
		Rule{
			Name: "fold-binary-const",
			Pattern: &Pattern{
				Ops:  []kir.OpType{kir.OpAdd, kir.OpSub, kir.OpMul, kir.OpMax, kir.OpShl},
				Name: "bin",
				Src:  []*Pattern{Op(kir.OpConst).Bind("x"), Op(kir.OpConst).Bind("y")},
			},
			Replace: foldBinaryConst,
		},
		Rule{
			Name:    "fold-cast-const",
			Pattern: Op(kir.OpCast, Op(kir.OpConst).Bind("x")).Bind("cast"),
			Replace: foldCastConst,
		},
		Rule{
			Name:    "cast-noop",
			Pattern: Op(kir.OpCast, Capture("x")).Bind("cast"),
			Replace: func(s *kir.Scope, b Bindings) *kir.Node {
				if b["x"].DType() != b["cast"].DType() {
					return nil
				}
				return b["x"]
			},
		},
		Rule{
			Name:    "add-zero",
			Pattern: Op(kir.OpAdd, Capture("x"), constWith(isZeroArg)),
			Replace: keep("x"),
		},
		Rule{
			Name:    "sub-zero",
			Pattern: Op(kir.OpSub, Capture("x"), constWith(isZeroArg)),
			Replace: keep("x"),
		},
		Rule{
			Name:    "mul-one",
			Pattern: Op(kir.OpMul, Capture("x"), constWith(isOneArg)),
			Replace: keep("x"),
		},
		Rule{
			Name:    "mul-zero",
			Pattern: Op(kir.OpMul, Capture("x"), constWith(isZeroArg).Bind("zero")).Bind("mul"),
			Replace: func(s *kir.Scope, b Bindings) *kir.Node {
				zero := b["zero"]
				lanes := b["mul"].DType().Lanes
				if lanes == 1 {
					return zero
				}
				parts := make([]*kir.Node, lanes)
				for ii := range parts {
					parts[ii] = zero
				}
				return must.M1(s.Vectorize(parts...))
			},
		},
		Rule{
			Name:    "shl-zero",
			Pattern: Op(kir.OpShl, Capture("x"), constWith(isZeroArg)),
			Replace: keep("x"),
		},
		Rule{
			Name:    "max-self",
			Pattern: Op(kir.OpMax, Capture("x"), Capture("x")),
			Replace: keep("x"),
		},
		Rule{
			Name: "reduce-single",
			Pattern: &Pattern{
				Ops: []kir.OpType{kir.OpReduce},
				Src: []*Pattern{Capture("x")},
				ArgPred: func(arg any) bool {
					return arg.(kir.ReduceArg).Extent == 1
				},
			},
			Replace: keep("x"),
		},
		Rule{
			Name:    "gep-vectorize",
			Pattern: Op(kir.OpGep, Op(kir.OpVectorize).Bind("vec")).Bind("gep"),
			Replace: func(s *kir.Scope, b Bindings) *kir.Node {
				return b["vec"].Source(b["gep"].Arg().(int))
			},
		},
	)
}

// keep returns a ReplaceFn that replaces the match with the named capture.
func keep(name string) ReplaceFn {
	return func(s *kir.Scope, b Bindings) *kir.Node {
		return b[name]
	}
}

// constWith matches an OpConst whose argument satisfies pred.
func constWith(pred func(arg any) bool) *Pattern {
	return &Pattern{Ops: []kir.OpType{kir.OpConst}, ArgPred: pred}
}

func isZeroArg(arg any) bool {
	switch v := arg.(type) {
	case float64:
		return v == 0
	case int64:
		return v == 0
	}
	return false
}

func isOneArg(arg any) bool {
	switch v := arg.(type) {
	case float64:
		return v == 1
	case int64:
		return v == 1
	}
	return false
}

// foldBinaryConst evaluates a binary op over two constants at the node's
// dtype. Constant construction re-normalizes the result, so folding at
// half precision rounds like the renderer would.
func foldBinaryConst(s *kir.Scope, b Bindings) *kir.Node {
	bin, x, y := b["bin"], b["x"], b["y"]
	switch xv := x.Arg().(type) {
	case float64:
		yv := y.Arg().(float64)
		var v float64
		switch bin.Op() {
		case kir.OpAdd:
			v = xv + yv
		case kir.OpSub:
			v = xv - yv
		case kir.OpMul:
			v = xv * yv
		case kir.OpMax:
			v = xv
			if yv > v {
				v = yv
			}
		default:
			return nil
		}
		return must.M1(s.Const(bin.DType(), v))
	case int64:
		yv := y.Arg().(int64)
		var v int64
		switch bin.Op() {
		case kir.OpAdd:
			v = xv + yv
		case kir.OpSub:
			v = xv - yv
		case kir.OpMul:
			v = xv * yv
		case kir.OpMax:
			v = xv
			if yv > v {
				v = yv
			}
		case kir.OpShl:
			if yv < 0 || yv >= 64 {
				return nil
			}
			v = xv << uint(yv)
		default:
			return nil
		}
		return must.M1(s.ConstInt(bin.DType(), v))
	}
	return nil
}

// foldCastConst converts a constant to the cast's dtype. Float to int
// truncates toward zero. Casts to dtypes that cannot hold a constant
// (e.g. bool) are left alone.
func foldCastConst(s *kir.Scope, b Bindings) *kir.Node {
	cast, x := b["cast"], b["x"]
	target := cast.DType()
	switch v := x.Arg().(type) {
	case float64:
		if isConstFloat(target) {
			return must.M1(s.Const(target, v))
		}
		if isConstInt(target) {
			return must.M1(s.ConstInt(target, int64(v)))
		}
	case int64:
		if isConstFloat(target) {
			return must.M1(s.Const(target, float64(v)))
		}
		if isConstInt(target) {
			return must.M1(s.ConstInt(target, v))
		}
	}
	return nil
}

func isConstFloat(d kir.DType) bool {
	return !d.IsVector() && (d == kir.F16 || d == kir.F32 || d == kir.F64)
}

func isConstInt(d kir.DType) bool {
	return !d.IsVector() && d.IsInteger()
}
