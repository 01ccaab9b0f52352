// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernelgen compiles tensor computation graphs to GPU kernel
// source.
//
// A kernel is described by building a small IR graph in a kir.Scope:
// buffers, grid axes, loads, arithmetic and one store. Compile runs the
// whole pipeline over it:
//
//  1. rewrite: algebraic simplification to a fixpoint (see rewrite.Simplify).
//  2. lower: grid axis assignment, vector packing, reduce unrolling.
//  3. render: source text for one dialect (metal, cuda or wgsl).
//
// Example, adding two vectors of 16 floats:
//
//	kernel, err := kernelgen.Compile(func(s *kir.Scope) (*kir.Node, error) {
//		out := must.M1(s.Empty(kir.F32, 0))
//		a := must.M1(s.Empty(kir.F32, 1))
//		b := must.M1(s.Empty(kir.F32, 2))
//		gidx := must.M1(s.Special("gidx0", 16))
//		sum := must.M1(s.Add(
//			must.M1(s.Load(a, gidx, kir.F32)),
//			must.M1(s.Load(b, gidx, kir.F32))))
//		return s.Store(out, gidx, sum)
//	}, "add16", "cuda")
//
// This package imports every renderer dialect; importing it alone is
// enough to have them registered.
package kernelgen

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelgen/internal/workerspool"
	"github.com/gomlx/kernelgen/kir"
	"github.com/gomlx/kernelgen/lower"
	"github.com/gomlx/kernelgen/renderers"
	"github.com/gomlx/kernelgen/rewrite"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/kernelgen/renderers/cuda"
	_ "github.com/gomlx/kernelgen/renderers/metal"
	_ "github.com/gomlx/kernelgen/renderers/wgsl"
)

// BuildFn builds a kernel graph in the given scope and returns its root,
// normally a Store. Builders may use helpers that panic with an error
// (must.M1, exceptions.Panicf): Compile converts such panics into returned
// errors.
type BuildFn func(s *kir.Scope) (*kir.Node, error)

// KernelSpec names one kernel of a CompileAll batch.
type KernelSpec struct {
	Name  string
	Build BuildFn
}

type config struct {
	rules  *rewrite.RuleSet
	budget int
	lower  lower.Options
}

// Option configures Compile and CompileAll.
type Option func(*config)

// WithRuleSet replaces the default rewrite.Simplify rule set.
func WithRuleSet(rs *rewrite.RuleSet) Option {
	return func(c *config) { c.rules = rs }
}

// WithBudget caps the rule applications per kernel. <= 0 means
// rewrite.DefaultBudget.
func WithBudget(budget int) Option {
	return func(c *config) { c.budget = budget }
}

// WithLowerOptions sets the lowering options, e.g. the vector width policy.
func WithLowerOptions(opts lower.Options) Option {
	return func(c *config) { c.lower = opts }
}

func newConfig(opts []Option) config {
	cfg := config{rules: rewrite.Simplify()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Compile builds the kernel graph in a fresh scope, simplifies it, lowers
// it and renders it with the named renderer. An empty renderer name falls
// back to the KERNELGEN_RENDERER environment variable and then to
// renderers.DefaultName.
//
// Like renderers.New, it panics on an unknown renderer name. Every other
// failure is returned: kir.ConstructionError, rewrite.BudgetExceededError,
// lower.LoweringError and renderers.UnsupportedOpError stay matchable with
// errors.As through the added context.
func Compile(build BuildFn, name, renderer string, opts ...Option) (*renderers.Kernel, error) {
	return compile(renderers.NewOrEnv(renderer), build, name, newConfig(opts))
}

func compile(r renderers.Renderer, build BuildFn, name string, cfg config) (*renderers.Kernel, error) {
	scope := kir.NewScope()
	root, err := runBuilder(build, scope)
	if err != nil {
		return nil, errors.WithMessagef(err, "building kernel %q", name)
	}
	if root == nil {
		return nil, errors.Errorf("building kernel %q: the builder returned a nil root", name)
	}
	root, err = rewrite.Rewrite(scope, root, cfg.rules, rewrite.Options{Budget: cfg.budget})
	if err != nil {
		return nil, errors.WithMessagef(err, "simplifying kernel %q", name)
	}
	k, err := lower.Lower(scope, []*kir.Node{root}, name, cfg.lower)
	if err != nil {
		return nil, err
	}
	rendered, err := r.Render(k)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("compiled kernel %q for %s: %d bytes of source, launch dims %v",
		k.Name, rendered.Renderer, len(rendered.Source), rendered.LaunchDims)
	return rendered, nil
}

// runBuilder runs the user's builder, catching error-valued panics.
func runBuilder(build BuildFn, scope *kir.Scope) (*kir.Node, error) {
	var root *kir.Node
	var buildErr error
	if err := exceptions.TryCatch[error](func() {
		root, buildErr = build(scope)
	}); err != nil {
		return nil, err
	}
	return root, buildErr
}

// CompileAll compiles the kernels concurrently, each in its own scope, and
// returns them in input order. On failure it returns no results and the
// first failed kernel's error, wrapped with the kernel's name; kernels not
// yet started are skipped.
func CompileAll(specs []KernelSpec, renderer string, opts ...Option) ([]*renderers.Kernel, error) {
	r := renderers.NewOrEnv(renderer)
	cfg := newConfig(opts)
	results := make([]*renderers.Kernel, len(specs))
	errs := make([]error, len(specs))
	var failed atomic.Bool
	pool := workerspool.New()
	pool.Each(len(specs), func(ii int) {
		if failed.Load() {
			return
		}
		results[ii], errs[ii] = compile(r, specs[ii].Build, specs[ii].Name, cfg)
		if errs[ii] != nil {
			failed.Store(true)
		}
	})
	for ii, err := range errs {
		if err != nil {
			return nil, errors.WithMessagef(err, "kernel #%d %q", ii, specs[ii].Name)
		}
	}
	return results, nil
}
