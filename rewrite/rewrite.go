// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrite implements the pattern rewrite engine that optimizes IR
// graphs before lowering.
//
// Rules are data: a Pattern describing what to match and a ReplaceFn
// building the replacement. The engine rewrites bottom-up (sources before
// users), applies the first matching rule in registration order, and
// repeats per node until no rule matches (a local fixpoint). A budget
// bounds the total number of rule applications per run; exceeding it
// returns a *BudgetExceededError instead of looping forever.
package rewrite

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelgen/kir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReplaceFn builds the replacement node for a match, in the same scope.
// Returning nil declines the match and the engine moves on to the next
// rule. The function may panic with an error (e.g. via must or
// exceptions.Panicf); the engine converts the panic into an error return.
type ReplaceFn func(s *kir.Scope, b Bindings) *kir.Node

// Rule pairs a Pattern with its replacement.
type Rule struct {
	Name    string
	Pattern *Pattern
	Replace ReplaceFn
}

// RuleSet is an ordered collection of rules, indexed by op for dispatch.
// Rule priority is registration order: the first rule that matches a node
// wins. A RuleSet is immutable after NewRuleSet and safe for concurrent
// use.
type RuleSet struct {
	rules []Rule
	byOp  map[kir.OpType][]int // rule indices in registration order.
	anyOp []int                // rules whose pattern has no op constraint.
}

// NewRuleSet builds a RuleSet with the given rules, in priority order.
func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{
		rules: rules,
		byOp:  make(map[kir.OpType][]int),
	}
	for ii, rule := range rules {
		if rule.Pattern == nil || len(rule.Pattern.Ops) == 0 {
			rs.anyOp = append(rs.anyOp, ii)
			continue
		}
		for _, op := range rule.Pattern.Ops {
			rs.byOp[op] = append(rs.byOp[op], ii)
		}
	}
	if len(rs.anyOp) > 0 {
		for op, bucket := range rs.byOp {
			rs.byOp[op] = mergeSorted(bucket, rs.anyOp)
		}
	}
	return rs
}

// NumRules returns how many rules the set holds.
func (rs *RuleSet) NumRules() int { return len(rs.rules) }

func (rs *RuleSet) rulesFor(op kir.OpType) []int {
	if bucket, found := rs.byOp[op]; found {
		return bucket
	}
	return rs.anyOp
}

// mergeSorted merges two ascending index slices into one.
func mergeSorted(a, b []int) []int {
	merged := make([]int, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0] < b[0] {
			merged = append(merged, a[0])
			a = a[1:]
		} else {
			merged = append(merged, b[0])
			b = b[1:]
		}
	}
	merged = append(merged, a...)
	return append(merged, b...)
}

// DefaultBudget is the maximum number of rule applications per Rewrite
// call when Options.Budget is unset.
const DefaultBudget = 10000

// Options configure a Rewrite run.
type Options struct {
	// Budget limits the number of rule applications. <= 0 means
	// DefaultBudget.
	Budget int
}

// BudgetExceededError reports that a Rewrite run applied more rules than
// its budget allows, usually because rules undo each other. Use errors.As
// to check for it.
type BudgetExceededError struct {
	Budget   int
	RuleName string // the rule whose application tripped the budget.
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("rewrite budget of %d rule applications exceeded (last rule %q)",
		e.Budget, e.RuleName)
}

// Rewrite returns the fixpoint rewrite of root under the rule set. The
// root and all replacements live in scope; the input graph is never
// mutated, so the original root stays valid.
func Rewrite(scope *kir.Scope, root *kir.Node, rs *RuleSet, opts Options) (*kir.Node, error) {
	if root == nil {
		return nil, errors.Errorf("rewrite: nil root")
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	r := &rewriter{
		scope:  scope,
		rules:  rs,
		budget: budget,
		memo:   make(map[*kir.Node]*kir.Node),
	}
	if klog.V(2).Enabled() {
		klog.Infof("rewrite: input root %s of:\n%s", root, scope)
	}
	out, err := r.rewriteNode(root)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("rewrite: %d rule applications, %d nodes in scope %s",
		r.applied, scope.NumNodes(), scope.ID())
	return out, nil
}

type rewriter struct {
	scope   *kir.Scope
	rules   *RuleSet
	budget  int
	applied int
	memo    map[*kir.Node]*kir.Node
}

// rewriteNode rewrites sources first, then applies rules to the node until
// none matches. Results are memoized, so shared sub-graphs are processed
// once.
func (r *rewriter) rewriteNode(n *kir.Node) (*kir.Node, error) {
	if out, found := r.memo[n]; found {
		return out, nil
	}
	cur := n
	for {
		var err error
		cur, err = r.rewriteSources(cur)
		if err != nil {
			return nil, err
		}
		next, ruleName, err := r.applyFirst(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		r.applied++
		if r.applied > r.budget {
			return nil, &BudgetExceededError{Budget: r.budget, RuleName: ruleName}
		}
		cur = next
	}
	r.memo[n] = cur
	r.memo[cur] = cur
	return cur, nil
}

// rewriteSources rewrites the sources of n and rebuilds n if any changed.
// Interning guarantees the rebuilt node is canonical.
func (r *rewriter) rewriteSources(n *kir.Node) (*kir.Node, error) {
	src := n.Sources()
	var newSrc []*kir.Node
	for ii, source := range src {
		out, err := r.rewriteNode(source)
		if err != nil {
			return nil, err
		}
		if out != source && newSrc == nil {
			newSrc = append([]*kir.Node(nil), src...)
		}
		if newSrc != nil {
			newSrc[ii] = out
		}
	}
	if newSrc == nil {
		return n, nil
	}
	rebuilt, err := r.scope.Node(n.Op(), n.DType(), newSrc, n.Arg())
	if err != nil {
		return nil, errors.WithMessagef(err, "rewrite: rebuilding %s after its sources changed", n.Op())
	}
	return rebuilt, nil
}

// applyFirst tries the rules for n's op in registration order and returns
// the replacement of the first one that matches and does not decline.
// Returns nil when no rule applies.
func (r *rewriter) applyFirst(n *kir.Node) (*kir.Node, string, error) {
	for _, idx := range r.rules.rulesFor(n.Op()) {
		rule := &r.rules.rules[idx]
		b, matched := rule.Pattern.Match(n)
		if !matched {
			continue
		}
		var out *kir.Node
		err := exceptions.TryCatch[error](func() {
			out = rule.Replace(r.scope, b)
		})
		if err != nil {
			return nil, "", errors.WithMessagef(err, "rewrite rule %q", rule.Name)
		}
		if out == nil || out == n {
			// Declined, or a no-op replacement: no progress, try the
			// next rule.
			continue
		}
		if out.DType() != n.DType() {
			return nil, "", errors.Errorf("rewrite rule %q changed the dtype from %s to %s",
				rule.Name, n.DType(), out.DType())
		}
		if klog.V(2).Enabled() {
			klog.Infof("rewrite: rule %q: %s => %s", rule.Name, n, out)
		}
		return out, rule.Name, nil
	}
	return nil, "", nil
}
