// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"

	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/rules"
)

// RuleBuilder constructs the (NodeKey, ComputeFunc) pair for one or more
// rule ids it owns, given the actual in-scope parameter values — the
// same contract intrinsics.Registry.Build implements. User rule bodies
// supplied by an external collaborator (a language backend, per §1's
// "individual language backends... are just clients of the engine")
// satisfy the same interface, letting the Runner dispatch to either
// uniformly.
type RuleBuilder interface {
	Signatures() []rules.Signature
	Build(ruleID graph.RuleID, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error)
}

// Runner ties a compiled Plan (C6) to the builders that actually know
// how to run each rule id, and to the node graph store (C5) that
// memoises the result. It is the "C7 consults C5 using choices
// pre-computed by C6" data flow from §2.
type Runner struct {
	store    *graph.Store
	plan     *rules.Plan
	builders map[graph.RuleID]RuleBuilder
}

// NewRunner indexes every builder's declared signatures by rule id, so
// Build dispatch never has to ask a builder "do you own this id".
func NewRunner(store *graph.Store, plan *rules.Plan, builders ...RuleBuilder) *Runner {
	m := make(map[graph.RuleID]RuleBuilder)
	for _, b := range builders {
		for _, sig := range b.Signatures() {
			m[sig.ID] = b
		}
	}
	return &Runner{store: store, plan: plan, builders: m}
}

func (r *Runner) buildNode(sig *rules.Signature, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error) {
	b, ok := r.builders[sig.ID]
	if !ok {
		return graph.NodeKey{}, nil, fmt.Errorf("scheduler: no builder registered for rule %q", sig.ID)
	}
	return b.Build(sig.ID, scope)
}

// RequestRoot resolves a top-level query against the precompiled plan
// and runs it through the node graph store, memoising the result
// (§4.7's execute() primitive, applied to one query). It also returns
// the resolved NodeKey so a cancelled caller can evict a bad memoised
// entry via graph.Store.Forget (§7: a cancelled rule body must not
// publish a result).
//
// force implements the supplemented Session.ForceRevalidate: it evicts
// any existing memoised entry for this key before requesting, so the
// node graph's revalidation short-circuit never applies and a full
// recompute happens regardless of dependency generations.
func (r *Runner) RequestRoot(ctx context.Context, q rules.Query, scope map[rules.Type]any, force bool) (any, graph.NodeKey, error) {
	sig, ok := r.plan.RootSignature(q)
	if !ok {
		return nil, graph.NodeKey{}, fmt.Errorf("scheduler: query %s%v was not part of the compiled plan", q.Output, q.RootParams)
	}
	key, compute, err := r.buildNode(sig, scope)
	if err != nil {
		return nil, key, err
	}
	if force {
		r.store.Forget(key)
	}
	v, err := r.store.Request(ctx, key, compute)
	return v, key, err
}

// Get resolves a dynamic sub-request issued by a rule body identified
// by callerID, consulting the plan's precomputed Get-site choice
// (§4.6's "transitive Get site compilation into a Plan"). get must be
// the exact Get the caller's Signature declared (the same value used
// when the plan was compiled); scope must hold values for every type
// the resolved rule declares, which in practice is the caller's own
// in-scope values plus whatever values back get.Inputs. Rule bodies
// that need to issue further Gets call this through the *graph.Task
// they were handed, via self.Get(ctx, key, compute) built from this
// method's return values.
func (r *Runner) Get(callerID graph.RuleID, get rules.Get, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error) {
	sig, ok := r.plan.GetChoice(callerID, get)
	if !ok {
		return graph.NodeKey{}, nil, fmt.Errorf("scheduler: no compiled Get choice for %s requesting %s", callerID, get.Output)
	}
	return r.buildNode(sig, scope)
}
