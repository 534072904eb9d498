// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"sort"

	"github.com/emberbuild/ember/internal/graph"
)

// Query is an external caller's request: an output type plus the
// parameter types available at the root (§4.4 "execute(session,
// queries)").
type Query struct {
	Output     Type
	RootParams []Type
}

// Compiler resolves (output type, in-scope parameter set) to a unique
// rule, and validates that every reachable request from a declared set
// of root queries resolves without ambiguity or gap (I6).
type Compiler struct {
	byOutput map[Type][]Signature
	byID     map[string]Signature
	unions   *UnionRegistry
}

func NewCompiler(unions *UnionRegistry) *Compiler {
	if unions == nil {
		unions = NewUnionRegistry()
	}
	return &Compiler{
		byOutput: make(map[Type][]Signature),
		byID:     make(map[string]Signature),
		unions:   unions,
	}
}

// Register adds a rule (or intrinsic, §4.7 — intrinsics "participate in
// the rule graph exactly like user rules") to the candidate set.
func (c *Compiler) Register(sig Signature) {
	c.byOutput[sig.Output] = append(c.byOutput[sig.Output], sig)
	c.byID[string(sig.ID)] = sig
}

// Resolve picks the unique rule producing output given the parameter
// types currently in scope, per the strict-superset-minimal specificity
// rule in §4.6. Resolve does no union handling: Compile resolves every
// member of a union output separately, and each member must resolve;
// runtime dispatch by tag value happens via UnionRegistry.Resolve.
func (c *Compiler) Resolve(output Type, inScope []Type) (*Signature, error) {
	scope := newTypeSet(inScope)
	candidates := c.byOutput[output]

	var matching []Signature
	for _, sig := range candidates {
		if sig.paramSet().subsetOf(scope) {
			matching = append(matching, sig)
		}
	}
	if len(matching) == 0 {
		return nil, &NoRuleError{Output: output, InScope: inScope}
	}
	if len(matching) == 1 {
		return &matching[0], nil
	}

	// Find the candidate whose declared params strictly dominate every
	// other candidate's. If none dominates all, it's ambiguous.
	winner := -1
	for i, a := range matching {
		dominatesAll := true
		for j, b := range matching {
			if i == j {
				continue
			}
			if !a.paramSet().strictSupersetOf(b.paramSet()) {
				dominatesAll = false
				break
			}
		}
		if dominatesAll {
			winner = i
			break
		}
	}
	if winner == -1 {
		candidateIDs := make([]graph.RuleID, len(matching))
		for i, m := range matching {
			candidateIDs[i] = m.ID
		}
		sort.Slice(candidateIDs, func(i, j int) bool { return candidateIDs[i] < candidateIDs[j] })
		return nil, &AmbiguousError{Output: output, Candidates: candidateIDs}
	}
	return &matching[winner], nil
}

// Plan is the compiled result: every reachable Get site's chosen rule,
// computed offline so that runtime dispatch (C7/C8) is a table lookup.
// Roots is keyed by queryKey rather than Query itself, since Query's
// RootParams slice makes it unsuitable as a map key directly.
type Plan struct {
	Roots      map[string]*Signature
	getChoices map[string]*Signature
}

// RootSignature returns the rule chosen for root query q during Compile.
func (p *Plan) RootSignature(q Query) (*Signature, bool) {
	sig, ok := p.Roots[queryKey(q)]
	return sig, ok
}

func (p *Plan) getChoice(callerID string, get Get) (*Signature, bool) {
	sig, ok := p.getChoices[getSiteKey(callerID, get)]
	return sig, ok
}

// GetChoice is the exported form of getChoice, for callers outside this
// package (the scheduler's Runner) dispatching a rule body's dynamic
// Get against the precompiled plan.
func (p *Plan) GetChoice(callerID graph.RuleID, get Get) (*Signature, bool) {
	return p.getChoice(string(callerID), get)
}

func queryKey(q Query) string {
	inputs := make([]string, len(q.RootParams))
	for i, t := range q.RootParams {
		inputs[i] = string(t)
	}
	sort.Strings(inputs)
	return fmt.Sprintf("%s(%v)", q.Output, inputs)
}

func getSiteKey(callerID string, get Get) string {
	inputs := make([]string, len(get.Inputs))
	for i, t := range get.Inputs {
		inputs[i] = string(t)
	}
	sort.Strings(inputs)
	return fmt.Sprintf("%s->%s(%v)", callerID, get.Output, inputs)
}

// Compile resolves every root query and transitively every Get each
// chosen rule may issue, returning a Plan plus every Ambiguous/NoRule
// error found; a union member that does not resolve is reported as one
// of these for that member. A non-empty error slice means the rule
// graph does not satisfy I6 and must not be used to serve queries.
func (c *Compiler) Compile(roots []Query) (*Plan, []error) {
	plan := &Plan{
		Roots:      make(map[string]*Signature),
		getChoices: make(map[string]*Signature),
	}
	var errs []error
	visited := make(map[string]struct{})

	type work struct {
		sig     *Signature
		inScope typeSet
	}
	var queue []work

	for _, q := range roots {
		sig, err := c.Resolve(q.Output, q.RootParams)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plan.Roots[queryKey(q)] = sig
		queue = append(queue, work{sig: sig, inScope: newTypeSet(q.RootParams)})
	}

	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		key := w.sig.ID
		visitKey := fmt.Sprintf("%s|%v", key, sortedKeys(w.inScope))
		if _, ok := visited[visitKey]; ok {
			continue
		}
		visited[visitKey] = struct{}{}

		callerScope := unionSets(w.inScope, w.sig.paramSet())

		for _, g := range w.sig.Gets {
			getScope := unionSets(callerScope, newTypeSet(g.Inputs))
			getScopeList := typeSetToSlice(getScope)

			if c.unions.IsUnion(g.Output) {
				for _, member := range c.allMembersOf(g.Output) {
					msig, err := c.Resolve(member, getScopeList)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					plan.getChoices[getSiteKey(string(w.sig.ID), Get{Output: member, Inputs: g.Inputs})] = msig
					queue = append(queue, work{sig: msig, inScope: getScope})
				}
				continue
			}

			sig, err := c.Resolve(g.Output, getScopeList)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			plan.getChoices[getSiteKey(string(w.sig.ID), g)] = sig
			queue = append(queue, work{sig: sig, inScope: getScope})
		}
	}

	return plan, errs
}

func (c *Compiler) allMembersOf(union Type) []Type {
	members, ok := c.unions.members[union]
	if !ok {
		return nil
	}
	out := make([]Type, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func unionSets(a, b typeSet) typeSet {
	out := make(typeSet, len(a)+len(b))
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}

func typeSetToSlice(s typeSet) []Type {
	out := make([]Type, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

func sortedKeys(s typeSet) []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
