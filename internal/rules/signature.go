// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package rules implements the rule graph compiler (C6): a static solver
// that maps (output type, in-scope parameter set) to a unique rule
// choice, or reports a compile-time Ambiguous/NoRule error (I6).
package rules

import "github.com/emberbuild/ember/internal/graph"

// Type names a Go type participating in the rule graph by its stable
// identifier (the type's registered name, not its reflect.Type — rules
// and intrinsics alike name types this way so both can be resolved
// uniformly).
type Type string

// Get describes one dynamic sub-request a rule body may issue: "given
// these input types already in scope, I may ask for this output type."
type Get struct {
	Output Type
	Inputs []Type
}

// Signature is a rule's declared contract (§3 "Rule signature").
type Signature struct {
	ID             graph.RuleID
	Output         Type
	DeclaredParams []Type
	Gets           []Get

	Cacheable     bool
	EngineAware   bool
	SideEffecting bool
}

func (s Signature) paramSet() typeSet {
	return newTypeSet(s.DeclaredParams)
}

type typeSet map[Type]struct{}

func newTypeSet(ts []Type) typeSet {
	s := make(typeSet, len(ts))
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func (s typeSet) subsetOf(other typeSet) bool {
	for t := range s {
		if _, ok := other[t]; !ok {
			return false
		}
	}
	return true
}

// strictSupersetOf reports whether s contains every element of other
// plus at least one more.
func (s typeSet) strictSupersetOf(other typeSet) bool {
	return other.subsetOf(s) && len(s) > len(other)
}
