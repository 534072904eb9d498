// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package graph implements the memoising node/graph store (C5): nodes
// keyed by (rule, parameters), a Completed/Running/Dirty state machine,
// cycle detection, and path-based invalidation.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// RuleID identifies a registered rule (see internal/rules.Signature.ID).
type RuleID string

// Param is one (type, value) pair in a node's parameter set. Value must
// be hashable; HashKey is the string used for equality/hash comparisons
// so callers can use any Go value whose identity they can stringify
// deterministically (content hashes, small structs' String(), etc).
type Param struct {
	Type    string
	HashKey string
	Value   any
}

// Params is a frozen, order-insensitive set of Param — two Params with
// the same (type, hash) pairs are equal regardless of construction
// order (§3: "insensitive to positional ordering").
type Params []Param

// Key returns a canonical string for use as a map/singleflight key:
// parameters are sorted by (type, hash) so permutations collapse to the
// same string.
func (p Params) Key() string {
	sorted := make([]string, len(p))
	for i, prm := range p {
		sorted[i] = prm.Type + "\x00" + prm.HashKey
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "\x01")
}

// NodeKey is (rule_id, parameter_values) — the identity of one memoised
// node (§3).
type NodeKey struct {
	Rule   RuleID
	Params Params
}

// String renders a stable, permutation-insensitive identity for use as a
// map key and in diagnostics.
func (k NodeKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Rule, k.Params.Key())
}
