// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emberbuild/ember/internal/graph"
)

// AmbiguousError reports that two or more rules could satisfy the same
// (output, in-scope) request with no strict specificity ordering
// between them (§4.6, scenario S5).
type AmbiguousError struct {
	Output     Type
	Candidates []graph.RuleID
}

func (e *AmbiguousError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = string(c)
	}
	sort.Strings(ids)
	return fmt.Sprintf("rules: ambiguous rule for %s: candidates %s", e.Output, strings.Join(ids, ", "))
}

// NoRuleError reports that no declared rule can satisfy (output,
// in-scope) at all.
type NoRuleError struct {
	Output  Type
	InScope []Type
}

func (e *NoRuleError) Error() string {
	inScope := make([]string, len(e.InScope))
	for i, t := range e.InScope {
		inScope[i] = string(t)
	}
	return fmt.Sprintf("rules: no rule produces %s from in-scope %v", e.Output, inScope)
}

// UnresolvedUnionError reports that a union type's member, chosen by a
// tag value, has no registered concrete rule.
type UnresolvedUnionError struct {
	Union Type
	Tag   string
}

func (e *UnresolvedUnionError) Error() string {
	return fmt.Sprintf("rules: union %s has no member registered for tag %q", e.Union, e.Tag)
}
