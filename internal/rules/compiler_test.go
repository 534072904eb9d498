// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberbuild/ember/internal/graph"
)

func TestResolvePicksMostSpecificRule(t *testing.T) {
	c := NewCompiler(nil)
	c.Register(Signature{ID: "general", Output: "Digest", DeclaredParams: []Type{"PathGlobs"}})
	c.Register(Signature{ID: "specific", Output: "Digest", DeclaredParams: []Type{"PathGlobs", "ExecutionEnvironment"}})

	sig, err := c.Resolve("Digest", []Type{"PathGlobs", "ExecutionEnvironment"})
	require.NoError(t, err)
	assert.Equal(t, graph.RuleID("specific"), sig.ID, "the strictly more specific rule must win")
}

func TestResolveAmbiguousWhenNoDominator(t *testing.T) {
	// Scenario S5: R1: A -> X, R2: B -> X, query X with {A, B} in scope.
	c := NewCompiler(nil)
	c.Register(Signature{ID: "R1", Output: "X", DeclaredParams: []Type{"A"}})
	c.Register(Signature{ID: "R2", Output: "X", DeclaredParams: []Type{"B"}})

	_, err := c.Resolve("X", []Type{"A", "B"})
	require.Error(t, err)
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []graph.RuleID{"R1", "R2"}, ambiguous.Candidates)
}

func TestResolveNoRule(t *testing.T) {
	c := NewCompiler(nil)
	c.Register(Signature{ID: "only", Output: "Digest", DeclaredParams: []Type{"PathGlobs"}})

	_, err := c.Resolve("Digest", []Type{"Process"})
	require.Error(t, err)
	var noRule *NoRuleError
	require.ErrorAs(t, err, &noRule)
}

func TestCompileResolvesTransitiveGets(t *testing.T) {
	c := NewCompiler(nil)
	c.Register(Signature{
		ID:             "compile",
		Output:         "FallibleProcessResult",
		DeclaredParams: []Type{"Process"},
		Gets: []Get{
			{Output: "Digest", Inputs: []Type{"PathGlobs"}},
		},
	})
	c.Register(Signature{ID: "digest_of_globs", Output: "Digest", DeclaredParams: []Type{"PathGlobs"}})

	plan, errs := c.Compile([]Query{{Output: "FallibleProcessResult", RootParams: []Type{"Process"}}})
	require.Empty(t, errs)

	root, ok := plan.RootSignature(Query{Output: "FallibleProcessResult", RootParams: []Type{"Process"}})
	require.True(t, ok)
	require.NotNil(t, root)
	assert.Equal(t, graph.RuleID("compile"), root.ID)

	chosen, ok := plan.getChoice("compile", Get{Output: "Digest", Inputs: []Type{"PathGlobs"}})
	require.True(t, ok)
	assert.Equal(t, graph.RuleID("digest_of_globs"), chosen.ID)
}

func TestCompileReportsUnreachableGet(t *testing.T) {
	c := NewCompiler(nil)
	c.Register(Signature{
		ID:             "needs_missing",
		Output:         "Result",
		DeclaredParams: []Type{"Input"},
		Gets: []Get{
			{Output: "Nonexistent", Inputs: nil},
		},
	})

	_, errs := c.Compile([]Query{{Output: "Result", RootParams: []Type{"Input"}}})
	require.Len(t, errs, 1)
	var noRule *NoRuleError
	require.ErrorAs(t, errs[0], &noRule)
}

func TestUnionMemberMustBeResolvable(t *testing.T) {
	unions := NewUnionRegistry()
	unions.Register("RemoteOutput", "local", "LocalDigest")
	unions.Register("RemoteOutput", "remote", "RemoteDigest")

	c := NewCompiler(unions)
	c.Register(Signature{
		ID:             "caller",
		Output:         "Result",
		DeclaredParams: []Type{"Tag"},
		Gets:           []Get{{Output: "RemoteOutput"}},
	})
	c.Register(Signature{ID: "local_rule", Output: "LocalDigest", DeclaredParams: []Type{"Tag"}})
	// Intentionally no rule registered for RemoteDigest.

	_, errs := c.Compile([]Query{{Output: "Result", RootParams: []Type{"Tag"}}})
	require.Len(t, errs, 1)
	var noRule *NoRuleError
	require.ErrorAs(t, errs[0], &noRule)
	assert.Equal(t, Type("RemoteDigest"), noRule.Output)
}
