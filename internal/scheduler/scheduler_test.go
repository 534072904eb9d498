// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/rules"
)

// intValue is a toy parameter/output value used only by this test's
// fake rule builders, standing in for a real intrinsic's *Value type.
type intValue struct{ n int }

func (v intValue) hashKey() string { return fmt.Sprintf("%d", v.n) }

// doubleBuilder implements a single leaf rule: Number -> Doubled, no
// Gets, exercising the plain root-query path.
type doubleBuilder struct{}

func (doubleBuilder) Signatures() []rules.Signature {
	return []rules.Signature{
		{ID: "double", Output: "Doubled", DeclaredParams: []rules.Type{"Number"}, Cacheable: true},
	}
}

func (doubleBuilder) Build(ruleID graph.RuleID, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error) {
	v := scope["Number"].(intValue)
	key := graph.NodeKey{Rule: ruleID, Params: graph.Params{{Type: "Number", HashKey: v.hashKey(), Value: v}}}
	return key, func(ctx context.Context, self *graph.Task) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err // cooperative cancellation at the rule body's only suspension point
		}
		return intValue{n: v.n * 2}, nil
	}, nil
}

// sumViaGetBuilder demonstrates a rule that issues a dynamic Get:
// SumPlusOne(Number) = double(Number) + 1, routed through Runner.Get so
// the "build key and compute together at the call site" pattern threads
// all the way from a user-style rule body down into the graph store.
type sumViaGetBuilder struct{ runner *Runner }

func (sumViaGetBuilder) Signatures() []rules.Signature {
	return []rules.Signature{
		{
			ID: "sum_plus_one", Output: "SumPlusOne", DeclaredParams: []rules.Type{"Number"},
			Gets: []rules.Get{{Output: "Doubled", Inputs: []rules.Type{"Number"}}},
		},
	}
}

func (b sumViaGetBuilder) Build(ruleID graph.RuleID, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error) {
	v := scope["Number"].(intValue)
	key := graph.NodeKey{Rule: ruleID, Params: graph.Params{{Type: "Number", HashKey: v.hashKey(), Value: v}}}
	return key, func(ctx context.Context, self *graph.Task) (any, error) {
		getKey, compute, err := b.runner.Get(ruleID, rules.Get{Output: "Doubled", Inputs: []rules.Type{"Number"}}, scope)
		if err != nil {
			return nil, err
		}
		doubled, err := self.Get(ctx, getKey, compute)
		if err != nil {
			return nil, err
		}
		return intValue{n: doubled.(intValue).n + 1}, nil
	}, nil
}

func newTestScheduler(t *testing.T, extra ...RuleBuilder) (*Scheduler, *rules.Compiler) {
	t.Helper()
	c := rules.NewCompiler(nil)
	for _, sig := range (doubleBuilder{}).Signatures() {
		c.Register(sig)
	}
	sb := &sumViaGetBuilder{}
	for _, sig := range sb.Signatures() {
		c.Register(sig)
	}
	builders := append([]RuleBuilder{doubleBuilder{}, sb}, extra...)

	s, err := New(Options{
		Store:    graph.NewStore(),
		Compiler: c,
		Builders: builders,
		Roots: []rules.Query{
			{Output: "Doubled", RootParams: []rules.Type{"Number"}},
			{Output: "SumPlusOne", RootParams: []rules.Type{"Number"}},
		},
	})
	require.NoError(t, err)
	// sumViaGetBuilder needs the runner to issue its Get; patch it in
	// now that New() has built one. A real builder would receive the
	// runner (or scheduler) at construction time instead.
	sb.runner = s.runner
	return s, c
}

func TestNewRejectsAmbiguousRuleGraph(t *testing.T) {
	c := rules.NewCompiler(nil)
	c.Register(rules.Signature{ID: "a", Output: "X", DeclaredParams: []rules.Type{"A"}})
	c.Register(rules.Signature{ID: "b", Output: "X", DeclaredParams: []rules.Type{"B"}})

	_, err := New(Options{
		Store:    graph.NewStore(),
		Compiler: c,
		Roots:    []rules.Query{{Output: "X", RootParams: []rules.Type{"A", "B"}}},
	})
	require.Error(t, err)
	var rge *RuleGraphError
	require.ErrorAs(t, err, &rge)
	assert.Equal(t, 2, ExitCode(err))
}

func TestExecuteRunsRootQuery(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	defer sess.Close()

	results, err := s.Execute(sess, []Query{
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 21}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, intValue{n: 42}, results[0].Value)
}

func TestExecutePositionallyMatchesResults(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	defer sess.Close()

	queries := []Query{
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 1}}},
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 2}}},
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 3}}},
	}
	results, err := s.Execute(sess, queries)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, want := range []int{2, 4, 6} {
		assert.Equal(t, intValue{n: want}, results[i].Value, "result %d must match request %d positionally", i, i)
	}
}

func TestExecuteDynamicGetThreadsThroughPlan(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	defer sess.Close()

	results, err := s.Execute(sess, []Query{
		{Output: "SumPlusOne", Root: map[rules.Type]any{"Number": intValue{n: 10}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, StatusOK, results[0].Status, "%v", results[0].Err)
	assert.Equal(t, intValue{n: 21}, results[0].Value) // double(10) + 1
}

func TestExecuteCancelledQueryIsNotMemoised(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	sess.Cancel()
	defer sess.Close()

	results, err := s.Execute(sess, []Query{
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 5}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusCancelled, results[0].Status)
	assert.Equal(t, 0, s.store.Size(), "a cancelled query's node must not remain memoised")
}

func TestPollWorkunitsDrainsStartedAndCompleted(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	defer sess.Close()

	_, err := s.Execute(sess, []Query{
		{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 7}}},
	})
	require.NoError(t, err)

	started, completed := sess.PollWorkunits(LevelTrace)
	assert.Len(t, started, 1)
	assert.Len(t, completed, 1)
	assert.Equal(t, "Doubled", started[0].Name)
	assert.True(t, completed[0].Done())
}

func TestForceRevalidateBypassesMemoisedValue(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(nil)
	defer sess.Close()

	q := []Query{{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: 4}}}}
	results, err := s.Execute(sess, q)
	require.NoError(t, err)
	assert.Equal(t, intValue{n: 8}, results[0].Value)

	sess.ForceRevalidate = true
	results, err = s.Execute(sess, q)
	require.NoError(t, err)
	assert.Equal(t, intValue{n: 8}, results[0].Value, "recompute must still be deterministic")
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 130, ExitCode(context.Canceled))
	assert.Equal(t, 1, ExitCode(&UserError{Err: assertError("boom")}))
	assert.Equal(t, 2, ExitCode(&RuleGraphError{Errs: []error{assertError("bad graph")}}))
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestSessionCloseCancelsContextWithoutDispatcher(t *testing.T) {
	s, _ := newTestScheduler(t)
	sess := s.NewSession(map[string]string{"k": "v"})
	assert.NotEmpty(t, sess.ID)
	sess.Close() // no Dispatcher configured in this test scheduler; must not panic
	assert.Error(t, sess.Context().Err())
}

func TestNewSessionGetsDistinctRunIDs(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := s.NewSession(nil)
	b := s.NewSession(nil)
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestExecuteCompletesWithParallelismLimitOfOne(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.parallelism = 1
	sess := s.NewSession(nil)
	defer sess.Close()

	queries := make([]Query, 5)
	for i := range queries {
		queries[i] = Query{Output: "Doubled", Root: map[rules.Type]any{"Number": intValue{n: i}}}
	}
	start := time.Now()
	results, err := s.Execute(sess, queries)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Less(t, time.Since(start), 5*time.Second)
}
