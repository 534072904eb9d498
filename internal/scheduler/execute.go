// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/emberbuild/ember/internal/rules"
)

// Query is one external caller's request: an output type plus the
// actual root parameter values available to satisfy it (§4.7:
// "execute(session, queries) -> list<Result> where each query is
// (output_type, root_parameter_values)").
type Query struct {
	Output rules.Type
	Root   map[rules.Type]any
}

func (q Query) toRules() rules.Query {
	types := make([]rules.Type, 0, len(q.Root))
	for t := range q.Root {
		types = append(types, t)
	}
	return rules.Query{Output: q.Output, RootParams: types}
}

// Status classifies one query's outcome, distinguishing a session-level
// Cancelled result (§4.7) from an ordinary success or error.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusCancelled
)

// Result is one query's outcome, returned positionally matched to its
// request (§4.7: "the gather returns results positionally matched to
// requests").
type Result struct {
	Query  Query
	Status Status
	Value  any
	Err    error
}

// Execute runs queries against sess, fanning them out in parallel and
// returning results positionally matched to the input slice (§4.7).
// Each query's rule body executes independently; a failure in one does
// not cancel the others unless the session itself is cancelled.
func (s *Scheduler) Execute(sess *Session, queries []Query) ([]Result, error) {
	results := make([]Result, len(queries))
	ctx := sess.Context()

	var g errgroup.Group
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}

	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results[i] = s.executeOne(ctx, sess, q)
			return nil
		})
	}
	// Errors from individual queries are carried in Result, not returned
	// here — every goroutine above returns nil, so g.Wait returns no
	// error.
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Scheduler) executeOne(ctx context.Context, sess *Session, q Query) Result {
	wuID := sess.workunits.Start("", string(q.Output), LevelInfo)

	value, key, err := s.runner.RequestRoot(ctx, q.toRules(), q.Root, sess.ForceRevalidate)

	sess.workunits.Complete(wuID, nil, nil)

	switch {
	case err == nil:
		return Result{Query: q, Status: StatusOK, Value: value}
	case errors.Is(err, context.Canceled) || sess.Cancelled():
		// A cancelled run must never be observed as a memoised error by a
		// later, uncancelled request for the same key (§7).
		s.store.Forget(key)
		return Result{Query: q, Status: StatusCancelled, Err: err}
	default:
		return Result{Query: q, Status: StatusError, Err: err}
	}
}
