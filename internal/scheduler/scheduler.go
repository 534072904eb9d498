// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the Scheduler/Session runtime (C7): it
// drives rule execution over the node graph (C5) using the compiled
// rule plan (C6), fans queries out across a bounded worker pool,
// accumulates workunit spans, and maps cancellation/errors onto the
// exit codes an embedding CLI returns (§4.7, §6).
package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/intrinsics"
	"github.com/emberbuild/ember/internal/process"
	"github.com/emberbuild/ember/internal/rules"
	"github.com/emberbuild/ember/internal/watch"
)

// RuleGraphError wraps the static compilation errors a Scheduler
// refuses to start with (§7: "RuleGraphError (static): ambiguous or
// missing rule; fatal on scheduler creation").
type RuleGraphError struct {
	Errs []error
}

func (e *RuleGraphError) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	return errors.Join(e.Errs...).Error()
}

func (e *RuleGraphError) Unwrap() []error { return e.Errs }

// Scheduler hosts one compiled rule plan and node graph store, shared
// across every Session it creates (§4.7: "new_scheduler(config,
// rule_set, types) -> Scheduler").
type Scheduler struct {
	store      *graph.Store
	compiler   *rules.Compiler
	plan       *rules.Plan
	runner     *Runner
	intrinsics *intrinsics.Registry
	dispatcher *process.Dispatcher
	watcher    *watch.Watcher
	log        *zap.Logger

	parallelism int
}

// Options configures a new Scheduler.
type Options struct {
	Store      *graph.Store
	Compiler   *rules.Compiler
	Intrinsics *intrinsics.Registry
	// Builders registers additional RuleBuilders beyond Intrinsics — the
	// hook external language-backend rule sets plug into (§1: "individual
	// language backends... are just clients of the engine").
	Builders    []RuleBuilder
	Dispatcher  *process.Dispatcher
	Watcher     *watch.Watcher // nil disables filesystem invalidation
	Logger      *zap.Logger
	Roots       []rules.Query
	Parallelism int // 0 means "auto", resolved by the caller's config
}

// New compiles roots against compiler and, only if compilation succeeds
// with no Ambiguous/NoRule/UnresolvedUnion errors, constructs a
// Scheduler around the given store (I6; §7 RuleGraphError is fatal at
// creation, not deferred to query time).
func New(opts Options) (*Scheduler, error) {
	plan, errs := opts.Compiler.Compile(opts.Roots)
	if len(errs) > 0 {
		return nil, &RuleGraphError{Errs: errs}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	builders := append([]RuleBuilder{}, opts.Builders...)
	if opts.Intrinsics != nil {
		builders = append(builders, opts.Intrinsics)
	}
	s := &Scheduler{
		store:       opts.Store,
		compiler:    opts.Compiler,
		plan:        plan,
		runner:      NewRunner(opts.Store, plan, builders...),
		intrinsics:  opts.Intrinsics,
		dispatcher:  opts.Dispatcher,
		watcher:     opts.Watcher,
		log:         log,
		parallelism: opts.Parallelism,
	}
	if s.watcher != nil {
		go s.watchLoop()
	}
	return s, nil
}

// watchLoop applies coalesced filesystem invalidations to the node
// graph for as long as the watcher runs (§4.3, §4.5 I5). If the watcher
// is degraded (AlwaysInvalidate), every batch invalidates the whole
// graph rather than trying to resolve individual paths.
func (s *Scheduler) watchLoop() {
	for inv := range s.watcher.Invalidations() {
		if s.watcher.AlwaysInvalidate() {
			s.store.InvalidateAll()
			continue
		}
		s.store.InvalidatePaths(inv.Paths)
	}
}

// Store exposes the underlying node graph store for debugging
// surfaces (the `-state`/`-why`/`-graph` CLI flags); rule execution
// itself only ever goes through Runner/Execute.
func (s *Scheduler) Store() *graph.Store { return s.store }

// Close stops the scheduler's background watch loop, if any.
func (s *Scheduler) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// ExitCode maps a top-level execute() outcome to the process exit code
// an embedding CLI returns (§6): 0 success, 1 user error, 2 engine
// error, 130 cancelled.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		var rge *RuleGraphError
		if errors.As(err, &rge) {
			return 2
		}
		var ue *UserError
		if errors.As(err, &ue) {
			return 1
		}
		return 2
	}
}

// UserError wraps an error returned by a rule body (§7: "propagated
// from a rule body... carries a structured payload"), as distinct from
// an internal engine invariant violation.
type UserError struct {
	RuleID  graph.RuleID
	Payload any
	Err     error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "scheduler: user error"
}

func (e *UserError) Unwrap() error { return e.Err }
