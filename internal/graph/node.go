// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import "sync"

// State is a node's place in the lifecycle described in §4.5:
//
//	NotStarted --request--> Running --ok-------> Completed
//	                           `--err----------> Completed(Err)
//	Completed  --fs event---> Dirty
//	Dirty      --revalidate-> Running  (deps may short-circuit if clean)
//	Dirty      --revalidate-> Completed (same value re-validated)
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Dirty
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Dirty:
		return "Dirty"
	default:
		return "Unknown"
	}
}

// Entry is one memoised node (§3). Its fields are mutated and read under
// the entry's own mutex, not Store's coarse-grained structural lock,
// which only guards the map of entries (the teacher's
// `buildResult.done` channel plays the same "safe to read after close"
// role `Generation` plays here).
type Entry struct {
	Key NodeKey

	mu      sync.RWMutex
	state   State
	value   any
	err     error
	compute ComputeFunc

	dependencies map[string]NodeKey // keyed by NodeKey.String()
	dependents   map[string]NodeKey

	generation             uint64
	lastVerifiedGeneration uint64
	runToken               uint64

	fsSubscriptions map[string]struct{}

	// explainReasons records why the most recent (re)execution happened,
	// generalising the teacher's `-why` diagnostics (state.go's
	// WhyStale) from file staleness to dependency/subscription dirtying.
	explainReasons []string
}

func newEntry(key NodeKey) *Entry {
	return &Entry{
		Key:             key,
		state:           NotStarted,
		dependencies:    make(map[string]NodeKey),
		dependents:      make(map[string]NodeKey),
		fsSubscriptions: make(map[string]struct{}),
	}
}

// State returns the node's current lifecycle state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Value returns the memoised value and error for a Completed node. Valid
// only when State() == Completed (I3: completed only if every dependency
// was completed at the same generation).
func (e *Entry) Value() (any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value, e.err
}

// Generation returns the node's current generation counter, bumped each
// time it is (re)validated as Completed.
func (e *Entry) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// storedCompute returns the ComputeFunc this node was last (re)computed
// with, so a forced dependency revalidation (Store.tryRevalidate) can
// re-run a Dirty dependency without the caller having to reconstruct
// one from the rule plan.
func (e *Entry) storedCompute() ComputeFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compute
}

// Dependencies returns a snapshot of this node's dependency set.
func (e *Entry) Dependencies() []NodeKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]NodeKey, 0, len(e.dependencies))
	for _, k := range e.dependencies {
		out = append(out, k)
	}
	return out
}

// Explain returns the reasons the node most recently (re)ran —
// generalising the teacher's WhyRebuild/WhyStale diagnostics.
func (e *Entry) Explain() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.explainReasons))
	copy(out, e.explainReasons)
	return out
}
