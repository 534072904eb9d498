// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// CycleError is returned when a node, while Running, is asked to depend
// on a node already in its own ancestor chain (§4.5). Cycles are
// permanent errors and are never memoised — a later request along a
// different root may find no cycle at all.
type CycleError struct {
	Path []NodeKey
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: dependency cycle: %v", e.Path)
}

type ancestorsKey struct{}

func ancestorsFrom(ctx context.Context) []NodeKey {
	if v, ok := ctx.Value(ancestorsKey{}).([]NodeKey); ok {
		return v
	}
	return nil
}

func withAncestor(ctx context.Context, key NodeKey) context.Context {
	existing := ancestorsFrom(ctx)
	next := make([]NodeKey, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = key
	return context.WithValue(ctx, ancestorsKey{}, next)
}

// ComputeFunc is a rule body: given the current Task (for recording
// dynamic Gets and file subscriptions), produce a value or error.
type ComputeFunc func(ctx context.Context, self *Task) (any, error)

// Task is handed to a rule body while it is Running, letting it request
// sub-computations (recorded as dependency edges for I3) and declare
// which filesystem paths it read (recorded as fs_subscriptions for I5).
type Task struct {
	key   NodeKey
	store *Store

	mu      sync.Mutex
	deps    []NodeKey
	fsSubs  []string
	depGens map[string]uint64
}

// Get requests a sub-computation by key, recording it as a dependency of
// the current task.
func (t *Task) Get(ctx context.Context, key NodeKey, compute ComputeFunc) (any, error) {
	v, gen, err := t.store.requestWithGeneration(ctx, key, compute)
	t.mu.Lock()
	t.deps = append(t.deps, key)
	if t.depGens == nil {
		t.depGens = make(map[string]uint64)
	}
	t.depGens[key.String()] = gen
	t.mu.Unlock()
	return v, err
}

// Subscribe declares that the current task's result depends on the
// content of path: a future invalidation of path will mark this node
// Dirty (I5).
func (t *Task) Subscribe(path string) {
	t.mu.Lock()
	t.fsSubs = append(t.fsSubs, path)
	t.mu.Unlock()
}

// Store is the concurrent-safe node graph (C5). Reads of Completed
// entries take only that entry's own read lock; structural mutation
// (adding/removing entries or subscription index rows) takes the
// coarse-grained lock only briefly, matching §5's lock discipline.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	fsIndex map[string]map[string]NodeKey // path -> node keys subscribed to it

	group singleflight.Group

	sizeGauge    prometheus.Gauge
	dirtyCounter prometheus.Counter
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		fsIndex: make(map[string]map[string]NodeKey),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_graph_nodes", Help: "number of memoised nodes in the graph",
		}),
		dirtyCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_graph_invalidations_total", Help: "nodes marked dirty by invalidation",
		}),
	}
}

func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.sizeGauge, s.dirtyCounter}
}

func (s *Store) entryFor(key NodeKey) *Entry {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		e = newEntry(key)
		s.entries[k] = e
		s.sizeGauge.Set(float64(len(s.entries)))
	}
	return e
}

// Request resolves key, running compute at most once concurrently for
// this key (I4), memoising the result, and re-using a Completed value
// without re-running when nothing dirtied it.
func (s *Store) Request(ctx context.Context, key NodeKey, compute ComputeFunc) (any, error) {
	v, _, err := s.requestWithGeneration(ctx, key, compute)
	return v, err
}

func (s *Store) requestWithGeneration(ctx context.Context, key NodeKey, compute ComputeFunc) (any, uint64, error) {
	for _, a := range ancestorsFrom(ctx) {
		if a == key {
			return nil, 0, &CycleError{Path: append(ancestorsFrom(ctx), key)}
		}
	}

	e := s.entryFor(key)

	e.mu.Lock()
	switch e.state {
	case Completed:
		v, err := e.value, e.err
		gen := e.generation
		e.mu.Unlock()
		return v, gen, err
	case Dirty:
		e.mu.Unlock()
		if s.tryRevalidate(ctx, e) {
			e.mu.RLock()
			v, err, gen := e.value, e.err, e.generation
			e.mu.RUnlock()
			return v, gen, err
		}
		// Falls through to a full re-run below.
	default:
		e.mu.Unlock()
	}

	childCtx := withAncestor(ctx, key)
	result, err, _ := s.group.Do(key.String(), func() (any, error) {
		e.mu.Lock()
		e.state = Running
		e.runToken++
		e.mu.Unlock()

		task := &Task{key: key, store: s}
		v, runErr := compute(childCtx, task)

		e.mu.Lock()
		if _, isCycle := runErr.(*CycleError); isCycle {
			// A cycle is a property of this particular request chain, not
			// of the node itself: leave it NotStarted so a later request
			// reached by a different path can still succeed (§4.5).
			e.state = NotStarted
			e.mu.Unlock()
			return struct {
				v   any
				err error
			}{nil, runErr}, nil
		}
		e.value = v
		e.err = runErr
		e.state = Completed
		e.compute = compute
		e.generation++
		e.lastVerifiedGeneration = e.generation
		e.dependencies = make(map[string]NodeKey, len(task.deps))
		for _, d := range task.deps {
			e.dependencies[d.String()] = d
		}
		e.fsSubscriptions = make(map[string]struct{}, len(task.fsSubs))
		for _, p := range task.fsSubs {
			e.fsSubscriptions[p] = struct{}{}
		}
		e.explainReasons = []string{"initial execution or dependency changed"}
		e.mu.Unlock()

		s.linkEdges(key, task.deps)
		s.indexSubscriptions(key, task.fsSubs)

		return struct {
			v   any
			err error
		}{v, runErr}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	pair := result.(struct {
		v   any
		err error
	})
	e.mu.RLock()
	gen := e.generation
	e.mu.RUnlock()
	return pair.v, gen, pair.err
}

// tryRevalidate re-requests each dependency; if every dependency's
// current generation equals the one cached at this node's last run, and
// its file subscriptions are clean, it is promoted back to Completed
// without re-executing (§4.5). Returns true if promoted.
func (s *Store) tryRevalidate(ctx context.Context, e *Entry) bool {
	e.mu.RLock()
	deps := make([]NodeKey, 0, len(e.dependencies))
	for _, d := range e.dependencies {
		deps = append(deps, d)
	}
	hasSubs := len(e.fsSubscriptions) > 0
	e.mu.RUnlock()

	if hasSubs {
		return false // a dirtying fs event is exactly what got us here
	}

	for _, dep := range deps {
		depEntry := s.entryFor(dep)
		if depEntry.State() == Dirty {
			// Force dependency revalidation by requesting it with the
			// ComputeFunc it was last computed with (Dirty is only ever
			// reached from Completed, so one is always recorded); if it
			// re-runs, this node must too.
			before := depEntry.Generation()
			_, gen, err := s.requestWithGeneration(ctx, dep, depEntry.storedCompute())
			if err != nil && depEntry.State() != Completed {
				return false
			}
			if gen != before {
				return false
			}
		}
		if depEntry.State() != Completed {
			return false
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Completed
	e.generation++
	e.lastVerifiedGeneration = e.generation
	e.explainReasons = nil
	return true
}

func (s *Store) linkEdges(dependent NodeKey, deps []NodeKey) {
	for _, d := range deps {
		de := s.entryFor(d)
		de.mu.Lock()
		de.dependents[dependent.String()] = dependent
		de.mu.Unlock()
	}
}

func (s *Store) indexSubscriptions(key NodeKey, paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		set, ok := s.fsIndex[p]
		if !ok {
			set = make(map[string]NodeKey)
			s.fsIndex[p] = set
		}
		set[key.String()] = key
	}
}

// Get returns the entry for key if it exists, without creating one.
func (s *Store) Get(key NodeKey) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	return e, ok
}

// Size returns the number of memoised nodes currently tracked.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Forget removes a single node's entry without touching its
// dependents/dependencies' own entries. Used by the scheduler to keep a
// Cancelled result from being observed as a memoised error on a later,
// uncancelled request for the same key (§7: "Cancelled... never cached
// beyond the session").
func (s *Store) Forget(key NodeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := key.String()
	delete(s.entries, ks)
	for path, subs := range s.fsIndex {
		delete(subs, ks)
		if len(subs) == 0 {
			delete(s.fsIndex, path)
		}
	}
	s.sizeGauge.Set(float64(len(s.entries)))
}

// DumpEntry is one row of Store.Dump: a memoised node key, its current
// state, and generation — the live-graph analogue of the teacher's
// flat `-state` build-database dump.
type DumpEntry struct {
	Key        NodeKey
	State      State
	Generation uint64
}

// Dump lists every memoised node key and its state, for the "what does
// the engine currently believe" debugging itch the teacher's `-state`
// flag covered against a flat JSON file.
func (s *Store) Dump() []DumpEntry {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]DumpEntry, len(entries))
	for i, e := range entries {
		out[i] = DumpEntry{Key: e.Key, State: e.State(), Generation: e.Generation()}
	}
	return out
}
