// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package graph

// InvalidatePaths marks every node subscribed to one of paths as Dirty,
// then transitively dirties their dependents (§4.3, I5). Only nodes
// reachable from an affected subscription are touched — testable
// property 7 requires this precision, so a change to one file must not
// dirty unrelated nodes.
func (s *Store) InvalidatePaths(paths []string) {
	s.mu.Lock()
	roots := make(map[string]NodeKey)
	for _, p := range paths {
		for k, key := range s.fsIndex[p] {
			roots[k] = key
		}
	}
	s.mu.Unlock()

	if len(roots) == 0 {
		return
	}
	seed := make([]NodeKey, 0, len(roots))
	for _, k := range roots {
		seed = append(seed, k)
	}
	s.dirtyTransitively(seed)
}

// InvalidateAll marks every currently memoised node Dirty: used when the
// watcher has degraded to AlwaysInvalidate mode (§4.3) and precise
// path-level invalidation is unavailable.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	all := make([]NodeKey, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.Key)
	}
	s.mu.Unlock()
	s.dirtyTransitively(all)
}

func (s *Store) dirtyTransitively(seed []NodeKey) {
	visited := make(map[string]struct{})
	queue := append([]NodeKey(nil), seed...)
	count := 0
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		ks := k.String()
		if _, ok := visited[ks]; ok {
			continue
		}
		visited[ks] = struct{}{}

		e, ok := s.Get(k)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.state == Completed {
			e.state = Dirty
			count++
		}
		deps := make([]NodeKey, 0, len(e.dependents))
		for _, d := range e.dependents {
			deps = append(deps, d)
		}
		e.mu.Unlock()

		queue = append(queue, deps...)
	}
	s.dirtyCounter.Add(float64(count))
}
