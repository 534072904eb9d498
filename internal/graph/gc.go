// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package graph

// GC removes every memoised node not reachable (by dependency edges)
// from liveRoots, along with their fs_subscriptions index entries. It
// returns the number of nodes evicted. Call this between sessions once
// the set of roots a caller still cares about is known; a node that
// re-enters scope later simply starts again from NotStarted.
func (s *Store) GC(liveRoots []NodeKey) int {
	s.mu.Lock()
	reachable := make(map[string]struct{}, len(s.entries))
	queue := append([]NodeKey(nil), liveRoots...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		ks := k.String()
		if _, ok := reachable[ks]; ok {
			continue
		}
		reachable[ks] = struct{}{}
		e, ok := s.entries[ks]
		if !ok {
			continue
		}
		e.mu.RLock()
		for _, d := range e.dependencies {
			queue = append(queue, d)
		}
		e.mu.RUnlock()
	}

	evicted := 0
	for k := range s.entries {
		if _, live := reachable[k]; live {
			continue
		}
		delete(s.entries, k)
		for path, subs := range s.fsIndex {
			delete(subs, k)
			if len(subs) == 0 {
				delete(s.fsIndex, path)
			}
		}
		evicted++
	}
	s.sizeGauge.Set(float64(len(s.entries)))
	s.mu.Unlock()
	return evicted
}
