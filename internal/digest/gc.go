// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"os"
	"sort"
)

// GC evicts the least-recently-used blobs until the store's estimated
// size is at or below targetSizeBytes. Digests with an active lease
// (Store.Lease) are never considered, per the Open Question decision in
// DESIGN.md: leased entries are skipped outright and reconsidered only
// once their lease count returns to zero.
func (s *Store) GC(targetSizeBytes int64) (evicted int, err error) {
	s.mu.Lock()
	type entry struct {
		dg   Digest
		when int64
	}
	var candidates []entry
	var total int64
	for dg, t := range s.lru {
		total += dg.SizeBytes
		if s.leases[dg] > 0 {
			continue
		}
		candidates = append(candidates, entry{dg, t.UnixNano()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].when < candidates[j].when })
	s.mu.Unlock()

	for _, c := range candidates {
		if total <= targetSizeBytes {
			break
		}
		s.mu.Lock()
		if s.leases[c.dg] > 0 {
			s.mu.Unlock()
			continue
		}
		delete(s.inline, c.dg)
		delete(s.lru, c.dg)
		s.mu.Unlock()

		for _, tree := range []bool{false, true} {
			path := s.blobPath(c.dg, tree)
			if rmErr := os.Remove(path); rmErr == nil {
				evicted++
				s.evicts.Inc()
			}
		}
		total -= c.dg.SizeBytes
	}
	return evicted, nil
}
