// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sentinel errors distinguishing the store's failure taxonomy (§4.1, §7).
var (
	ErrNotFound   = errors.New("digest: not found")
	ErrCorruption = errors.New("digest: corruption detected")
)

// RemoteError wraps a transient failure talking to the remote CAS mirror.
type RemoteError struct{ Err error }

func (e *RemoteError) Error() string { return fmt.Sprintf("digest: remote: %v", e.Err) }
func (e *RemoteError) Unwrap() error { return e.Err }

// inlineThreshold is the size below which blobs are kept inside the KV
// namespace rather than as standalone fanout files (mirrors the teacher's
// HashCache convention of trusting small content to live in memory/maps,
// generalised here to an on-disk KV split).
const inlineThreshold = 4096

// Store is the local content-addressed backing: two namespaces (file
// blobs, tree blobs) under <cache_root>/lmdb_store/{files,directories}
// per the §6 layout, plus an in-memory inline cache for small blobs.
type Store struct {
	root string

	mu     sync.RWMutex
	inline map[Digest][]byte   // small blobs, namespace-agnostic by fingerprint
	lru    map[Digest]time.Time
	leases map[Digest]int // active session lease counts; never evicted while > 0

	hits   prometheus.Counter
	misses prometheus.Counter
	evicts prometheus.Counter
}

// NewStore opens (creating if absent) the local store rooted at root.
func NewStore(root string) (*Store, error) {
	for _, sub := range []string{"files", "directories"} {
		if err := os.MkdirAll(filepath.Join(root, "lmdb_store", sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{
		root:   root,
		inline: make(map[Digest][]byte),
		lru:    make(map[Digest]time.Time),
		leases: make(map[Digest]int),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_store_hits_total", Help: "local store reads satisfied without a miss",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_store_misses_total", Help: "local store reads not found locally",
		}),
		evicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_store_evictions_total", Help: "blobs evicted by GC",
		}),
	}, nil
}

// Collectors exposes the store's prometheus metrics for registration.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.hits, s.misses, s.evicts}
}

func (s *Store) namespaceDir(tree bool) string {
	if tree {
		return filepath.Join(s.root, "lmdb_store", "directories")
	}
	return filepath.Join(s.root, "lmdb_store", "files")
}

func (s *Store) blobPath(d Digest, tree bool) string {
	fanout, full := d.FanoutPath()
	return filepath.Join(s.namespaceDir(tree), fanout, full)
}

// StoreBytes persists a file blob, returning its digest. Writes are
// atomic: hash, write to a temp file, fsync, rename — concurrent writers
// of identical content converge on the same final path without
// corruption (two renames to the same destination are each atomic).
func (s *Store) StoreBytes(b []byte) (Digest, error) {
	return s.storeNamespace(b, false)
}

// StoreTree persists a canonical directory descriptor, returning its
// tree digest.
func (s *Store) StoreTree(d Directory) (Digest, error) {
	b, err := Encode(d)
	if err != nil {
		return Digest{}, err
	}
	return s.storeNamespace(b, true)
}

func (s *Store) storeNamespace(b []byte, tree bool) (Digest, error) {
	dg := Of(b)
	if len(b) <= inlineThreshold {
		s.mu.Lock()
		s.inline[dg] = append([]byte(nil), b...)
		s.lru[dg] = time.Now()
		s.mu.Unlock()
		return dg, nil
	}
	path := s.blobPath(dg, tree)
	if _, err := os.Stat(path); err == nil {
		s.touch(dg)
		return dg, nil // already present; identical content, no-op
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Digest{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return Digest{}, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Digest{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Digest{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Digest{}, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Digest{}, err
	}
	s.touch(dg)
	return dg, nil
}

func (s *Store) touch(dg Digest) {
	s.mu.Lock()
	s.lru[dg] = time.Now()
	s.mu.Unlock()
}

// LoadBytes returns a file blob's content, or ErrNotFound.
func (s *Store) LoadBytes(dg Digest) ([]byte, error) {
	return s.load(dg, false)
}

// LoadTree returns a directory descriptor, or ErrNotFound.
func (s *Store) LoadTree(dg Digest) (Directory, error) {
	if dg.IsEmpty() {
		return Directory{}, nil
	}
	b, err := s.load(dg, true)
	if err != nil {
		return Directory{}, err
	}
	return Decode(b)
}

func (s *Store) load(dg Digest, tree bool) ([]byte, error) {
	s.mu.RLock()
	if b, ok := s.inline[dg]; ok {
		s.mu.RUnlock()
		s.hits.Inc()
		s.touch(dg)
		return b, nil
	}
	s.mu.RUnlock()

	path := s.blobPath(dg, tree)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.misses.Inc()
			return nil, ErrNotFound
		}
		return nil, err
	}
	got := Of(b)
	if got.Fingerprint != dg.Fingerprint || got.SizeBytes != dg.SizeBytes {
		// Corruption is soft: evict the bad blob and report as not-found
		// so callers re-fetch (§4.1).
		os.Remove(path)
		s.misses.Inc()
		return nil, fmt.Errorf("%w: %w", ErrCorruption, ErrNotFound)
	}
	s.hits.Inc()
	s.touch(dg)
	return b, nil
}

// Lease extends a digest's lifetime for the duration of a session,
// preventing GC eviction while held (§4.1, Open Question decision in
// DESIGN.md).
func (s *Store) Lease(dg Digest) {
	s.mu.Lock()
	s.leases[dg]++
	s.mu.Unlock()
}

// Release drops one lease on dg.
func (s *Store) Release(dg Digest) {
	s.mu.Lock()
	if s.leases[dg] > 0 {
		s.leases[dg]--
		if s.leases[dg] == 0 {
			delete(s.leases, dg)
		}
	}
	s.mu.Unlock()
}

// CopyTo streams a stored file blob to w, used by materialisation.
func (s *Store) CopyTo(w io.Writer, dg Digest) error {
	b, err := s.LoadBytes(dg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
