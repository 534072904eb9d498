// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"
)

// RemoteCAS is the subset of the REAPI-compatible wire contract (§6) the
// store needs: find which digests are missing remotely, batch-upload
// small blobs, and stream large ones.
type RemoteCAS interface {
	FindMissingBlobs(digests []Digest) ([]Digest, error)
	BatchUpdateBlobs(blobs map[Digest][]byte) error
	Read(dg Digest) ([]byte, error)
	Write(dg Digest, b []byte) error
}

// Mirror wraps a RemoteCAS client with a probabilistic "known absent"
// filter (avoids round-tripping FindMissingBlobs for digests the store
// has already learned aren't present remotely), a circuit breaker
// (degrade to local-only during a remote outage instead of retry-storming),
// and brotli compression on the wire.
type Mirror struct {
	client RemoteCAS
	cb     *gobreaker.CircuitBreaker

	mu        sync.Mutex
	knownGone *bloom.BloomFilter
}

// NewMirror constructs a Mirror. expectedAbsent sizes the bloom filter's
// capacity; falsePositiveRate controls its error budget (a false
// positive just means an unnecessary remote round trip, never incorrect
// data, so a generous rate is fine).
func NewMirror(client RemoteCAS, expectedAbsent uint, falsePositiveRate float64) *Mirror {
	return &Mirror{
		client:    client,
		knownGone: bloom.NewWithEstimates(expectedAbsent, falsePositiveRate),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-cas",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// EnsurePresentRemotely uploads any digests from the given set that the
// remote mirror is missing. Digests the bloom filter remembers as absent
// skip the FindMissingBlobs round trip entirely and go straight to the
// upload batch; everything else is checked for real.
func (m *Mirror) EnsurePresentRemotely(blobs map[Digest][]byte) error {
	var toCheck []Digest
	presumedMissing := make(map[Digest]bool)
	for dg := range blobs {
		m.mu.Lock()
		known := m.knownGone.Test(dg.Fingerprint[:])
		m.mu.Unlock()
		if known {
			presumedMissing[dg] = true
		} else {
			toCheck = append(toCheck, dg)
		}
	}

	missing := make([]Digest, 0, len(presumedMissing))
	for dg := range presumedMissing {
		missing = append(missing, dg)
	}
	if len(toCheck) > 0 {
		res, err := m.cb.Execute(func() (interface{}, error) {
			return m.client.FindMissingBlobs(toCheck)
		})
		if err != nil {
			return &RemoteError{Err: err}
		}
		missing = append(missing, res.([]Digest)...)
	}
	if len(missing) == 0 {
		return nil
	}
	upload := make(map[Digest][]byte, len(missing))
	for _, dg := range missing {
		if b, ok := blobs[dg]; ok {
			upload[dg] = compress(b)
		}
	}
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.client.BatchUpdateBlobs(upload)
	})
	if err != nil {
		return &RemoteError{Err: err}
	}
	// Bloom filters support no delete, so digests just uploaded remain
	// "known gone" until the filter is next rebuilt; that only costs an
	// unnecessary future re-upload (they skip FindMissingBlobs and go
	// straight to the upload batch), never an incorrect read.
	return nil
}

// EnsurePresentLocally downloads dg from the remote mirror into the
// local store if it is not already cached there.
func (m *Mirror) EnsurePresentLocally(store *Store, dg Digest, tree bool) error {
	if _, err := store.load(dg, tree); err == nil {
		return nil
	}
	res, err := m.cb.Execute(func() (interface{}, error) {
		return m.client.Read(dg)
	})
	if err != nil {
		m.mu.Lock()
		m.knownGone.Add(dg.Fingerprint[:])
		m.mu.Unlock()
		return &RemoteError{Err: err}
	}
	b := decompress(res.([]byte))
	_, err = store.storeNamespace(b, tree)
	return err
}

func compress(b []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write(b)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(b []byte) []byte {
	r := brotli.NewReader(bytes.NewReader(b))
	out, err := io.ReadAll(r)
	if err != nil {
		return b
	}
	return out
}
