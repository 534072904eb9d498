// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestSoundness(t *testing.T) {
	// Property 2 (§8): hash(B) == D.fingerprint && len(B) == D.size_bytes.
	b := []byte("hello, ember")
	dg := Of(b)
	assert.EqualValues(t, len(b), dg.SizeBytes)

	recomputed := Of(b)
	assert.Equal(t, dg, recomputed)
}

func TestDirectoryEncodeDecodeRoundTrip(t *testing.T) {
	d := Directory{
		Files: []FileEntry{
			{Name: "b.txt", Digest: Of([]byte("b")), IsExecutable: false},
			{Name: "a.txt", Digest: Of([]byte("a")), IsExecutable: true},
		},
		Dirs: []DirEntry{
			{Name: "sub", Digest: Empty},
		},
		Symlinks: []SymlinkEntry{
			{Name: "link", Target: "a.txt"},
		},
	}
	enc, err := Encode(d)
	require.NoError(t, err)

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", dec.Files[0].Name, "Encode must sort entries by name")
	assert.Equal(t, "b.txt", dec.Files[1].Name)
	assert.True(t, dec.Files[0].IsExecutable)
	assert.Equal(t, "sub", dec.Dirs[0].Name)
	assert.Equal(t, "link", dec.Symlinks[0].Name)
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	mk := func() Directory {
		return Directory{
			Files: []FileEntry{
				{Name: "z", Digest: Of([]byte("1"))},
				{Name: "a", Digest: Of([]byte("2"))},
			},
		}
	}
	b1, err := Encode(mk())
	require.NoError(t, err)
	b2, err := Encode(mk())
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	dg1, err := TreeDigestOf(mk())
	require.NoError(t, err)
	dg2, err := TreeDigestOf(mk())
	require.NoError(t, err)
	assert.Equal(t, dg1, dg2)
}

func TestDirectoryValidateRejectsDuplicateNames(t *testing.T) {
	d := Directory{
		Files: []FileEntry{{Name: "x"}},
		Dirs:  []DirEntry{{Name: "x"}},
	}
	_, err := Encode(d)
	assert.Error(t, err)
}

func TestStoreAtomicWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	big := make([]byte, inlineThreshold*4)
	for i := range big {
		big[i] = byte(i)
	}
	dg, err := s.StoreBytes(big)
	require.NoError(t, err)

	got, err := s.LoadBytes(dg)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// Concurrent identical writes converge without corruption.
	dg2, err := s.StoreBytes(big)
	require.NoError(t, err)
	assert.Equal(t, dg, dg2)
}

func TestStoreCorruptionIsTreatedAsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	big := make([]byte, inlineThreshold*2)
	dg, err := s.StoreBytes(big)
	require.NoError(t, err)

	path := s.blobPath(dg, false)
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	_, err = s.LoadBytes(dg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGCSkipsLeasedDigests(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	a := make([]byte, inlineThreshold*2)
	a[0] = 'a'
	b := make([]byte, inlineThreshold*2)
	b[0] = 'b'

	dgA, err := s.StoreBytes(a)
	require.NoError(t, err)
	dgB, err := s.StoreBytes(b)
	require.NoError(t, err)

	s.Lease(dgA)
	evicted, err := s.GC(0)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = s.LoadBytes(dgA)
	assert.NoError(t, err, "leased digest must survive GC")
	_, err = s.LoadBytes(dgB)
	assert.ErrorIs(t, err, ErrNotFound)
}
