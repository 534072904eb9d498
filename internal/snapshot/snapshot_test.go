// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberbuild/ember/internal/digest"
)

func newTree(t *testing.T) *Tree {
	t.Helper()
	s, err := digest.NewStore(t.TempDir())
	require.NoError(t, err)
	return &Tree{Store: s}
}

func dirOf(t *Tree, files map[string]string) (digest.Digest, error) {
	var d digest.Directory
	for name, content := range files {
		dg, err := t.Store.StoreBytes([]byte(content))
		if err != nil {
			return digest.Digest{}, err
		}
		d.Files = append(d.Files, digest.FileEntry{Name: name, Digest: dg})
	}
	return t.Store.StoreTree(d)
}

// S1: merge_digests([{"a":"hi"}, {"b":"bye"}]) == digest of {"a":"hi","b":"bye"}.
func TestScenarioS1MergeUnion(t *testing.T) {
	tr := newTree(t)
	a, err := dirOf(tr, map[string]string{"a": "hi"})
	require.NoError(t, err)
	b, err := dirOf(tr, map[string]string{"b": "bye"})
	require.NoError(t, err)
	want, err := dirOf(tr, map[string]string{"a": "hi", "b": "bye"})
	require.NoError(t, err)

	got, err := tr.Merge([]digest.Digest{a, b})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// S2: merge_digests([{"a":"hi"}, {"a":"ho"}]) fails with Conflict{path:"a"}.
func TestScenarioS2MergeConflict(t *testing.T) {
	tr := newTree(t)
	a, err := dirOf(tr, map[string]string{"a": "hi"})
	require.NoError(t, err)
	b, err := dirOf(tr, map[string]string{"a": "ho"})
	require.NoError(t, err)

	_, err = tr.Merge([]digest.Digest{a, b})
	require.Error(t, err)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "a", ce.Path)
}

// Property 3: merge([a,b]) == merge([b,a]) when no path collides.
func TestMergeCommutativity(t *testing.T) {
	tr := newTree(t)
	a, err := dirOf(tr, map[string]string{"a": "hi"})
	require.NoError(t, err)
	b, err := dirOf(tr, map[string]string{"b": "bye"})
	require.NoError(t, err)

	ab, err := tr.Merge([]digest.Digest{a, b})
	require.NoError(t, err)
	ba, err := tr.Merge([]digest.Digest{b, a})
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

// Property 4: remove_prefix(add_prefix(d, p), p) == d.
func TestAddRemovePrefixInverse(t *testing.T) {
	tr := newTree(t)
	d, err := dirOf(tr, map[string]string{"a": "hi"})
	require.NoError(t, err)

	prefixed, err := tr.AddPrefix(d, "x/y")
	require.NoError(t, err)
	back, err := tr.RemovePrefix(prefixed, "x/y")
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestRemovePrefixRejectsPartialOverlap(t *testing.T) {
	tr := newTree(t)
	d, err := dirOf(tr, map[string]string{"a": "hi"})
	require.NoError(t, err)
	_, err = tr.RemovePrefix(d, "nope")
	assert.Error(t, err)
}

// Property 5: digest_subset(digest_subset(d, g), g) == digest_subset(d, g).
func TestSubsetIdempotence(t *testing.T) {
	tr := newTree(t)
	d, err := dirOf(tr, map[string]string{"a.txt": "1", "b.log": "2"})
	require.NoError(t, err)

	pg := PathGlobs{Include: []string{"*.txt"}}
	once, err := tr.DigestSubset(d, pg)
	require.NoError(t, err)
	twice, err := tr.DigestSubset(once, pg)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestSnapshotDiff(t *testing.T) {
	tr := newTree(t)
	a, err := dirOf(tr, map[string]string{"same": "1", "gone": "2", "changed": "old"})
	require.NoError(t, err)
	b, err := dirOf(tr, map[string]string{"same": "1", "new": "3", "changed": "new"})
	require.NoError(t, err)

	diff, err := tr.SnapshotDiff(a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, diff.Added)
	assert.Equal(t, []string{"gone"}, diff.Removed)
	assert.Equal(t, []string{"changed"}, diff.Changed)
	assert.Equal(t, []string{"same"}, diff.UnchangedFiles)
}

func TestGlobDoubleStarMatchesZeroOrMoreSegments(t *testing.T) {
	g := parseGlob("src/**/*.go")
	assert.True(t, g.match("src/main.go"))
	assert.True(t, g.match("src/pkg/util.go"))
	assert.True(t, g.match("src/a/b/c.go"))
	assert.False(t, g.match("other/main.go"))
}

func TestWalkerExpandRespectsIgnoreAndExclude(t *testing.T) {
	tr := newTree(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a_test.go"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "gen.go"), []byte("c"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*_test.go\n"), 0o644))

	ig, err := LoadIgnoreFiles(root, []string{".gitignore"}, nil)
	require.NoError(t, err)
	w := NewWalker(root, ig)

	paths, err := tr.PathGlobsToPaths(w, PathGlobs{Include: []string{"src/**"}, Exclude: []string{"src/gen.go"}})
	require.NoError(t, err)
	assert.Contains(t, paths, "src/a.go")
	assert.NotContains(t, paths, "src/a_test.go")
	assert.NotContains(t, paths, "src/gen.go")
}

func TestMaterialiseIsIdempotent(t *testing.T) {
	tr := newTree(t)
	d, err := dirOf(tr, map[string]string{"a.txt": "hello"})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, tr.Materialise(d, dest, nil))
	require.NoError(t, tr.Materialise(d, dest, nil))

	content, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestMaterialiseRejectsUnsafeClearPaths(t *testing.T) {
	tr := newTree(t)
	d, err := dirOf(tr, map[string]string{"a.txt": "hello"})
	require.NoError(t, err)
	dest := t.TempDir()
	assert.Error(t, tr.Materialise(d, dest, []string{"../escape"}))
	assert.Error(t, tr.Materialise(d, dest, []string{"/abs"}))
}
