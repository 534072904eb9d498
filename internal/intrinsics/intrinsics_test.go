// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package intrinsics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberbuild/ember/internal/digest"
	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/process"
	"github.com/emberbuild/ember/internal/rules"
	"github.com/emberbuild/ember/internal/snapshot"
)

func handlerFunc(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	store, err := digest.NewStore(filepath.Join(root, "store"))
	require.NoError(t, err)
	buildRoot := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(buildRoot, 0o755))
	ignore, err := snapshot.LoadIgnoreFiles(buildRoot, nil, nil)
	require.NoError(t, err)
	tree := &snapshot.Tree{Store: store}
	local := process.NewLocalExecutor(filepath.Join(root, "exec"), store, 2)
	dispatcher := process.NewDispatcher(local, nil, nil)
	return NewRegistry(store, tree, buildRoot, ignore, dispatcher), buildRoot
}

func run(t *testing.T, r *Registry, ruleID graph.RuleID, scope map[rules.Type]any) any {
	t.Helper()
	key, compute, err := r.Build(ruleID, scope)
	require.NoError(t, err)
	v, err := graph.NewStore().Request(context.Background(), key, compute)
	require.NoError(t, err)
	return v
}

func TestPathGlobsToDigestMatchesFilesystemContent(t *testing.T) {
	r, buildRoot := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(buildRoot, "a.txt"), []byte("hello"), 0o644))

	v := run(t, r, RulePathGlobsToDigest, map[rules.Type]any{
		TypePathGlobs: PathGlobsValue{Globs: snapshot.PathGlobs{Include: []string{"*.txt"}}},
	})
	dv := v.(DigestValue)
	assert.False(t, dv.Digest.IsEmpty())
}

func TestCreateDigestAndDigestToContentsRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)

	v := run(t, r, RuleCreateDigest, map[rules.Type]any{
		TypeCreateDigest: CreateDigestValue{Entries: []CreateDigestEntry{
			{Path: "dir/file.txt", Content: []byte("hi")},
		}},
	})
	dv := v.(DigestValue)

	contents := run(t, r, RuleDigestToContents, map[rules.Type]any{TypeDigest: dv})
	m := contents.(map[string][]byte)
	require.Contains(t, m, "dir/file.txt")
	assert.Equal(t, "hi", string(m["dir/file.txt"]))
}

func TestMergeDigestsUnionsNonConflictingTrees(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := run(t, r, RuleCreateDigest, map[rules.Type]any{
		TypeCreateDigest: CreateDigestValue{Entries: []CreateDigestEntry{{Path: "a.txt", Content: []byte("a")}}},
	}).(DigestValue)
	b := run(t, r, RuleCreateDigest, map[rules.Type]any{
		TypeCreateDigest: CreateDigestValue{Entries: []CreateDigestEntry{{Path: "b.txt", Content: []byte("b")}}},
	}).(DigestValue)

	merged := run(t, r, RuleMergeDigests, map[rules.Type]any{
		TypeMergeDigests: MergeDigestsValue{Digests: []digest.Digest{a.Digest, b.Digest}},
	}).(DigestValue)

	contents := run(t, r, RuleDigestToContents, map[rules.Type]any{TypeDigest: merged}).(map[string][]byte)
	assert.Equal(t, "a", string(contents["a.txt"]))
	assert.Equal(t, "b", string(contents["b.txt"]))
}

func TestAddPrefixRemovePrefixRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)

	orig := run(t, r, RuleCreateDigest, map[rules.Type]any{
		TypeCreateDigest: CreateDigestValue{Entries: []CreateDigestEntry{{Path: "f.txt", Content: []byte("x")}}},
	}).(DigestValue)

	prefixed := run(t, r, RuleAddPrefix, map[rules.Type]any{
		TypeAddPrefix: PrefixValue{Digest: orig.Digest, Prefix: "a/b"},
	}).(DigestValue)
	assert.NotEqual(t, orig.Digest, prefixed.Digest)

	stripped := run(t, r, RuleRemovePrefix, map[rules.Type]any{
		TypeRemovePrefix: PrefixValue{Digest: prefixed.Digest, Prefix: "a/b"},
	}).(DigestValue)
	assert.Equal(t, orig.Digest, stripped.Digest, "add_prefix then remove_prefix must round-trip")
}

func TestRunProcessExercisesDispatcherEndToEnd(t *testing.T) {
	r, _ := newTestRegistry(t)

	v := run(t, r, RuleProcess, map[rules.Type]any{
		TypeProcess:              ProcessValue{Process: process.Process{Argv: []string{"sh", "-c", "exit 0"}, Input: digest.Empty}},
		TypeExecutionEnvironment: ExecutionEnvironmentValue{},
	})
	res := v.(process.FallibleProcessResult)
	assert.Equal(t, 0, res.ExitCode)
}

func TestDownloadFileVerifiesExpectedDigest(t *testing.T) {
	r, _ := newTestRegistry(t)
	body := []byte("payload")
	srv := httptest.NewServer(handlerFunc(body))
	defer srv.Close()

	v := run(t, r, RuleDownloadFile, map[rules.Type]any{
		TypeNativeDownloadFile: DownloadFileValue{URL: srv.URL, ExpectedDigest: digest.Of(body)},
	})
	dv := v.(DigestValue)
	assert.False(t, dv.Digest.IsEmpty())
}

func TestDownloadFileRejectsDigestMismatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	srv := httptest.NewServer(handlerFunc([]byte("payload")))
	defer srv.Close()

	key, compute, err := r.Build(RuleDownloadFile, map[rules.Type]any{
		TypeNativeDownloadFile: DownloadFileValue{URL: srv.URL, ExpectedDigest: digest.Of([]byte("not the payload"))},
	})
	require.NoError(t, err)
	_, err = graph.NewStore().Request(context.Background(), key, compute)
	assert.Error(t, err)
}
