// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherCoalescesAndNormalisesPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.txt"), []byte("1"), 0o644))

	w, err := New(root, []string{"."}, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.txt"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.txt"), []byte("3"), 0o644))

	select {
	case inv := <-w.Invalidations():
		assert.Contains(t, inv.Paths, "foo.txt")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation")
	}
}

func TestWatcherDegradesWhenRootMissing(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, []string{"does-not-exist"}, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()
	assert.True(t, w.AlwaysInvalidate())
}
