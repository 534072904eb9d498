// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
build_root: /workspace
executor:
  local_parallelism: 8
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/workspace", cfg.BuildRoot)
	assert.Equal(t, 8, cfg.Executor.LocalParallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unset fields still carry their documented defaults.
	assert.Equal(t, Default().Store.GCTargetSizeBytes, cfg.Store.GCTargetSizeBytes)
	assert.Equal(t, Default().Watch.Enabled, cfg.Watch.Enabled)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultCacheRootUnderHome(t *testing.T) {
	cfg := Default()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache", "ember"), cfg.CacheRoot)
}
