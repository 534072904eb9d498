// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberbuild/ember/internal/digest"
)

// Materialise writes the tree at d into destination, removing clearPaths
// first. Execute bits are preserved, symlinks are recreated as symlinks,
// and the operation is idempotent for identical inputs (§4.2).
//
// clearPaths entries must be relative to destination and must not climb
// out of it with "..", matching the Open Question decision recorded in
// DESIGN.md: a clearPaths entry that is itself a symlink is removed as
// the symlink, never followed.
func (t *Tree) Materialise(d digest.Digest, destination string, clearPaths []string) error {
	for _, cp := range clearPaths {
		if filepath.IsAbs(cp) {
			return fmt.Errorf("snapshot: clear_paths entry %q must be relative", cp)
		}
		for _, seg := range strings.Split(cp, "/") {
			if seg == ".." {
				return fmt.Errorf("snapshot: clear_paths entry %q must not contain '..'", cp)
			}
		}
		target := filepath.Join(destination, cp)
		trash := target + fmt.Sprintf(".trash-%d", time.Now().UnixNano())
		if err := os.Rename(target, trash); err == nil {
			os.RemoveAll(trash)
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	dd, err := t.Store.LoadTree(d)
	if err != nil {
		return err
	}
	return t.materialiseDir(dd, destination)
}

func (t *Tree) materialiseDir(d digest.Directory, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range d.Files {
		path := filepath.Join(dest, f.Name)
		b, err := t.Store.LoadBytes(f.Digest)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if f.IsExecutable {
			mode = 0o755
		}
		if existing, err := os.ReadFile(path); err == nil && digest.Of(existing) == f.Digest {
			// Identical content already present: still fix up the mode in
			// case executability changed, but skip rewriting bytes.
			_ = os.Chmod(path, mode)
			continue
		}
		if err := os.WriteFile(path, b, mode); err != nil {
			return err
		}
	}
	for _, sd := range d.Dirs {
		childDir, err := t.Store.LoadTree(sd.Digest)
		if err != nil {
			return err
		}
		if err := t.materialiseDir(childDir, filepath.Join(dest, sd.Name)); err != nil {
			return err
		}
	}
	for _, sl := range d.Symlinks {
		path := filepath.Join(dest, sl.Name)
		if existing, err := os.Readlink(path); err == nil && existing == sl.Target {
			continue
		}
		os.Remove(path)
		if err := os.Symlink(sl.Target, path); err != nil {
			return err
		}
	}
	return nil
}
