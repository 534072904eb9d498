// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"strings"

	"github.com/emberbuild/ember/internal/digest"
)

// ConflictError reports that a merge found two different digests at the
// same path (§4.2, S2).
type ConflictError struct {
	Path         string
	DigestA, DigestB digest.Digest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot: conflict at %q: %s vs %s", e.Path, e.DigestA, e.DigestB)
}

// Tree bundles a Store with the directory-merge/prefix/subset operations
// that need to read and write trees through it.
type Tree struct {
	Store *digest.Store
}

// Merge recursively unions the directory trees behind the given digests.
// Identical entries at the same path coalesce; distinct file contents (or
// a file/directory collision) at the same path fail with ConflictError.
// Merge is commutative for non-conflicting inputs (§8 property 3).
func (t *Tree) Merge(digests []digest.Digest) (digest.Digest, error) {
	if len(digests) == 0 {
		return digest.Empty, nil
	}
	dirs := make([]digest.Directory, len(digests))
	for i, d := range digests {
		dd, err := t.Store.LoadTree(d)
		if err != nil {
			return digest.Digest{}, err
		}
		dirs[i] = dd
	}
	merged, err := t.mergeDirs(dirs, "")
	if err != nil {
		return digest.Digest{}, err
	}
	return t.Store.StoreTree(merged)
}

func (t *Tree) mergeDirs(dirs []digest.Directory, pathPrefix string) (digest.Directory, error) {
	type slot struct {
		file    *digest.FileEntry
		dirDg   *digest.Digest
		symlink *digest.SymlinkEntry
	}
	byName := make(map[string]slot)
	var order []string

	for _, d := range dirs {
		for _, f := range d.Files {
			f := f
			path := joinPath(pathPrefix, f.Name)
			existing, ok := byName[f.Name]
			if !ok {
				byName[f.Name] = slot{file: &f}
				order = append(order, f.Name)
				continue
			}
			if existing.file == nil {
				return digest.Directory{}, &ConflictError{Path: path}
			}
			if existing.file.Digest != f.Digest || existing.file.IsExecutable != f.IsExecutable {
				return digest.Directory{}, &ConflictError{Path: path, DigestA: existing.file.Digest, DigestB: f.Digest}
			}
		}
		for _, sd := range d.Dirs {
			sd := sd
			path := joinPath(pathPrefix, sd.Name)
			existing, ok := byName[sd.Name]
			if !ok {
				byName[sd.Name] = slot{dirDg: &sd.Digest}
				order = append(order, sd.Name)
				continue
			}
			if existing.dirDg == nil {
				return digest.Directory{}, &ConflictError{Path: path}
			}
			if *existing.dirDg != sd.Digest {
				// Subdirectories differ: merge their contents recursively
				// rather than failing outright, matching "recursively
				// unions trees" in §4.2.
				merged, err := t.mergeSubdirs(*existing.dirDg, sd.Digest, path)
				if err != nil {
					return digest.Directory{}, err
				}
				byName[sd.Name] = slot{dirDg: &merged}
			}
		}
		for _, sl := range d.Symlinks {
			sl := sl
			path := joinPath(pathPrefix, sl.Name)
			existing, ok := byName[sl.Name]
			if !ok {
				byName[sl.Name] = slot{symlink: &sl}
				order = append(order, sl.Name)
				continue
			}
			if existing.symlink == nil || existing.symlink.Target != sl.Target {
				return digest.Directory{}, &ConflictError{Path: path}
			}
		}
	}

	var out digest.Directory
	for _, name := range order {
		s := byName[name]
		switch {
		case s.file != nil:
			out.Files = append(out.Files, *s.file)
		case s.dirDg != nil:
			out.Dirs = append(out.Dirs, digest.DirEntry{Name: name, Digest: *s.dirDg})
		case s.symlink != nil:
			out.Symlinks = append(out.Symlinks, *s.symlink)
		}
	}
	return out, nil
}

func (t *Tree) mergeSubdirs(a, b digest.Digest, path string) (digest.Digest, error) {
	da, err := t.Store.LoadTree(a)
	if err != nil {
		return digest.Digest{}, err
	}
	db, err := t.Store.LoadTree(b)
	if err != nil {
		return digest.Digest{}, err
	}
	merged, err := t.mergeDirs([]digest.Directory{da, db}, path)
	if err != nil {
		return digest.Digest{}, err
	}
	return t.Store.StoreTree(merged)
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// AddPrefix rehomes every entry of the tree at d under prefix (a relative
// path with no ".."), producing a new tree digest.
func (t *Tree) AddPrefix(d digest.Digest, prefix string) (digest.Digest, error) {
	if err := validateRelativePrefix(prefix); err != nil {
		return digest.Digest{}, err
	}
	segs := strings.Split(prefix, "/")
	cur := d
	for i := len(segs) - 1; i >= 0; i-- {
		wrapper := digest.Directory{Dirs: []digest.DirEntry{{Name: segs[i], Digest: cur}}}
		stored, err := t.Store.StoreTree(wrapper)
		if err != nil {
			return digest.Digest{}, err
		}
		cur = stored
	}
	return cur, nil
}

// RemovePrefix is the inverse of AddPrefix: it fails if any top-level
// entry of d does not lie under prefix (§4.2, §8 property 4).
func (t *Tree) RemovePrefix(d digest.Digest, prefix string) (digest.Digest, error) {
	if err := validateRelativePrefix(prefix); err != nil {
		return digest.Digest{}, err
	}
	segs := strings.Split(prefix, "/")
	cur := d
	for _, seg := range segs {
		dd, err := t.Store.LoadTree(cur)
		if err != nil {
			return digest.Digest{}, err
		}
		if len(dd.Files) > 0 || len(dd.Symlinks) > 0 || len(dd.Dirs) != 1 || dd.Dirs[0].Name != seg {
			return digest.Digest{}, fmt.Errorf("snapshot: tree does not lie entirely under prefix %q", prefix)
		}
		cur = dd.Dirs[0].Digest
	}
	return cur, nil
}

func validateRelativePrefix(p string) error {
	if p == "" {
		return fmt.Errorf("snapshot: empty prefix")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("snapshot: prefix %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("snapshot: prefix %q must not contain '..'", p)
		}
	}
	return nil
}
