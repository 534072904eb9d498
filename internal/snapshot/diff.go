// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"sort"

	"github.com/emberbuild/ember/internal/digest"
)

// Diff is the result of comparing two trees by path then by digest.
type Diff struct {
	Added           []string
	Removed         []string
	Changed         []string
	UnchangedFiles  []string
	UnchangedDirs   []string
}

// SnapshotDiff compares two tree digests path-by-path: a path present in
// both with the same digest is unchanged; present in both with different
// digests is changed; present only in a is removed; present only in b is
// added (§4.2).
func (t *Tree) SnapshotDiff(a, b digest.Digest) (Diff, error) {
	flatA, err := t.flatten(a, "")
	if err != nil {
		return Diff{}, err
	}
	flatB, err := t.flatten(b, "")
	if err != nil {
		return Diff{}, err
	}

	var d Diff
	for path, ea := range flatA {
		eb, ok := flatB[path]
		if !ok {
			d.Removed = append(d.Removed, path)
			continue
		}
		if ea.digest == eb.digest && ea.isDir == eb.isDir {
			if ea.isDir {
				d.UnchangedDirs = append(d.UnchangedDirs, path)
			} else {
				d.UnchangedFiles = append(d.UnchangedFiles, path)
			}
		} else {
			d.Changed = append(d.Changed, path)
		}
	}
	for path := range flatB {
		if _, ok := flatA[path]; !ok {
			d.Added = append(d.Added, path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	sort.Strings(d.UnchangedFiles)
	sort.Strings(d.UnchangedDirs)
	return d, nil
}

type flatEntry struct {
	digest digest.Digest
	isDir  bool
}

func (t *Tree) flatten(d digest.Digest, prefix string) (map[string]flatEntry, error) {
	out := make(map[string]flatEntry)
	dd, err := t.Store.LoadTree(d)
	if err != nil {
		return nil, err
	}
	for _, f := range dd.Files {
		out[joinPath(prefix, f.Name)] = flatEntry{digest: f.Digest}
	}
	for _, sd := range dd.Dirs {
		path := joinPath(prefix, sd.Name)
		out[path] = flatEntry{digest: sd.Digest, isDir: true}
		sub, err := t.flatten(sd.Digest, path)
		if err != nil {
			return nil, err
		}
		for k, v := range sub {
			out[k] = v
		}
	}
	for _, sl := range dd.Symlinks {
		out[joinPath(prefix, sl.Name)] = flatEntry{digest: digest.Of([]byte(sl.Target))}
	}
	return out, nil
}
