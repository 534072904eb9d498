// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emberbuild/ember/internal/digest"
)

// Snapshot is a tree digest plus its cached sorted file/dir path lists
// (§3), a symlink-oblivious flattening kept alongside the digest so
// callers don't need to re-walk the tree to enumerate its contents.
type Snapshot struct {
	TreeDigest digest.Digest
	Files      []string
	Dirs       []string
}

// PathGlobsToPaths expands pg against the filesystem, respecting ignore
// rules, and returns the matched paths sorted (§4.2).
func (t *Tree) PathGlobsToPaths(w *Walker, pg PathGlobs) ([]string, error) {
	return w.Expand(pg)
}

// PathGlobsToDigest expands pg, reads every matched file's bytes through
// the store, and builds the tree bottom-up (§4.2).
func (t *Tree) PathGlobsToDigest(w *Walker, pg PathGlobs) (Snapshot, error) {
	paths, err := w.Expand(pg)
	if err != nil {
		return Snapshot{}, err
	}
	return t.buildTree(w.buildRoot, paths)
}

// BuildFromPaths builds a tree digest from an explicit list of
// root-relative paths, without any glob expansion or ignore-file
// filtering. Used to capture a process's declared output paths out of
// its execution sandbox (§4.4).
func (t *Tree) BuildFromPaths(root string, paths []string) (Snapshot, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return t.buildTree(root, sorted)
}

// buildTree constructs a directory tree from a flat, sorted list of
// relative paths (as produced by a filesystem walk), storing file
// contents and intermediate directory descriptors bottom-up.
func (t *Tree) buildTree(root string, paths []string) (Snapshot, error) {
	type node struct {
		files    map[string]digest.FileEntry
		dirs     map[string]*node
		symlinks map[string]digest.SymlinkEntry
	}
	newNode := func() *node {
		return &node{files: map[string]digest.FileEntry{}, dirs: map[string]*node{}, symlinks: map[string]digest.SymlinkEntry{}}
	}
	rootNode := newNode()

	var snapFiles, snapDirs []string

	for _, rel := range paths {
		full := filepath.Join(root, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return Snapshot{}, err
		}

		segs := strings.Split(rel, "/")
		cur := rootNode
		for i := 0; i < len(segs)-1; i++ {
			seg := segs[i]
			child, ok := cur.dirs[seg]
			if !ok {
				child = newNode()
				cur.dirs[seg] = child
			}
			cur = child
		}
		name := segs[len(segs)-1]

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return Snapshot{}, err
			}
			cur.symlinks[name] = digest.SymlinkEntry{Name: name, Target: target}
		case info.IsDir():
			if _, ok := cur.dirs[name]; !ok {
				cur.dirs[name] = newNode()
			}
			snapDirs = append(snapDirs, rel)
		default:
			b, err := os.ReadFile(full)
			if err != nil {
				return Snapshot{}, err
			}
			dg, err := t.Store.StoreBytes(b)
			if err != nil {
				return Snapshot{}, err
			}
			cur.files[name] = digest.FileEntry{Name: name, Digest: dg, IsExecutable: info.Mode()&0o111 != 0}
			snapFiles = append(snapFiles, rel)
		}
	}

	var encode func(n *node) (digest.Digest, error)
	encode = func(n *node) (digest.Digest, error) {
		var d digest.Directory
		for _, f := range n.files {
			d.Files = append(d.Files, f)
		}
		for name, child := range n.dirs {
			childDg, err := encode(child)
			if err != nil {
				return digest.Digest{}, err
			}
			d.Dirs = append(d.Dirs, digest.DirEntry{Name: name, Digest: childDg})
		}
		for _, s := range n.symlinks {
			d.Symlinks = append(d.Symlinks, s)
		}
		return t.Store.StoreTree(d)
	}

	treeDg, err := encode(rootNode)
	if err != nil {
		return Snapshot{}, err
	}

	sort.Strings(snapFiles)
	sort.Strings(snapDirs)
	return Snapshot{TreeDigest: treeDg, Files: snapFiles, Dirs: snapDirs}, nil
}
