// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"

	"github.com/emberbuild/ember/internal/digest"
)

// DigestSubset returns the sub-tree of d whose paths match pg. Missing
// required matches fail according to pg.UnmatchedBehaviour (§4.2).
// DigestSubset is idempotent: subsetting an already-subsetted tree by the
// same globs returns the same digest (§8 property 5).
func (t *Tree) DigestSubset(d digest.Digest, pg PathGlobs) (digest.Digest, error) {
	dd, err := t.Store.LoadTree(d)
	if err != nil {
		return digest.Digest{}, err
	}
	globs := make([]glob, len(pg.Include))
	for i, p := range pg.Include {
		globs[i] = parseGlob(p)
	}
	excl := make([]glob, len(pg.Exclude))
	for i, p := range pg.Exclude {
		excl[i] = parseGlob(p)
	}

	matchedAny := false
	out, err := t.subsetDir(dd, "", globs, excl, &matchedAny)
	if err != nil {
		return digest.Digest{}, err
	}
	if !matchedAny && pg.UnmatchedBehaviour == Error {
		return digest.Digest{}, fmt.Errorf("snapshot: subset globs matched nothing (%s)", pg.DescriptionOfOrigin)
	}
	return t.Store.StoreTree(out)
}

func (t *Tree) subsetDir(d digest.Directory, prefix string, include, exclude []glob, matchedAny *bool) (digest.Directory, error) {
	var out digest.Directory
	for _, f := range d.Files {
		path := joinPath(prefix, f.Name)
		if anyMatch(include, path) && !anyMatch(exclude, path) {
			out.Files = append(out.Files, f)
			*matchedAny = true
		}
	}
	for _, sl := range d.Symlinks {
		path := joinPath(prefix, sl.Name)
		if anyMatch(include, path) && !anyMatch(exclude, path) {
			out.Symlinks = append(out.Symlinks, sl)
			*matchedAny = true
		}
	}
	for _, sd := range d.Dirs {
		path := joinPath(prefix, sd.Name)
		childDir, err := t.Store.LoadTree(sd.Digest)
		if err != nil {
			return digest.Directory{}, err
		}
		sub, err := t.subsetDir(childDir, path, include, exclude, matchedAny)
		if err != nil {
			return digest.Directory{}, err
		}
		if len(sub.Files) > 0 || len(sub.Dirs) > 0 || len(sub.Symlinks) > 0 || anyMatch(include, path) {
			subDg, err := t.Store.StoreTree(sub)
			if err != nil {
				return digest.Directory{}, err
			}
			out.Dirs = append(out.Dirs, digest.DirEntry{Name: sd.Name, Digest: subDg})
			if anyMatch(include, path) {
				*matchedAny = true
			}
		}
	}
	return out, nil
}

func anyMatch(globs []glob, path string) bool {
	if len(globs) == 0 {
		return false
	}
	for _, g := range globs {
		if g.match(path) || g.matchesPrefixOf(path) {
			return true
		}
	}
	return false
}

// matchesPrefixOf reports whether path is an ancestor directory of
// something g could match — needed so that e.g. "src/**" retains the
// "src" directory entry itself during subsetting.
func (g glob) matchesPrefixOf(path string) bool {
	prefix := g.literalPrefixSegments()
	if len(prefix) == 0 {
		return false
	}
	pathSegs := splitNonEmpty(path)
	if len(pathSegs) > len(prefix) {
		return false
	}
	for i, seg := range pathSegs {
		if seg != prefix[i] {
			return false
		}
	}
	return true
}

func splitNonEmpty(p string) []string {
	if p == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[start:i])
			start = i + 1
		}
	}
	out = append(out, p[start:])
	return out
}
