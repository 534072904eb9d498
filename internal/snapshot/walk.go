// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

func filepathMatch(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}

// Walker expands PathGlobs against a real filesystem rooted at buildRoot.
type Walker struct {
	buildRoot string
	ignore    *IgnoreSet
}

func NewWalker(buildRoot string, ignore *IgnoreSet) *Walker {
	return &Walker{buildRoot: buildRoot, ignore: ignore}
}

// Expand resolves a PathGlobs into sorted, deduplicated relative paths.
// Symlink cycles are broken by canonicalising visited targets.
func (w *Walker) Expand(pg PathGlobs) ([]string, error) {
	for _, p := range pg.Include {
		if err := validatePattern(p); err != nil {
			return nil, err
		}
	}

	includeGlobs := make([]glob, len(pg.Include))
	for i, p := range pg.Include {
		includeGlobs[i] = parseGlob(p)
	}
	excludeGlobs := make([]glob, len(pg.Exclude))
	for i, p := range pg.Exclude {
		excludeGlobs[i] = parseGlob(p)
	}

	allPaths, err := w.allPaths()
	if err != nil {
		return nil, err
	}

	matchedByInclude := make([][]string, len(includeGlobs))
	seen := make(map[string]bool)
	var result []string
	for gi, g := range includeGlobs {
		var matchedThis []string
		for _, rel := range allPaths {
			if !g.match(rel) {
				continue
			}
			if excluded(rel, excludeGlobs) {
				continue
			}
			matchedThis = append(matchedThis, rel)
		}
		matchedByInclude[gi] = matchedThis

		if len(matchedThis) == 0 {
			switch pg.UnmatchedBehaviour {
			case Error:
				return nil, fmt.Errorf("snapshot: glob %q matched nothing (%s)", g.raw, pg.DescriptionOfOrigin)
			case Warn:
				// Caller-visible via returned error is too strong; Warn is
				// surfaced by the caller inspecting UnmatchedGlobs, not here.
			}
		}
		if pg.Conjunction == Any {
			for _, rel := range matchedThis {
				if !seen[rel] {
					seen[rel] = true
					result = append(result, rel)
				}
			}
		}
	}

	if pg.Conjunction == All && len(includeGlobs) > 0 {
		counts := make(map[string]int)
		for _, m := range matchedByInclude {
			for _, rel := range m {
				counts[rel]++
			}
		}
		for rel, c := range counts {
			if c == len(includeGlobs) && !seen[rel] {
				seen[rel] = true
				result = append(result, rel)
			}
		}
	}

	sort.Strings(result)
	return result, nil
}

func excluded(rel string, excludeGlobs []glob) bool {
	for _, g := range excludeGlobs {
		if g.match(rel) {
			return true
		}
	}
	return false
}

// allPaths walks buildRoot once, returning every non-ignored relative
// path (files and directories), with symlink cycles broken by tracking
// visited canonical targets.
func (w *Walker) allPaths() ([]string, error) {
	var out []string
	visitedReal := make(map[string]bool)

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(filepath.Join(w.buildRoot, dir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			rel := e.Name()
			if dir != "" {
				rel = dir + "/" + rel
			}
			if w.ignore != nil && w.ignore.Match(rel, e.IsDir()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				target, err := filepath.EvalSymlinks(filepath.Join(w.buildRoot, rel))
				if err != nil {
					continue
				}
				if visitedReal[target] {
					continue
				}
				visitedReal[target] = true
				out = append(out, rel)
				if ti, err := os.Stat(target); err == nil && ti.IsDir() {
					if err := walk(rel); err != nil {
						return err
					}
				}
				continue
			}
			out = append(out, rel)
			if e.IsDir() {
				if err := walk(rel); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return out, nil
}

// UnmatchedGlobs returns the include patterns in pg that matched nothing
// against the filesystem, for Warn-mode callers to report.
func (w *Walker) UnmatchedGlobs(pg PathGlobs) ([]string, error) {
	allPaths, err := w.allPaths()
	if err != nil {
		return nil, err
	}
	var unmatched []string
	for _, p := range pg.Include {
		g := parseGlob(p)
		any := false
		for _, rel := range allPaths {
			if g.match(rel) {
				any = true
				break
			}
		}
		if !any {
			unmatched = append(unmatched, p)
		}
	}
	return unmatched, nil
}
