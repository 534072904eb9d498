// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch implements the invalidation watcher (§4.3): a background
// task that consumes native filesystem events and emits coalesced,
// workspace-relative invalidation batches.
package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Invalidation is a coalesced batch of workspace-relative paths that
// changed within one debounce window.
type Invalidation struct {
	Paths []string
}

// Watcher degrades to AlwaysInvalidate mode when its underlying event
// source is unavailable (network filesystem, remote host) — see §4.3.
type Watcher struct {
	buildRoot string
	window    time.Duration

	fsw *fsnotify.Watcher

	mu               sync.Mutex
	alwaysInvalidate bool

	out chan Invalidation
	done chan struct{}
}

// New starts a watcher rooted at buildRoot, coalescing events within
// window. If the native event source cannot be established, the watcher
// starts in AlwaysInvalidate mode instead of failing outright.
func New(buildRoot string, roots []string, window time.Duration) (*Watcher, error) {
	w := &Watcher{
		buildRoot: buildRoot,
		window:    window,
		out:       make(chan Invalidation, 16),
		done:      make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.alwaysInvalidate = true
		close(w.done)
		return w, nil
	}
	for _, r := range roots {
		if err := fsw.Add(filepath.Join(buildRoot, r)); err != nil {
			// A root that cannot be watched (e.g. it's on a network FS)
			// degrades this watcher instance, but other roots may still
			// be watchable; callers treat AlwaysInvalidate conservatively
			// regardless of how many roots succeeded.
			w.alwaysInvalidate = true
		}
	}
	w.fsw = fsw
	go w.run()
	return w, nil
}

// AlwaysInvalidate reports whether the watcher has degraded: every
// session start should be treated as a full invalidation of
// file-dependent nodes while this is true (§4.3).
func (w *Watcher) AlwaysInvalidate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alwaysInvalidate
}

// Invalidations returns the channel of coalesced invalidation batches.
func (w *Watcher) Invalidations() <-chan Invalidation { return w.out }

func (w *Watcher) run() {
	defer close(w.out)
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.window)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		select {
		case w.out <- Invalidation{Paths: paths}:
		case <-w.done:
		}
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return
			}
			rel, err := filepath.Rel(w.buildRoot, ev.Name)
			if err != nil {
				rel = ev.Name
			}
			pending[filepath.ToSlash(rel)] = struct{}{}
			if !timerArmed {
				timer.Reset(w.window)
				timerArmed = true
			}
		case <-timer.C:
			timerArmed = false
			flush()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.alwaysInvalidate = true
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
