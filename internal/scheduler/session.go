// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/emberbuild/ember/internal/intrinsics"
)

// Session is a single external invocation's scope (§3 "Sessions: scope
// for a single external invocation; carry a cancellation flag"). It
// holds the session_values an intrinsic may Get, and a cancellation
// latch independent of any one query's context.
type Session struct {
	ID            string
	Values        map[string]string
	RunID         string

	// ForceRevalidate evicts each query's root node before requesting it,
	// so the root's rule body runs again — the supplemented "-B"
	// force-rebuild behaviour the teacher exposes as a flag, as a
	// per-session switch. Memoised dependency nodes are not evicted and
	// are reused as they are.
	ForceRevalidate bool

	scheduler *Scheduler
	workunits *workunitTracker

	mu        sync.Mutex
	cancelled bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSession starts a session scoped to values, per §4.7's
// `new_session(scheduler, session_values, cancellation_latch)`.
func (s *Scheduler) NewSession(values map[string]string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	if values == nil {
		values = map[string]string{}
	}
	sess := &Session{
		ID:        id,
		Values:    values,
		RunID:     uuid.NewString(),
		scheduler: s,
		workunits: newWorkunitTracker(),
		ctx:       ctx,
		cancel:    cancel,
	}
	return sess
}

// Cancel sets the session's cancellation latch (§4.7): "setting the
// session latch transitions all tasks belonging to that session into a
// cancelling state at the next suspension point... returned result is
// Cancelled." Already-memoised values survive for future sessions.
func (sess *Session) Cancel() {
	sess.mu.Lock()
	sess.cancelled = true
	sess.mu.Unlock()
	sess.cancel()
}

// Cancelled reports whether Cancel has been called on this session.
func (sess *Session) Cancelled() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancelled
}

// Context returns the cancellation context for this session, to be
// passed down through graph.Store.Request.
func (sess *Session) Context() context.Context {
	return intrinsics.WithSessionID(sess.ctx, sess.ID)
}

// Close releases per-session resources: the process dispatcher's
// PerSession result cache (§4.4) and the session's cancellation
// context.
func (sess *Session) Close() {
	sess.cancel()
	if sess.scheduler.dispatcher != nil {
		sess.scheduler.dispatcher.EndSession(sess.ID)
	}
}

// PollWorkunits drains the started/completed workunit queues for this
// session at or above maxLevel (§4.7).
func (sess *Session) PollWorkunits(maxLevel Level) (started, completed []Workunit) {
	return sess.workunits.Poll(maxLevel)
}

// WorkunitStream exposes the read-only feed backing the Dynamic UI
// (§4.7), independent of poll_workunits draining.
func (sess *Session) WorkunitStream() <-chan Workunit {
	return sess.workunits.Stream()
}
