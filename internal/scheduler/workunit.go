// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Level is a workunit's log-style severity (§4.7: "levels range {trace,
// debug, info, warn, error}").
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Workunit is one emitted span describing a single rule execution or
// intrinsic invocation (§4.7): "every rule execution emits a span {id,
// parent_id, name, level, start_time, end_time, metadata, artifacts}".
type Workunit struct {
	ID        string
	ParentID  string
	Name      string
	Level     Level
	StartTime time.Time
	EndTime   time.Time
	Metadata  map[string]string
	Artifacts []string
}

// Done reports whether the workunit has been completed (EndTime set).
func (w Workunit) Done() bool { return !w.EndTime.IsZero() }

// StartProto/EndProto/ElapsedProto stamp the span using the well-known
// protobuf time types, the wire shape a future remote workunit feed (or
// a REAPI-adjacent consumer) would expect; EndProto is nil until the
// span completes.
func (w Workunit) StartProto() *timestamppb.Timestamp { return timestamppb.New(w.StartTime) }

func (w Workunit) EndProto() *timestamppb.Timestamp {
	if !w.Done() {
		return nil
	}
	return timestamppb.New(w.EndTime)
}

func (w Workunit) ElapsedProto() *durationpb.Duration {
	if !w.Done() {
		return nil
	}
	return durationpb.New(w.EndTime.Sub(w.StartTime))
}

// workunitTracker accumulates started/completed spans for one session,
// drained by poll_workunits (§4.7). Spans of every level are recorded
// and filtered by the caller's max_level at drain time, not at emission
// time; a drain discards the filtered-out spans too, so a later poll at
// a lower max_level does not see them.
type workunitTracker struct {
	mu        sync.Mutex
	started   []Workunit
	completed []Workunit
	byID      map[string]*Workunit
	stream    chan Workunit // optional fan-out to the websocket UI (C7 "Dynamic UI")
}

func newWorkunitTracker() *workunitTracker {
	return &workunitTracker{
		byID:   make(map[string]*Workunit),
		stream: make(chan Workunit, 256),
	}
}

// Start records a new workunit span and returns its id for use as a
// parent_id by nested spans.
func (t *workunitTracker) Start(parentID, name string, level Level) string {
	id := uuid.NewString()
	w := Workunit{ID: id, ParentID: parentID, Name: name, Level: level, StartTime: stamp()}
	t.mu.Lock()
	t.started = append(t.started, w)
	cp := w
	t.byID[id] = &cp
	t.mu.Unlock()
	t.publish(w)
	return id
}

// Complete closes a started workunit, attaching metadata/artifacts
// gathered during its run.
func (t *workunitTracker) Complete(id string, metadata map[string]string, artifacts []string) {
	t.mu.Lock()
	w, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	w.EndTime = stamp()
	w.Metadata = metadata
	w.Artifacts = artifacts
	cp := *w
	t.completed = append(t.completed, cp)
	delete(t.byID, id)
	t.mu.Unlock()
	t.publish(cp)
}

func (t *workunitTracker) publish(w Workunit) {
	select {
	case t.stream <- w:
	default:
		// A slow or absent UI consumer must never block the engine
		// (§4.7: the UI is "not part of the correctness core").
	}
}

// Poll drains the started/completed queues accumulated since the last
// call, filtering to spans at or above maxLevel (§4.7 poll_workunits).
func (t *workunitTracker) Poll(maxLevel Level) (started, completed []Workunit) {
	t.mu.Lock()
	s, c := t.started, t.completed
	t.started, t.completed = nil, nil
	t.mu.Unlock()

	for _, w := range s {
		if w.Level >= maxLevel {
			started = append(started, w)
		}
	}
	for _, w := range c {
		if w.Level >= maxLevel {
			completed = append(completed, w)
		}
	}
	return started, completed
}

// Stream returns the channel the websocket-backed Dynamic UI consumer
// reads from (§4.7).
func (t *workunitTracker) Stream() <-chan Workunit { return t.stream }

var stampFunc = time.Now

func stamp() time.Time { return stampFunc() }
