// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(rule string, hash string) NodeKey {
	return NodeKey{Rule: RuleID(rule), Params: Params{{Type: "path", HashKey: hash, Value: hash}}}
}

func TestRequestMemoizesSingleExecution(t *testing.T) {
	s := NewStore()
	var runs int32
	compute := func(ctx context.Context, self *Task) (any, error) {
		atomic.AddInt32(&runs, 1)
		return 42, nil
	}

	v1, err := s.Request(context.Background(), key("double", "a"), compute)
	require.NoError(t, err)
	v2, err := s.Request(context.Background(), key("double", "a"), compute)
	require.NoError(t, err)

	assert.Equal(t, 42, v1)
	assert.Equal(t, 42, v2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestRequestConcurrentSingleExecution(t *testing.T) {
	s := NewStore()
	var runs int32
	release := make(chan struct{})
	compute := func(ctx context.Context, self *Task) (any, error) {
		atomic.AddInt32(&runs, 1)
		<-release
		return "done", nil
	}

	k := key("slow", "x")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Request(context.Background(), k, compute)
			assert.NoError(t, err)
			assert.Equal(t, "done", v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs), "compute must run at most once concurrently per key (I4)")
}

func TestCycleDetectionIsNeverMemoised(t *testing.T) {
	s := NewStore()
	a := key("a", "1")
	b := key("b", "1")

	var computeA, computeB ComputeFunc
	computeA = func(ctx context.Context, self *Task) (any, error) {
		return self.Get(ctx, b, computeB)
	}
	computeB = func(ctx context.Context, self *Task) (any, error) {
		return self.Get(ctx, a, computeA)
	}

	_, err := s.Request(context.Background(), a, computeA)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)

	entry, ok := s.Get(a)
	require.True(t, ok)
	assert.NotEqual(t, Completed, entry.State(), "a node on a cycle path must never be memoised Completed")
}

func TestInvalidatePathsDirtiesSubscriberAndDependents(t *testing.T) {
	s := NewStore()
	fileNode := key("read_file", "f")
	derivedNode := key("derive", "f")
	unrelatedNode := key("read_file", "g")

	fileCompute := func(ctx context.Context, self *Task) (any, error) {
		self.Subscribe("watched/f.txt")
		return "contents", nil
	}
	derivedCompute := func(ctx context.Context, self *Task) (any, error) {
		v, err := self.Get(ctx, fileNode, fileCompute)
		if err != nil {
			return nil, err
		}
		return v.(string) + "-derived", nil
	}
	unrelatedCompute := func(ctx context.Context, self *Task) (any, error) {
		self.Subscribe("watched/g.txt")
		return "g", nil
	}

	_, err := s.Request(context.Background(), derivedNode, derivedCompute)
	require.NoError(t, err)
	_, err = s.Request(context.Background(), unrelatedNode, unrelatedCompute)
	require.NoError(t, err)

	fileEntry, _ := s.Get(fileNode)
	derivedEntry, _ := s.Get(derivedNode)
	unrelatedEntry, _ := s.Get(unrelatedNode)
	require.Equal(t, Completed, fileEntry.State())
	require.Equal(t, Completed, derivedEntry.State())
	require.Equal(t, Completed, unrelatedEntry.State())

	s.InvalidatePaths([]string{"watched/f.txt"})

	assert.Equal(t, Dirty, fileEntry.State())
	assert.Equal(t, Dirty, derivedEntry.State(), "a dependent of a dirtied node must itself dirty")
	assert.Equal(t, Completed, unrelatedEntry.State(), "invalidation must not touch unrelated subscriptions")
}

func TestRevalidateForcesDirtyDependencyThroughItsOwnCompute(t *testing.T) {
	s := NewStore()
	fileNode := key("read_file", "f")
	derivedNode := key("derive", "f")

	var contents atomic.Value
	contents.Store("v1")
	fileCompute := func(ctx context.Context, self *Task) (any, error) {
		self.Subscribe("watched/f.txt")
		return contents.Load().(string), nil
	}
	derivedCompute := func(ctx context.Context, self *Task) (any, error) {
		v, err := self.Get(ctx, fileNode, fileCompute)
		if err != nil {
			return nil, err
		}
		return v.(string) + "-derived", nil
	}

	v, err := s.Request(context.Background(), derivedNode, derivedCompute)
	require.NoError(t, err)
	assert.Equal(t, "v1-derived", v)

	contents.Store("v2")
	s.InvalidatePaths([]string{"watched/f.txt"})

	fileEntry, _ := s.Get(fileNode)
	derivedEntry, _ := s.Get(derivedNode)
	require.Equal(t, Dirty, fileEntry.State())
	require.Equal(t, Dirty, derivedEntry.State())

	// Re-requesting derivedNode walks into tryRevalidate, which must
	// force fileNode (Dirty, with its own fsSubscriptions) through its
	// stored ComputeFunc rather than panic on a nil one.
	v, err = s.Request(context.Background(), derivedNode, derivedCompute)
	require.NoError(t, err)
	assert.Equal(t, "v2-derived", v, "a forced dependency re-run must flow its new value through")
}

func TestGCReclaimsUnreachableNodes(t *testing.T) {
	s := NewStore()
	root := key("root", "r")
	child := key("child", "c")
	orphan := key("orphan", "o")

	childCompute := func(ctx context.Context, self *Task) (any, error) { return "c", nil }
	rootCompute := func(ctx context.Context, self *Task) (any, error) {
		return self.Get(ctx, child, childCompute)
	}
	orphanCompute := func(ctx context.Context, self *Task) (any, error) { return "o", nil }

	_, err := s.Request(context.Background(), root, rootCompute)
	require.NoError(t, err)
	_, err = s.Request(context.Background(), orphan, orphanCompute)
	require.NoError(t, err)
	require.Equal(t, 3, s.Size())

	evicted := s.GC([]NodeKey{root})
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, s.Size())

	_, ok := s.Get(orphan)
	assert.False(t, ok)
	_, ok = s.Get(child)
	assert.True(t, ok, "child reachable from a live root must survive GC")
}
