// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberbuild/ember/internal/digest"
)

var (
	errExecuteInWorkspaceMustBeNever = errors.New("process: execute_in_workspace requires cache_scope Never")
	errNoRemoteExecutor              = errors.New("process: no remote executor configured for this ExecutionEnvironment")
)

// Backend runs a single Process/ExecutionEnvironment pair and returns its
// (possibly non-zero-exit) result, without regard to caching (§4.4).
type Backend interface {
	Run(ctx context.Context, p Process, env ExecutionEnvironment) (FallibleProcessResult, error)
}

// Dispatcher selects local/docker/remote dispatch by ExecutionEnvironment
// and memoises FallibleProcessResults per Process.CacheScope, keyed by
// CacheKey (§4.4: "caches fallible results keyed by a digest of all
// inputs"). This is the one place the three backends and the cache-scope
// enum meet, grounded on the teacher's Executor wrapping its recipe-runner
// in a `building map[string]*buildResult` singleflight/cache combination.
type Dispatcher struct {
	local  *LocalExecutor
	docker *DockerExecutor
	remote func(digest.Digest) *RemoteExecutor // lazily resolves a client per Remote env, nil if unconfigured

	mu          sync.RWMutex
	persistent  map[digest.Digest]FallibleProcessResult // Successful/Always scope
	perSession  map[string]map[digest.Digest]FallibleProcessResult
	perRestart  map[digest.Digest]FallibleProcessResult

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewDispatcher builds a Dispatcher. remoteFor resolves a RemoteExecutor
// for a given action digest (e.g. by selecting among several configured
// remote endpoints); it may be nil if no remote backend is configured.
func NewDispatcher(local *LocalExecutor, docker *DockerExecutor, remoteFor func(digest.Digest) *RemoteExecutor) *Dispatcher {
	return &Dispatcher{
		local:      local,
		docker:     docker,
		remote:     remoteFor,
		persistent: make(map[digest.Digest]FallibleProcessResult),
		perSession: make(map[string]map[digest.Digest]FallibleProcessResult),
		perRestart: make(map[digest.Digest]FallibleProcessResult),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_process_cache_hits_total", Help: "process executions satisfied from cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_process_cache_misses_total", Help: "process executions that had to spawn a subprocess",
		}),
	}
}

func (d *Dispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.cacheHits, d.cacheMisses}
}

// Run resolves p/env against the cache first, then dispatches to the
// matching backend on a miss and records the result per p.CacheScope.
// sessionID scopes CacheScope.PerSession lookups; it is ignored for
// every other scope.
func (d *Dispatcher) Run(ctx context.Context, p Process, env ExecutionEnvironment, sessionID string, actionDigest digest.Digest) (FallibleProcessResult, error) {
	if p.DryRun {
		return FallibleProcessResult{Metadata: Metadata{Environment: env.Name}}, nil
	}

	key := CacheKey(p, env)

	if env.ExecuteInWorkspace && p.CacheScope != Never {
		return FallibleProcessResult{}, &Error{Kind: ConfigError, Err: errExecuteInWorkspaceMustBeNever}
	}

	if result, ok := d.lookup(p.CacheScope, sessionID, key); ok {
		d.cacheHits.Inc()
		return result, nil
	}
	d.cacheMisses.Inc()

	result, err := d.runBackend(ctx, p, env, actionDigest)
	if err != nil {
		return result, err
	}

	d.store(p.CacheScope, sessionID, key, result)
	return result, nil
}

func (d *Dispatcher) runBackend(ctx context.Context, p Process, env ExecutionEnvironment, actionDigest digest.Digest) (FallibleProcessResult, error) {
	switch {
	case env.Remote:
		if d.remote == nil {
			return FallibleProcessResult{}, &Error{Kind: ConfigError, Err: errNoRemoteExecutor}
		}
		re := d.remote(actionDigest)
		if re == nil {
			return FallibleProcessResult{}, &Error{Kind: ConfigError, Err: errNoRemoteExecutor}
		}
		return re.Run(ctx, p, env, actionDigest)
	case env.DockerImage != "":
		return d.docker.Run(ctx, p, env)
	default:
		return d.local.Run(ctx, p, env)
	}
}

func (d *Dispatcher) lookup(scope CacheScope, sessionID string, key digest.Digest) (FallibleProcessResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch scope {
	case Never:
		return FallibleProcessResult{}, false
	case PerSession:
		m, ok := d.perSession[sessionID]
		if !ok {
			return FallibleProcessResult{}, false
		}
		r, ok := m[key]
		return r, ok
	case PerRestart:
		r, ok := d.perRestart[key]
		return r, ok
	default: // Successful, Always
		r, ok := d.persistent[key]
		return r, ok
	}
}

func (d *Dispatcher) store(scope CacheScope, sessionID string, key digest.Digest, result FallibleProcessResult) {
	if result.Metadata.TimedOut {
		return // a timed-out result is never cached regardless of scope
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch scope {
	case Never:
		return
	case Successful:
		if result.ExitCode == 0 {
			d.persistent[key] = result
		}
	case Always:
		d.persistent[key] = result
	case PerSession:
		m, ok := d.perSession[sessionID]
		if !ok {
			m = make(map[digest.Digest]FallibleProcessResult)
			d.perSession[sessionID] = m
		}
		m[key] = result
	case PerRestart:
		d.perRestart[key] = result
	}
}

// EndSession releases a PerSession-scoped cache when its session ends.
func (d *Dispatcher) EndSession(sessionID string) {
	d.mu.Lock()
	delete(d.perSession, sessionID)
	d.mu.Unlock()
}
