// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package intrinsics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emberbuild/ember/internal/digest"
	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/process"
	"github.com/emberbuild/ember/internal/rules"
	"github.com/emberbuild/ember/internal/snapshot"
)

type sessionIDKey struct{}

// WithSessionID attaches a session id to ctx, consulted by the Process
// intrinsic for CacheScope.PerSession lookups (§4.4). The SessionValues
// and RunId intrinsics do not read it; they read the values in scope.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session id attached by WithSessionID,
// or "" if none was attached.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Registry builds the native ComputeFunc for each intrinsic rule,
// closing over the actual in-scope parameter values a caller supplies —
// matching the package's established "build key and compute together at
// the call site" pattern (see internal/graph's tests) rather than
// threading values through the opaque NodeKey.
type Registry struct {
	Store      *digest.Store
	Tree       *snapshot.Tree
	BuildRoot  string
	Ignore     *snapshot.IgnoreSet
	Dispatcher *process.Dispatcher
	HTTPClient *http.Client
}

// NewRegistry wires a Registry to the given backing components.
func NewRegistry(store *digest.Store, tree *snapshot.Tree, buildRoot string, ignore *snapshot.IgnoreSet, dispatcher *process.Dispatcher) *Registry {
	return &Registry{
		Store:      store,
		Tree:       tree,
		BuildRoot:  buildRoot,
		Ignore:     ignore,
		Dispatcher: dispatcher,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Rule IDs, one per intrinsic (§4.8's enumerated list).
const (
	RulePathGlobsToDigest graph.RuleID = "intrinsic:path_globs_to_digest"
	RulePathGlobsToPaths  graph.RuleID = "intrinsic:path_globs_to_paths"
	RuleCreateDigest      graph.RuleID = "intrinsic:create_digest"
	RuleMergeDigests      graph.RuleID = "intrinsic:merge_digests"
	RuleAddPrefix         graph.RuleID = "intrinsic:add_prefix"
	RuleRemovePrefix      graph.RuleID = "intrinsic:remove_prefix"
	RuleDigestToSnapshot  graph.RuleID = "intrinsic:digest_to_snapshot"
	RuleDigestToContents  graph.RuleID = "intrinsic:digest_to_contents"
	RuleDigestSubset      graph.RuleID = "intrinsic:digest_subset"
	RuleDownloadFile      graph.RuleID = "intrinsic:native_download_file"
	RuleProcess           graph.RuleID = "intrinsic:process"
	RuleInteractive       graph.RuleID = "intrinsic:interactive_process"
	RuleSessionValues     graph.RuleID = "intrinsic:session_values"
	RuleRunID             graph.RuleID = "intrinsic:run_id"
)

// Signatures returns every intrinsic's declared rule signature, for
// registration with the rule graph compiler (C6) alongside any user
// rules (§4.8: "Intrinsics participate in the rule graph exactly like
// user rules").
func Signatures() []rules.Signature {
	return []rules.Signature{
		{ID: RulePathGlobsToDigest, Output: TypeDigest, DeclaredParams: []rules.Type{TypePathGlobs}, Cacheable: true},
		{ID: RulePathGlobsToPaths, Output: TypePaths, DeclaredParams: []rules.Type{TypePathGlobs}, Cacheable: true},
		{ID: RuleCreateDigest, Output: TypeDigest, DeclaredParams: []rules.Type{TypeCreateDigest}, Cacheable: true},
		{ID: RuleMergeDigests, Output: TypeDigest, DeclaredParams: []rules.Type{TypeMergeDigests}, Cacheable: true},
		{ID: RuleAddPrefix, Output: TypeDigest, DeclaredParams: []rules.Type{TypeAddPrefix}, Cacheable: true},
		{ID: RuleRemovePrefix, Output: TypeDigest, DeclaredParams: []rules.Type{TypeRemovePrefix}, Cacheable: true},
		{ID: RuleDigestToSnapshot, Output: TypeSnapshot, DeclaredParams: []rules.Type{TypeDigest}, Cacheable: true},
		{ID: RuleDigestToContents, Output: TypeDigestContents, DeclaredParams: []rules.Type{TypeDigest}, Cacheable: true},
		{ID: RuleDigestSubset, Output: TypeDigest, DeclaredParams: []rules.Type{TypeDigestSubset}, Cacheable: true},
		{ID: RuleDownloadFile, Output: TypeDigest, DeclaredParams: []rules.Type{TypeNativeDownloadFile}, Cacheable: true},
		{ID: RuleProcess, Output: TypeFallibleProcessResult, DeclaredParams: []rules.Type{TypeProcess, TypeExecutionEnvironment}, Cacheable: true, SideEffecting: true},
		{ID: RuleInteractive, Output: TypeInteractiveResult, DeclaredParams: []rules.Type{TypeInteractiveProcess, TypeExecutionEnvironment}, Cacheable: false, SideEffecting: true},
		{ID: RuleSessionValues, Output: TypeSessionValues, DeclaredParams: nil, Cacheable: false, EngineAware: true},
		{ID: RuleRunID, Output: TypeRunID, DeclaredParams: nil, Cacheable: false, EngineAware: true},
	}
}

// Register adds every intrinsic signature to c.
func Register(c *rules.Compiler) {
	for _, sig := range Signatures() {
		c.Register(sig)
	}
}

// Signatures satisfies scheduler.RuleBuilder: a Registry owns exactly
// the fixed set of intrinsic signatures, regardless of which instance.
func (r *Registry) Signatures() []rules.Signature { return Signatures() }

// hashable is satisfied by every *Value type in types.go.
type hashable interface{ hashKey() string }

func param(t rules.Type, v hashable) graph.Param {
	return graph.Param{Type: string(t), HashKey: v.hashKey(), Value: v}
}

// Build constructs the NodeKey and native ComputeFunc for ruleID given
// the actual in-scope values (looked up by the caller from the values it
// holds for each declared parameter type, per the rule graph compiler's
// resolved plan).
func (r *Registry) Build(ruleID graph.RuleID, scope map[rules.Type]any) (graph.NodeKey, graph.ComputeFunc, error) {
	switch ruleID {
	case RulePathGlobsToDigest:
		v := scope[TypePathGlobs].(PathGlobsValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypePathGlobs, v)}}
		return key, r.pathGlobsToDigest(v), nil

	case RulePathGlobsToPaths:
		v := scope[TypePathGlobs].(PathGlobsValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypePathGlobs, v)}}
		return key, r.pathGlobsToPaths(v), nil

	case RuleCreateDigest:
		v := scope[TypeCreateDigest].(CreateDigestValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeCreateDigest, v)}}
		return key, r.createDigest(v), nil

	case RuleMergeDigests:
		v := scope[TypeMergeDigests].(MergeDigestsValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeMergeDigests, v)}}
		return key, r.mergeDigests(v), nil

	case RuleAddPrefix:
		v := scope[TypeAddPrefix].(PrefixValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeAddPrefix, v)}}
		return key, r.addPrefix(v), nil

	case RuleRemovePrefix:
		v := scope[TypeRemovePrefix].(PrefixValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeRemovePrefix, v)}}
		return key, r.removePrefix(v), nil

	case RuleDigestToSnapshot:
		v := scope[TypeDigest].(DigestValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeDigest, v)}}
		return key, r.digestToSnapshot(v), nil

	case RuleDigestToContents:
		v := scope[TypeDigest].(DigestValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeDigest, v)}}
		return key, r.digestToContents(v), nil

	case RuleDigestSubset:
		v := scope[TypeDigestSubset].(DigestSubsetValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeDigestSubset, v)}}
		return key, r.digestSubset(v), nil

	case RuleDownloadFile:
		v := scope[TypeNativeDownloadFile].(DownloadFileValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeNativeDownloadFile, v)}}
		return key, r.downloadFile(v), nil

	case RuleProcess:
		pv := scope[TypeProcess].(ProcessValue)
		ev := scope[TypeExecutionEnvironment].(ExecutionEnvironmentValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeProcess, pv), param(TypeExecutionEnvironment, ev)}}
		return key, r.runProcess(pv, ev), nil

	case RuleInteractive:
		pv := scope[TypeInteractiveProcess].(InteractiveProcessValue)
		ev := scope[TypeExecutionEnvironment].(ExecutionEnvironmentValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeInteractiveProcess, pv), param(TypeExecutionEnvironment, ev)}}
		return key, r.runInteractive(pv, ev), nil

	case RuleSessionValues:
		v := scope[TypeSessionValues].(SessionValuesValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeSessionValues, v)}}
		return key, func(ctx context.Context, self *graph.Task) (any, error) { return v, nil }, nil

	case RuleRunID:
		v := scope[TypeRunID].(RunIDValue)
		key := graph.NodeKey{Rule: ruleID, Params: graph.Params{param(TypeRunID, v)}}
		return key, func(ctx context.Context, self *graph.Task) (any, error) { return v, nil }, nil

	default:
		return graph.NodeKey{}, nil, fmt.Errorf("intrinsics: unknown rule id %q", ruleID)
	}
}

func (r *Registry) pathGlobsToDigest(v PathGlobsValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		w := snapshot.NewWalker(r.BuildRoot, r.Ignore)
		paths, err := w.Expand(v.Globs)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			self.Subscribe(p)
		}
		snap, err := r.Tree.BuildFromPaths(r.BuildRoot, paths)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: snap.TreeDigest}, nil
	}
}

func (r *Registry) pathGlobsToPaths(v PathGlobsValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		w := snapshot.NewWalker(r.BuildRoot, r.Ignore)
		paths, err := w.Expand(v.Globs)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			self.Subscribe(p)
		}
		return paths, nil
	}
}

func (r *Registry) createDigest(v CreateDigestValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		type dirnode struct {
			files    []digest.FileEntry
			children map[string]*dirnode
		}
		root := &dirnode{children: map[string]*dirnode{}}
		var build func(n *dirnode) (digest.Digest, error)
		build = func(n *dirnode) (digest.Digest, error) {
			d := digest.Directory{Files: n.files}
			for name, child := range n.children {
				cd, err := build(child)
				if err != nil {
					return digest.Digest{}, err
				}
				d.Dirs = append(d.Dirs, digest.DirEntry{Name: name, Digest: cd})
			}
			return r.Store.StoreTree(d)
		}
		for _, e := range v.Entries {
			dg, err := r.Store.StoreBytes(e.Content)
			if err != nil {
				return nil, err
			}
			segs := splitPath(e.Path)
			cur := root
			for i := 0; i < len(segs)-1; i++ {
				child, ok := cur.children[segs[i]]
				if !ok {
					child = &dirnode{children: map[string]*dirnode{}}
					cur.children[segs[i]] = child
				}
				cur = child
			}
			cur.files = append(cur.files, digest.FileEntry{Name: segs[len(segs)-1], Digest: dg, IsExecutable: e.IsExecutable})
		}
		treeDg, err := build(root)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: treeDg}, nil
	}
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		segs = append(segs, p[start:])
	}
	return segs
}

func (r *Registry) mergeDigests(v MergeDigestsValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		merged, err := r.Tree.Merge(v.Digests)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: merged}, nil
	}
}

func (r *Registry) addPrefix(v PrefixValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		out, err := r.Tree.AddPrefix(v.Digest, v.Prefix)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: out}, nil
	}
}

func (r *Registry) removePrefix(v PrefixValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		out, err := r.Tree.RemovePrefix(v.Digest, v.Prefix)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: out}, nil
	}
}

func (r *Registry) digestToSnapshot(v DigestValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		dir, err := r.Store.LoadTree(v.Digest)
		if err != nil {
			return nil, err
		}
		var files, dirs []string
		var walk func(d digest.Directory, prefix string) error
		walk = func(d digest.Directory, prefix string) error {
			for _, f := range d.Files {
				files = append(files, joinRel(prefix, f.Name))
			}
			for _, sub := range d.Dirs {
				rel := joinRel(prefix, sub.Name)
				dirs = append(dirs, rel)
				child, err := r.Store.LoadTree(sub.Digest)
				if err != nil {
					return err
				}
				if err := walk(child, rel); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(dir, ""); err != nil {
			return nil, err
		}
		return snapshot.Snapshot{TreeDigest: v.Digest, Files: files, Dirs: dirs}, nil
	}
}

func joinRel(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (r *Registry) digestToContents(v DigestValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		snap, err := r.digestToSnapshot(v)(ctx, self)
		if err != nil {
			return nil, err
		}
		s := snap.(snapshot.Snapshot)
		dir, err := r.Store.LoadTree(v.Digest)
		if err != nil {
			return nil, err
		}
		contents := make(map[string][]byte, len(s.Files))
		var collect func(d digest.Directory, prefix string) error
		collect = func(d digest.Directory, prefix string) error {
			for _, f := range d.Files {
				b, err := r.Store.LoadBytes(f.Digest)
				if err != nil {
					return err
				}
				contents[joinRel(prefix, f.Name)] = b
			}
			for _, sub := range d.Dirs {
				rel := joinRel(prefix, sub.Name)
				child, err := r.Store.LoadTree(sub.Digest)
				if err != nil {
					return err
				}
				if err := collect(child, rel); err != nil {
					return err
				}
			}
			return nil
		}
		if err := collect(dir, ""); err != nil {
			return nil, err
		}
		return contents, nil
	}
}

func (r *Registry) digestSubset(v DigestSubsetValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		out, err := r.Tree.DigestSubset(v.Digest, v.Globs)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: out}, nil
	}
}

func (r *Registry) downloadFile(v DownloadFileValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		h := sha256.New()
		body, err := io.ReadAll(io.TeeReader(resp.Body, h))
		if err != nil {
			return nil, err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != v.ExpectedDigest.Hex() {
			return nil, fmt.Errorf("intrinsics: downloaded %s fingerprint %s does not match expected %s", v.URL, got, v.ExpectedDigest.Hex())
		}
		dg, err := r.Store.StoreBytes(body)
		if err != nil {
			return nil, err
		}
		return DigestValue{Digest: dg}, nil
	}
}

func (r *Registry) runProcess(pv ProcessValue, ev ExecutionEnvironmentValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		if !pv.Process.Input.IsEmpty() {
			self.Subscribe(pv.Process.Input.String())
		}
		sessionID := SessionIDFromContext(ctx)
		actionDigest := process.CacheKey(pv.Process, ev.Env)
		result, err := r.Dispatcher.Run(ctx, pv.Process, ev.Env, sessionID, actionDigest)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func (r *Registry) runInteractive(pv InteractiveProcessValue, ev ExecutionEnvironmentValue) graph.ComputeFunc {
	return func(ctx context.Context, self *graph.Task) (any, error) {
		p := pv.Process
		p.CacheScope = process.Never
		sessionID := SessionIDFromContext(ctx)
		actionDigest := process.CacheKey(p, ev.Env)
		result, err := r.Dispatcher.Run(ctx, p, ev.Env, sessionID, actionDigest)
		if err != nil {
			return nil, err
		}
		return InteractiveProcessResult{ExitCode: result.ExitCode}, nil
	}
}
