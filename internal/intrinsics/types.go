// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package intrinsics implements the built-in rules bridging the rule
// graph (C5/C6) to the digest store, snapshot operations, and process
// executor (C1/C2/C4), per §4.8: "Each intrinsic is registered as a rule
// whose body is native code rather than user logic... Intrinsics
// participate in the rule graph exactly like user rules."
package intrinsics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emberbuild/ember/internal/digest"
	"github.com/emberbuild/ember/internal/process"
	"github.com/emberbuild/ember/internal/rules"
	"github.com/emberbuild/ember/internal/snapshot"
)

// Output/parameter type names shared between rule signatures and node
// keys (§4.6, §4.8).
const (
	TypePathGlobs             rules.Type = "PathGlobs"
	TypePaths                 rules.Type = "Paths"
	TypeDigest                rules.Type = "Digest"
	TypeCreateDigest          rules.Type = "CreateDigest"
	TypeMergeDigests          rules.Type = "MergeDigests"
	TypeAddPrefix             rules.Type = "AddPrefixRequest"
	TypeRemovePrefix          rules.Type = "RemovePrefixRequest"
	TypeSnapshot              rules.Type = "Snapshot"
	TypeDigestContents        rules.Type = "DigestContents"
	TypeDigestSubset          rules.Type = "DigestSubsetRequest"
	TypeNativeDownloadFile    rules.Type = "NativeDownloadFile"
	TypeProcess               rules.Type = "Process"
	TypeExecutionEnvironment  rules.Type = "ExecutionEnvironment"
	TypeFallibleProcessResult rules.Type = "FallibleProcessResult"
	TypeInteractiveProcess    rules.Type = "InteractiveProcess"
	TypeInteractiveResult     rules.Type = "InteractiveProcessResult"
	TypeSessionValues         rules.Type = "SessionValues"
	TypeRunID                 rules.Type = "RunId"
)

// PathGlobsValue wraps snapshot.PathGlobs as a Gettable parameter value.
type PathGlobsValue struct {
	Globs snapshot.PathGlobs
}

func (v PathGlobsValue) hashKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inc=%v;exc=%v;unmatched=%d;conj=%d",
		sortedCopy(v.Globs.Include), sortedCopy(v.Globs.Exclude),
		v.Globs.UnmatchedBehaviour, v.Globs.Conjunction)
	return b.String()
}

// DigestValue wraps a digest.Digest as a Gettable parameter value.
type DigestValue struct {
	Digest digest.Digest
}

func (v DigestValue) hashKey() string { return v.Digest.String() }

// CreateDigestEntry describes one file to materialise directly into the
// store by content, bypassing any filesystem walk.
type CreateDigestEntry struct {
	Path         string
	Content      []byte
	IsExecutable bool
}

// CreateDigestValue is the CreateDigest intrinsic's input: build a tree
// digest from literal file contents rather than from the filesystem.
type CreateDigestValue struct {
	Entries []CreateDigestEntry
}

func (v CreateDigestValue) hashKey() string {
	entries := append([]CreateDigestEntry(nil), v.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	h := digest.Of(marshalEntries(entries))
	return h.String()
}

func marshalEntries(entries []CreateDigestEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\x00%t\x00", e.Path, e.IsExecutable)
		b.Write(e.Content)
		b.WriteByte('\x01')
	}
	return []byte(b.String())
}

// MergeDigestsValue is the MergeDigests intrinsic's input.
type MergeDigestsValue struct {
	Digests []digest.Digest
}

func (v MergeDigestsValue) hashKey() string {
	parts := make([]string, len(v.Digests))
	for i, d := range v.Digests {
		parts[i] = d.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// PrefixValue is the AddPrefix/RemovePrefix intrinsics' shared input
// shape: a digest and the relative prefix path to add or strip.
type PrefixValue struct {
	Digest digest.Digest
	Prefix string
}

func (v PrefixValue) hashKey() string { return v.Digest.String() + "|" + v.Prefix }

// DigestSubsetValue is the DigestSubset intrinsic's input.
type DigestSubsetValue struct {
	Digest digest.Digest
	Globs  snapshot.PathGlobs
}

func (v DigestSubsetValue) hashKey() string {
	return v.Digest.String() + "|" + (PathGlobsValue{Globs: v.Globs}).hashKey()
}

// DownloadFileValue is the NativeDownloadFile intrinsic's input: a URL
// plus the digest the downloaded bytes must match (§4.8).
type DownloadFileValue struct {
	URL            string
	ExpectedDigest digest.Digest
}

func (v DownloadFileValue) hashKey() string { return v.URL + "|" + v.ExpectedDigest.String() }

// ProcessValue wraps process.Process as a parameter value.
type ProcessValue struct {
	Process process.Process
}

func (v ProcessValue) hashKey() string {
	return process.CacheKey(v.Process, process.ExecutionEnvironment{}).String()
}

// ExecutionEnvironmentValue wraps process.ExecutionEnvironment.
type ExecutionEnvironmentValue struct {
	Env process.ExecutionEnvironment
}

func (v ExecutionEnvironmentValue) hashKey() string {
	return process.CacheKey(process.Process{}, v.Env).String()
}

// InteractiveProcessValue mirrors ProcessValue for an interactive
// invocation (§4.8): it runs through the same dispatcher as a Process
// with CacheScope forced to Never, so it is never cached. No terminal is
// attached; stdout and stderr are captured like any other process.
type InteractiveProcessValue struct {
	Process process.Process
}

func (v InteractiveProcessValue) hashKey() string {
	return "interactive:" + process.CacheKey(v.Process, process.ExecutionEnvironment{}).String()
}

// InteractiveProcessResult is the outcome of an InteractiveProcess.
type InteractiveProcessResult struct {
	ExitCode int
}

// SessionValuesValue carries the session-scoped root parameter values a
// rule body may Get (§4.7: "session_values"). The engine treats it as an
// opaque typed value resolved directly from the session rather than
// computed by a rule body.
type SessionValuesValue struct {
	Values map[string]string
}

func (v SessionValuesValue) hashKey() string {
	keys := make([]string, 0, len(v.Values))
	for k := range v.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, v.Values[k])
	}
	return b.String()
}

// RunIDValue carries the RunId Gettable type (§4.8): a value unique to
// one external invocation, letting a rule body deliberately bust
// memoisation across runs of the same session.
type RunIDValue struct {
	ID string
}

func (v RunIDValue) hashKey() string { return v.ID }

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}
