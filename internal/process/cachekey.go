// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"encoding/binary"
	"sort"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/emberbuild/ember/internal/digest"
)

// CacheKey is the SHA-256 over a canonical serialisation of every field
// that affects the result: argv, env, input digest, output paths,
// working directory, platform constraint, and the environment's
// platform-relevant fields (§4.4) — deliberately excluding fields like
// timeout or concurrency_available that don't change what the process
// computes.
func CacheKey(p Process, env ExecutionEnvironment) digest.Digest {
	h := sha256simd.New()
	writeStrings(h, p.Argv)
	writeKV(h, p.Env)
	writeBytes(h, p.Input.Fingerprint[:])
	writeUint(h, uint64(p.Input.SizeBytes))
	writeStrings(h, sortedCopy(p.OutputFiles))
	writeStrings(h, sortedCopy(p.OutputDirectories))
	writeString(h, p.Cwd)
	writeString(h, p.PlatformConstraint)

	writeString(h, env.Platform)
	writeString(h, env.DockerImage)
	writeBool(h, env.Remote)
	writeKV(h, env.RemotePlatformProperties)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return digest.Digest{Fingerprint: sum, SizeBytes: 32}
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeBytes(h interface{ Write([]byte) (int, error) }, b []byte) {
	writeUint(h, uint64(len(b)))
	h.Write(b)
}

func writeUint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBool(h interface{ Write([]byte) (int, error) }, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}

func writeStrings(h interface{ Write([]byte) (int, error) }, ss []string) {
	writeUint(h, uint64(len(ss)))
	for _, s := range ss {
		writeString(h, s)
	}
}

func writeKV(h interface{ Write([]byte) (int, error) }, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUint(h, uint64(len(keys)))
	for _, k := range keys {
		writeString(h, k)
		writeString(h, m[k])
	}
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}
