// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest implements the content-addressed digest and directory
// descriptor model: a Digest identifies either a single file's bytes or a
// serialised directory tree, and equal bytes always hash to equal digests.
package digest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	sha256simd "github.com/minio/sha256-simd"
)

// Digest identifies bytes by their SHA-256 fingerprint and length. Two
// digests are equal iff the underlying bytes are byte-identical (I1).
type Digest struct {
	Fingerprint [32]byte
	SizeBytes   int64
}

// Empty is the digest of a directory descriptor with no entries.
var Empty = Of(mustEncode(Directory{}))

// Of computes the digest of a byte slice directly, without storing it.
func Of(b []byte) Digest {
	h := sha256simd.Sum256(b)
	return Digest{Fingerprint: h, SizeBytes: int64(len(b))}
}

func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", hex.EncodeToString(d.Fingerprint[:]), d.SizeBytes)
}

// Hex returns the lowercase hex fingerprint, as used on the wire (§6).
func (d Digest) Hex() string { return hex.EncodeToString(d.Fingerprint[:]) }

// IsEmpty reports whether d is the digest of the empty directory.
func (d Digest) IsEmpty() bool { return d == Empty }

// FanoutPath returns the two-level hex fanout used for on-disk blob
// storage: the first two hex digits and the full hex fingerprint, e.g.
// ("ab", "abcdef0123..."), joined by callers as "ab/abcdef0123...".
func (d Digest) FanoutPath() (string, string) {
	h := d.Hex()
	if len(h) < 2 {
		return h, h
	}
	return h[:2], h
}

// FileEntry is a file child of a Directory.
type FileEntry struct {
	Name         string
	Digest       Digest
	IsExecutable bool
}

// DirEntry is a subdirectory child of a Directory.
type DirEntry struct {
	Name   string
	Digest Digest
}

// SymlinkEntry is a symlink child of a Directory.
type SymlinkEntry struct {
	Name   string
	Target string // relative path
}

// Directory is the canonical descriptor of one directory level: three
// sorted-by-name entry lists whose union of names must be unique.
type Directory struct {
	Files    []FileEntry
	Dirs     []DirEntry
	Symlinks []SymlinkEntry
}

// Validate checks name uniqueness and well-formedness.
func (d Directory) Validate() error {
	seen := make(map[string]struct{}, len(d.Files)+len(d.Dirs)+len(d.Symlinks))
	check := func(name string) error {
		if name == "" {
			return fmt.Errorf("digest: empty entry name")
		}
		for i := 0; i < len(name); i++ {
			if name[i] == '/' {
				return fmt.Errorf("digest: entry name %q contains '/'", name)
			}
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("digest: duplicate entry name %q", name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, f := range d.Files {
		if err := check(f.Name); err != nil {
			return err
		}
	}
	for _, sd := range d.Dirs {
		if err := check(sd.Name); err != nil {
			return err
		}
	}
	for _, s := range d.Symlinks {
		if err := check(s.Name); err != nil {
			return err
		}
	}
	return nil
}

// Sort orders every entry list by name, required for canonical encoding.
func (d *Directory) Sort() {
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	sort.Slice(d.Dirs, func(i, j int) bool { return d.Dirs[i].Name < d.Dirs[j].Name })
	sort.Slice(d.Symlinks, func(i, j int) bool { return d.Symlinks[i].Name < d.Symlinks[j].Name })
}

// Encode serialises a Directory deterministically: byte-identical trees
// always produce byte-identical output, which is what makes tree digests
// content-addressed.
func Encode(d Directory) ([]byte, error) {
	d.Sort()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(d.Files)))
	for _, f := range d.Files {
		writeString(&buf, f.Name)
		buf.Write(f.Digest.Fingerprint[:])
		writeUvarint(&buf, uint64(f.Digest.SizeBytes))
		if f.IsExecutable {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	writeUvarint(&buf, uint64(len(d.Dirs)))
	for _, sd := range d.Dirs {
		writeString(&buf, sd.Name)
		buf.Write(sd.Digest.Fingerprint[:])
		writeUvarint(&buf, uint64(sd.Digest.SizeBytes))
	}
	writeUvarint(&buf, uint64(len(d.Symlinks)))
	for _, s := range d.Symlinks {
		writeString(&buf, s.Name)
		writeString(&buf, s.Target)
	}
	return buf.Bytes(), nil
}

func mustEncode(d Directory) []byte {
	b, err := Encode(d)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Directory, error) {
	r := bytes.NewReader(b)
	var d Directory
	nFiles, err := binary.ReadUvarint(r)
	if err != nil {
		return d, err
	}
	for i := uint64(0); i < nFiles; i++ {
		name, err := readString(r)
		if err != nil {
			return d, err
		}
		var fp [32]byte
		if _, err := r.Read(fp[:]); err != nil {
			return d, err
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return d, err
		}
		exec, err := r.ReadByte()
		if err != nil {
			return d, err
		}
		d.Files = append(d.Files, FileEntry{Name: name, Digest: Digest{Fingerprint: fp, SizeBytes: int64(size)}, IsExecutable: exec == 1})
	}
	nDirs, err := binary.ReadUvarint(r)
	if err != nil {
		return d, err
	}
	for i := uint64(0); i < nDirs; i++ {
		name, err := readString(r)
		if err != nil {
			return d, err
		}
		var fp [32]byte
		if _, err := r.Read(fp[:]); err != nil {
			return d, err
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return d, err
		}
		d.Dirs = append(d.Dirs, DirEntry{Name: name, Digest: Digest{Fingerprint: fp, SizeBytes: int64(size)}})
	}
	nSyms, err := binary.ReadUvarint(r)
	if err != nil {
		return d, err
	}
	for i := uint64(0); i < nSyms; i++ {
		name, err := readString(r)
		if err != nil {
			return d, err
		}
		target, err := readString(r)
		if err != nil {
			return d, err
		}
		d.Symlinks = append(d.Symlinks, SymlinkEntry{Name: name, Target: target})
	}
	return d, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// TreeDigestOf computes the digest of a directory descriptor's canonical
// encoding, without storing it.
func TreeDigestOf(d Directory) (Digest, error) {
	b, err := Encode(d)
	if err != nil {
		return Digest{}, err
	}
	return Of(b), nil
}
