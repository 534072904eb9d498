// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package nailgun implements the persistent server & client (C9): a
// long-lived daemon hosting one scheduler, accepting framed client
// invocations over a local socket so repeated CLI runs skip process
// startup and rule-graph compilation (§4.9).
package nailgun

import (
	"github.com/tinylib/msgp/msgp"
)

// frameKind tags each frame on the wire so a reader can dispatch
// without a length-prefixed type registry.
type frameKind uint8

const (
	frameInvoke frameKind = iota + 1
	frameStdout
	frameStderr
	frameExit
)

// InvokeRequest is the single frame a client sends to start one
// invocation (§4.9: "(command, argv, env, cwd, stdio file
// descriptors) → exit_code"; stdio is the connection itself, not a
// field here).
type InvokeRequest struct {
	Command string
	Argv    []string
	Env     map[string]string
	Cwd     string
}

// EncodeMsg writes r in the shape `msgp generate` would produce for
// this struct: a 4-element array, fields in declaration order.
func (r *InvokeRequest) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteArrayHeader(4); err != nil {
		return err
	}
	if err := en.WriteString(r.Command); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(r.Argv))); err != nil {
		return err
	}
	for _, a := range r.Argv {
		if err := en.WriteString(a); err != nil {
			return err
		}
	}
	if err := en.WriteMapHeader(uint32(len(r.Env))); err != nil {
		return err
	}
	for k, v := range r.Env {
		if err := en.WriteString(k); err != nil {
			return err
		}
		if err := en.WriteString(v); err != nil {
			return err
		}
	}
	return en.WriteString(r.Cwd)
}

// DecodeMsg reads r back from the wire shape EncodeMsg writes.
func (r *InvokeRequest) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadArrayHeader()
	if err != nil {
		return err
	}
	_ = n // fixed at 4; a version mismatch surfaces as a later field error
	if r.Command, err = dc.ReadString(); err != nil {
		return err
	}
	argc, err := dc.ReadArrayHeader()
	if err != nil {
		return err
	}
	r.Argv = make([]string, argc)
	for i := range r.Argv {
		if r.Argv[i], err = dc.ReadString(); err != nil {
			return err
		}
	}
	envc, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	r.Env = make(map[string]string, envc)
	for i := uint32(0); i < envc; i++ {
		k, err := dc.ReadString()
		if err != nil {
			return err
		}
		v, err := dc.ReadString()
		if err != nil {
			return err
		}
		r.Env[k] = v
	}
	r.Cwd, err = dc.ReadString()
	return err
}

// streamChunk is one stdout/stderr fragment streamed back to the
// client while an invocation runs (§4.9: "stdout/stderr streamed
// live").
type streamChunk struct {
	Data []byte
}

func (c *streamChunk) EncodeMsg(en *msgp.Writer) error { return en.WriteBytes(c.Data) }

func (c *streamChunk) DecodeMsg(dc *msgp.Reader) error {
	b, err := dc.ReadBytes(nil)
	c.Data = b
	return err
}

// exitFrame is the final frame of one invocation, carrying the exit
// code the client should return from its own process (§6).
type exitFrame struct {
	Code int
}

func (e *exitFrame) EncodeMsg(en *msgp.Writer) error { return en.WriteInt(e.Code) }

func (e *exitFrame) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadInt()
	e.Code = n
	return err
}
