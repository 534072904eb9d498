// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"
)

// frameWriter serialises one (kind, body) pair per call: a single byte
// kind tag followed by the body's own msgp encoding. msgp.Writer
// buffers internally, so Flush must run after every logical frame to
// put it on the wire immediately — required for the live stdout/stderr
// streaming §4.9 calls for for, not just at connection end.
type frameWriter struct {
	en *msgp.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{en: msgp.NewWriter(w)} }

func (fw *frameWriter) write(kind frameKind, body msgp.Encodable) error {
	if err := fw.en.WriteByte(byte(kind)); err != nil {
		return err
	}
	if err := body.EncodeMsg(fw.en); err != nil {
		return err
	}
	return fw.en.Flush()
}

func (fw *frameWriter) writeInvoke(r *InvokeRequest) error  { return fw.write(frameInvoke, r) }
func (fw *frameWriter) writeStdout(b []byte) error          { return fw.write(frameStdout, &streamChunk{Data: b}) }
func (fw *frameWriter) writeStderr(b []byte) error          { return fw.write(frameStderr, &streamChunk{Data: b}) }
func (fw *frameWriter) writeExit(code int) error            { return fw.write(frameExit, &exitFrame{Code: code}) }

// frameReader is the read side of frameWriter.
type frameReader struct {
	dc *msgp.Reader
}

func newFrameReader(r io.Reader) *frameReader { return &frameReader{dc: msgp.NewReader(r)} }

// readInvoke reads exactly one InvokeRequest frame, the first frame a
// server expects on a freshly accepted connection.
func (fr *frameReader) readInvoke() (*InvokeRequest, error) {
	kind, err := fr.dc.ReadByte()
	if err != nil {
		return nil, err
	}
	if frameKind(kind) != frameInvoke {
		return nil, fmt.Errorf("nailgun: expected invoke frame, got kind %d", kind)
	}
	req := &InvokeRequest{}
	if err := req.DecodeMsg(fr.dc); err != nil {
		return nil, err
	}
	return req, nil
}

// next reads the next stdout/stderr/exit frame, for the client's
// receive loop. exitCode is set only when kind is frameExit, after
// which the connection carries nothing further.
func (fr *frameReader) next() (kind frameKind, chunk []byte, exitCode int, err error) {
	b, err := fr.dc.ReadByte()
	if err != nil {
		return 0, nil, 0, err
	}
	kind = frameKind(b)
	switch kind {
	case frameStdout, frameStderr:
		c := &streamChunk{}
		if err := c.DecodeMsg(fr.dc); err != nil {
			return 0, nil, 0, err
		}
		return kind, c.Data, 0, nil
	case frameExit:
		e := &exitFrame{}
		if err := e.DecodeMsg(fr.dc); err != nil {
			return 0, nil, 0, err
		}
		return kind, nil, e.Code, nil
	default:
		return 0, nil, 0, fmt.Errorf("nailgun: unknown frame kind %d", kind)
	}
}
