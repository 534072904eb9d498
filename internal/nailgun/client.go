// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Client dials a running Server's socket and drives a single
// invocation to completion.
type Client struct {
	SocketPath string
}

// Dial opens the connection; callers must close it when Invoke
// returns (or on any earlier error).
func (c *Client) Dial() (net.Conn, error) {
	return net.DialTimeout("unix", c.SocketPath, 5*time.Second)
}

// Invoke sends req over conn and streams the server's stdout/stderr
// frames to stdout/stderr as they arrive, returning the server's final
// exit code (§4.9: "(command, argv, env, cwd, stdio file descriptors)
// → exit_code").
func (c *Client) Invoke(conn net.Conn, req *InvokeRequest, stdout, stderr io.Writer) (int, error) {
	fw := newFrameWriter(conn)
	if err := fw.writeInvoke(req); err != nil {
		return 0, fmt.Errorf("nailgun: send invoke frame: %w", err)
	}

	fr := newFrameReader(conn)
	for {
		kind, chunk, exitCode, err := fr.next()
		if err != nil {
			if err == io.EOF {
				return 0, fmt.Errorf("nailgun: server closed connection without an exit frame")
			}
			return 0, fmt.Errorf("nailgun: read frame: %w", err)
		}
		switch kind {
		case frameStdout:
			if _, err := stdout.Write(chunk); err != nil {
				return 0, err
			}
		case frameStderr:
			if _, err := stderr.Write(chunk); err != nil {
				return 0, err
			}
		case frameExit:
			return exitCode, nil
		}
	}
}
