// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Handler runs one client invocation to completion, writing live
// output to stdout/stderr and returning the process-style exit code
// the client should return from its own process (§4.9, §6). ctx is
// cancelled the instant the client disconnects.
type Handler interface {
	Handle(ctx context.Context, req *InvokeRequest, stdout, stderr io.Writer) (exitCode int, err error)
}

// Server accepts framed invocations over a single Unix domain socket
// and dispatches each to handler inside its own connection-scoped
// goroutine (§4.9: "each connection runs inside a fresh session").
type Server struct {
	SocketPath  string
	PidFilePath string
	Fingerprint string
	Handler     Handler
	Log         *zap.Logger

	lock     *PidLock
	listener net.Listener

	wg sync.WaitGroup
}

// Acquire takes the advisory pid-file lock guaranteeing at most one
// server per build root. ok is false if another server already holds
// it; callers should then connect as a client instead of starting a
// new server.
func (s *Server) Acquire() (ok bool, err error) {
	lock, err := NewPidLock(s.PidFilePath)
	if err != nil {
		return false, err
	}
	acquired, err := lock.TryAcquire()
	if err != nil || !acquired {
		return false, err
	}
	s.lock = lock
	return true, nil
}

// Listen binds the Unix domain socket, removing any stale socket file
// left by a prior server that crashed without cleaning up (safe only
// once Acquire has succeeded, since the pid-file lock is what actually
// proves no other server is listening).
func (s *Server) Listen() error {
	_ = os.Remove(s.SocketPath)
	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed, blocking the
// caller. Each connection is handled in its own goroutine so a slow or
// hung client cannot stall other clients.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	fr := newFrameReader(conn)
	req, err := fr.readInvoke()
	if err != nil {
		log.Warn("nailgun: read invoke frame", zap.Error(err))
		return
	}

	// Cancellation on client disconnect (§4.9): a read of zero bytes on
	// a Unix socket only happens once the peer has closed its side, so
	// a background reader watching for EOF is the disconnect signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // client sends nothing more; any return means disconnect/EOF
		cancel()
	}()

	fw := newFrameWriter(conn)
	stdout := &frameSink{fw: fw, write: fw.writeStdout}
	stderr := &frameSink{fw: fw, write: fw.writeStderr}

	code, err := s.Handler.Handle(ctx, req, stdout, stderr)
	if err != nil {
		log.Warn("nailgun: handler error", zap.Error(err), zap.String("command", req.Command))
	}
	if err := fw.writeExit(code); err != nil {
		log.Warn("nailgun: write exit frame", zap.Error(err))
	}
}

// frameSink adapts the frame protocol's per-chunk write calls to
// io.Writer, so a Handler can pass it anywhere an io.Writer is wanted
// (a *log.Logger output, an exec.Cmd's Stdout, etc).
type frameSink struct {
	fw    *frameWriter
	write func([]byte) error
}

func (s *frameSink) Write(p []byte) (int, error) {
	if err := s.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the pid-file lock and stops accepting connections.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.lock != nil {
		s.lock.Release()
	}
	_ = os.Remove(s.SocketPath)
	return err
}
