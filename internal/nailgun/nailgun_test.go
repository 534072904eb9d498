// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies that every handleConn goroutine (and its
// disconnect-watcher child) exits once its connection closes, rather
// than leaking across test cases.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPidLockExclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.pid")

	a, err := NewPidLock(path)
	require.NoError(t, err)
	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	b, err := NewPidLock(path)
	require.NoError(t, err)
	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "a second server must not acquire the same pid file")

	a.Release()
	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "releasing the lock must let another server acquire it")
	b.Release()
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	type cfg struct{ Parallelism int }
	fp1, err := Fingerprint(cfg{Parallelism: 4})
	require.NoError(t, err)
	fp2, err := Fingerprint(cfg{Parallelism: 4})
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "identical config must fingerprint identically")

	fp3, err := Fingerprint(cfg{Parallelism: 8})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "differing config must fingerprint differently")
}

// echoHandler writes req.Argv joined to stdout and req.Command to
// stderr, returning an exit code derived from the command string —
// enough to exercise the full frame round trip without a real
// scheduler.
type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req *InvokeRequest, stdout, stderr io.Writer) (int, error) {
	fmt.Fprint(stdout, joinArgv(req.Argv))
	fmt.Fprint(stderr, req.Command)
	if req.Command == "fail" {
		return 1, nil
	}
	return 0, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func TestServerClientRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	srv := &Server{Handler: echoHandler{}}
	done := make(chan struct{})
	go func() {
		srv.handleConn(serverConn)
		close(done)
	}()

	cl := &Client{}
	var stdout, stderr bytes.Buffer
	code, err := cl.Invoke(clientConn, &InvokeRequest{
		Command: "build",
		Argv:    []string{"//foo:bar"},
		Env:     map[string]string{"K": "V"},
		Cwd:     "/workspace",
	}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "//foo:bar", stdout.String())
	assert.Equal(t, "build", stderr.String())

	<-done
}

func TestServerClientRoundTripNonZeroExit(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	srv := &Server{Handler: echoHandler{}}
	done := make(chan struct{})
	go func() {
		srv.handleConn(serverConn)
		close(done)
	}()

	cl := &Client{}
	var stdout, stderr bytes.Buffer
	code, err := cl.Invoke(clientConn, &InvokeRequest{Command: "fail", Argv: nil, Env: nil, Cwd: "."}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	<-done
}
