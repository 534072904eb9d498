// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package nailgun

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PidLock is an advisory flock-based lock on a pid file, guaranteeing
// exactly one server per build root (§4.9: "start-up is guarded by an
// advisory lock on a pid file"), the same `syscall.Flock` technique
// `kraklabs-cie`'s IndexQueue uses for its index lock.
type PidLock struct {
	path string
	file *os.File
}

// NewPidLock prepares a lock at path, creating parent directories as
// needed; it does not acquire the lock.
func NewPidLock(path string) (*PidLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("nailgun: create pid file dir: %w", err)
	}
	return &PidLock{path: path}, nil
}

// TryAcquire attempts to take the lock without blocking. false means
// another server already holds it.
func (l *PidLock) TryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("nailgun: open pid file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("nailgun: flock: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return false, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return false, err
	}
	if _, err := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix()); err != nil {
		_ = f.Close()
		return false, err
	}
	l.file = f
	return true, nil
}

// Release drops the lock and closes the pid file. Safe to call on an
// unacquired lock.
func (l *PidLock) Release() {
	if l.file == nil {
		return
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}

// HolderPID reads the pid recorded by whichever process currently (or
// most recently) holds the lock, for a stale-server diagnostic message;
// it does not itself indicate whether that process is still alive.
func (l *PidLock) HolderPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	var pid int
	var ts int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &pid, &ts); err != nil {
		return 0, fmt.Errorf("nailgun: parse pid file: %w", err)
	}
	return pid, nil
}
