// FILE: lock.go
// Package main – Per-identity advisory locks.
//
// One lock file per identity under <data_dir>/locks. Acquire polls a
// non-blocking flock until the timeout, so a busy identity is skipped for
// this pass instead of stalling the loop. The kernel drops the lock if the
// process dies, so a crash never leaves an identity wedged.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 100 * time.Millisecond

// Locker hands out identity locks.
type Locker struct {
	dir string
}

func NewLocker(dir string) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Locker{dir: dir}, nil
}

// RobotLock is a held identity lock.
type RobotLock struct {
	name string
	f    *os.File
}

// Acquire takes the lock for name or fails with ErrLockTimeout.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*RobotLock, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := flockFile(ctx, filepath.Join(l.dir, name+".lock"), "robot "+name, timeout)
	if err != nil {
		return nil, err
	}
	return &RobotLock{name: name, f: f}, nil
}

// flockFile opens path and polls an exclusive flock on it until timeout.
func flockFile(ctx context.Context, path, what string, timeout time.Duration) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock for %s: %w", what, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", what, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%s after %s: %w", what, timeout, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release drops the lock. Safe to call once per acquired lock.
func (k *RobotLock) Release() error {
	if k == nil || k.f == nil {
		return nil
	}
	err := unlockFile(k.f)
	k.f = nil
	return err
}

func unlockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
