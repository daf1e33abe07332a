// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package filelock provides an advisory, cross-process exclusion lock backed
// by a lock file. It's used to serialize access to the on-disk tile cache
// across proxy instances, not just goroutines within one process.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
)

// FileLock is an advisory lock associated with a single path on disk. The
// file is created with O_EXCL so that concurrent creators race safely, then
// range-locked with a non-blocking fcntl(2) flock and checked against the
// inode on disk. A lock file left behind by a crashed holder keeps O_EXCL
// failing, so acquirers keep waiting until that file is removed; Acquire
// logs a warning once the wait exceeds warnAfterSec.
//
// A FileLock value must not be copied after first use.
type FileLock struct {
	filename     string
	warnAfterSec int

	mu sync.Mutex
	fd int // -1 when not held
}

// New returns a FileLock guarding filename. A warnAfterSec <= 0 disables the
// stuck-lock warning.
func New(filename string, warnAfterSec int) *FileLock {
	return &FileLock{filename: filename, warnAfterSec: warnAfterSec, fd: -1}
}

// Acquire attempts to take the lock. If blocking is true it retries until
// timeout elapses (timeout <= 0 means retry forever). It returns false,nil
// if the lock could not be acquired within the deadline, and a non-nil error
// only for conditions other than "already held by someone else".
func (l *FileLock) Acquire(blocking bool, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd != -1 {
		return true, nil
	}

	start := time.Now()
	warned := false

	for {
		if l.warnAfterSec > 0 && !warned && time.Since(start) > time.Duration(l.warnAfterSec)*time.Second {
			logging.Warn().
				Str("lock_file", l.filename).
				Int("warn_after_sec", l.warnAfterSec).
				Msg("still waiting to acquire file lock; it may have been left behind by a crashed process")
			warned = true
		}

		ok, retry, err := l.tryAcquireOnce()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !retry {
			return false, nil
		}
		if !blocking {
			return false, nil
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return false, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// tryAcquireOnce performs a single create-lock-verify attempt. The bool
// "retry" return distinguishes "try again" (someone else currently holds it)
// from a terminal failure.
func (l *FileLock) tryAcquireOnce() (acquired bool, retry bool, err error) {
	fd, openErr := unix.Open(l.filename, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0o644)
	if openErr != nil {
		if errors.Is(openErr, unix.EEXIST) {
			// Someone else (or a stale file from an earlier crash) owns the
			// file right now; the caller decides whether to retry.
			return false, true, nil
		}
		return false, false, fmt.Errorf("open lock file %s: %w", l.filename, openErr)
	}

	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  0,
		Len:    0,
	}
	if lockErr := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &flock); lockErr != nil {
		_ = unix.Close(fd)
		if errors.Is(lockErr, unix.EAGAIN) || errors.Is(lockErr, unix.EACCES) {
			return false, true, nil
		}
		return false, false, fmt.Errorf("flock %s: %w", l.filename, lockErr)
	}

	// Defend against the race where another holder unlinked and recreated
	// the file between our open() and flock(): if the name on disk no
	// longer refers to the inode we locked, our lock is worthless.
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(fd, &fdStat); err != nil {
		_ = unix.Close(fd)
		return false, false, fmt.Errorf("fstat %s: %w", l.filename, err)
	}
	if err := unix.Stat(l.filename, &pathStat); err != nil {
		_ = unix.Close(fd)
		if os.IsNotExist(err) {
			return false, true, nil
		}
		return false, false, fmt.Errorf("stat %s: %w", l.filename, err)
	}
	if fdStat.Ino != pathStat.Ino {
		_ = unix.Close(fd)
		return false, true, nil
	}

	l.fd = fd
	return true, false, nil
}

// Release drops the lock and unlinks the backing file. Release is a no-op
// if the lock isn't held.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd == -1 {
		return nil
	}

	unlinkErr := unix.Unlink(l.filename)
	unlockErr := unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &unix.Flock_t{Type: unix.F_UNLCK})
	closeErr := unix.Close(l.fd)
	l.fd = -1

	if unlinkErr != nil {
		return fmt.Errorf("unlink lock file %s: %w", l.filename, unlinkErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.filename, unlockErr)
	}
	return closeErr
}

// WithLock acquires the lock (blocking, no timeout), runs fn, and always
// releases afterward.
func WithLock(l *FileLock, fn func() error) error {
	if _, err := l.Acquire(true, 0); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			logging.Err(err).Str("lock_file", l.filename).Msg("failed to release file lock")
		}
	}()
	return fn()
}
