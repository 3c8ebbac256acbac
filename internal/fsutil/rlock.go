package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotHeld is returned when releasing an RLock whose count is already zero.
	ErrNotHeld = errors.New("fsutil: release of a lock that is not held")

	// ErrLocked is returned when another process holds the file lock.
	ErrLocked = errors.New("fsutil: file is locked by another process")
)

// RLock is a counting mutex over an advisory file lock.
//
// The first Acquire takes the file lock; nested Acquire calls only increment
// the count. The file lock is returned by the Release that brings the count
// back to zero. An RLock belongs to a single owner; it is not a way to share
// the file lock between goroutines that do not coordinate otherwise.
type RLock struct {
	path string

	mu    sync.Mutex
	count int
	file  *os.File
}

// NewRLock creates an unheld lock on path. The file is created on first use.
func NewRLock(path string) *RLock {
	return &RLock{path: path}
}

// Path returns the lock file path.
func (l *RLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking. It returns ErrLocked when another
// process holds the file.
func (l *RLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return err
	}

	l.file = f
	l.count = 1
	return nil
}

// Release undoes one Acquire.
func (l *RLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return ErrNotHeld
	}
	l.count--
	if l.count > 0 {
		return nil
	}

	f := l.file
	l.file = nil
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// Count returns the current nesting depth.
func (l *RLock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Held reports whether the lock is currently held by this RLock.
func (l *RLock) Held() bool {
	return l.Count() > 0
}
