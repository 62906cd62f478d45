// Package lockfile provides file-based locking so only one backend instance owns a
// state directory (and therefore the execution server recorded in it).
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/pidfile"
)

var (
	ErrLocked = errors.New("process is already running")
)

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	file   *os.File
	pid    int
	locked bool
}

// New creates a new lockfile instance
func New(path string) *Lockfile {
	return &Lockfile{
		path: path,
	}
}

// TryAcquire attempts to acquire the lock. A lock left behind by a dead process is
// removed and taken over.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lockfile: %w", err)
		}

		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, removeErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("failed to create lockfile after removing stale one: %w", err)
		}
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

// checkStale reports whether the existing lockfile belongs to a process that is gone.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return true, "invalid PID in lockfile"
	}
	if !pidfile.Alive(pid) {
		return true, fmt.Sprintf("process %d is not running", pid)
	}
	return false, fmt.Sprintf("process with PID %d is running", pid)
}

// Release releases the lock
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lockfile: %w", removeErr))
	}

	l.locked = false
	return err
}

// PID returns the PID that acquired the lock
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
