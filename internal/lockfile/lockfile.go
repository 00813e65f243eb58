// Package lockfile holds an exclusive lock on the data directory so only one
// relay instance reads a given snapshot source and writes its dedup state.
//
// The lock is a flock on <data_dir>/wxbridge.lock. The kernel drops it when the
// process exits, so a crash never leaves a stale lock behind; the file itself
// only carries the holder's PID for error messages.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file created in the data directory.
const FileName = "wxbridge.lock"

// Lock is an acquired data-directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError reports that another process holds the lock.
type LockError struct {
	Path string
	PID  int // 0 when the holder could not be read
	Err  error
}

func (e *LockError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("data directory locked by pid %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("data directory locked by another process (%s)", e.Path)
}

func (e *LockError) Unwrap() error { return e.Err }

// Acquire takes the lock without blocking. It returns *LockError if the lock
// is held elsewhere.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if isContention(err) {
			return nil, &LockError{Path: path, PID: readPID(path), Err: err}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		if _, err := f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
			slog.Warn("lockfile.write_pid_failed", "path", path, "error", err)
		}
	}

	slog.Debug("lockfile.acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Truncate before unlocking so a new holder never sees our stale PID.
	l.file.Truncate(0)
	unlockErr := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "pid=")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return pid
}
