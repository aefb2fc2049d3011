// Package lockfile guards a working directory against concurrent
// migrations. The lock is an advisory flock on a well-known file; the
// file carries the holder's pid for diagnostics. Locks die with the
// process, so a crash never wedges the directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is the lock file used by the CLI, relative to the
// working directory.
const DefaultPath = ".trq.lock"

// ErrLockBusy means another process holds the lock.
var ErrLockBusy = errors.New("already locked by another process")

// Lock is a held run lock. Release it when the run ends.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the run lock, failing fast when another process holds
// it. The error names the holding pid when the lock file carries one.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusiveNonBlock(f); err != nil {
		pid := holderPID(f)
		f.Close()
		if errors.Is(err, ErrLockBusy) && pid > 0 {
			return nil, fmt.Errorf("%s: %w (pid %d)", path, ErrLockBusy, pid)
		}
		if errors.Is(err, ErrLockBusy) {
			return nil, fmt.Errorf("%s: %w", path, ErrLockBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the file. Safe on nil and after a
// previous Release.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := flockUnlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	os.Remove(l.path)
	l.file = nil
	return err
}

func holderPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
