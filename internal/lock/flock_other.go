//go:build !unix

package lock

import (
	"errors"
	"fmt"
	"os"
)

// Without flock the lock file itself is the lock. A file left by a dead
// holder is reclaimed.
func acquire(path string, holder func() int) (*os.File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}
		pid := holder()
		if PIDAlive(pid) {
			return nil, &ErrLockHeld{HolderPID: pid, LockPath: path}
		}
		if err := os.Remove(path); err != nil {
			return nil, &ErrLockHeld{HolderPID: pid, LockPath: path}
		}
	}
	return nil, &ErrLockHeld{LockPath: path}
}

func release(f *os.File, path string) error {
	f.Close()
	return os.Remove(path)
}
