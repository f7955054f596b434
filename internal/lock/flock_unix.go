//go:build unix

package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func acquire(path string, holder func() int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &ErrLockHeld{HolderPID: holder(), LockPath: path}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return f, nil
}

func release(f *os.File, path string) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	return err
}
