// Package lock guarantees a single host instance per data root and answers
// whether a recorded PID still belongs to a live process.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrLockHeld is returned when another host owns the data root.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another host instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another host instance is running (lock %s)", e.LockPath)
}

// InstanceLock is an exclusive lock on a state directory.
type InstanceLock struct {
	lockPath string
	pidPath  string
	file     *os.File
	held     bool
}

// New prepares a lock named name inside dir. Nothing is acquired yet.
func New(dir, name string) *InstanceLock {
	return &InstanceLock{
		lockPath: filepath.Join(dir, name+".lock"),
		pidPath:  filepath.Join(dir, name+".pid"),
	}
}

// Acquire takes the lock or returns *ErrLockHeld.
func (l *InstanceLock) Acquire() error {
	if l.held {
		return nil
	}

	f, err := acquire(l.lockPath, l.readHolderPID)
	if err != nil {
		return err
	}
	l.file = f
	l.held = true

	if err := os.WriteFile(l.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *InstanceLock) Release() error {
	if !l.held {
		return nil
	}
	os.Remove(l.pidPath)
	err := release(l.file, l.lockPath)
	l.file = nil
	l.held = false
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *InstanceLock) Held() bool { return l.held }

// HolderPID returns the PID recorded by the current holder, or 0.
func (l *InstanceLock) HolderPID() int { return l.readHolderPID() }

func (l *InstanceLock) readHolderPID() int {
	return ReadPID(l.pidPath)
}

// ReadPID parses a file containing a decimal PID. Missing or malformed
// files yield 0.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// PIDAlive reports whether pid refers to a running process. The host's own
// PID counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// ProcessName returns the executable name of pid as reported by the OS.
func ProcessName(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}
