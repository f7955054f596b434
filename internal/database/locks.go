package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/lock"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/metrics"
)

// recoverLocks removes lock artifacts left in dataPath by an engine that
// did not shut down cleanly. If a lock names a PID that is still running the
// engine binary, nothing is removed and a StartupFailure is returned.
func (s *Supervisor) recoverLocks(dataPath string) error {
	var present []string
	for _, name := range s.cfg.LockFiles {
		path := filepath.Join(dataPath, name)
		if _, err := os.Lstat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return hosterr.New(hosterr.StartupFailure, "database.start", fmt.Errorf("stat %s: %w", name, err))
		}

		if pid := lock.ReadPID(path); pid > 0 && s.ownsPID(pid) {
			return hosterr.Errorf(hosterr.StartupFailure, "database.start",
				"%s held by running engine (PID %d)", name, pid)
		}
		present = append(present, path)
	}

	for _, path := range present {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return hosterr.New(hosterr.StartupFailure, "database.start", fmt.Errorf("remove stale lock: %w", err))
		}
		metrics.StaleLocksRemovedTotal.Inc()
		s.log.Warn("Removed stale database lock",
			logger.String("path", path),
			logger.String("kind", string(hosterr.LockConflict)))
	}
	return nil
}

// ownsPID reports whether pid is alive and running the configured engine.
// A reused PID belonging to something else counts as stale.
func (s *Supervisor) ownsPID(pid int) bool {
	if pid == os.Getpid() || !lock.PIDAlive(pid) {
		return false
	}
	name, err := lock.ProcessName(pid)
	if err != nil {
		// Alive but unreadable; be conservative.
		return true
	}
	return sameExecutable(name, s.cfg.Binary)
}

func sameExecutable(procName, binary string) bool {
	want := strings.TrimSuffix(strings.ToLower(filepath.Base(binary)), ".exe")
	got := strings.TrimSuffix(strings.ToLower(procName), ".exe")
	if got == "" || want == "" {
		return false
	}
	// Linux truncates comm to 15 bytes.
	return got == want || (len(got) == 15 && strings.HasPrefix(want, got))
}
