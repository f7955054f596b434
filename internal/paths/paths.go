// Package paths owns the on-disk layout of a data root.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DatabaseDir = "database"
	BackupsDir  = "backups"
	UploadsDir  = "uploads"
	ExportsDir  = "exports"
	StateDir    = "state"
)

const dirPerm = 0o755

// Layout holds the absolute paths of every directory under one data root.
type Layout struct {
	Root     string
	Database string
	Backups  string
	Uploads  string
	Exports  string
	State    string
}

// New computes the layout for root without touching the filesystem.
func New(root string) (Layout, error) {
	if root == "" {
		return Layout{}, fmt.Errorf("data root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve data root: %w", err)
	}
	return Layout{
		Root:     abs,
		Database: filepath.Join(abs, DatabaseDir),
		Backups:  filepath.Join(abs, BackupsDir),
		Uploads:  filepath.Join(abs, UploadsDir),
		Exports:  filepath.Join(abs, ExportsDir),
		State:    filepath.Join(abs, StateDir),
	}, nil
}

// EnsureLayout creates root and its fixed subdirectories. Existing
// directories are left as they are.
func EnsureLayout(root string) (Layout, error) {
	l, err := New(root)
	if err != nil {
		return Layout{}, err
	}
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return Layout{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

// Dirs lists the layout directories, root first.
func (l Layout) Dirs() []string {
	return []string{l.Root, l.Database, l.Backups, l.Uploads, l.Exports, l.State}
}

// StatePath joins name under the state directory.
func (l Layout) StatePath(name ...string) string {
	return filepath.Join(append([]string{l.State}, name...)...)
}

// DefaultRoot returns the per-user data root used when none is configured.
func DefaultRoot(app string) string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, app)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "."+app)
	}
	return filepath.Join(os.TempDir(), app)
}
