package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPromptCancelled is returned by a Prompter when the user dismisses the
// file dialog.
var ErrPromptCancelled = errors.New("prompt cancelled")

// Prompter chooses archive locations on behalf of the user. The UI owns any
// real dialog; the host only ever reads or writes the paths it returns.
type Prompter interface {
	// SaveArchive returns the path an export should be written to.
	SaveArchive(ctx context.Context, suggested string) (string, error)
	// OpenArchive returns the path of the archive to import. An empty hint
	// selects the default choice.
	OpenArchive(ctx context.Context, hint string) (string, error)
}

// DirPrompter confines archive locations to a single directory. Saving
// never overwrites; opening with no hint picks the newest archive.
type DirPrompter struct {
	Dir string
}

func (p DirPrompter) SaveArchive(ctx context.Context, suggested string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(suggested), ArchiveExt)
	if !validName(base) {
		return "", ErrInvalidName
	}
	candidate := filepath.Join(p.Dir, base+ArchiveExt)
	for i := 1; fileExists(candidate); i++ {
		candidate = filepath.Join(p.Dir, base+"-"+strconv.Itoa(i)+ArchiveExt)
	}
	return candidate, nil
}

func (p DirPrompter) OpenArchive(ctx context.Context, hint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if hint != "" {
		if !validName(hint) || !strings.HasSuffix(hint, ArchiveExt) {
			return "", ErrInvalidName
		}
		path := filepath.Join(p.Dir, hint)
		if !fileExists(path) {
			return "", ErrNotFound
		}
		return path, nil
	}

	entries, err := os.ReadDir(p.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ArchiveExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod || (mod == newestMod && e.Name() > newest) {
			newest, newestMod = e.Name(), mod
		}
	}
	if newest == "" {
		return "", ErrNotFound
	}
	return filepath.Join(p.Dir, newest), nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
