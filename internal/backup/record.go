package backup

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	// nameLayout is sortable and safe on every filesystem the host runs on.
	nameLayout = "20060102T150405.000Z"
	stagingTag = ".staging-"
)

// Record describes one backup snapshot directory.
type Record struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	Files     int       `json:"files,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	// NeedsRestart is only set on a failed create.
	NeedsRestart bool `json:"needsRestart,omitempty"`
}

// baseName returns the timestamp-derived name for t.
func baseName(t time.Time) string {
	return namePrefix + t.UTC().Format(nameLayout)
}

// uniqueName returns baseName(t), suffixed with -N when taken reports the
// name already exists.
func uniqueName(t time.Time, taken func(string) bool) string {
	name := baseName(t)
	if !taken(name) {
		return name
	}
	for i := 1; ; i++ {
		candidate := name + "-" + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// parseName recovers the creation time encoded in a backup name.
func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(name, namePrefix)
	if len(stamp) < len(nameLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(nameLayout, stamp[:len(nameLayout)])
	if err != nil {
		return time.Time{}, false
	}
	if rest := stamp[len(nameLayout):]; rest != "" {
		if !strings.HasPrefix(rest, "-") {
			return time.Time{}, false
		}
		if _, err := strconv.Atoi(rest[1:]); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// nameSuffix returns the -N collision counter of name, or 0.
func nameSuffix(name string) int {
	if i := strings.LastIndexByte(name, '-'); i >= len(namePrefix) {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

// validName reports whether name can only refer to a direct child of the
// backups directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\:`) || filepath.Base(name) != name {
		return false
	}
	return true
}
