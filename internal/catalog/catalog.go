// Package catalog keeps descriptive metadata about backups: size, file
// count, content digest and origin. The backup directories remain the
// source of truth; a missing catalog entry never hides a backup.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neogan74/poshost/internal/logger"
)

// ErrNotFound is returned when no entry exists for a backup name.
var ErrNotFound = errors.New("catalog entry not found")

// Origins of a backup.
const (
	OriginCreated  = "created"
	OriginImported = "imported"
)

// Entry describes one backup.
type Entry struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Files     int       `json:"files"`
	Digest    string    `json:"digest"`
	Origin    string    `json:"origin"`
	// Source is the archive name for imported backups.
	Source     string    `json:"source,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Store persists catalog entries.
type Store interface {
	Put(e Entry) error
	Get(name string) (Entry, error)
	Delete(name string) error
	// List returns all entries, newest first.
	List() ([]Entry, error)
	Close() error
}

// Config selects the store implementation.
type Config struct {
	Type    string // badger, memory
	DataDir string
}

// Open creates a store for cfg.
func Open(cfg Config, log logger.Logger) (Store, error) {
	switch cfg.Type {
	case "", "badger":
		log.Info("Using BadgerDB backup catalog", logger.String("data_dir", cfg.DataDir))
		return OpenBadger(cfg.DataDir, log)
	case "memory":
		log.Info("Using in-memory backup catalog")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported catalog type: %s", cfg.Type)
	}
}

func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Name > entries[j].Name
	})
}
