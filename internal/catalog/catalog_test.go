package catalog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neogan74/poshost/internal/logger"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(filepath.Join(t.TempDir(), "catalog"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return map[string]Store{
		"badger": b,
		"memory": NewMemory(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			e := Entry{
				Name:      "backup-20260301T100000.000Z",
				CreatedAt: created,
				SizeBytes: 4096,
				Files:     3,
				Digest:    "abc123",
				Origin:    OriginCreated,
			}
			require.NoError(t, s.Put(e))

			got, err := s.Get(e.Name)
			require.NoError(t, err)
			assert.Equal(t, e.Name, got.Name)
			assert.True(t, created.Equal(got.CreatedAt))
			assert.Equal(t, int64(4096), got.SizeBytes)
			assert.Equal(t, "abc123", got.Digest)

			require.NoError(t, s.Delete(e.Name))
			_, err = s.Get(e.Name)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, n := range []string{"b", "a", "c"} {
				require.NoError(t, s.Put(Entry{Name: n, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
			}
			// Same timestamp as "c": ties break on name, descending.
			require.NoError(t, s.Put(Entry{Name: "d", CreatedAt: base.Add(2 * time.Hour)}))

			entries, err := s.List()
			require.NoError(t, err)
			var names []string
			for _, e := range entries {
				names = append(names, e.Name)
			}
			assert.Equal(t, []string{"d", "c", "a", "b"}, names)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "catalog")

	b, err := OpenBadger(dir, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Put(Entry{Name: "kept", Origin: OriginImported, Source: "shop.tar.gz"}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get("kept")
	require.NoError(t, err)
	assert.Equal(t, OriginImported, got.Origin)
	assert.Equal(t, "shop.tar.gz", got.Source)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Type: "memory"}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(Config{DataDir: filepath.Join(t.TempDir(), "c")}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Badger{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Type: "sqlite"}, logger.Nop())
	assert.Error(t, err)
}
