package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/neogan74/poshost/internal/logger"
)

const entryPrefix = "backup:"

// Badger is a Store backed by BadgerDB under the host state directory.
type Badger struct {
	db  *badger.DB
	log logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OpenBadger opens (creating if needed) a catalog in dataDir.
func OpenBadger(dataDir string, log logger.Logger) (*Badger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	opts.SyncWrites = true
	// The catalog holds a few hundred small records at most.
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 8 << 20
	opts.NumMemtables = 2
	opts.Compression = options.Snappy

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup catalog: %w", err)
	}

	b := &Badger{db: db, log: log, stop: make(chan struct{})}
	b.wg.Add(1)
	go b.runGarbageCollection(10 * time.Minute)

	log.Debug("Backup catalog opened", logger.String("data_dir", dataDir))
	return b, nil
}

func (b *Badger) runGarbageCollection(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn("Backup catalog garbage collection failed", logger.Error(err))
			}
		}
	}
}

func (b *Badger) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode catalog entry: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryPrefix+e.Name), data)
	})
}

func (b *Badger) Get(name string) (Entry, error) {
	var e Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (b *Badger) Delete(name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryPrefix + name))
	})
}

func (b *Badger) List() ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				b.log.Warn("Skipping unreadable catalog entry",
					logger.String("key", string(it.Item().Key())),
					logger.Error(err))
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

// Close stops background GC and closes the database. Safe to call twice.
func (b *Badger) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}
