package bridge

import (
	"context"
	"sync"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/server"
)

type fakeBackups struct {
	records  []backup.Record
	restore  func(name string) (backup.RestoreResult, error)
	imported backup.ImportResult
	restored []string
}

func (f *fakeBackups) Create(context.Context) (backup.Record, error) {
	rec := backup.Record{Name: "backup-20240309T140506.000Z", Path: "/data/backups/backup-20240309T140506.000Z"}
	f.records = append([]backup.Record{rec}, f.records...)
	return rec, nil
}

func (f *fakeBackups) List(context.Context) ([]backup.Record, error) {
	return f.records, nil
}

func (f *fakeBackups) Restore(_ context.Context, name string) (backup.RestoreResult, error) {
	f.restored = append(f.restored, name)
	if f.restore != nil {
		return f.restore(name)
	}
	return backup.RestoreResult{Name: name, Restarted: true}, nil
}

func (f *fakeBackups) Export(_ context.Context, name string) (backup.ExportResult, error) {
	return backup.ExportResult{}, hosterr.Errorf(hosterr.NotFound, "backup.export", "backup not found: %s", name)
}

func (f *fakeBackups) Import(context.Context, string) (backup.ImportResult, error) {
	return f.imported, nil
}

func (f *fakeBackups) Verify(_ context.Context, name string) (backup.VerifyResult, error) {
	return backup.VerifyResult{Name: name, OK: true, Digest: "abc"}, nil
}

type fixedStatus server.Status

func (s fixedStatus) Status() server.Status { return server.Status(s) }

type memoryWriter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (w *memoryWriter) Write(e *audit.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, *e)
	return nil
}

func (w *memoryWriter) Flush() error { return nil }

func (w *memoryWriter) Close(context.Context) error { return nil }

func (w *memoryWriter) snapshot() []audit.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audit.Event(nil), w.events...)
}
