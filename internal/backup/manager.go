// Package backup creates, lists, restores, exports and imports snapshots of
// the database data directory.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/neogan74/poshost/internal/catalog"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/metrics"
	"github.com/neogan74/poshost/internal/paths"
	"github.com/neogan74/poshost/internal/telemetry"
)

var (
	ErrInvalidName = errors.New("invalid backup name")
	ErrNotFound    = errors.New("backup not found")
)

const pendingFile = "pending-restore.json"

// Coordinator gives the manager exclusive use of the data path. It is
// implemented by the host stack, which owns the supervisors.
type Coordinator interface {
	// ManagesData reports whether the data path holds live engine files this
	// host owns (production mode with persistent storage).
	ManagesData() bool
	// StopDatabase stops the server and then the database.
	StopDatabase(ctx context.Context) error
	// DatabaseStopped reports whether the database supervisor is Stopped.
	DatabaseStopped() bool
	// Restart re-runs the full startup sequence with fresh handles.
	Restart(ctx context.Context) error
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	Name         string `json:"name"`
	Restarted    bool   `json:"restarted"`
	NeedsRestart bool   `json:"needsRestart,omitempty"`
}

// ExportResult carries the written archive path.
type ExportResult struct {
	Path string `json:"path"`
}

// ImportResult reports an imported archive. NeedsRestart is set when the
// data path will be replaced at the next boot.
type ImportResult struct {
	Record       Record `json:"record"`
	NeedsRestart bool   `json:"needsRestart"`
}

// VerifyResult compares a snapshot with its catalog digest.
type VerifyResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Digest   string `json:"digest"`
	Expected string `json:"expected,omitempty"`
}

// Manager serializes every backup operation through a single gate.
type Manager struct {
	layout   paths.Layout
	catalog  catalog.Store
	coord    Coordinator
	prompter Prompter
	log      logger.Logger
	now      func() time.Time
	replace  func(dst, src string) (string, error)

	gate *semaphore.Weighted
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPrompter overrides the default exports-directory prompter.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// NewManager returns a manager over layout.
func NewManager(layout paths.Layout, store catalog.Store, coord Coordinator, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		layout:   layout,
		catalog:  store,
		coord:    coord,
		prompter: DirPrompter{Dir: layout.Exports},
		log:      log.WithComponent("backup"),
		now:      time.Now,
		replace:  replaceDir,
		gate:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(op string) error {
	if !m.gate.TryAcquire(1) {
		return hosterr.Errorf(hosterr.Busy, op, "another backup operation is in progress")
	}
	return nil
}

func (m *Manager) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = string(hosterr.KindOf(err))
	}
	metrics.BackupOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.BackupDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Manager) recordPath(name string) string {
	return filepath.Join(m.layout.Backups, name)
}

func (m *Manager) lookup(op, name string) (string, error) {
	if !validName(name) {
		return "", hosterr.New(hosterr.InvalidArgument, op, ErrInvalidName)
	}
	dir := m.recordPath(name)
	if !dirExists(dir) {
		return "", hosterr.New(hosterr.NotFound, op, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	return dir, nil
}

func (m *Manager) requireManagedData(op string) error {
	if !m.coord.ManagesData() {
		return hosterr.Errorf(hosterr.InvalidArgument, op, "database files are not managed by this host")
	}
	return nil
}

// stopDatabase brings the stack down and confirms the data path is free.
func (m *Manager) stopDatabase(ctx context.Context, op string, kind hosterr.Kind) error {
	if err := m.coord.StopDatabase(ctx); err != nil {
		return hosterr.New(kind, op, fmt.Errorf("stop database: %w", err))
	}
	if !m.coord.DatabaseStopped() {
		return hosterr.Errorf(kind, op, "database did not reach stopped state")
	}
	return nil
}

// recoverStop restarts the stack after a stop that failed part way. It
// reports false when the database is still up or the restart failed, which
// leaves the host needing a restart.
func (m *Manager) recoverStop(ctx context.Context, op string) bool {
	if !m.coord.DatabaseStopped() {
		return false
	}
	return m.restart(ctx, op) == nil
}

func (m *Manager) restart(ctx context.Context, op string) error {
	if err := m.coord.Restart(ctx); err != nil {
		m.log.Error("Restart after backup operation failed", logger.String("operation", op), logger.Error(err))
		return hosterr.New(hosterr.StartupFailure, op, err)
	}
	return nil
}

// Create snapshots the data path into backups/<name>. The database is
// stopped for the copy and the stack restarted afterwards.
func (m *Manager) Create(ctx context.Context) (rec Record, err error) {
	const op = "backup.create"
	if err := m.acquire(op); err != nil {
		return Record{}, err
	}
	defer m.gate.Release(1)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op)
	defer func() {
		m.observe("create", start, err)
		telemetry.EndSpan(span, err)
	}()

	if err := m.requireManagedData(op); err != nil {
		return Record{}, err
	}
	if err := m.stopDatabase(ctx, op, hosterr.BackupIOFailure); err != nil {
		return Record{NeedsRestart: !m.recoverStop(ctx, op)}, err
	}

	rec, copyErr := m.snapshot(op)
	if restartErr := m.restart(ctx, op); restartErr != nil {
		rec.NeedsRestart = true
		if copyErr == nil {
			return rec, restartErr
		}
	}
	if copyErr != nil {
		return Record{NeedsRestart: rec.NeedsRestart}, copyErr
	}
	return rec, nil
}

func (m *Manager) snapshot(op string) (Record, error) {
	created := m.now().UTC()
	name := uniqueName(created, func(n string) bool { return fileExists(m.recordPath(n)) })
	staging := filepath.Join(m.layout.Backups, stagingTag+name)

	if err := copyTree(m.layout.Database, staging); err != nil {
		os.RemoveAll(staging)
		m.log.Error("Backup copy failed", logger.String("backup", name), logger.Error(err))
		return Record{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	stats, err := treeStats(staging)
	if err != nil {
		os.RemoveAll(staging)
		return Record{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	dir := m.recordPath(name)
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		return Record{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}

	entry := catalog.Entry{
		Name:      name,
		CreatedAt: created,
		SizeBytes: stats.SizeBytes,
		Files:     stats.Files,
		Digest:    stats.Digest,
		Origin:    catalog.OriginCreated,
	}
	m.putEntry(entry)
	metrics.BackupBytes.Set(float64(stats.SizeBytes))

	m.log.Info("Backup created",
		logger.String("backup", name),
		logger.Int("files", stats.Files),
		logger.Int64("bytes", stats.SizeBytes))
	return recordFrom(dir, entry), nil
}

func (m *Manager) putEntry(e catalog.Entry) {
	if err := m.catalog.Put(e); err != nil {
		m.log.Warn("Failed to update backup catalog", logger.String("backup", e.Name), logger.Error(err))
	}
}

func recordFrom(dir string, e catalog.Entry) Record {
	return Record{
		Name:      e.Name,
		Path:      dir,
		CreatedAt: e.CreatedAt,
		SizeBytes: e.SizeBytes,
		Files:     e.Files,
		Digest:    e.Digest,
		Origin:    e.Origin,
	}
}

// List enumerates backups/, newest first. Catalog metadata is attached
// where present; directories without an entry are still listed.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	const op = "backup.list"
	entries, err := os.ReadDir(m.layout.Backups)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, hosterr.New(hosterr.BackupIOFailure, op, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validName(e.Name()) {
			continue
		}
		dir := m.recordPath(e.Name())
		rec := Record{Name: e.Name(), Path: dir}
		if ce, err := m.catalog.Get(e.Name()); err == nil {
			rec = recordFrom(dir, ce)
		} else if t, ok := parseName(e.Name()); ok {
			rec.CreatedAt = t
		} else if info, err := e.Info(); err == nil {
			rec.CreatedAt = info.ModTime().UTC()
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		if si, sj := nameSuffix(records[i].Name), nameSuffix(records[j].Name); si != sj {
			return si > sj
		}
		return records[i].Name > records[j].Name
	})
	return records, nil
}

// Restore replaces the data path with a copy of the named backup and
// restarts the stack. The source snapshot is never modified. When the data
// path cannot be cleared the error is RestoreConflict and the stack is left
// stopped.
func (m *Manager) Restore(ctx context.Context, name string) (res RestoreResult, err error) {
	const op = "backup.restore"
	if err := m.acquire(op); err != nil {
		return RestoreResult{}, err
	}
	defer m.gate.Release(1)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("backup", name))
	defer func() {
		m.observe("restore", start, err)
		telemetry.EndSpan(span, err)
	}()

	src, err := m.lookup(op, name)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := m.requireManagedData(op); err != nil {
		return RestoreResult{}, err
	}
	res = RestoreResult{Name: name}
	if err := m.stopDatabase(ctx, op, hosterr.RestoreConflict); err != nil {
		res.Restarted = m.recoverStop(ctx, op)
		res.NeedsRestart = !res.Restarted
		return res, err
	}

	if err := m.swapIn(op, src); err != nil {
		if hosterr.Is(err, hosterr.RestoreConflict) {
			res.NeedsRestart = true
			return res, err
		}
		// The data path is untouched; bring the stack back as it was.
		if rerr := m.restart(ctx, op); rerr == nil {
			res.Restarted = true
		} else {
			res.NeedsRestart = true
		}
		return res, err
	}

	m.log.Info("Backup restored", logger.String("backup", name))
	if err := m.restart(ctx, op); err != nil {
		res.NeedsRestart = true
		return res, err
	}
	res.Restarted = true
	return res, nil
}

// swapIn copies src next to the data path and swaps it into place.
func (m *Manager) swapIn(op, src string) error {
	staging := filepath.Join(filepath.Dir(m.layout.Database), "."+paths.DatabaseDir+"-restore-"+uuid.NewString()[:8])
	if err := copyTree(src, staging); err != nil {
		os.RemoveAll(staging)
		return hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	leftover, err := m.replace(m.layout.Database, staging)
	if err != nil {
		os.RemoveAll(staging)
		m.log.Error("Data path could not be cleared", logger.Error(err))
		return hosterr.New(hosterr.RestoreConflict, op, err)
	}
	if leftover != "" {
		m.log.Warn("Previous data could not be removed", logger.String("path", leftover))
	}
	return nil
}

// Export writes the named backup as a portable archive at a location chosen
// by the prompter.
func (m *Manager) Export(ctx context.Context, name string) (res ExportResult, err error) {
	const op = "backup.export"
	if err := m.acquire(op); err != nil {
		return ExportResult{}, err
	}
	defer m.gate.Release(1)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("backup", name))
	defer func() {
		m.observe("export", start, err)
		telemetry.EndSpan(span, err)
	}()

	src, err := m.lookup(op, name)
	if err != nil {
		return ExportResult{}, err
	}
	dst, err := m.prompter.SaveArchive(ctx, name+ArchiveExt)
	if err != nil {
		return ExportResult{}, promptError(op, err)
	}

	stats, err := treeStats(src)
	if err != nil {
		return ExportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	created := time.Time{}
	if e, err := m.catalog.Get(name); err == nil {
		created = e.CreatedAt
		if e.Digest != "" && e.Digest != stats.Digest {
			m.log.Warn("Exporting backup whose content differs from its catalog digest", logger.String("backup", name))
		}
	} else if t, ok := parseName(name); ok {
		created = t
	}

	manifest := Manifest{Name: name, CreatedAt: created, Files: stats.Files, SizeBytes: stats.SizeBytes, Digest: stats.Digest}
	partial := dst + ".partial"
	if err := writeArchive(partial, src, manifest); err != nil {
		return ExportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return ExportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}

	m.log.Info("Backup exported", logger.String("backup", name), logger.String("archive", dst))
	return ExportResult{Path: dst}, nil
}

// Import unpacks an archive chosen by the prompter into a new backup record
// and schedules it to replace the data path at the next boot. The running
// database is never swapped underneath itself.
func (m *Manager) Import(ctx context.Context, hint string) (res ImportResult, err error) {
	const op = "backup.import"
	if err := m.acquire(op); err != nil {
		return ImportResult{}, err
	}
	defer m.gate.Release(1)

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op)
	defer func() {
		m.observe("import", start, err)
		telemetry.EndSpan(span, err)
	}()

	archive, err := m.prompter.OpenArchive(ctx, hint)
	if err != nil {
		return ImportResult{}, promptError(op, err)
	}

	staging := filepath.Join(m.layout.Backups, stagingTag+uuid.NewString()[:8])
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ImportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	defer os.RemoveAll(staging)

	manifest, err := extractArchive(archive, staging)
	if err != nil {
		kind := hosterr.BackupIOFailure
		if errors.Is(err, ErrUnsafeArchive) {
			kind = hosterr.InvalidArgument
		}
		m.log.Warn("Archive rejected", logger.String("archive", filepath.Base(archive)), logger.Error(err))
		return ImportResult{}, hosterr.New(kind, op, err)
	}

	data := filepath.Join(staging, archiveDataDir)
	if !dirExists(data) {
		return ImportResult{}, hosterr.Errorf(hosterr.InvalidArgument, op, "archive has no %s/ directory", archiveDataDir)
	}
	stats, err := treeStats(data)
	if err != nil {
		return ImportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}
	if manifest != nil && manifest.Digest != "" && manifest.Digest != stats.Digest {
		return ImportResult{}, hosterr.Errorf(hosterr.BackupIOFailure, op, "archive content does not match its manifest digest")
	}

	created := m.now().UTC()
	name := uniqueName(created, func(n string) bool { return fileExists(m.recordPath(n)) })
	dir := m.recordPath(name)
	if err := os.Rename(data, dir); err != nil {
		return ImportResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}

	entry := catalog.Entry{
		Name:      name,
		CreatedAt: created,
		SizeBytes: stats.SizeBytes,
		Files:     stats.Files,
		Digest:    stats.Digest,
		Origin:    catalog.OriginImported,
		Source:    filepath.Base(archive),
	}
	m.putEntry(entry)
	res.Record = recordFrom(dir, entry)

	if m.coord.ManagesData() {
		if err := m.writePending(name); err != nil {
			return res, hosterr.New(hosterr.BackupIOFailure, op, err)
		}
		res.NeedsRestart = true
	}

	m.log.Info("Backup imported",
		logger.String("backup", name),
		logger.String("archive", filepath.Base(archive)),
		logger.Bool("needs_restart", res.NeedsRestart))
	return res, nil
}

type pendingRestore struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m *Manager) pendingPath() string {
	return filepath.Join(m.layout.State, pendingFile)
}

func (m *Manager) writePending(name string) error {
	data, err := json.Marshal(pendingRestore{Name: name, CreatedAt: m.now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.layout.State, 0o755); err != nil {
		return err
	}
	tmp := m.pendingPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.pendingPath())
}

// Pending returns the backup scheduled to replace the data path at the next
// boot, or "".
func (m *Manager) Pending() string {
	data, err := os.ReadFile(m.pendingPath())
	if err != nil {
		return ""
	}
	var p pendingRestore
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return p.Name
}

// ApplyPending performs a scheduled import restore. It must be called during
// boot, before the database starts. The schedule is cleared whether or not
// the swap succeeds so a bad import cannot block every boot.
func (m *Manager) ApplyPending(ctx context.Context) (string, error) {
	const op = "backup.apply_pending"
	name := m.Pending()
	if name == "" {
		os.Remove(m.pendingPath())
		return "", nil
	}
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return "", hosterr.New(hosterr.Cancelled, op, err)
	}
	defer m.gate.Release(1)
	defer os.Remove(m.pendingPath())

	if !m.coord.DatabaseStopped() {
		return "", hosterr.Errorf(hosterr.RestoreConflict, op, "database is running")
	}
	src, err := m.lookup(op, name)
	if err != nil {
		return "", err
	}
	if err := m.swapIn(op, src); err != nil {
		return "", err
	}
	m.log.Info("Imported backup applied to data path", logger.String("backup", name))
	return name, nil
}

// Verify recomputes the digest of a backup and compares it with the catalog.
// A backup without a catalog entry is adopted with its current digest.
func (m *Manager) Verify(ctx context.Context, name string) (res VerifyResult, err error) {
	const op = "backup.verify"
	start := time.Now()
	_, span := telemetry.StartSpan(ctx, op, attribute.String("backup", name))
	defer func() {
		m.observe("verify", start, err)
		telemetry.EndSpan(span, err)
	}()

	dir, err := m.lookup(op, name)
	if err != nil {
		return VerifyResult{}, err
	}
	stats, err := treeStats(dir)
	if err != nil {
		return VerifyResult{}, hosterr.New(hosterr.BackupIOFailure, op, err)
	}

	res = VerifyResult{Name: name, Digest: stats.Digest}
	entry, err := m.catalog.Get(name)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		created, ok := parseName(name)
		if !ok {
			created = m.now().UTC()
		}
		entry = catalog.Entry{Name: name, CreatedAt: created, Origin: catalog.OriginCreated}
		res.OK = true
	case err != nil:
		return VerifyResult{}, hosterr.New(hosterr.Internal, op, err)
	default:
		res.Expected = entry.Digest
		res.OK = entry.Digest == "" || entry.Digest == stats.Digest
	}

	if res.OK {
		entry.Digest = stats.Digest
		entry.Files = stats.Files
		entry.SizeBytes = stats.SizeBytes
		entry.VerifiedAt = m.now().UTC()
		m.putEntry(entry)
	} else {
		m.log.Warn("Backup failed verification", logger.String("backup", name))
	}
	return res, nil
}

func promptError(op string, err error) error {
	switch {
	case errors.Is(err, ErrPromptCancelled), errors.Is(err, context.Canceled):
		return hosterr.New(hosterr.Cancelled, op, err)
	case errors.Is(err, ErrInvalidName):
		return hosterr.New(hosterr.InvalidArgument, op, err)
	case errors.Is(err, ErrNotFound):
		return hosterr.New(hosterr.NotFound, op, errors.New("no archive found"))
	default:
		return hosterr.New(hosterr.BackupIOFailure, op, err)
	}
}

// RequiresRestart reports whether a failed create left the stack down.
func (r Record) RequiresRestart() bool { return r.NeedsRestart }

// RequiresRestart reports whether the stack was left down.
func (r RestoreResult) RequiresRestart() bool { return r.NeedsRestart }

// RequiresRestart reports whether the import takes effect at the next boot.
func (r ImportResult) RequiresRestart() bool { return r.NeedsRestart }
