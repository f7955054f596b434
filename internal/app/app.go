package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/auth"
	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/bridge"
	"github.com/neogan74/poshost/internal/catalog"
	"github.com/neogan74/poshost/internal/config"
	"github.com/neogan74/poshost/internal/database"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/lock"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/media"
	"github.com/neogan74/poshost/internal/metrics"
	"github.com/neogan74/poshost/internal/paths"
	"github.com/neogan74/poshost/internal/procs"
	"github.com/neogan74/poshost/internal/telemetry"
	"github.com/neogan74/poshost/internal/ui"
)

const shutdownTimeout = 15 * time.Second

// Option customizes a Builder.
type Option func(*Builder)

// WithSpawner replaces the process spawner used for every child.
func WithSpawner(sp procs.Spawner) Option {
	return func(b *Builder) { b.spawner = sp }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l logger.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithDatabaseOptions passes options to every database supervisor.
func WithDatabaseOptions(opts ...database.Option) Option {
	return func(b *Builder) { b.dbOpts = append(b.dbOpts, opts...) }
}

// Builder wires host dependencies.
type Builder struct {
	cfg     *config.Config
	logger  logger.Logger
	spawner procs.Spawner
	dbOpts  []database.Option

	layout   paths.Layout
	lock     *lock.InstanceLock
	catalog  catalog.Store
	stack    *Stack
	backups  *backup.Manager
	audit    *audit.Manager
	sessions *auth.SessionService
	bridge   *bridge.Server
	ui       *ui.Launcher
	closers  []func()
}

// NewBuilder creates a new application builder.
func NewBuilder(cfg *config.Config, opts ...Option) *Builder {
	b := &Builder{cfg: cfg, spawner: procs.ExecSpawner{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the host. Nothing is spawned yet; Run starts the
// children. A second host on the same data root fails here with a
// LockConflict error.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initLogger()
	b.recordStartupMetrics()
	b.initTracing(ctx)

	steps := []func() error{
		b.initLayout,
		b.initLock,
		b.initCatalog,
		b.initStack,
		b.initAudit,
		b.initSessions,
		b.initBridge,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanupOnError()
			return nil, err
		}
	}
	b.initUI()

	return &App{
		cfg:     b.cfg,
		logger:  b.logger,
		layout:  b.layout,
		stack:   b.stack,
		backups: b.backups,
		bridge:  b.bridge,
		ui:      b.ui,
		closers: b.closers,
	}, nil
}

func (b *Builder) initLogger() {
	if b.logger == nil {
		b.logger = logger.New(b.cfg.Log.Level, b.cfg.Log.Format)
	}
	logger.SetDefault(b.logger)
}

func (b *Builder) recordStartupMetrics() {
	metrics.BuildInfo.WithLabelValues(b.cfg.Host.Version, runtime.Version(), b.cfg.Host.Mode).Set(1)

	b.logger.Info("Starting POS host",
		logger.String("version", b.cfg.Host.Version),
		logger.String("mode", b.cfg.Host.Mode),
		logger.String("data_root", b.cfg.Host.DataRoot),
		logger.String("storage", b.cfg.Database.Storage),
		logger.String("log_level", b.cfg.Log.Level),
		logger.String("log_format", b.cfg.Log.Format),
	)
}

func (b *Builder) initTracing(ctx context.Context) {
	t := b.cfg.Tracing
	provider, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        t.Enabled,
		Endpoint:       t.Endpoint,
		Insecure:       t.InsecureConn,
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		RunMode:        b.cfg.Host.Mode,
		SamplingRatio:  t.SamplingRatio,
	})
	if err != nil {
		b.logger.Error("Tracing disabled", logger.Error(err))
		return
	}
	if !provider.Active() {
		return
	}

	b.logger.Info("Exporting traces", logger.String("endpoint", t.Endpoint))
	b.addCloser(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Failed to flush traces", logger.Error(err))
		}
	})
}

func (b *Builder) initLayout() error {
	layout, err := paths.EnsureLayout(b.cfg.Host.DataRoot)
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, "host.layout", err)
	}
	b.layout = layout
	b.logger.Info("Data root ready", logger.String("root", layout.Root))
	return nil
}

func (b *Builder) initLock() error {
	l := lock.New(b.layout.State, "host")
	if err := l.Acquire(); err != nil {
		var held *lock.ErrLockHeld
		if errors.As(err, &held) {
			return hosterr.New(hosterr.LockConflict, "host.lock", err)
		}
		return hosterr.New(hosterr.StartupFailure, "host.lock", err)
	}
	b.lock = l
	b.addCloser(func() {
		if err := l.Release(); err != nil {
			b.logger.Error("Failed to release instance lock", logger.Error(err))
		}
	})
	return nil
}

func (b *Builder) initCatalog() error {
	store, err := catalog.Open(catalog.Config{
		Type:    "badger",
		DataDir: b.layout.StatePath("catalog"),
	}, b.logger)
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, "host.catalog", err)
	}
	b.catalog = store
	b.addCloser(func() {
		if err := store.Close(); err != nil {
			b.logger.Error("Failed to close backup catalog", logger.Error(err))
		}
	})
	return nil
}

func (b *Builder) initStack() error {
	if wd := b.cfg.Server.WorkDir; wd != "" && !filepath.IsAbs(wd) {
		b.cfg.Server.WorkDir = resolveBesideExecutable(wd)
	}
	b.stack = NewStack(b.cfg, b.layout, b.spawner, b.logger, b.dbOpts...)

	layout := b.layout
	if b.cfg.Backup.ExportDir != "" {
		layout.Exports = b.cfg.Backup.ExportDir
	}
	b.backups = backup.NewManager(layout, b.catalog, b.stack, b.logger)
	return nil
}

func (b *Builder) initAudit() error {
	cfg := audit.Config{
		Enabled:    b.cfg.Audit.Enabled,
		Sink:       b.cfg.Audit.Sink,
		FilePath:   b.cfg.Audit.FilePath,
		BufferSize: b.cfg.Audit.BufferSize,
		DropPolicy: audit.DropPolicy(b.cfg.Audit.DropPolicy),
	}
	if cfg.Sink == "file" && cfg.FilePath == "" {
		cfg.FilePath = b.layout.StatePath("audit.log")
	}
	mgr, err := audit.NewManager(cfg, b.logger)
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, "host.audit", err)
	}
	b.audit = mgr
	b.addCloser(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Failed to flush audit log", logger.Error(err))
		}
	})
	return nil
}

func (b *Builder) initSessions() error {
	sessions, err := auth.NewSessionService(b.cfg.Bridge.TokenTTL, "poshost")
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, "host.sessions", err)
	}
	b.sessions = sessions
	return nil
}

func (b *Builder) initBridge() error {
	tokenFile := b.cfg.Bridge.TokenFile
	if tokenFile == "" {
		tokenFile = b.layout.StatePath("bridge.json")
	}

	commands := bridge.Commands(bridge.Deps{
		Backups:  b.backups,
		Server:   b.stack,
		Receipts: bridge.NewReceiptSpool(b.layout.StatePath("receipts"), b.logger),
		DataPath: b.layout.Root,
		Version:  b.cfg.Host.Version,
		Mode:     b.cfg.Host.Mode,
	})

	b.bridge = bridge.New(bridge.Config{
		Host:           b.cfg.Bridge.Host,
		Port:           b.cfg.Bridge.Port,
		TokenFile:      tokenFile,
		RequestsPerSec: b.cfg.Bridge.RequestsPerSec,
		Burst:          b.cfg.Bridge.Burst,
		Metrics:        b.cfg.Metrics.Enabled,
		Version:        b.cfg.Host.Version,
	}, commands, b.sessions, b.audit, media.NewGateway(b.layout.Uploads, b.logger), b.logger)
	return nil
}

func (b *Builder) initUI() {
	b.ui = ui.New(ui.Config{
		Command:     b.cfg.UI.Command,
		Args:        b.cfg.UI.Args,
		StopTimeout: b.cfg.Server.StopTimeout,
	}, b.spawner, b.logger)
}

func (b *Builder) addCloser(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *Builder) cleanupOnError() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// resolveBesideExecutable anchors a relative directory next to the host
// binary, falling back to the working directory.
func resolveBesideExecutable(dir string) string {
	exe, err := os.Executable()
	if err != nil {
		abs, _ := filepath.Abs(dir)
		return abs
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), dir)
}

// App is a configured host ready to run.
type App struct {
	cfg     *config.Config
	logger  logger.Logger
	layout  paths.Layout
	stack   *Stack
	backups *backup.Manager
	bridge  *bridge.Server
	ui      *ui.Launcher
	closers []func()
}

// Run starts the database, the application server, the bridge and the UI,
// then blocks until ctx is cancelled, a termination signal arrives or the
// UI exits. A database startup failure is returned after cleanup.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if name, err := a.backups.ApplyPending(ctx); err != nil {
		a.logger.Error("Failed to apply pending import", logger.Error(err))
	} else if name != "" {
		a.logger.Info("Applied pending import", logger.String("backup", name))
	}

	if err := a.stack.Start(ctx); err != nil {
		a.logger.Error("Database failed to start", logger.Error(err))
		a.shutdown()
		return fmt.Errorf("start database: %w", err)
	}

	if err := a.bridge.Start(ctx); err != nil {
		a.logger.Error("Failed to start capability bridge", logger.Error(err))
		a.shutdown()
		return err
	}

	if err := a.ui.Start(ctx, ui.Session{BridgeURL: a.bridge.URL(), Token: a.bridge.UIToken()}); err != nil {
		a.logger.Error("Failed to start UI", logger.Error(err))
		a.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown requested")
	case <-a.ui.Exited():
		a.logger.Info("UI closed; shutting down")
	}

	a.shutdown()
	a.logger.Info("Host exited gracefully")
	return nil
}

// shutdown stops everything in reverse start order. Every step runs even
// when an earlier one fails.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.ui.Stop(ctx); err != nil {
		a.logger.Error("Failed to stop UI", logger.Error(err))
	}
	if err := a.bridge.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to stop capability bridge", logger.Error(err))
	}
	if err := a.stack.Stop(ctx); err != nil {
		a.logger.Error("Failed to stop database", logger.Error(err))
	}
	a.runClosers()
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Stack exposes the supervised services.
func (a *App) Stack() *Stack { return a.stack }

// Backups exposes the backup manager.
func (a *App) Backups() *backup.Manager { return a.backups }

// Layout returns the resolved data root layout.
func (a *App) Layout() paths.Layout { return a.layout }
