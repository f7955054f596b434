package app

import (
	"context"
	"errors"
	"sync"

	"github.com/neogan74/poshost/internal/config"
	"github.com/neogan74/poshost/internal/database"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/paths"
	"github.com/neogan74/poshost/internal/procs"
	"github.com/neogan74/poshost/internal/server"
)

// Stack owns the database and application server supervisors and starts
// them in dependency order. A failed supervisor cannot be started again, so
// every Restart builds a fresh pair.
type Stack struct {
	cfg     *config.Config
	layout  paths.Layout
	spawner procs.Spawner
	log     logger.Logger
	dbOpts  []database.Option

	// opMu serializes Start, Restart and the stops.
	opMu sync.Mutex

	mu          sync.Mutex
	db          *database.Supervisor
	srv         *server.Supervisor
	endpoint    database.Endpoint
	closed      bool
	cancelStart context.CancelFunc
}

// NewStack returns a stack with idle supervisors.
func NewStack(cfg *config.Config, layout paths.Layout, spawner procs.Spawner, log logger.Logger, dbOpts ...database.Option) *Stack {
	s := &Stack{
		cfg:     cfg,
		layout:  layout,
		spawner: spawner,
		log:     log.WithComponent("stack"),
		dbOpts:  dbOpts,
	}
	s.db, s.srv = s.supervisors()
	return s
}

func (s *Stack) supervisors() (*database.Supervisor, *server.Supervisor) {
	db := database.New(database.Config{
		Binary:       s.cfg.Database.Binary,
		ExtraArgs:    s.cfg.Database.ExtraArgs,
		Host:         s.cfg.Database.Host,
		Port:         s.cfg.Database.Port,
		Name:         s.cfg.Database.Name,
		Storage:      database.Storage(s.cfg.Database.Storage),
		DevURI:       s.cfg.Database.DevURI,
		StartTimeout: s.cfg.Database.StartTimeout,
		StopTimeout:  s.cfg.Database.StopTimeout,
		LockFiles:    s.cfg.Database.LockFiles,
	}, s.spawner, s.log, s.dbOpts...)

	srv := server.New(server.Config{
		Command:      s.cfg.Server.Command,
		Args:         s.cfg.Server.Args,
		WorkDir:      s.cfg.Server.WorkDir,
		Port:         s.cfg.Server.Port,
		URIEnv:       s.cfg.Server.URIEnv,
		StopTimeout:  s.cfg.Server.StopTimeout,
		ReadyTimeout: s.cfg.Server.ReadyTimeout,
		HealthPath:   s.cfg.Server.HealthPath,
	}, s.spawner, s.log)
	return db, srv
}

func (s *Stack) current() (*database.Supervisor, *server.Supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db, s.srv
}

// Start brings up the database and then the server. A database failure is
// returned and nothing else is started. A server failure is logged and the
// host keeps running without it. Start fails with Cancelled once Stop has
// been called.
func (s *Stack) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx, "stack.start")
}

func (s *Stack) start(ctx context.Context, op string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return hosterr.Errorf(hosterr.Cancelled, op, "host is shutting down")
	}
	s.cancelStart = cancel
	db, srv := s.db, s.srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
	}()

	mode := database.Production
	if s.cfg.IsDevelopment() {
		mode = database.Development
	}
	ep, err := db.Start(ctx, mode, s.layout.Database)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()

	err = srv.Start(ctx, server.Launch{
		External:    s.cfg.IsDevelopment(),
		DatabaseURI: ep.URI,
		UploadDir:   s.layout.Uploads,
		RunMode:     s.cfg.Host.Mode,
	})
	switch {
	case err == nil:
	case hosterr.Is(err, hosterr.Cancelled) || errors.Is(err, context.Canceled):
		return err
	case hosterr.Is(err, hosterr.NotFound):
		s.log.Error("Application server entry is missing; continuing without it", logger.Error(err))
	default:
		s.log.Error("Application server failed to start; continuing without it", logger.Error(err))
	}
	return nil
}

// Stop is the host shutdown. It aborts a start in progress and stops the
// server and then the database. Later Start and Restart calls fail. The
// database is stopped even when the server does not stop cleanly.
func (s *Stack) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

// StopDatabase stops the stack for maintenance. Unlike Stop it leaves the
// stack free to Restart. An error with DatabaseStopped true means only the
// server failed to stop.
func (s *Stack) StopDatabase(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

func (s *Stack) stop(ctx context.Context) error {
	db, srv := s.current()
	srvErr := srv.Stop(ctx)
	if srvErr != nil {
		s.log.Error("Application server did not stop cleanly", logger.Error(srvErr))
	}
	if err := db.Stop(ctx); err != nil {
		return err
	}
	return srvErr
}

// DatabaseStopped reports whether the database files are free to touch.
func (s *Stack) DatabaseStopped() bool {
	db, _ := s.current()
	return db.Stopped()
}

// ManagesData reports whether the data path holds engine files owned by
// this host.
func (s *Stack) ManagesData() bool {
	db, _ := s.current()
	return !s.cfg.IsDevelopment() && db.Persistent()
}

// Restart replaces both supervisors and runs the startup sequence again.
// The previous pair must already be stopped.
func (s *Stack) Restart(ctx context.Context) error {
	const op = "stack.restart"
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return hosterr.Errorf(hosterr.Cancelled, op, "host is shutting down")
	case !s.db.Stopped():
		s.mu.Unlock()
		return hosterr.Errorf(hosterr.Busy, op, "database is still running")
	}
	s.db, s.srv = s.supervisors()
	s.endpoint = database.Endpoint{}
	s.mu.Unlock()

	s.log.Info("Restarting database and application server")
	return s.start(ctx, op)
}

// Status reports the application server.
func (s *Stack) Status() server.Status {
	_, srv := s.current()
	return srv.Status()
}

// Database reports the database supervisor.
func (s *Stack) Database() database.Status {
	db, _ := s.current()
	return db.Status()
}

// Endpoint returns the endpoint of the last successful database start.
func (s *Stack) Endpoint() database.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}
