// Package database supervises the embedded database engine process.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/neogan74/poshost/internal/healthcheck"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/metrics"
	"github.com/neogan74/poshost/internal/procs"
	"github.com/neogan74/poshost/internal/telemetry"
)

const component = "database"

// Config describes how to run the engine.
type Config struct {
	Binary        string
	ExtraArgs     []string
	Host          string
	Port          int
	Name          string
	Storage       Storage
	DevURI        string
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	LockFiles     []string
	ReadyInterval time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State    string            `json:"state"`
	Endpoint *Endpoint         `json:"endpoint,omitempty"`
	PID      int               `json:"pid,omitempty"`
	DataPath string            `json:"dataPath,omitempty"`
	LastExit *procs.ExitStatus `json:"-"`
}

// Supervisor owns at most one engine instance.
type Supervisor struct {
	cfg     Config
	spawner procs.Spawner
	checker healthcheck.Checker
	log     logger.Logger

	// opMu serializes Start and Stop; mu guards the fields below it.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	endpoint Endpoint
	handle   procs.Handle
	dataPath string
	scratch  string
	lastExit *procs.ExitStatus
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithChecker replaces the readiness probe (default: TCP connect).
func WithChecker(c healthcheck.Checker) Option {
	return func(s *Supervisor) { s.checker = c }
}

// New returns a stopped supervisor.
func New(cfg Config, spawner procs.Spawner, log logger.Logger, opts ...Option) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Storage == "" {
		cfg.Storage = Persistent
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 200 * time.Millisecond
	}
	s := &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		checker: healthcheck.NewTCPChecker(),
		log:     log.WithComponent(component),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SetState(component, stateNames, s.state.String())
	return s
}

// Start brings the database up and returns its endpoint. In development
// mode the configured external endpoint is returned and nothing is spawned.
// Calling Start while running returns the live endpoint.
func (s *Supervisor) Start(ctx context.Context, mode Mode, dataPath string) (Endpoint, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateRunning:
		ep := s.endpoint
		s.mu.Unlock()
		return ep, nil
	case StateFailed:
		s.mu.Unlock()
		return Endpoint{}, hosterr.Errorf(hosterr.StartupFailure, "database.start", "supervisor is in failed state")
	}
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "database.start",
		attribute.String("mode", string(mode)),
		attribute.String("storage", string(s.cfg.Storage)))

	ep, err := s.start(ctx, mode, dataPath)
	telemetry.EndSpan(span, err)
	return ep, err
}

func (s *Supervisor) start(ctx context.Context, mode Mode, dataPath string) (Endpoint, error) {
	if mode == Development {
		ep := Endpoint{URI: s.cfg.DevURI, Managed: false}
		s.mu.Lock()
		s.endpoint = ep
		s.dataPath = ""
		s.setState(StateRunning)
		s.mu.Unlock()
		s.log.Info("Using external database", logger.String("uri", ep.URI))
		return ep, nil
	}

	begin := time.Now()
	s.mu.Lock()
	s.setState(StateStarting)
	s.mu.Unlock()

	enginePath, scratch, err := s.prepare(dataPath)
	if err != nil {
		return Endpoint{}, s.fail(err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	spec := procs.Spec{
		Name:   component,
		Path:   s.cfg.Binary,
		Args:   s.args(enginePath),
		Env:    os.Environ(),
		Output: logger.LineSink(s.log, component),
	}

	h, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		s.removeScratch(scratch)
		return Endpoint{}, s.fail(hosterr.New(hosterr.StartupFailure, "database.start", err))
	}

	s.mu.Lock()
	s.handle = h
	s.dataPath = enginePath
	s.scratch = scratch
	s.lastExit = nil
	s.mu.Unlock()
	h.OnExit(func(st procs.ExitStatus) { s.handleExit(h, st) })

	s.log.Info("Database process started",
		logger.Int("pid", h.PID()),
		logger.String("dbpath", enginePath),
		logger.String("storage", string(s.cfg.Storage)))

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	check := &healthcheck.Check{Name: component, TCP: addr, Timeout: time.Second}
	if err := healthcheck.WaitReady(readyCtx, s.checker, check, s.cfg.ReadyInterval, h.Done()); err != nil {
		if st, exited := h.Exited(); exited {
			err = fmt.Errorf("%w (engine exited: %s)", err, st)
		} else if _, _, stopErr := procs.Stop(context.Background(), h, s.cfg.StopTimeout); stopErr != nil {
			s.log.Error("Failed to stop unready database", logger.Error(stopErr))
		}
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
		s.removeScratch(scratch)
		kind := hosterr.StartupFailure
		if errors.Is(err, context.Canceled) {
			kind = hosterr.Cancelled
		}
		return Endpoint{}, s.fail(hosterr.New(kind, "database.start", err))
	}

	ep := Endpoint{
		URI:     fmt.Sprintf("mongodb://%s/%s", addr, s.cfg.Name),
		Host:    s.cfg.Host,
		Port:    s.cfg.Port,
		Managed: true,
	}

	s.mu.Lock()
	if st, exited := h.Exited(); exited {
		s.handle = nil
		s.mu.Unlock()
		s.removeScratch(scratch)
		return Endpoint{}, s.fail(hosterr.Errorf(hosterr.StartupFailure, "database.start", "engine exited during startup: %s", st))
	}
	s.endpoint = ep
	s.setState(StateRunning)
	s.mu.Unlock()

	took := time.Since(begin)
	metrics.StartupDuration.WithLabelValues(component).Observe(took.Seconds())
	s.log.Info("Database ready", logger.String("uri", ep.URI), logger.Duration("took", took))
	return ep, nil
}

// prepare returns the directory the engine should use. Persistent storage
// uses dataPath after stale lock recovery, ephemeral storage a fresh
// scratch directory.
func (s *Supervisor) prepare(dataPath string) (enginePath, scratch string, err error) {
	if s.cfg.Storage == Ephemeral {
		dir, err := os.MkdirTemp("", "poshost-db-*")
		if err != nil {
			return "", "", hosterr.New(hosterr.StartupFailure, "database.start", err)
		}
		return dir, dir, nil
	}

	if dataPath == "" {
		return "", "", hosterr.Errorf(hosterr.StartupFailure, "database.start", "data path is empty")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return "", "", hosterr.New(hosterr.StartupFailure, "database.start", err)
	}
	if err := s.recoverLocks(dataPath); err != nil {
		return "", "", err
	}
	return dataPath, "", nil
}

func (s *Supervisor) args(dbPath string) []string {
	engine := "wiredTiger"
	if s.cfg.Storage == Ephemeral {
		engine = "ephemeralForTest"
	}
	args := []string{
		"--dbpath", dbPath,
		"--port", strconv.Itoa(s.cfg.Port),
		"--bind_ip", s.cfg.Host,
		"--storageEngine", engine,
	}
	return append(args, s.cfg.ExtraArgs...)
}

func (s *Supervisor) fail(err error) error {
	s.mu.Lock()
	s.setState(StateFailed)
	s.mu.Unlock()
	s.log.Error("Database startup failed", logger.Error(err))
	return err
}

// handleExit observes every engine exit. Exits during Stop are expected;
// anything else after Running is a crash and leaves the supervisor Stopped.
func (s *Supervisor) handleExit(h procs.Handle, st procs.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return
	}
	s.lastExit = &st

	switch s.state {
	case StateStopping:
		metrics.ProcessExitsTotal.WithLabelValues(component, "true").Inc()
	case StateRunning:
		metrics.ProcessExitsTotal.WithLabelValues(component, "false").Inc()
		s.log.Error("Database exited unexpectedly",
			logger.String("exit", st.String()),
			logger.String("kind", string(hosterr.ProcessCrash)))
		s.handle = nil
		s.endpoint = Endpoint{}
		s.setState(StateStopped)
	case StateStarting:
		metrics.ProcessExitsTotal.WithLabelValues(component, "false").Inc()
		s.log.Warn("Database exited during startup", logger.String("exit", st.String()))
	}
}

// Stop shuts the engine down: graceful signal, bounded wait, then kill.
// Stopping a stopped supervisor is a no-op. An error means the process may
// still be alive and its data path must not be touched.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h := s.handle
	if h == nil {
		if s.state == StateRunning {
			s.endpoint = Endpoint{}
			s.setState(StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	s.setState(StateStopping)
	scratch := s.scratch
	s.mu.Unlock()

	_, span := telemetry.StartSpan(ctx, "database.stop")
	start := time.Now()
	st, graceful, err := procs.Stop(ctx, h, s.cfg.StopTimeout)
	telemetry.EndSpan(span, err)

	if err != nil {
		s.log.Error("Database did not stop", logger.Error(err), logger.Int("pid", h.PID()))
		s.mu.Lock()
		s.setState(StateRunning)
		s.mu.Unlock()
		return hosterr.New(hosterr.Internal, "database.stop", err)
	}
	if !graceful {
		s.log.Warn("Database killed after stop timeout", logger.Duration("timeout", s.cfg.StopTimeout))
	}

	s.mu.Lock()
	s.handle = nil
	s.endpoint = Endpoint{}
	s.scratch = ""
	s.setState(StateStopped)
	s.mu.Unlock()

	s.removeScratch(scratch)
	s.log.Info("Database stopped", logger.String("exit", st.String()), logger.Duration("took", time.Since(start)))
	return nil
}

func (s *Supervisor) removeScratch(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("Failed to remove ephemeral database directory", logger.String("path", dir), logger.Error(err))
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stopped reports whether the data path is free to touch.
func (s *Supervisor) Stopped() bool {
	st := s.State()
	return st == StateStopped || st == StateFailed
}

// Persistent reports whether engine files live under the data path.
func (s *Supervisor) Persistent() bool {
	return s.cfg.Storage == Persistent
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state.String(), DataPath: s.dataPath, LastExit: s.lastExit}
	if s.state == StateRunning {
		ep := s.endpoint
		st.Endpoint = &ep
	}
	if s.handle != nil {
		st.PID = s.handle.PID()
	}
	return st
}

// setState must be called with mu held.
func (s *Supervisor) setState(st State) {
	if s.state != st {
		s.log.Debug("Database state change", logger.String("from", s.state.String()), logger.String("to", st.String()))
	}
	s.state = st
	metrics.SetState(component, stateNames, st.String())
}
