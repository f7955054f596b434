// Package server supervises the application server child process.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
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

const component = "server"

// Environment passed through from the host in addition to the contract
// variables. Anything else is withheld from the child.
var passthroughEnv = []string{"PATH", "HOME", "USERPROFILE", "SYSTEMROOT", "TEMP", "TMP", "TMPDIR", "LANG"}

// Config describes how to launch the server.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Port    int
	// URIEnv names the variable that carries the database endpoint.
	URIEnv      string
	StopTimeout time.Duration
	// ReadyTimeout bounds the background readiness probe. Zero disables it.
	ReadyTimeout time.Duration
	// HealthPath, when set, makes the probe an HTTP GET instead of a TCP
	// connect.
	HealthPath string
}

// Launch carries the per-start inputs.
type Launch struct {
	// External is true in development: the server is managed outside the
	// host and Start spawns nothing.
	External    bool
	DatabaseURI string
	UploadDir   string
	RunMode     string
}

// Status reports the server as seen by the host.
type Status struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	Managed bool   `json:"managed"`
	Ready   bool   `json:"ready,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Exit    string `json:"exit,omitempty"`
}

// Supervisor owns at most one server process.
type Supervisor struct {
	cfg     Config
	spawner procs.Spawner
	checker healthcheck.Checker
	log     logger.Logger

	opMu sync.Mutex

	mu       sync.Mutex
	handle   procs.Handle
	managed  bool
	stopping bool
	ready    bool
	exit     *procs.ExitStatus
}

// New returns an idle supervisor.
func New(cfg Config, spawner procs.Spawner, log logger.Logger) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.URIEnv == "" {
		cfg.URIEnv = "MONGODB_URI"
	}
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		log:     log.WithComponent(component),
	}
}

// Env builds the complete child environment for launch.
func (s *Supervisor) Env(l Launch) []string {
	env := make([]string, 0, len(passthroughEnv)+4)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env,
		"PORT="+strconv.Itoa(s.cfg.Port),
		s.cfg.URIEnv+"="+l.DatabaseURI,
		"UPLOAD_DIR="+l.UploadDir,
		"NODE_ENV="+l.RunMode,
	)
}

// Start spawns the server unless it is externally managed or already
// running. A missing entry script yields a NotFound error and no process.
func (s *Supervisor) Start(ctx context.Context, l Launch) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if l.External {
		s.mu.Lock()
		s.managed = false
		s.mu.Unlock()
		s.log.Info("Server is externally managed", logger.Int("port", s.cfg.Port))
		return nil
	}

	s.mu.Lock()
	if s.handle != nil {
		if _, exited := s.handle.Exited(); !exited {
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "server.start", attribute.Int("port", s.cfg.Port))
	err := s.start(ctx, l)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Supervisor) start(ctx context.Context, l Launch) error {
	if entry := s.entry(); entry != "" {
		if _, err := os.Stat(entry); err != nil {
			s.log.Error("Server entry not found", logger.String("entry", entry))
			return hosterr.New(hosterr.NotFound, "server.start", fmt.Errorf("server entry not found: %s", entry))
		}
	}

	spec := procs.Spec{
		Name:   component,
		Path:   s.cfg.Command,
		Args:   s.cfg.Args,
		Env:    s.Env(l),
		Dir:    s.cfg.WorkDir,
		Output: logger.LineSink(s.log, component),
	}

	h, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, "server.start", err)
	}

	s.mu.Lock()
	s.handle = h
	s.managed = true
	s.stopping = false
	s.ready = false
	s.exit = nil
	s.mu.Unlock()
	h.OnExit(func(st procs.ExitStatus) { s.handleExit(h, st) })

	s.log.Info("Server process started",
		logger.Int("pid", h.PID()),
		logger.Int("port", s.cfg.Port),
		logger.String("workdir", s.cfg.WorkDir))
	metrics.SetState(component, []string{"running", "exited", "stopped"}, "running")

	if s.cfg.ReadyTimeout > 0 {
		go s.watchReady(h)
	}
	return nil
}

// entry returns the script the server command runs, resolved against the
// working directory, or "" when the first argument is not a file path.
func (s *Supervisor) entry() string {
	if len(s.cfg.Args) == 0 || strings.HasPrefix(s.cfg.Args[0], "-") {
		return ""
	}
	e := s.cfg.Args[0]
	if !filepath.IsAbs(e) && s.cfg.WorkDir != "" {
		e = filepath.Join(s.cfg.WorkDir, e)
	}
	return e
}

func (s *Supervisor) watchReady(h procs.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	defer cancel()
	begin := time.Now()
	addr := "127.0.0.1:" + strconv.Itoa(s.cfg.Port)
	check := &healthcheck.Check{Name: component, TCP: addr, Timeout: time.Second}
	if s.cfg.HealthPath != "" {
		check = &healthcheck.Check{Name: component, HTTP: "http://" + addr + "/" + strings.TrimPrefix(s.cfg.HealthPath, "/"), Timeout: time.Second}
	}
	checker := s.checker
	if checker == nil {
		checker = healthcheck.For(check)
	}
	err := healthcheck.WaitReady(ctx, checker, check, 250*time.Millisecond, h.Done())
	if err != nil {
		if !errors.Is(err, healthcheck.ErrAborted) {
			s.log.Warn("Server not accepting connections", logger.Error(err))
		}
		return
	}

	s.mu.Lock()
	if s.handle == h {
		s.ready = true
	}
	s.mu.Unlock()
	metrics.StartupDuration.WithLabelValues(component).Observe(time.Since(begin).Seconds())
	s.log.Info("Server accepting connections", logger.Int("port", s.cfg.Port))
}

func (s *Supervisor) handleExit(h procs.Handle, st procs.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return
	}
	s.ready = false

	if s.stopping {
		metrics.ProcessExitsTotal.WithLabelValues(component, "true").Inc()
		return
	}
	s.exit = &st
	metrics.ProcessExitsTotal.WithLabelValues(component, "false").Inc()
	metrics.SetState(component, []string{"running", "exited", "stopped"}, "exited")
	s.log.Error("Server exited unexpectedly",
		logger.Int("code", st.Code),
		logger.String("signal", st.Signal),
		logger.String("kind", string(hosterr.ProcessCrash)))
}

// Stop terminates the server within the configured timeout, killing it if
// needed. It never blocks past roughly twice the timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	_, span := telemetry.StartSpan(ctx, "server.stop")
	st, graceful, err := procs.Stop(ctx, h, s.cfg.StopTimeout)
	telemetry.EndSpan(span, err)

	if err != nil {
		s.log.Error("Server did not stop", logger.Error(err), logger.Int("pid", h.PID()))
		return hosterr.New(hosterr.Internal, "server.stop", err)
	}
	if !graceful {
		s.log.Warn("Server killed after stop timeout", logger.Duration("timeout", s.cfg.StopTimeout))
	}

	s.mu.Lock()
	s.handle = nil
	s.ready = false
	s.mu.Unlock()
	metrics.SetState(component, []string{"running", "exited", "stopped"}, "stopped")
	s.log.Info("Server stopped", logger.String("exit", st.String()))
	return nil
}

// Status reports running iff a process handle exists and has not exited.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Port: s.cfg.Port, Managed: s.managed, Ready: s.ready}
	if s.handle != nil {
		if _, exited := s.handle.Exited(); !exited {
			st.Running = true
			st.PID = s.handle.PID()
		}
	}
	if s.exit != nil && !st.Running {
		st.Exit = s.exit.String()
	}
	return st
}
