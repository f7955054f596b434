// Package ui launches the optional UI process and hands it the bridge
// session.
package ui

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/procs"
)

const component = "ui"

// Environment variables carrying the bridge session to the UI.
const (
	EnvBridgeURL   = "POSHOST_BRIDGE_URL"
	EnvBridgeToken = "POSHOST_BRIDGE_TOKEN"
	EnvPlatform    = "POSHOST_PLATFORM"
)

var passthroughEnv = []string{
	"PATH", "HOME", "USERPROFILE", "SYSTEMROOT", "TEMP", "TMP", "TMPDIR", "LANG",
	"DISPLAY", "WAYLAND_DISPLAY", "XDG_RUNTIME_DIR", "XAUTHORITY", "APPDATA", "LOCALAPPDATA",
}

// Config describes the UI command. An empty Command disables the launcher.
type Config struct {
	Command     string
	Args        []string
	WorkDir     string
	StopTimeout time.Duration
}

// Session is what the UI needs to reach the bridge.
type Session struct {
	BridgeURL string
	Token     string
}

// Launcher owns the UI process.
type Launcher struct {
	cfg     Config
	spawner procs.Spawner
	log     logger.Logger

	mu     sync.Mutex
	handle procs.Handle
	// closed when the UI exits on its own
	exited   chan struct{}
	stopping bool
}

// New returns a launcher. It does nothing until Start.
func New(cfg Config, spawner procs.Spawner, log logger.Logger) *Launcher {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Launcher{cfg: cfg, spawner: spawner, log: log.WithComponent(component), exited: make(chan struct{})}
}

// Enabled reports whether a UI command is configured.
func (l *Launcher) Enabled() bool {
	return l.cfg.Command != ""
}

// Env builds the UI environment for s.
func (l *Launcher) Env(s Session) []string {
	env := make([]string, 0, len(passthroughEnv)+3)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env,
		EnvBridgeURL+"="+s.BridgeURL,
		EnvBridgeToken+"="+s.Token,
		EnvPlatform+"="+runtime.GOOS,
	)
}

// Start spawns the UI. It is a no-op when disabled or already running.
func (l *Launcher) Start(ctx context.Context, s Session) error {
	if !l.Enabled() {
		l.log.Info("No UI command configured; running headless")
		return nil
	}

	l.mu.Lock()
	if l.handle != nil {
		l.mu.Unlock()
		return nil
	}

	h, err := l.spawner.Spawn(ctx, procs.Spec{
		Name:   component,
		Path:   l.cfg.Command,
		Args:   l.cfg.Args,
		Env:    l.Env(s),
		Dir:    l.cfg.WorkDir,
		Output: logger.LineSink(l.log, component),
	})
	if err != nil {
		l.mu.Unlock()
		return hosterr.New(hosterr.StartupFailure, "ui.start", err)
	}
	l.handle = h
	l.mu.Unlock()

	h.OnExit(func(st procs.ExitStatus) {
		l.mu.Lock()
		stopping := l.stopping
		l.mu.Unlock()
		if !stopping {
			l.log.Info("UI exited", logger.String("exit", st.String()))
			close(l.exited)
		}
	})
	l.log.Info("UI started", logger.Int("pid", h.PID()))
	return nil
}

// Exited is closed when the UI process exits without Stop being called.
func (l *Launcher) Exited() <-chan struct{} {
	return l.exited
}

// Stop terminates the UI if it is running.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	h := l.handle
	l.stopping = true
	l.mu.Unlock()
	if h == nil {
		return nil
	}

	if _, _, err := procs.Stop(ctx, h, l.cfg.StopTimeout); err != nil {
		l.log.Warn("UI did not stop", logger.Error(err))
		return hosterr.New(hosterr.Internal, "ui.stop", err)
	}
	return nil
}
