package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/auth"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/media"
	"github.com/neogan74/poshost/internal/metrics"
	"github.com/neogan74/poshost/internal/middleware"
	"github.com/neogan74/poshost/internal/telemetry"
)

const (
	invokePrefix = "/invoke/"
	bodyLimit    = 1 << 20
)

// Config configures the bridge listener.
type Config struct {
	Host           string
	Port           int
	TokenFile      string
	RequestsPerSec float64
	Burst          int
	Metrics        bool
	Version        string
}

// Server serves the command table over loopback HTTP.
type Server struct {
	cfg      Config
	app      *fiber.App
	sessions *auth.SessionService
	limiter  *middleware.RateLimiter
	audit    *audit.Manager
	commands map[Operation]Handler
	log      logger.Logger

	mu      sync.Mutex
	url     string
	uiToken string
	done    chan error
	cancel  context.CancelFunc
}

// New assembles the bridge. gateway may be nil to disable /media.
func New(cfg Config, commands map[Operation]Handler, sessions *auth.SessionService, auditMgr *audit.Manager, gateway *media.Gateway, log logger.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		limiter:  middleware.NewRateLimiter(cfg.RequestsPerSec, cfg.Burst),
		audit:    auditMgr,
		commands: commands,
		log:      log.WithComponent("bridge"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "poshost",
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler:          s.errorHandler,
		// audit events and metric labels keep request strings.
		Immutable: true,
	})

	s.app.Use(recover.New())
	s.app.Use(middleware.RequestLogging(s.log, "/health", "/metrics"))
	s.app.Use(middleware.TracingMiddleware())
	s.app.Use(middleware.MetricsMiddleware())
	s.app.Use(middleware.BearerAuth(sessions, "/health", "/metrics"))
	s.app.Use(s.limiter.Handler())

	s.app.Get("/health", s.health)
	if cfg.Metrics {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}
	s.app.Get("/operations", s.operations)
	s.app.Post(invokePrefix+":op", s.invoke)
	if gateway != nil {
		gateway.Register(s.app, "/media")
	}
	return s
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address, issues the UI session token and
// writes the operator token file.
func (s *Server) Start(ctx context.Context) error {
	const op = "bridge.start"
	if err := ctx.Err(); err != nil {
		return hosterr.New(hosterr.Cancelled, op, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return hosterr.New(hosterr.StartupFailure, op, err)
	}
	url := "http://" + ln.Addr().String()

	uiToken, _, err := s.sessions.Issue(auth.ActorUI)
	if err != nil {
		ln.Close()
		return hosterr.New(hosterr.StartupFailure, op, err)
	}
	if s.cfg.TokenFile != "" {
		cliToken, claims, err := s.sessions.Issue(auth.ActorCLI)
		if err == nil {
			err = WriteTokenFile(s.cfg.TokenFile, TokenFile{
				URL:       url,
				Token:     cliToken,
				PID:       os.Getpid(),
				ExpiresAt: claims.ExpiresAt.Time,
			})
		}
		if err != nil {
			ln.Close()
			return hosterr.New(hosterr.StartupFailure, op, fmt.Errorf("write token file: %w", err))
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.limiter.StartCleanup(cleanupCtx, time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- s.app.Listener(ln)
	}()

	s.mu.Lock()
	s.url, s.uiToken, s.done, s.cancel = url, uiToken, done, cancel
	s.mu.Unlock()

	s.log.Info("Capability bridge listening",
		logger.String("url", url),
		logger.Int("operations", len(s.commands)))
	return nil
}

// URL returns the base URL once started.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// UIToken returns the session token handed to the UI process.
func (s *Server) UIToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uiToken
}

// Shutdown stops accepting invocations, waits for in-flight ones up to ctx
// and removes the token file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done, cancel := s.done, s.cancel
	s.done, s.cancel = nil, nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()

	err := s.app.ShutdownWithContext(ctx)
	if s.cfg.TokenFile != "" {
		if rerr := os.Remove(s.cfg.TokenFile); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			s.log.Warn("Failed to remove token file", logger.Error(rerr))
		}
	}
	select {
	case lerr := <-done:
		if err == nil {
			err = lerr
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("Capability bridge stopped")
	return err
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) operations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"operations": Names(s.commands)})
}

func (s *Server) invoke(c *fiber.Ctx) error {
	started := time.Now()
	op := Operation(utils.CopyString(c.Params("op")))
	handler, ok := s.commands[op]
	if !ok {
		return s.reply(c, "unknown", started, Result{
			Error: fmt.Sprintf("unknown operation %q", truncate(string(op), 64)),
			Code:  CodeUnknownOperation,
		})
	}

	args := append(json.RawMessage(nil), c.Body()...)
	ctx, span := telemetry.StartSpan(c.UserContext(), "bridge."+string(op))
	data, err := handler(ctx, args)
	telemetry.EndSpan(span, err)

	var res Result
	if err != nil {
		res = failure(err, data)
		middleware.GetLogger(c).Warn("Capability invocation failed",
			logger.String("operation", string(op)),
			logger.String("code", res.Code),
			logger.Error(err))
	} else {
		res = success(data)
	}
	return s.reply(c, string(op), started, res)
}

func (s *Server) reply(c *fiber.Ctx, op string, started time.Time, res Result) error {
	label := "ok"
	if !res.Success {
		label = res.Code
	}
	metrics.BridgeInvocationsTotal.WithLabelValues(op, label).Inc()

	out := audit.Outcome{
		Success: res.Success,
		Code:    res.Code,
		Denied:  res.Code == CodeUnauthorized || res.Code == CodeRateLimited,
	}
	if err := audit.RecordInvocation(c.UserContext(), s.audit, c, op, started, out); err != nil {
		s.log.Warn("Failed to record audit event", logger.String("operation", op), logger.Error(err))
	}

	status := fiber.StatusOK
	if !res.Success {
		status = httpStatus(res.Code)
	}
	return c.Status(status).JSON(res)
}

// errorHandler renders transport failures on /invoke as Results and
// everything else as middleware.ErrorResponse.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	if !strings.HasPrefix(c.Path(), invokePrefix) {
		return middleware.ErrorHandler(c, err)
	}

	res := Result{Error: "internal error", Code: string(hosterr.Internal)}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		res.Code = fiberCode(fe.Code)
		res.Error = fe.Message
	} else {
		middleware.GetLogger(c).Error("Capability invocation aborted", logger.Error(err))
	}

	op := strings.TrimPrefix(utils.CopyString(c.Path()), invokePrefix)
	if _, ok := s.commands[Operation(op)]; !ok {
		op = "unknown"
	}
	return s.reply(c, op, time.Now(), res)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// TokenFile is written for local operator tools.
type TokenFile struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WriteTokenFile atomically writes tf to path, readable by the owner only.
func WriteTokenFile(path string, tf TokenFile) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadTokenFile loads a token file written by a running host.
func ReadTokenFile(path string) (TokenFile, error) {
	var tf TokenFile
	data, err := os.ReadFile(path)
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("parse token file: %w", err)
	}
	if tf.URL == "" || tf.Token == "" {
		return tf, fmt.Errorf("token file %s is incomplete", path)
	}
	return tf, nil
}
