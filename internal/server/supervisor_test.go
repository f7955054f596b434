package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/procs"
	"github.com/neogan74/poshost/internal/procs/procstest"
)

func backendDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("// server"), 0o644))
	return dir
}

func testConfig(workDir string) Config {
	return Config{
		Command:     "node",
		Args:        []string{"app.js"},
		WorkDir:     workDir,
		Port:        3000,
		URIEnv:      "MONGODB_URI",
		StopTimeout: 50 * time.Millisecond,
	}
}

func testLaunch() Launch {
	return Launch{
		DatabaseURI: "mongodb://127.0.0.1:27018/pos-db",
		UploadDir:   "/data/uploads",
		RunMode:     "production",
	}
}

func TestStartInjectsEnvironment(t *testing.T) {
	t.Setenv("POSHOST_BRIDGE_TOKEN", "secret-should-not-leak")
	spawner := &procstest.Spawner{}
	dir := backendDir(t)
	s := New(testConfig(dir), spawner, logger.Nop())

	require.NoError(t, s.Start(context.Background(), testLaunch()))

	h := spawner.Last()
	require.NotNil(t, h)
	assert.Equal(t, "node", h.Spec.Path)
	assert.Equal(t, []string{"app.js"}, h.Spec.Args)
	assert.Equal(t, dir, h.Spec.Dir)

	for key, want := range map[string]string{
		"PORT":        "3000",
		"MONGODB_URI": "mongodb://127.0.0.1:27018/pos-db",
		"UPLOAD_DIR":  "/data/uploads",
		"NODE_ENV":    "production",
	} {
		got, ok := h.Env(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, leaked := h.Env("POSHOST_BRIDGE_TOKEN")
	assert.False(t, leaked)

	st := s.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Managed)
	assert.Equal(t, 3000, st.Port)
	assert.Equal(t, h.PID(), st.PID)
}

func TestCustomURIVariable(t *testing.T) {
	spawner := &procstest.Spawner{}
	cfg := testConfig(backendDir(t))
	cfg.URIEnv = "DATABASE_URL"
	s := New(cfg, spawner, logger.Nop())

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	got, ok := spawner.Last().Env("DATABASE_URL")
	assert.True(t, ok)
	assert.Equal(t, "mongodb://127.0.0.1:27018/pos-db", got)
}

func TestStartExternalIsNoop(t *testing.T) {
	spawner := &procstest.Spawner{}
	s := New(testConfig(""), spawner, logger.Nop())

	l := testLaunch()
	l.External = true
	require.NoError(t, s.Start(context.Background(), l))
	assert.Empty(t, spawner.Handles())

	st := s.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Managed)
	assert.Equal(t, 3000, st.Port)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartMissingEntry(t *testing.T) {
	spawner := &procstest.Spawner{}
	s := New(testConfig(t.TempDir()), spawner, logger.Nop())

	err := s.Start(context.Background(), testLaunch())
	require.Error(t, err)
	assert.Equal(t, hosterr.NotFound, hosterr.KindOf(err))
	assert.Empty(t, spawner.Handles())
	assert.False(t, s.Status().Running)
}

func TestStartSpawnFailure(t *testing.T) {
	spawner := &procstest.Spawner{Fail: errors.New("node: not found")}
	s := New(testConfig(backendDir(t)), spawner, logger.Nop())

	err := s.Start(context.Background(), testLaunch())
	assert.Equal(t, hosterr.StartupFailure, hosterr.KindOf(err))
}

func TestStartTwiceKeepsOneProcess(t *testing.T) {
	spawner := &procstest.Spawner{}
	s := New(testConfig(backendDir(t)), spawner, logger.Nop())

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	require.NoError(t, s.Start(context.Background(), testLaunch()))
	assert.Len(t, spawner.Handles(), 1)
}

func TestOutputForwardedByStream(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	spawner := &procstest.Spawner{}
	s := New(testConfig(backendDir(t)), spawner, logger.FromZap(zap.New(core)))

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	h := spawner.Last()
	h.Emit(procs.Stdout, "Server running on port 3000")
	h.Emit(procs.Stderr, "MongoServerSelectionError")

	out := logs.FilterMessage("Server running on port 3000").All()
	require.Len(t, out, 1)
	assert.Equal(t, "stdout", out[0].ContextMap()["stream"])
	assert.Equal(t, zapcore.InfoLevel, out[0].Level)

	errs := logs.FilterMessage("MongoServerSelectionError").All()
	require.Len(t, errs, 1)
	assert.Equal(t, "stderr", errs[0].ContextMap()["stream"])
	assert.Equal(t, zapcore.WarnLevel, errs[0].Level)
}

func TestUnexpectedExitIsReportedNotRestarted(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	spawner := &procstest.Spawner{}
	s := New(testConfig(backendDir(t)), spawner, logger.FromZap(zap.New(core)))

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	spawner.Last().Exit(procs.ExitStatus{Code: 1})

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "exit code 1", st.Exit)
	assert.Len(t, spawner.Handles(), 1, "no auto restart")

	crash := logs.FilterMessage("Server exited unexpectedly").All()
	require.Len(t, crash, 1)
	assert.Equal(t, int64(1), crash[0].ContextMap()["code"])

	// An explicit start after a crash launches a new process.
	require.NoError(t, s.Start(context.Background(), testLaunch()))
	assert.Len(t, spawner.Handles(), 2)
	assert.True(t, s.Status().Running)
}

func TestStopGracefulAndIdempotent(t *testing.T) {
	spawner := &procstest.Spawner{}
	s := New(testConfig(backendDir(t)), spawner, logger.Nop())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background(), testLaunch()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, 1, spawner.Last().Terminated())
	assert.Equal(t, 0, spawner.Last().Killed())
	assert.False(t, s.Status().Running)
	assert.Empty(t, s.Status().Exit)
}

func TestPlannedStopIsNotReportedAsExit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	spawner := &procstest.Spawner{}
	s := New(testConfig(backendDir(t)), spawner, logger.FromZap(zap.New(core)))

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	require.NoError(t, s.Stop(context.Background()))

	st := s.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Exit)
	assert.Empty(t, logs.FilterMessage("Server exited unexpectedly").All())
}

func TestStopIsBounded(t *testing.T) {
	spawner := &procstest.Spawner{IgnoreTerminate: true}
	s := New(testConfig(backendDir(t)), spawner, logger.Nop())
	require.NoError(t, s.Start(context.Background(), testLaunch()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, spawner.Last().Killed())
}

func TestReadinessProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := testConfig(backendDir(t))
	cfg.Port = listener.Addr().(*net.TCPAddr).Port
	cfg.ReadyTimeout = 2 * time.Second
	s := New(cfg, &procstest.Spawner{}, logger.Nop())

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	assert.Eventually(t, func() bool { return s.Status().Ready }, 2*time.Second, 10*time.Millisecond)
}

func TestReadinessProbeOverHTTP(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := testConfig(backendDir(t))
	cfg.Port = ts.Listener.Addr().(*net.TCPAddr).Port
	cfg.ReadyTimeout = 2 * time.Second
	cfg.HealthPath = "/health"
	s := New(cfg, &procstest.Spawner{}, logger.Nop())

	require.NoError(t, s.Start(context.Background(), testLaunch()))
	assert.Eventually(t, func() bool { return s.Status().Ready }, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, hits.Load())
}
