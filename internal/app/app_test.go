package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neogan74/poshost/internal/bridge"
	"github.com/neogan74/poshost/internal/config"
	"github.com/neogan74/poshost/internal/database"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/procs"
	"github.com/neogan74/poshost/internal/procs/procstest"
)

func build(t *testing.T, cfg *config.Config, spawner procs.Spawner) (*App, error) {
	t.Helper()
	return NewBuilder(cfg,
		WithSpawner(spawner),
		WithLogger(logger.Nop()),
		WithDatabaseOptions(database.WithChecker(alwaysReady)),
	).Build(context.Background())
}

func runInBackground(t *testing.T, a *App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestBuildCreatesLayoutOnEmptyRoot(t *testing.T) {
	cfg := testConfig(t, config.ModeDevelopment)
	cfg.Host.DataRoot = filepath.Join(t.TempDir(), "fresh", "root")

	a, err := build(t, cfg, &procstest.Spawner{})
	require.NoError(t, err)
	defer a.runClosers()

	for _, dir := range a.Layout().Dirs() {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestBuildRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t, config.ModeDevelopment)

	first, err := build(t, cfg, &procstest.Spawner{})
	require.NoError(t, err)

	_, err = build(t, cfg, &procstest.Spawner{})
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.LockConflict))

	first.runClosers()
	again, err := build(t, cfg, &procstest.Spawner{})
	require.NoError(t, err)
	again.runClosers()
}

func TestRunServesBridgeUntilCancelled(t *testing.T) {
	cfg := testConfig(t, config.ModeDevelopment)
	a, err := build(t, cfg, &procstest.Spawner{})
	require.NoError(t, err)

	cancel, done := runInBackground(t, a)
	defer cancel()

	tokenFile := a.Layout().StatePath("bridge.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(tokenFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	client, err := bridge.NewClientFromTokenFile(tokenFile)
	require.NoError(t, err)

	var info bridge.HostInfo
	_, err = client.Call(context.Background(), bridge.OpHostInfo, nil, &info)
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, config.ModeDevelopment, info.Mode)

	var path bridge.PathData
	_, err = client.Call(context.Background(), bridge.OpDataPath, nil, &path)
	require.NoError(t, err)
	assert.Equal(t, a.Layout().Root, path.Path)

	// Backups need a host-managed database.
	_, err = client.Call(context.Background(), bridge.OpBackupCreate, nil, nil)
	var inv *bridge.InvocationError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, string(hosterr.InvalidArgument), inv.Code)

	cancel()
	require.NoError(t, waitRun(t, done))

	_, err = os.Stat(tokenFile)
	assert.True(t, os.IsNotExist(err))

	again, err := build(t, cfg, &procstest.Spawner{})
	require.NoError(t, err)
	again.runClosers()
}

func TestRunFailsWhenDatabaseCannotStart(t *testing.T) {
	cfg := testConfig(t, config.ModeProduction)
	spawner := &procstest.Spawner{Fail: errors.New("exec: mongod: not found")}
	a, err := build(t, cfg, spawner)
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.StartupFailure))

	_, statErr := os.Stat(a.Layout().StatePath("bridge.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunStopsWhenUIExits(t *testing.T) {
	cfg := testConfig(t, config.ModeProduction)
	cfg.UI.Command = "pos-ui"
	spawner := &procstest.Spawner{}
	a, err := build(t, cfg, spawner)
	require.NoError(t, err)

	_, done := runInBackground(t, a)

	var uiHandle *procstest.Handle
	require.Eventually(t, func() bool {
		for _, h := range spawner.Handles() {
			if h.Spec.Name == "ui" {
				uiHandle = h
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	url, ok := uiHandle.Env("POSHOST_BRIDGE_URL")
	assert.True(t, ok)
	assert.Contains(t, url, "http://127.0.0.1:")
	token, _ := uiHandle.Env("POSHOST_BRIDGE_TOKEN")
	assert.NotEmpty(t, token)

	uiHandle.Exit(procs.ExitStatus{Code: 0})
	require.NoError(t, waitRun(t, done))

	assert.True(t, a.Stack().DatabaseStopped())
	for _, h := range spawner.Handles() {
		_, exited := h.Exited()
		assert.True(t, exited, h.Spec.Name)
	}
}
