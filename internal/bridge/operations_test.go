package bridge

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/server"
)

func testDeps(t *testing.T) (Deps, *fakeBackups) {
	t.Helper()
	b := &fakeBackups{}
	return Deps{
		Backups:  b,
		Server:   fixedStatus{Running: true, Port: 3000, Managed: true},
		Receipts: NewReceiptSpool(t.TempDir(), logger.Nop()),
		DataPath: "/data/pos-system",
		Version:  "1.2.3",
		Mode:     "production",
	}, b
}

func TestCommandsWhitelist(t *testing.T) {
	deps, _ := testDeps(t)
	assert.Equal(t, []string{
		"backup.create", "backup.export", "backup.import", "backup.list",
		"backup.restore", "backup.verify", "data.path", "host.info",
		"receipt.print", "server.status",
	}, Names(Commands(deps)))
}

func TestCommandsDispatch(t *testing.T) {
	deps, fake := testDeps(t)
	table := Commands(deps)
	ctx := context.Background()

	data, err := table[OpDataPath](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, PathData{Path: "/data/pos-system"}, data)

	data, err = table[OpServerStatus](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, server.Status{Running: true, Port: 3000, Managed: true}, data)

	data, err = table[OpHostInfo](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, HostInfo{Platform: runtime.GOOS, Arch: runtime.GOARCH, Version: "1.2.3", Mode: "production"}, data)

	data, err = table[OpBackupRestore](ctx, json.RawMessage(`{"name":"backup-1"}`))
	require.NoError(t, err)
	assert.Equal(t, backup.RestoreResult{Name: "backup-1", Restarted: true}, data)
	assert.Equal(t, []string{"backup-1"}, fake.restored)
}

func TestCommandsValidateArguments(t *testing.T) {
	deps, fake := testDeps(t)
	table := Commands(deps)
	ctx := context.Background()

	for _, raw := range []string{``, `{}`, `{"name":""}`, `{"name":"x","force":true}`, `{"name":"x"} {}`, `not json`} {
		_, err := table[OpBackupRestore](ctx, json.RawMessage(raw))
		assert.True(t, hosterr.Is(err, hosterr.InvalidArgument), raw)
	}
	assert.Empty(t, fake.restored)

	_, err := table[OpBackupImport](ctx, json.RawMessage(`{"archive":"x.tar.gz"}`))
	assert.NoError(t, err)
	_, err = table[OpBackupImport](ctx, nil)
	assert.NoError(t, err)
}
