package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neogan74/poshost/internal/logger"
)

func TestDisabledManagerAcceptsEverything(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)
	assert.False(t, mgr.Enabled())

	id, err := mgr.Record(context.Background(), &Event{Operation: "backup.create"})
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mgr.Shutdown(context.Background()))

	var nilMgr *Manager
	_, err = nilMgr.Record(context.Background(), nil)
	assert.NoError(t, err)
}

func TestUnknownSink(t *testing.T) {
	_, err := NewManager(Config{Enabled: true, Sink: "syslog"}, logger.Nop())
	assert.ErrorContains(t, err, "syslog")
}

func TestFileSinkWritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "audit.log")
	mgr, err := NewManager(Config{
		Enabled:       true,
		Sink:          "file",
		FilePath:      path,
		BufferSize:    8,
		FlushInterval: 5 * time.Millisecond,
		DropPolicy:    DropPolicyBlock,
	}, logger.Nop())
	require.NoError(t, err)

	id, err := mgr.Record(context.Background(), &Event{
		Operation: "backup.create",
		Result:    ResultSuccess,
		Actor:     Actor{Type: "ui", TokenID: "tok"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "backup.create", got.Operation)
	assert.Equal(t, "tok", got.Actor.TokenID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFileSinkAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := Config{Enabled: true, Sink: "file", FilePath: path, DropPolicy: DropPolicyBlock}

	for i := 0; i < 2; i++ {
		mgr, err := NewManager(cfg, logger.Nop())
		require.NoError(t, err)
		_, err = mgr.Record(context.Background(), &Event{Operation: "host.info", Result: ResultSuccess})
		require.NoError(t, err)
		require.NoError(t, mgr.Shutdown(context.Background()))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(*Event) error {
	<-w.release
	return nil
}
func (w *blockingWriter) Flush() error                { return nil }
func (w *blockingWriter) Close(context.Context) error { return nil }

func TestDropPolicyWhenQueueFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	mgr := NewManagerWithWriter(Config{Enabled: true, BufferSize: 1, DropPolicy: DropPolicyDrop}, w, logger.Nop())

	var dropped bool
	for i := 0; i < 5 && !dropped; i++ {
		_, err := mgr.Record(context.Background(), &Event{Operation: "server.status"})
		dropped = errors.Is(err, ErrBufferFull)
	}
	close(w.release)
	assert.True(t, dropped, "a full queue should drop events")
	assert.NoError(t, mgr.Shutdown(context.Background()))
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	mgr := NewManagerWithWriter(Config{Enabled: true, BufferSize: 1, DropPolicy: DropPolicyBlock}, w, logger.Nop())
	t.Cleanup(func() {
		close(w.release)
		_ = mgr.Shutdown(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = mgr.Record(ctx, &Event{Operation: "backup.list"})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecordAfterShutdown(t *testing.T) {
	mgr, err := NewManager(Config{
		Enabled:  true,
		Sink:     "file",
		FilePath: filepath.Join(t.TempDir(), "audit.log"),
	}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, mgr.Shutdown(context.Background()))
	require.NoError(t, mgr.Shutdown(context.Background()))

	_, err = mgr.Record(context.Background(), &Event{Operation: "backup.list"})
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = mgr.Record(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilEvent)
}
