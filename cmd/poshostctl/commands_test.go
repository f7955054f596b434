package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neogan74/poshost/internal/bridge"
)

// fakeHost answers invocations with canned envelopes and records the
// arguments it received.
type fakeHost struct {
	replies map[string]fiber.Map
	args    map[string]json.RawMessage
	token   string
}

func newFakeHost(t *testing.T) (*fakeHost, string) {
	t.Helper()
	h := &fakeHost{replies: map[string]fiber.Map{}, args: map[string]json.RawMessage{}, token: "secret"}

	app := fiber.New()
	app.Get("/operations", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"operations": []string{"backup.create", "host.info"}})
	})
	app.Post("/invoke/:op", func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) != "Bearer "+h.token {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "code": "unauthorized", "error": "missing token"})
		}
		op := c.Params("op")
		h.args[op] = append(json.RawMessage(nil), c.Body()...)
		reply, ok := h.replies[op]
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "code": "unknown_operation", "error": op})
		}
		return c.JSON(reply)
	})

	ts := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(ts.Close)
	return h, ts.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cli := &CLI{Output: &out, Error: &errOut, NewClient: defaultClient}
	root := newRootCmd(cli)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeToken(t *testing.T, url, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "bridge.json")
	require.NoError(t, bridge.WriteTokenFile(path, bridge.TokenFile{URL: url, Token: token, PID: 1, ExpiresAt: time.Now().Add(time.Hour)}))
	return path
}

func TestBackupCreateUsesTokenFile(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["backup.create"] = fiber.Map{"success": true, "data": fiber.Map{"name": "backup-20240309T140506.000Z", "files": 3, "sizeBytes": 42}}
	tokenFile := writeToken(t, url, host.token)

	out, err := run(t, "--token-file", tokenFile, "backup", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "Created backup backup-20240309T140506.000Z (3 files, 42 bytes)")
}

func TestTokenFileFromDataRoot(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["data.path"] = fiber.Map{"success": true, "data": fiber.Map{"path": "/srv/pos"}}

	root := t.TempDir()
	require.NoError(t, bridge.WriteTokenFile(filepath.Join(root, "state", "bridge.json"), bridge.TokenFile{URL: url, Token: host.token}))

	out, err := run(t, "--data-root", root, "data-path")
	require.NoError(t, err)
	assert.Equal(t, "/srv/pos\n", out)
}

func TestNoRunningHost(t *testing.T) {
	_, err := run(t, "--data-root", t.TempDir(), "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running host found")
}

func TestRestoreSendsNameAndReportsFailure(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["backup.restore"] = fiber.Map{"success": false, "code": "restore_conflict", "error": "data path in use", "needsRestart": true}

	out, err := run(t, "--url", url, "--token", host.token, "backup", "restore", "backup-1")
	require.Error(t, err)

	var inv *bridge.InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "restore_conflict", inv.Code)
	assert.JSONEq(t, `{"name":"backup-1"}`, string(host.args["backup.restore"]))
	assert.Contains(t, out, "Restart the POS host")
}

func TestImportReportsPendingRestart(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["backup.import"] = fiber.Map{
		"success":      true,
		"needsRestart": true,
		"data":         fiber.Map{"record": fiber.Map{"name": "backup-9"}, "needsRestart": true},
	}

	out, err := run(t, "--url", url, "--token", host.token, "backup", "import", "shop.tar.gz")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported backup backup-9")
	assert.Contains(t, out, "Restart the POS host")
	assert.JSONEq(t, `{"archive":"shop.tar.gz"}`, string(host.args["backup.import"]))
}

func TestVerifyCorruptFails(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["backup.verify"] = fiber.Map{"success": true, "data": fiber.Map{"name": "b", "ok": false, "digest": "aa", "expected": "bb"}}

	out, err := run(t, "--url", url, "--token", host.token, "backup", "verify", "b")
	assert.ErrorIs(t, err, errCorrupt)
	assert.Contains(t, out, "CORRUPT")
}

func TestListPrintsJSON(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["backup.list"] = fiber.Map{"success": true, "data": []fiber.Map{{"name": "backup-2", "path": "/b/backup-2", "createdAt": "2024-03-09T14:05:06Z"}}}

	out, err := run(t, "--url", url, "--token", host.token, "--json", "backup", "list")
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "backup-2", records[0]["name"])
}

func TestStatusAndOps(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["server.status"] = fiber.Map{"success": true, "data": fiber.Map{"running": true, "managed": true, "port": 3000, "pid": 77}}

	out, err := run(t, "--url", url, "--token", host.token, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running (pid 77, port 3000")

	out, err = run(t, "--url", url, "--token", host.token, "ops")
	require.NoError(t, err)
	assert.Equal(t, "backup.create\nhost.info\n", out)
}

func TestReceiptCommand(t *testing.T) {
	host, url := newFakeHost(t)
	host.replies["receipt.print"] = fiber.Map{"success": true, "data": fiber.Map{"jobId": "job-1", "spooled": "/x"}}

	file := filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"orderId":"A1","items":[{"name":"Tea","quantity":1,"price":2.5}],"total":2.5}`), 0o644))

	out, err := run(t, "--url", url, "--token", host.token, "receipt", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued print job job-1")

	var sent bridge.Receipt
	require.NoError(t, json.Unmarshal(host.args["receipt.print"], &sent))
	assert.Equal(t, "A1", sent.OrderID)
}

func TestArgumentValidation(t *testing.T) {
	_, err := run(t, "--url", "http://127.0.0.1:1", "--token", "x", "backup", "restore")
	require.Error(t, err)
}
