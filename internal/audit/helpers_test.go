package audit

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

func TestExtractActor(t *testing.T) {
	app := fiber.New()

	tests := []struct {
		name     string
		setup    func(*fiber.Ctx)
		expected Actor
	}{
		{
			name:     "anonymous",
			setup:    func(c *fiber.Ctx) {},
			expected: Actor{Type: "anonymous"},
		},
		{
			name: "ui_session",
			setup: func(c *fiber.Ctx) {
				c.Locals(LocalActorType, "ui")
				c.Locals(LocalTokenID, "tok-1")
			},
			expected: Actor{Type: "ui", TokenID: "tok-1"},
		},
		{
			name: "token_without_actor",
			setup: func(c *fiber.Ctx) {
				c.Locals(LocalTokenID, "tok-2")
			},
			expected: Actor{Type: "anonymous", TokenID: "tok-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := app.AcquireCtx(&fasthttp.RequestCtx{})
			defer app.ReleaseCtx(c)

			tt.setup(c)
			actor := ExtractActor(c)
			if actor != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, actor)
			}
		})
	}
}

func TestHashArgs(t *testing.T) {
	if got := HashArgs(nil); got != "" {
		t.Errorf("expected empty hash for empty body, got %q", got)
	}
	const want = "e43abcf3375244839c012f9633f95862d232a95b00d5bc7348b3098b9fed7f32"
	if got := HashArgs([]byte(`{"key":"value"}`)); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestOutcomeResult(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{Outcome{Success: true}, ResultSuccess},
		{Outcome{Code: "backup_io_failure"}, ResultFailure},
		{Outcome{Code: "unauthorized", Denied: true}, ResultDenied},
	}
	for _, tt := range tests {
		if got := tt.out.result(); got != tt.want {
			t.Errorf("%+v: expected %q, got %q", tt.out, tt.want, got)
		}
	}
}

func TestBuildEvent(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(LocalActorType, "cli")
		c.Locals(LocalTokenID, "tok-9")
		c.Locals(LocalTraceID, "trace-abc")
		return c.Next()
	})

	var event *Event
	app.Post("/invoke/:op", func(c *fiber.Ctx) error {
		started := time.Now().Add(-5 * time.Millisecond)
		event = BuildEvent(c, c.Params("op"), started, Outcome{Code: "restore_conflict"})
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("POST", "/invoke/backup.restore", strings.NewReader(`{"name":"x"}`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if event == nil {
		t.Fatal("handler did not run")
	}
	if event.Operation != "backup.restore" {
		t.Errorf("expected operation backup.restore, got %q", event.Operation)
	}
	if event.Result != ResultFailure || event.Code != "restore_conflict" {
		t.Errorf("unexpected result %q code %q", event.Result, event.Code)
	}
	if event.Actor.Type != "cli" || event.Actor.TokenID != "tok-9" {
		t.Errorf("unexpected actor %+v", event.Actor)
	}
	if event.TraceID != "trace-abc" {
		t.Errorf("expected trace id, got %q", event.TraceID)
	}
	if event.ArgsHash == "" {
		t.Error("expected args hash for non-empty body")
	}
	if event.DurationMS < 5 {
		t.Errorf("expected duration >= 5ms, got %v", event.DurationMS)
	}
}

func TestRecordInvocationDisabledManager(t *testing.T) {
	app := fiber.New()
	c := app.AcquireCtx(&fasthttp.RequestCtx{})
	defer app.ReleaseCtx(c)

	if err := RecordInvocation(context.Background(), nil, c, "host.info", time.Now(), Outcome{Success: true}); err != nil {
		t.Fatalf("nil manager should be a no-op, got %v", err)
	}
}

func TestRecordInvocationWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	mgr := NewManagerWithWriter(Config{Enabled: true, FlushInterval: time.Millisecond}, NewStreamWriter(&buf), nil)

	app := fiber.New()
	c := app.AcquireCtx(&fasthttp.RequestCtx{})
	if err := RecordInvocation(context.Background(), mgr, c, "data.path", time.Now(), Outcome{Success: true}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	app.ReleaseCtx(c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"operation":"data.path"`) {
		t.Fatalf("expected event in sink, got %s", buf.String())
	}
}
