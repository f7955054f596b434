package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/neogan74/poshost/internal/audit"
)

func TestRateLimiter_ExceedsBurst(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)

	app := fiber.New()
	app.Use(rl.Handler())
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("expected first request status 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/test", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Errorf("expected second request status 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "10" {
		t.Errorf("expected Retry-After 10, got %q", resp.Header.Get("Retry-After"))
	}
}

func TestRateLimiter_KeysByToken(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(audit.LocalTokenID, c.Get("X-Test-Token"))
		return c.Next()
	})
	app.Use(rl.Handler())
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	for _, token := range []string{"a", "b"} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Test-Token", token)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("token %s: expected 200, got %d", token, resp.StatusCode)
		}
	}
	if rl.Len() != 2 {
		t.Errorf("expected 2 tracked keys, got %d", rl.Len())
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	rl.getLimiter("old")
	rl.mu.Lock()
	rl.limiters["old"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()
	rl.getLimiter("fresh")

	rl.Cleanup(time.Minute)
	if rl.Len() != 1 {
		t.Fatalf("expected only fresh limiter to remain, got %d", rl.Len())
	}
}
