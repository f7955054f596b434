package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/neogan74/poshost/internal/metrics"
)

func TestMetricsMiddleware_LabelsByRoute(t *testing.T) {
	app := fiber.New()
	app.Use(MetricsMiddleware())
	app.Get("/media/*", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/media/*", "200")
	before := testutil.ToFloat64(counter)

	for _, p := range []string{"/media/a.png", "/media/b.png"} {
		resp, err := app.Test(httptest.NewRequest("GET", p, nil))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("expected 2 requests on route series, got %v", got)
	}
}

func TestMetricsMiddleware_FiberErrorStatus(t *testing.T) {
	app := fiber.New()
	app.Use(MetricsMiddleware())
	app.Post("/invoke/:op", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("POST", "/invoke/:op", "401")
	before := testutil.ToFloat64(counter)

	if _, err := app.Test(httptest.NewRequest("POST", "/invoke/host.info", nil)); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected 401 to be counted, got %v", got)
	}
}

func TestMetricsMiddleware_SkipsMetricsEndpoint(t *testing.T) {
	app := fiber.New()
	app.Use(MetricsMiddleware())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.SendString("# metrics")
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "200")
	before := testutil.ToFloat64(counter)
	if _, err := app.Test(httptest.NewRequest("GET", "/metrics", nil)); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := testutil.ToFloat64(counter); got != before {
		t.Errorf("expected /metrics not to be counted")
	}
}
