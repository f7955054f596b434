package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/neogan74/poshost/internal/metrics"
)

// MetricsMiddleware counts bridge requests per route pattern, so every
// /media/<file> or /invoke/<op> request lands on one series. Scrapes of
// /metrics are not counted.
func MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/metrics" {
			return c.Next()
		}

		metrics.HTTPRequestsInFlight.Inc()
		start := time.Now()
		err := c.Next()
		metrics.HTTPRequestsInFlight.Dec()

		route := c.Route().Path
		if route == "" || route == "/" {
			route = "unmatched"
		}
		method := utils.CopyString(c.Method())
		status := strconv.Itoa(responseStatus(c, err))
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
		return err
	}
}
