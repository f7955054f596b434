package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/telemetry"
)

// TracingMiddleware starts a server span per bridge request. The span is
// renamed after routing: invocations become "invoke <operation>", other
// requests "<METHOD> <route>". The trace id is published in locals for the
// audit trail and in the X-Trace-Id header.
func TracingMiddleware() fiber.Handler {
	propagator := otel.GetTextMapPropagator()

	return func(c *fiber.Ctx) error {
		// Spans are exported after the request buffers are reused.
		method, path := utils.CopyString(c.Method()), utils.CopyString(c.Path())
		ctx := propagator.Extract(c.UserContext(), headerCarrier{c})
		ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, method+" "+path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(method),
				semconv.HTTPTarget(path),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)
		if sc := span.SpanContext(); sc.HasTraceID() {
			c.Locals(audit.LocalTraceID, sc.TraceID().String())
			c.Set("X-Trace-Id", sc.TraceID().String())
		}

		err := c.Next()

		route := c.Route().Path
		if op := utils.CopyString(c.Params("op")); op != "" && strings.HasPrefix(route, "/invoke/") {
			span.SetName("invoke " + op)
			span.SetAttributes(attribute.String("bridge.operation", op))
		} else if route != "" && route != "/" {
			span.SetName(method + " " + route)
		}
		status := c.Response().StatusCode()
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPStatusCode(status))

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= fiber.StatusInternalServerError:
			span.SetStatus(codes.Error, StatusText(status))
		default:
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// headerCarrier exposes request headers for context propagation.
type headerCarrier struct{ c *fiber.Ctx }

func (h headerCarrier) Get(key string) string { return h.c.Get(key) }

func (h headerCarrier) Set(key, value string) { h.c.Set(key, value) }

func (h headerCarrier) Keys() []string {
	var keys []string
	h.c.Request().Header.VisitAll(func(k, _ []byte) {
		keys = append(keys, string(k))
	})
	return keys
}
