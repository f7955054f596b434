package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// Locals keys set by the bridge authentication middleware.
const (
	LocalTokenID   = "bridge_token_id"
	LocalActorType = "bridge_actor"
	LocalTraceID   = "trace_id"
)

// Outcome is the result of one invocation as seen by the audit trail.
type Outcome struct {
	Success bool
	Code    string
	// Denied marks invocations rejected before dispatch (auth, rate limit).
	Denied bool
}

func (o Outcome) result() string {
	switch {
	case o.Denied:
		return ResultDenied
	case o.Success:
		return ResultSuccess
	default:
		return ResultFailure
	}
}

// ExtractActor reads the session identity placed on the context by the
// bridge authentication middleware.
func ExtractActor(c *fiber.Ctx) Actor {
	actor := Actor{Type: "anonymous"}
	if v, ok := c.Locals(LocalActorType).(string); ok && v != "" {
		actor.Type = v
	}
	if v, ok := c.Locals(LocalTokenID).(string); ok {
		actor.TokenID = v
	}
	return actor
}

// HashArgs returns the hex SHA-256 of the raw argument payload.
func HashArgs(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BuildEvent creates an invocation event from the request context. Strings
// taken from c are copied since the event is written after c is recycled.
func BuildEvent(c *fiber.Ctx, operation string, started time.Time, out Outcome) *Event {
	event := &Event{
		Timestamp:  started.UTC(),
		Operation:  utils.CopyString(operation),
		Result:     out.result(),
		Code:       out.Code,
		Actor:      ExtractActor(c),
		SourceIP:   utils.CopyString(c.IP()),
		DurationMS: float64(time.Since(started).Microseconds()) / 1000,
		ArgsHash:   HashArgs(c.Body()),
	}
	if tid, ok := c.Locals(LocalTraceID).(string); ok {
		event.TraceID = tid
	}
	return event
}

// RecordInvocation builds and records an event. It is a no-op when mgr is
// nil or disabled.
func RecordInvocation(ctx context.Context, mgr *Manager, c *fiber.Ctx, operation string, started time.Time, out Outcome) error {
	if !mgr.Enabled() {
		return nil
	}
	_, err := mgr.Record(ctx, BuildEvent(c, operation, started, out))
	return err
}
