package audit

import "time"

// Result values recorded for an invocation.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Actor describes the bridge session that issued the invocation.
type Actor struct {
	Type    string `json:"type"` // ui, cli, anonymous
	TokenID string `json:"token_id,omitempty"`
}

// Event captures a single capability invocation.
type Event struct {
	ID         string            `json:"event_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Operation  string            `json:"operation"`
	Result     string            `json:"result"`
	Code       string            `json:"code,omitempty"`
	Actor      Actor             `json:"actor"`
	SourceIP   string            `json:"source_ip,omitempty"`
	DurationMS float64           `json:"duration_ms"`
	TraceID    string            `json:"trace_id,omitempty"`
	ArgsHash   string            `json:"args_hash,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
