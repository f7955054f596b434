// Package healthcheck probes supervised services for readiness.
package healthcheck

import (
	"context"
	"time"
)

type Status string

const (
	StatusPassing  Status = "passing"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Check describes one probe. Exactly one of TCP or HTTP is set.
type Check struct {
	Name    string
	Timeout time.Duration

	// TCP specific
	TCP string

	// HTTP specific
	HTTP    string
	Method  string
	Headers map[string]string
}

type Checker interface {
	Check(ctx context.Context, check *Check) (Status, string, error)
}

// For picks the checker matching the populated field of check.
func For(check *Check) Checker {
	if check.HTTP != "" {
		return NewHTTPChecker()
	}
	return NewTCPChecker()
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, check *Check) (Status, string, error)

func (f CheckerFunc) Check(ctx context.Context, check *Check) (Status, string, error) {
	return f(ctx, check)
}
