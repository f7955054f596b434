package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAborted is returned by WaitReady when the abort channel closes first.
var ErrAborted = errors.New("readiness wait aborted")

// WaitReady polls check every interval until it passes, ctx ends, or abort
// closes (typically the probed process exiting). The last failing output is
// included in the returned error.
func WaitReady(ctx context.Context, checker Checker, check *Check, interval time.Duration, abort <-chan struct{}) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		status, output, _ := checker.Check(ctx, check)
		if status == StatusPassing {
			return nil
		}
		last = output

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready: %w (last: %s)", check.Name, ctx.Err(), last)
		case <-abort:
			return fmt.Errorf("%s: %w (last: %s)", check.Name, ErrAborted, last)
		case <-ticker.C:
		}
	}
}
