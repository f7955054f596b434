// Package procs abstracts child process creation so supervisors can be
// driven by a fake in tests.
package procs

import (
	"context"
	"fmt"
	"time"
)

// Output stream names passed to Spec.Output.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Spec describes a process to launch.
type Spec struct {
	Name string
	Path string
	Args []string
	// Env is the complete environment of the child. Nothing is inherited
	// implicitly.
	Env []string
	Dir string
	// Output receives each line the child writes, tagged by stream.
	Output func(stream, line string)
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Success reports a zero exit code with no signal.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "signal: " + s.Signal
	case s.Err != nil && s.Code < 0:
		return "error: " + s.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Handle is a running (or exited) child process.
type Handle interface {
	PID() int
	// OnExit registers cb to run once the process has exited. If it already
	// has, cb runs immediately.
	OnExit(cb func(ExitStatus))
	// Terminate asks the process to exit gracefully.
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	// Exited returns the exit status once the process has ended.
	Exited() (ExitStatus, bool)
}

// Spawner launches processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// Stop terminates h and waits up to grace for it to exit, then kills it and
// waits up to grace again. It reports whether the process exited within the
// grace period, and the exit status if it exited at all.
func Stop(ctx context.Context, h Handle, grace time.Duration) (status ExitStatus, graceful bool, err error) {
	if st, ok := h.Exited(); ok {
		return st, true, nil
	}

	termErr := h.Terminate()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.Done():
		st, _ := h.Exited()
		return st, true, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if killErr := h.Kill(); killErr != nil {
		if termErr != nil {
			return ExitStatus{}, false, fmt.Errorf("terminate: %v; kill: %w", termErr, killErr)
		}
		return ExitStatus{}, false, fmt.Errorf("kill: %w", killErr)
	}

	timer.Reset(grace)
	select {
	case <-h.Done():
		st, _ := h.Exited()
		return st, false, nil
	case <-timer.C:
		return ExitStatus{}, false, fmt.Errorf("process %d did not exit after kill", h.PID())
	}
}
