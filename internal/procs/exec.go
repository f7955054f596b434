package procs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

const maxLineSize = 1024 * 1024

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

// Spawn starts spec. ctx only guards the start itself; the process outlives
// it and is stopped through the returned handle.
func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(&readers, stdout, Stdout, spec.Output)
	go pump(&readers, stderr, Stderr, spec.Output)

	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		h.finish(exitStatus(cmd.Wait()))
	}()

	return h, nil
}

func pump(wg *sync.WaitGroup, r io.Reader, stream string, out func(stream, line string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if out != nil {
			out(stream, scanner.Text())
		}
	}
	// Drain whatever the scanner gave up on (over-long line).
	_, _ = io.Copy(io.Discard, r)
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	status  ExitStatus
	exited  bool
	waiters []func(ExitStatus)
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) OnExit(cb func(ExitStatus)) {
	h.mu.Lock()
	if h.exited {
		st := h.status
		h.mu.Unlock()
		cb(st)
		return
	}
	h.waiters = append(h.waiters, cb)
	h.mu.Unlock()
}

func (h *execHandle) Terminate() error {
	if _, ok := h.Exited(); ok {
		return nil
	}
	return terminate(h.cmd.Process)
}

func (h *execHandle) Kill() error {
	if _, ok := h.Exited(); ok {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Exited() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

func (h *execHandle) finish(st ExitStatus) {
	h.mu.Lock()
	h.status = st
	h.exited = true
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	close(h.done)
	for _, cb := range waiters {
		cb(st)
	}
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st := ExitStatus{Code: exitErr.ExitCode()}
		if sig := signalName(exitErr.ProcessState); sig != "" {
			st.Signal = sig
		}
		return st
	}
	return ExitStatus{Code: -1, Err: err}
}
