// Package procstest provides an in-memory procs.Spawner for supervisor tests.
package procstest

import (
	"context"
	"strings"
	"sync"

	"github.com/neogan74/poshost/internal/procs"
)

// Spawner records every Spec it is asked to launch and returns fake handles.
type Spawner struct {
	// Fail, when set, is returned by Spawn instead of a handle.
	Fail error
	// IgnoreTerminate makes new handles ignore Terminate so only Kill
	// ends them.
	IgnoreTerminate bool
	// OnSpawn runs after a handle is created, before Spawn returns.
	OnSpawn func(h *Handle)

	mu      sync.Mutex
	nextPID int
	handles []*Handle
}

func (s *Spawner) Spawn(ctx context.Context, spec procs.Spec) (procs.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Fail != nil {
		return nil, s.Fail
	}

	s.mu.Lock()
	s.nextPID++
	h := &Handle{
		Spec:            spec,
		pid:             1000 + s.nextPID,
		ignoreTerminate: s.IgnoreTerminate,
		done:            make(chan struct{}),
	}
	s.handles = append(s.handles, h)
	hook := s.OnSpawn
	s.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return h, nil
}

// Handles returns every handle spawned so far.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Last returns the most recent handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// Live counts handles that have not exited.
func (s *Spawner) Live() int {
	n := 0
	for _, h := range s.Handles() {
		if _, exited := h.Exited(); !exited {
			n++
		}
	}
	return n
}

// Handle is a fake process.
type Handle struct {
	Spec procs.Spec

	pid             int
	ignoreTerminate bool
	done            chan struct{}

	mu         sync.Mutex
	terminated int
	killed     int
	status     procs.ExitStatus
	exited     bool
	waiters    []func(procs.ExitStatus)
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) OnExit(cb func(procs.ExitStatus)) {
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

func (h *Handle) Terminate() error {
	h.mu.Lock()
	h.terminated++
	ignore := h.ignoreTerminate
	h.mu.Unlock()
	if !ignore {
		h.Exit(procs.ExitStatus{Signal: "terminated", Code: -1})
	}
	return nil
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed++
	h.mu.Unlock()
	h.Exit(procs.ExitStatus{Signal: "killed", Code: -1})
	return nil
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() (procs.ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

// Exit ends the fake process with st. Later calls are ignored.
func (h *Handle) Exit(st procs.ExitStatus) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
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

// Emit delivers a line of output as if the process wrote it.
func (h *Handle) Emit(stream, line string) {
	if h.Spec.Output != nil {
		h.Spec.Output(stream, line)
	}
}

// Terminated returns how many times Terminate was called.
func (h *Handle) Terminated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Killed returns how many times Kill was called.
func (h *Handle) Killed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Env looks up key in the spawned environment.
func (h *Handle) Env(key string) (string, bool) {
	for _, kv := range h.Spec.Env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}
