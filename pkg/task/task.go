// Package task runs one long job at a time off the caller's goroutine and
// reports its start and end, so a UI can lock itself while work runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// Hooks are called around the job. OnDone always runs, also when the job
// panics.
type Hooks struct {
	OnStart func()
	OnDone  func(err error)
}

// Handle tracks a started job.
type Handle struct {
	done chan struct{}
	err  error
}

// Start calls hooks.OnStart, then runs fn on a new goroutine. When fn
// returns or panics, hooks.OnDone receives its error.
func Start(ctx context.Context, fn func(ctx context.Context) error, hooks Hooks) *Handle {
	h := &Handle{done: make(chan struct{})}
	if hooks.OnStart != nil {
		hooks.OnStart()
	}
	go func() {
		defer close(h.done)
		h.err = run(ctx, fn)
		if hooks.OnDone != nil {
			hooks.OnDone(h.err)
		}
	}()
	return h
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Wait blocks until the job and its OnDone hook finish and returns the job
// error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed when the job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Runner allows a single job at a time.
type Runner struct {
	mu      sync.Mutex
	current *Handle
}

// ErrBusy is returned by Runner.Start while a job is running.
var ErrBusy = errors.New("a task is already running")

// Start starts fn unless another job started by r is still running.
func (r *Runner) Start(ctx context.Context, fn func(ctx context.Context) error, hooks Hooks) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		select {
		case <-r.current.done:
		default:
			return nil, ErrBusy
		}
	}
	r.current = Start(ctx, fn, hooks)
	return r.current, nil
}

// Busy reports whether a job is running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	select {
	case <-r.current.done:
		return false
	default:
		return true
	}
}
