// Package task supervises the goroutines of a tunnel: one per device session,
// plus the discovery emulator of an operator session.
//
// A Manager derives a cancellable context from its parent. Every task receives
// that context, runs with panic protection, and reports its terminal error
// through a Handle instead of running forever inside a detached closure.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	h, _ := mgr.Go("discovery", func(ctx context.Context) error {
//	    _, err := emulator.Run(ctx)
//	    return err
//	})
//
//	// ... other operations ...
//
//	mgr.Stop()
//	mgr.Wait()
//	err := h.Err()
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ev3c/ev3tunnel/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task manager already stopped")

// ErrPanic wraps the value recovered from a panicking task.
var ErrPanic = errors.New("panic in task")

// Func is the body of a task. It should return when ctx is done.
type Func func(ctx context.Context) error

// Handle tracks one running task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the task name given to Go.
func (h *Handle) Name() string { return h.name }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err waits for the task to return and reports its terminal error.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Manager manages the lifecycle of tasks.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
	wg     sync.WaitGroup
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel
}

// NewManager creates a Manager using ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Go starts fn in a new goroutine.
func (mgr *Manager) Go(name string, fn Func) (*Handle, error) {
	mgr.mu.RLock()
	ctx := mgr.ctx
	if ctx.Err() != nil {
		mgr.mu.RUnlock()
		return nil, fmt.Errorf("start %s: %w", name, ErrStopped)
	}
	mgr.wg.Add(1)
	mgr.mu.RUnlock()

	h := &Handle{name: name, done: make(chan struct{})}
	mgr.count.Add(1)
	mgr.logger.Debug("start task", "name", name, "task_count", mgr.Count())

	go func() {
		defer mgr.wg.Done()
		defer close(h.done)
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.Count(), "error", h.err)
		}()

		h.err = mgr.callWithRecover(ctx, name, fn)
	}()

	return h, nil
}

// Stop cancels the context of all running tasks.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.cancel()
}

// Wait waits for all tasks to terminate. After Wait the Manager accepts
// new tasks again under a fresh context.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	if mgr.ctx.Err() != nil && mgr.pctx.Err() == nil {
		mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	}
	mgr.mu.Unlock()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) callWithRecover(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			err = fmt.Errorf("%w %s: %v", ErrPanic, name, r)
		}
	}()

	return fn(ctx)
}
