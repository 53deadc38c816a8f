// Package supervisor races a fixed set of long-running tasks: the first one
// to finish, for any reason, shuts the whole group down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ExitError names the task whose completion ended the group. Err is nil when
// that task returned cleanly.
type ExitError struct {
	Task string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("supervisor: task %s finished", e.Task)
	}
	return fmt.Sprintf("supervisor: task %s: %v", e.Task, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

type task struct {
	name string
	fn   func(ctx context.Context) error
}

type Supervisor struct {
	logger *slog.Logger

	mu       sync.Mutex
	tasks    []task
	hooks    []func()
	cancel   context.CancelFunc
	shutdown bool
	once     sync.Once
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// Go registers a task. Tasks start when Run is called.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task{name: name, fn: fn})
	s.mu.Unlock()
}

// OnShutdown registers a hook run once, in registration order, before the
// remaining tasks are cancelled.
func (s *Supervisor) OnShutdown(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Run starts every task and blocks until all of them have returned. The
// first task to finish triggers Shutdown; its outcome is returned.
func (s *Supervisor) Run(ctx context.Context) *ExitError {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	tasks := append([]task(nil), s.tasks...)
	already := s.shutdown
	s.mu.Unlock()
	if already {
		cancel()
	}

	var (
		firstMu sync.Mutex
		first   *ExitError
	)
	for _, t := range tasks {
		g.Go(func() error {
			err := s.runTask(gctx, t)
			exit := &ExitError{Task: t.name, Err: err}

			firstMu.Lock()
			isFirst := first == nil
			if isFirst {
				first = exit
			}
			firstMu.Unlock()
			if isFirst {
				s.logger.Info("supervisor: task finished; shutting down", "task", t.name, "err", err)
			} else {
				s.logger.Debug("supervisor: task stopped", "task", t.name, "err", err)
			}

			s.Shutdown()
			// Always non-nil so the group context is cancelled too.
			return exit
		})
	}
	_ = g.Wait()

	if first == nil {
		return &ExitError{Task: "", Err: ctx.Err()}
	}
	return first
}

func (s *Supervisor) runTask(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor: task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}

// Shutdown runs the shutdown hooks and cancels every task. It is safe to
// call more than once and from several goroutines.
func (s *Supervisor) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		hooks := append([]func(){}, s.hooks...)
		s.mu.Unlock()

		for _, h := range hooks {
			h()
		}

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
