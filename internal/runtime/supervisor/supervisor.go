// Package supervisor runs named goroutines under one cancelable context. It
// recovers panics, records per-name stats for the health endpoint and can
// restart failing loops with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "shopwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// cancelOnErr makes the first failure of a Go task stop everything.
	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	launched atomic.Uint64
	running  atomic.Int64

	statsMu sync.Mutex
	stats   map[string]*taskStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error or panic
// returned by a Go task.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		stats:  make(map[string]*taskStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every task to stop and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded, or nil.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
}

// spawn tracks a goroutine in the wait group and the running counters.
func (s *Supervisor) spawn(body func()) {
	s.launched.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		body()
	}()
}

// guard runs fn, converting a panic into an error. stack is set only on panic.
func guard(ctx context.Context, fn func(context.Context) error) (panicked any, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, stack = r, debug.Stack()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return nil, nil, fn(ctx)
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded and,
// with WithCancelOnError, cancels the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		began := s.noteStart(name, false)
		s.log.Debug("task started", logx.String("task", name))

		p, stack, err := guard(s.ctx, fn)
		if p != nil {
			s.notePanic(name, p)
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", p), logx.String("stack", string(stack)))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}
		s.noteStop(name, began, err)
		s.log.Debug("task stopped", logx.String("task", name))

		if err != nil {
			s.fail(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	})
}

// Go0 is Go for tasks that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
