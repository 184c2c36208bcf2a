// Package execctx runs the same operations under two calling conventions:
// a request-serving context that hands back futures and bounds how many
// calls are in flight, and a background-worker context that runs one task
// at a time. Callers pass the Scheduler explicitly; there is no ambient
// current context.
package execctx

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Scheduler is the handle that decides where and how many operations run.
type Scheduler struct {
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// NewServe returns a request-serving scheduler admitting up to maxInFlight
// concurrent operations.
func NewServe(maxInFlight int) *Scheduler {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(maxInFlight))}
}

// NewWorker returns a background scheduler that runs one task at a time.
func NewWorker() *Scheduler {
	return &Scheduler{sem: semaphore.NewWeighted(1)}
}

// Wait blocks until every operation started with Go has finished or ctx
// ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the calling goroutine once the scheduler admits it. This is
// the blocking convention.
func Do[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return zero, eris.Wrap(err, "execctx: acquire")
	}
	defer s.sem.Release(1)
	return run(ctx, fn)
}

// Go starts fn in the background and returns its Future. This is the
// non-blocking convention. Admission waits happen off the calling goroutine.
func Go[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(f.done)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			f.err = eris.Wrap(err, "execctx: acquire")
			return
		}
		defer s.sem.Release(1)
		f.val, f.err = run(ctx, fn)
	}()
	return f
}

func run[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("execctx: recovered panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = eris.Errorf("execctx: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Future is the pending result of an operation started with Go.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the result is available without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks for the result or until ctx ends. Abandoning a Future does
// not cancel the operation behind it.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
