// Package calllimit bounds the running time of an arbitrary call: submit
// it to an executor, wait up to a timeout, and report a timeout distinctly
// from a failure raised by the call itself (spec.md §4.8, mirroring
// Guava's SimpleTimeLimiter).
package calllimit

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/concurcore/future"
)

// Limiter bounds calls submitted to exec to a fixed maximum running time.
type Limiter struct {
	exec future.Executor
}

// New builds a Limiter that runs bounded calls on exec. GoExecutor is the
// natural choice: each call gets its own goroutine, which is abandoned
// (not killed -- Go has no goroutine interruption) if it outlives its
// timeout.
func New(exec future.Executor) *Limiter {
	if exec == nil {
		exec = future.GoExecutor
	}
	return &Limiter{exec: exec}
}

// CallWithTimeout runs fn on the limiter's executor and waits up to
// timeout for it to finish. fn receives a context that is cancelled the
// instant the timeout elapses, so a cooperative callable can abort early;
// an uncooperative one keeps running in the background, and its eventual
// result is discarded. On timeout, CallWithTimeout returns a
// *TimeoutError. If fn panics or returns a non-nil error, the result is a
// *FailedComputationError wrapping the cause (spec.md §4.8,
// "callWithTimeout").
func CallWithTimeout[T any](l *Limiter, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	l.exec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			var zero T
			if ctx.Err() != nil {
				// the deadline passed before fn returned its error.
				return zero, &TimeoutError{Timeout: timeout.String()}
			}
			return zero, &FailedComputationError{Cause: r.err}
		}
		return r.val, nil
	case <-ctx.Done():
		var zero T
		return zero, &TimeoutError{Timeout: timeout.String()}
	}
}

// CallUninterruptiblyWithTimeout is CallWithTimeout for callables that
// accept no cancellation signal: the limiter only bounds how long it
// waits, never the callable's own execution (spec.md §4.8,
// "callUninterruptiblyWithTimeout").
func CallUninterruptiblyWithTimeout[T any](l *Limiter, timeout time.Duration, fn func() (T, error)) (T, error) {
	return CallWithTimeout(l, timeout, func(context.Context) (T, error) { return fn() })
}

// RunWithTimeout is CallWithTimeout for callables with no useful result.
func RunWithTimeout(l *Limiter, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := CallWithTimeout(l, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunUninterruptiblyWithTimeout is CallUninterruptiblyWithTimeout for
// callables with no useful result.
func RunUninterruptiblyWithTimeout(l *Limiter, timeout time.Duration, fn func() error) error {
	_, err := CallUninterruptiblyWithTimeout(l, timeout, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
