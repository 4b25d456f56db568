package service

import (
	"context"
	"fmt"
	"time"
)

// Scheduler decides the delay before the next call to a scheduled
// service's iteration, given when the iteration just completed started
// and ended. Returning an error fails the service without scheduling a
// further iteration (spec.md §4.4.3).
type Scheduler interface {
	NextDelay(start, end time.Time) (time.Duration, error)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(start, end time.Time) (time.Duration, error)

// NextDelay implements Scheduler.
func (f SchedulerFunc) NextDelay(start, end time.Time) (time.Duration, error) { return f(start, end) }

// FixedRate returns a Scheduler that fires every period, measured from a
// single anchor set on the first call -- schedule-at-fixed-rate semantics,
// matching java.util.concurrent's scheduleAtFixedRate (spec.md §4.4.3).
// A period so large the anchor arithmetic would overflow is clamped
// instead of wrapping into a past instant.
func FixedRate(period time.Duration) Scheduler {
	var anchor time.Time
	var n int64
	return SchedulerFunc(func(start, _ time.Time) (time.Duration, error) {
		if anchor.IsZero() {
			anchor = start
		}
		n++
		next := addDurationSaturating(anchor, multiplyDurationSaturating(period, n))
		d := next.Sub(time.Now())
		if d < 0 {
			d = 0
		}
		return d, nil
	})
}

// FixedDelay returns a Scheduler that waits delay after each iteration
// ends before running the next -- schedule-with-fixed-delay semantics
// (spec.md §4.4.3).
func FixedDelay(delay time.Duration) Scheduler {
	return SchedulerFunc(func(_, _ time.Time) (time.Duration, error) {
		return delay, nil
	})
}

func multiplyDurationSaturating(d time.Duration, n int64) time.Duration {
	if d == 0 || n == 0 {
		return 0
	}
	const maxDuration = time.Duration(1<<63 - 1)
	if d > maxDuration/time.Duration(n) {
		return maxDuration
	}
	return d * time.Duration(n)
}

func addDurationSaturating(t time.Time, d time.Duration) time.Time {
	const maxDuration = time.Duration(1<<63 - 1)
	if d >= maxDuration-1 {
		// adding the maximum possible duration would overflow time.Time's
		// internal representation; clamp instead of wrapping into the past.
		return t.Add(maxDuration / 2)
	}
	return t.Add(d)
}

// Iteration is the repeated unit of work a scheduled service performs.
type Iteration func(ctx context.Context) error

// NewScheduledService builds a Service that repeats iteration according
// to scheduler, starting after initial. StopAsync interrupts any
// in-progress wait for the next iteration (spec.md §4.4.3, "Scheduled
// variant").
func NewScheduledService(initial time.Duration, scheduler Scheduler, iteration Iteration) *Service {
	r := &scheduledRunnable{initial: initial, scheduler: scheduler, iteration: iteration}
	return NewExecutionThreadService(r)
}

type scheduledRunnable struct {
	initial   time.Duration
	scheduler Scheduler
	iteration Iteration
}

func (r *scheduledRunnable) StartUp(ctx context.Context) error {
	// A cancellation of the initial delay is not an error. A StopAsync
	// arriving during the initial delay does not cancel ctx: the delay runs
	// to its end, and the deferred stop then cancels ctx, after which Run's
	// ctx.Err() check exits the loop.
	sleepCtx(ctx, r.initial)
	return nil
}

func (r *scheduledRunnable) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		err := runIterationRecovering(ctx, r.iteration)
		end := time.Now()
		if err != nil {
			return err
		}
		delay, err := nextDelayRecovering(r.scheduler, start, end)
		if err != nil {
			return err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

func (r *scheduledRunnable) ShutDown(ctx context.Context) error {
	return nil
}

func runIterationRecovering(ctx context.Context, iteration Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: scheduled iteration panicked: %v", r)
		}
	}()
	return iteration(ctx)
}

func nextDelayRecovering(s Scheduler, start, end time.Time) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: scheduler panicked: %v", r)
		}
	}()
	return s.NextDelay(start, end)
}

// sleepCtx waits for d, or until ctx is cancelled, whichever comes first;
// it returns ctx.Err() if cancellation won the race.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
