package calllimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/concurcore/future"
	"github.com/stretchr/testify/require"
)

func TestCallWithTimeout_SucceedsBeforeDeadline(t *testing.T) {
	l := New(future.GoExecutor)
	v, err := CallWithTimeout(l, time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestCallWithTimeout_TimesOut(t *testing.T) {
	l := New(future.GoExecutor)
	_, err := CallWithTimeout(l, 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
}

func TestCallWithTimeout_PropagatesFailure(t *testing.T) {
	l := New(future.GoExecutor)
	cause := errors.New("boom")
	_, err := CallWithTimeout(l, time.Second, func(ctx context.Context) (int, error) {
		return 0, cause
	})
	var fc *FailedComputationError
	require.True(t, errors.As(err, &fc))
	require.ErrorIs(t, err, cause)
}

func TestCallWithTimeout_RecoversPanic(t *testing.T) {
	l := New(future.GoExecutor)
	_, err := CallWithTimeout(l, time.Second, func(ctx context.Context) (int, error) {
		panic("evil")
	})
	var fc *FailedComputationError
	require.True(t, errors.As(err, &fc))
}

func TestCallUninterruptiblyWithTimeout_IgnoresCancellation(t *testing.T) {
	l := New(future.GoExecutor)
	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		_, _ = CallUninterruptiblyWithTimeout(l, 10*time.Millisecond, func() (int, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return 1, nil
		})
	}()
	<-started
	<-finished // the uninterruptible callable runs to completion despite the short timeout.
}

func TestRunWithTimeout_NoResult(t *testing.T) {
	l := New(future.GoExecutor)
	err := RunWithTimeout(l, time.Second, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestBoundFunc_WrapsPlainFunction(t *testing.T) {
	l := New(future.GoExecutor)
	slow := func(n int) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return n * 2, nil
	}
	bounded := BoundFunc(l, slow, time.Second).(func(int) (int, error))
	v, err := bounded(21)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestBoundFunc_TimesOut(t *testing.T) {
	l := New(future.GoExecutor)
	hang := func() (int, error) {
		select {}
	}
	bounded := BoundFunc(l, hang, 10*time.Millisecond).(func() (int, error))
	_, err := bounded()
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
}

func TestBoundFunc_PanicsOnNonErrorReturningFunc(t *testing.T) {
	l := New(future.GoExecutor)
	require.Panics(t, func() {
		BoundFunc(l, func(int) int { return 0 }, time.Second)
	})
}
