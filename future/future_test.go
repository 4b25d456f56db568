package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_SetOnce(t *testing.T) {
	f := New[string]()
	require.True(t, f.Set("foo"))
	require.False(t, f.Set("bar"))
	require.False(t, f.SetError(errors.New("boom")))
	require.False(t, f.Cancel(false))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "foo", v)
}

func TestFuture_ListenerAfterCompletion(t *testing.T) {
	f := New[string]()
	require.True(t, f.Set("foo"))

	var invoked atomic.Bool
	f.AddListener(func() { invoked.Store(true) }, DirectExecutor)
	require.True(t, invoked.Load(), "listener attached after completion must run before AddListener returns")

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "foo", v)
}

func TestFuture_ListenerBeforeCompletion(t *testing.T) {
	f := New[int]()
	var invoked atomic.Bool
	f.AddListener(func() { invoked.Store(true) }, DirectExecutor)
	require.False(t, invoked.Load())
	f.Set(42)
	require.True(t, invoked.Load())
}

func TestFuture_CancelPropagatesThroughTransform(t *testing.T) {
	in := New[int]()
	var fnCalled atomic.Bool
	out := Transform(in, func(v int) (int, error) {
		fnCalled.Store(true)
		return v, nil
	}, DirectExecutor)

	require.True(t, out.Cancel(true))
	require.True(t, in.IsCancelled())
	require.True(t, in.WasInterrupted())
	require.False(t, fnCalled.Load())
}

func TestFuture_AllAsListPreservesOrder(t *testing.T) {
	f1, f2, f3 := New[string](), New[string](), New[string]()
	agg := All(f1, f2, f3)

	f1.Set("A")
	f3.Set("C")
	f2.Set("B")

	v, err := agg.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, v)
}

func TestFuture_AllFailsFast(t *testing.T) {
	f1, f2 := New[int](), New[int]()
	agg := All(f1, f2)

	boom := errors.New("boom")
	f1.SetError(boom)
	f2.Set(1)

	_, err := agg.Get(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestFuture_AllSuccessfulSwallowsFailures(t *testing.T) {
	f1, f2, f3 := New[int](), New[int](), New[int]()
	agg := AllSuccessful(f1, f2, f3)

	f1.Set(1)
	f2.SetError(errors.New("business failure"))
	f3.Cancel(false)

	v, err := agg.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 0, 0}, v)
}

func TestFuture_InCompletionOrder(t *testing.T) {
	inputs := make([]*Future[int], 3)
	for i := range inputs {
		inputs[i] = New[int]()
	}
	outputs := InCompletionOrder(inputs...)

	inputs[2].Set(300)
	inputs[0].Set(100)
	inputs[1].Set(200)

	v0, _ := outputs[0].Get(context.Background())
	v1, _ := outputs[1].Get(context.Background())
	v2, _ := outputs[2].Get(context.Background())
	require.Equal(t, 300, v0)
	require.Equal(t, 100, v1)
	require.Equal(t, 200, v2)

	// cancelling a view output must not cancel the underlying input.
	outputs[0].Cancel(true)
	require.False(t, inputs[2].IsCancelled())
}

func TestFuture_CancelIdempotenceLaws(t *testing.T) {
	f := New[int]()
	f.Cancel(true)
	f.Cancel(false)
	require.True(t, f.WasInterrupted())

	g := New[int]()
	g.Cancel(false)
	g.Cancel(true)
	require.False(t, g.WasInterrupted())
}

func TestFuture_SetDelegateChainIsIterative(t *testing.T) {
	const depth = 100_000
	chain := make([]*Future[int], depth)
	for i := range chain {
		chain[i] = New[int]()
	}
	for i := 0; i < depth-1; i++ {
		require.True(t, chain[i].SetFuture(chain[i+1]))
	}

	done := make(chan struct{})
	go func() {
		chain[depth-1].Set(7)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SetFuture chain did not complete (possible stack overflow or deadlock)")
	}

	v, err := chain[0].Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestFuture_CancelChainIsIterative(t *testing.T) {
	const depth = 100_000
	chain := make([]*Future[int], depth)
	for i := range chain {
		chain[i] = New[int]()
	}
	for i := 0; i < depth-1; i++ {
		require.True(t, chain[i].SetFuture(chain[i+1]))
	}

	done := make(chan struct{})
	go func() {
		chain[0].Cancel(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Cancel chain did not complete")
	}

	require.True(t, chain[depth-1].IsCancelled())
}

func TestFuture_GetTimeout(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, f.IsDone())
}

func TestFuture_EvilListenerPanicIsSwallowed(t *testing.T) {
	f := New[int]()
	var ran int32
	f.AddListener(func() {
		atomic.AddInt32(&ran, 1)
		panic("evil listener")
	}, DirectExecutor)
	f.AddListener(func() { atomic.AddInt32(&ran, 1) }, DirectExecutor)

	require.True(t, f.Set(1))
	require.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestFuture_DelegatedCancelRecoversInterruptHookPanic(t *testing.T) {
	other := New[int]()
	// f delegates to other and has an interrupt hook that panics; f.Cancel
	// walks the chain, cancels other, and that cancellation completes f,
	// running f's hook along the way.
	f := New[int]()
	f.onInterrupt = func() { panic("boom") }
	require.True(t, f.SetFuture(other))
	require.True(t, f.Cancel(true))
	// the hook's panic is recovered inside finalize (safeInterrupt); here we
	// assert the cancellation itself still completed the future.
	require.True(t, f.IsDone())
	_ = other
}

func TestFuture_ConcurrentGetters(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Get(context.Background())
			require.NoError(t, err)
			require.Equal(t, 99, v)
		}()
	}
	time.Sleep(5 * time.Millisecond)
	f.Set(99)
	wg.Wait()
}

func TestFuture_String(t *testing.T) {
	f := New[int](WithPendingReason[int](func() string { return "waiting on I/O" }))
	require.Equal(t, "[status=PENDING, info=[waiting on I/O]]", f.String())

	f2 := New[int]()
	f2.Set(5)
	require.Equal(t, "[status=SUCCESS, result=[5]]", f2.String())

	f3 := New[int]()
	f3.SetError(errors.New("bad"))
	require.Equal(t, "[status=FAILURE, cause=[bad]]", f3.String())

	f4 := New[int]()
	f4.Cancel(false)
	require.Equal(t, "[status=CANCELLED]", f4.String())

	f5 := New[int](WithPendingReason[int](func() string { panic("evil reason") }))
	require.Equal(t, "[status=PENDING]", f5.String())
}

func TestFuture_WithFallback(t *testing.T) {
	in := New[int]()
	fallbackCalled := make(chan error, 1)
	out := WithFallback(in, func(cause error) *Future[int] {
		fallbackCalled <- cause
		return Completed(42)
	})

	boom := errors.New("primary failed")
	in.SetError(boom)

	select {
	case c := <-fallbackCalled:
		require.ErrorIs(t, c, boom)
	case <-time.After(time.Second):
		t.Fatal("fallback not invoked")
	}

	v, err := out.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_NonCancelPropagating(t *testing.T) {
	in := New[int]()
	out := NonCancelPropagating(in)
	out.Cancel(true)
	require.False(t, in.IsCancelled())
	require.True(t, out.IsCancelled())

	in.Set(5) // has no observer effect on out, which is already terminal.
}

type myErr struct{ msg string }

func (e *myErr) Error() string { return e.msg }

func TestFuture_GetChecked(t *testing.T) {
	in := New[int]()
	in.SetError(errors.New("root cause"))

	_, err := GetChecked(context.Background(), in, func(cause error) *myErr {
		return &myErr{msg: "wrapped: " + cause.Error()}
	})
	var me *myErr
	require.ErrorAs(t, err, &me)
	require.Equal(t, "wrapped: root cause", me.msg)
}

func TestFuture_GetCheckedInvalidConstructor(t *testing.T) {
	in := New[int]()
	in.SetError(errors.New("root cause"))

	_, err := GetChecked(context.Background(), in, func(cause error) *myErr {
		panic("constructor blew up")
	})
	require.ErrorIs(t, err, ErrInvalidResultType)
}
