package future

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/concurcore/internal/xlog"
)

// Transform returns a new Future whose value is fn(v) once in completes
// with value v, computed on exec. If fn panics, the result future fails
// with the panic value as cause. If in fails or is cancelled, the result
// mirrors that outcome without calling fn. Cancelling the result
// propagates to in, with the same interrupt flag, but only while fn has
// not yet started running — once fn is executing, cancelling the result
// no longer interrupts it (spec.md §4.3, "Transform (synchronous)").
func Transform[T, R any](in *Future[T], fn func(T) (R, error), exec Executor) *Future[R] {
	out := New[R]()
	var started atomic.Bool
	out.onInterrupt = func() {
		if !started.Load() {
			in.Cancel(out.WasInterrupted())
		}
	}
	in.AddListener(func() {
		v, err := in.Get(context.Background())
		if err != nil {
			propagateNonSuccess(in, out, err)
			return
		}
		if !started.CompareAndSwap(false, true) {
			return
		}
		result, fnErr := callTransform(fn, v)
		if fnErr != nil {
			out.SetError(fnErr)
			return
		}
		out.Set(result)
	}, exec)
	return out
}

func callTransform[T, R any](fn func(T) (R, error), v T) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError("transform", r)
		}
	}()
	return fn(v)
}

// TransformAsync is Transform, except fn itself returns a Future[R]; the
// result mirrors that inner future via the same delegation machinery as
// SetFuture. Cancelling the result propagates to in while in is still
// incomplete, and to the inner future once fn has returned one (spec.md
// §4.3, "Transform (asynchronous)").
func TransformAsync[T, R any](in *Future[T], fn func(T) (*Future[R], error), exec Executor) *Future[R] {
	out := New[R]()
	var mid atomic.Pointer[Future[R]]
	out.onInterrupt = func() {
		if m := mid.Load(); m != nil {
			m.Cancel(out.WasInterrupted())
		} else {
			in.Cancel(out.WasInterrupted())
		}
	}
	in.AddListener(func() {
		v, err := in.Get(context.Background())
		if err != nil {
			propagateNonSuccess(in, out, err)
			return
		}
		m, fnErr := callTransformAsync(fn, v)
		if fnErr != nil {
			out.SetError(fnErr)
			return
		}
		mid.Store(m)
		out.SetFuture(m)
	}, exec)
	return out
}

func callTransformAsync[T, R any](fn func(T) (*Future[R], error), v T) (m *Future[R], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError("async transform", r)
		}
	}()
	return fn(v)
}

// propagateNonSuccess mirrors in's failure/cancellation onto out, given the
// error already observed from in.Get.
func propagateNonSuccess[T, R any](in *Future[T], out *Future[R], err error) {
	if errors.Is(err, ErrCancelled) {
		out.Cancel(in.WasInterrupted())
		return
	}
	out.SetError(err)
}

// WithFallback returns a Future that mirrors in on success, and otherwise
// (on failure) invokes fb(cause) and mirrors the Future it returns.
// Cancellation of the result propagates to in before fb is engaged, and to
// fb's returned future afterwards (spec.md §4.3, "Fallback").
func WithFallback[T any](in *Future[T], fb func(cause error) *Future[T]) *Future[T] {
	out := New[T]()
	var engaged atomic.Pointer[Future[T]]
	out.onInterrupt = func() {
		if f := engaged.Load(); f != nil {
			f.Cancel(out.WasInterrupted())
		} else {
			in.Cancel(out.WasInterrupted())
		}
	}
	in.AddListener(func() {
		v, err := in.Get(context.Background())
		if err == nil {
			out.Set(v)
			return
		}
		if errors.Is(err, ErrCancelled) {
			out.Cancel(in.WasInterrupted())
			return
		}
		fallback := callFallback(fb, err)
		engaged.Store(fallback)
		out.SetFuture(fallback)
	}, DirectExecutor)
	return out
}

func callFallback[T any](fb func(error) *Future[T], cause error) (result *Future[T]) {
	defer func() {
		if r := recover(); r != nil {
			result = Failed[T](newPanicError("fallback", r))
		}
	}()
	return fb(cause)
}

// NonCancelPropagating returns a Future that mirrors in's success/failure,
// but whose own Cancel never cancels in.
func NonCancelPropagating[T any](in *Future[T]) *Future[T] {
	out := New[T]()
	in.AddListener(func() {
		v, err := in.Get(context.Background())
		if err != nil {
			propagateNonSuccess(in, out, err)
			return
		}
		out.Set(v)
	}, DirectExecutor)
	return out
}

// All returns a Future of the input values, in input order, completing
// only once every input has completed. It fails as soon as any input
// fails, and cancels every (still-pending) input if the result is
// cancelled (spec.md §4.3, "All-as-list").
func All[T any](inputs ...*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(inputs) == 0 {
		out.Set(nil)
		return out
	}
	values := make([]T, len(inputs))
	var remaining atomic.Int64
	remaining.Store(int64(len(inputs)))

	out.onInterrupt = func() {
		for _, in := range inputs {
			in.Cancel(out.WasInterrupted())
		}
	}

	for i, in := range inputs {
		i, in := i, in
		in.AddListener(func() {
			v, err := in.Get(context.Background())
			if err != nil {
				propagateNonSuccess(in, out, err)
				return
			}
			values[i] = v
			if remaining.Add(-1) == 0 {
				out.Set(append([]T(nil), values...))
			}
		}, DirectExecutor)
	}
	return out
}

// AllSuccessful is like All, except individual input failures and
// cancellations produce a nil (zero-value) entry instead of failing the
// aggregate; only cancelling the aggregate itself cancels it. Non-error
// failures are not logged; unrecoverable (panic-derived) failures are
// logged at Error (spec.md §4.3, "Successful-as-list").
func AllSuccessful[T any](inputs ...*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(inputs) == 0 {
		out.Set(nil)
		return out
	}
	values := make([]T, len(inputs))
	var remaining atomic.Int64
	remaining.Store(int64(len(inputs)))

	out.onInterrupt = func() {
		for _, in := range inputs {
			in.Cancel(out.WasInterrupted())
		}
	}

	for i, in := range inputs {
		i, in := i, in
		in.AddListener(func() {
			v, err := in.Get(context.Background())
			if err != nil {
				if out.IsDone() {
					// aggregate already cancelled; don't double-complete.
					return
				}
				var unrec Unrecoverable
				if errors.As(err, &unrec) && unrec.Unrecoverable() {
					xlog.Default().Error("future: AllSuccessful input failed unrecoverably",
						xlog.F("index", i), xlog.F("cause", err))
				}
			} else {
				values[i] = v
			}
			if remaining.Add(-1) == 0 && !out.IsDone() {
				out.Set(append([]T(nil), values...))
			}
		}, DirectExecutor)
	}
	return out
}

// InCompletionOrder returns len(inputs) output futures such that the k-th
// output completes with the value of the k-th input to complete, in real
// completion order. The outputs are view futures: cancelling an individual
// output never cancels any input (spec.md §4.3).
func InCompletionOrder[T any](inputs ...*Future[T]) []*Future[T] {
	outputs := make([]*Future[T], len(inputs))
	for i := range outputs {
		outputs[i] = New[T]()
	}
	if len(inputs) == 0 {
		return outputs
	}
	var next atomic.Int64
	for _, in := range inputs {
		in := in
		in.AddListener(func() {
			idx := next.Add(1) - 1
			if int(idx) >= len(outputs) {
				return
			}
			target := outputs[idx]
			v, err := in.Get(context.Background())
			if err != nil {
				propagateNonSuccess(in, target, err)
				return
			}
			target.Set(v)
		}, DirectExecutor)
	}
	return outputs
}

// GetChecked blocks for in's value, and on any non-success outcome,
// constructs and returns a caller-chosen error type via wrap, applied to
// the underlying cause. This is the idiomatic-Go stand-in for Guava's
// getChecked: Go has no reflective constructor validation to speak of, so
// instead of validating a target exception *class* at runtime, the caller
// supplies the construction function directly, and GetChecked validates
// only that it does not itself panic or return nil (spec.md §4.3).
func GetChecked[T any, E error](ctx context.Context, in *Future[T], wrap func(cause error) E) (T, error) {
	v, err := in.Get(ctx)
	if err == nil {
		return v, nil
	}
	wrapped, wrapErr := safeWrap(wrap, err)
	if wrapErr != nil {
		var zero T
		return zero, wrapErr
	}
	return v, wrapped
}

// ErrInvalidResultType is returned by GetChecked when wrap panics or
// returns a nil error, in place of Guava's invalid-exception-class error.
var ErrInvalidResultType = errors.New("future: invalid checked-exception constructor")

func safeWrap[E error](wrap func(error) E, cause error) (result E, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: constructor panicked: %v", ErrInvalidResultType, r)
		}
	}()
	result = wrap(cause)
	var zero E
	if any(result) == any(zero) {
		err = fmt.Errorf("%w: constructor returned nil", ErrInvalidResultType)
	}
	return result, err
}
