// Package future implements the Asynchronous Result Primitive: a
// settable, observable, cancellable single-assignment container for a
// future value, plus the combinators built on top of it.
//
// It is grounded on two patterns from the wider corpus: the intrusive,
// lock-free subscriber list used by eventloop's ChainedPromise (a single
// atomically-swapped head, drained once on settlement), and the
// generics-first API style of microbatch.Batcher[Job any] and
// longpoll.Channel[T any]. Where the corpus's ChainedPromise resolves
// synchronously under a mutex, Future instead uses the lock-free,
// iterative-completion design spec.md calls for, since ChainedPromise's
// mutex-per-node approach does not bound stack usage across long
// delegation chains.
package future

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/concurcore/internal/xlog"
)

// Sentinel errors identifying the two non-success outcomes that carry no
// cause of their own. Get may return them bare or wrapped, so compare with
// errors.Is.
var (
	// ErrCancelled is returned by Get when the future was cancelled before
	// it completed; it is wrapped around the cancellation trace when one was
	// captured, and returned bare otherwise.
	ErrCancelled = errors.New("future: cancelled")
	// ErrTimeout is returned (wrapped) by Get when its context expires
	// before the future completes. The future's own state is untouched.
	ErrTimeout = errors.New("future: timeout")
)

// captureCancellationStack controls whether Cancel records a synthetic
// cause carrying the cancellation call site. It is read once, lazily, from
// the CONCURCORE_CANCELLATION_TRACE environment variable (any non-empty
// value enables it), mirroring Guava's one-shot system-property read for
// the same feature. Unexported: there is nothing for a caller to configure
// besides the environment variable itself.
var (
	captureCancellationStack     bool
	captureCancellationStackOnce sync.Once
)

func shouldCaptureCancellationStack() bool {
	captureCancellationStackOnce.Do(func() {
		captureCancellationStack = os.Getenv("CONCURCORE_CANCELLATION_TRACE") != ""
	})
	return captureCancellationStack
}

// Executor runs a callback, on whatever schedule it chooses. It is the Go
// analogue of java.util.concurrent.Executor, used throughout this package
// to decouple "what runs" from "where it runs".
type Executor interface {
	Execute(func())
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(func())

// Execute implements Executor.
func (f ExecutorFunc) Execute(task func()) { f(task) }

type directExecutor struct{}

func (directExecutor) Execute(task func()) { task() }

// DirectExecutor runs callbacks synchronously, on the thread that triggers
// the future's completion (or, for an already-complete future, on the
// caller of AddListener). It is explicitly in scope, per spec.md, because
// its contract — "runs on this thread, right now" — is load-bearing for a
// large fraction of this package's own tests.
var DirectExecutor Executor = directExecutor{}

type goExecutor struct{}

func (goExecutor) Execute(task func()) { go task() }

// GoExecutor runs each callback on a freshly spawned goroutine.
var GoExecutor Executor = goExecutor{}

func safeExecute(exec Executor, task func()) {
	if exec == nil {
		exec = DirectExecutor
	}
	defer func() {
		if r := recover(); r != nil {
			xlog.Default().Warn("future: listener panicked",
				xlog.F("panic", r))
		}
	}()
	exec.Execute(task)
}

// safeInterrupt invokes f's onInterrupt hook, recovering any panic rather
// than letting it escape into finalize's caller (Set/SetError/SetFuture/
// Cancel), the same defensive boundary safeExecute gives listener callbacks.
func (f *Future[T]) safeInterrupt() {
	defer func() {
		if r := recover(); r != nil {
			xlog.Default().Warn("future: interrupt hook panicked",
				xlog.F("panic", r))
		}
	}()
	f.onInterrupt()
}

type kind int8

const (
	kindSuccess kind = iota
	kindFailure
	kindCancelled
)

type outcome[T any] struct {
	kind        kind
	value       T
	err         error
	interrupted bool
}

// waiterNode is a Treiber-stack node for a goroutine blocked in Get.
type waiterNode struct {
	ch      chan struct{}
	cleared atomic.Bool
	next    *waiterNode
}

// listenerNode is a Treiber-stack node for either a plain (callback,
// executor) pair, or — when parent is non-nil — a delegation link: "parent
// mirrors whatever outcome settles on this future". The parent form lets
// Future.finalize walk arbitrarily long SetFuture chains iteratively,
// instead of recursing once per link (spec.md §4.2 items 3-4).
type listenerNode[T any] struct {
	next   *listenerNode[T]
	cb     func()
	exec   Executor
	parent *Future[T]
}

// Future is a single-assignment, observable, cancellable container for a
// value of type T. The zero value is not usable; construct one with New.
type Future[T any] struct {
	settled   atomic.Bool
	result    atomic.Pointer[outcome[T]]
	delegate  atomic.Pointer[Future[T]]
	waiters   atomic.Pointer[waiterNode]
	listeners atomic.Pointer[listenerNode[T]]

	sentinelW waiterNode
	sentinelL listenerNode[T]

	interruptRequested atomic.Bool
	interruptOnce      sync.Once
	onInterrupt        func()
	pendingReason      func() string
}

// Option configures a Future at construction time.
type Option[T any] func(*Future[T])

// WithInterruptHook installs a callback invoked exactly once, by whichever
// goroutine performs the PENDING->CANCELLED(interrupt=true) transition.
// This is the Go stand-in for the subclass-overridable interruptTask hook
// in spec.md §4.2/§4.5 — Go has no subclassing, so it is supplied as
// configuration instead.
func WithInterruptHook[T any](hook func()) Option[T] {
	return func(f *Future[T]) { f.onInterrupt = hook }
}

// WithPendingReason installs a hook consulted by String while the future is
// still pending, to render a caller-supplied "why is this still pending"
// note. The hook may panic; String recovers and falls back to a fixed
// placeholder (spec.md §4.2, "toString" contract).
func WithPendingReason[T any](hook func() string) Option[T] {
	return func(f *Future[T]) { f.pendingReason = hook }
}

// New creates a new, pending Future.
func New[T any](opts ...Option[T]) *Future[T] {
	f := &Future[T]{}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Completed returns a Future already settled with value v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Set(v)
	return f
}

// Failed returns a Future already settled with failure err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.SetError(err)
	return f
}

type finalizeItem[T any] struct {
	f   *Future[T]
	out outcome[T]
}

// finalize commits out as f's terminal outcome and iteratively propagates
// through any chain of futures that delegated to f via SetFuture, without
// recursing — a chain of 100,000 SetFuture calls followed by one Set on the
// innermost future completes every outer future via this single loop.
func (f *Future[T]) finalize(out outcome[T]) {
	work := []finalizeItem[T]{{f: f, out: out}}
	for len(work) > 0 {
		n := len(work) - 1
		item := work[n]
		work = work[:n]
		cur, o := item.f, item.out

		if o.kind == kindCancelled && o.interrupted {
			// Every cell along a delegation chain shares the same terminal
			// outcome (spec.md §4.2 item 3): a cancellation that propagates
			// down to an innermost delegate marks every intermediate cell
			// CANCELLED with the same interrupt flag, so WasInterrupted must
			// agree with that shared outcome at every level, not just the
			// level Cancel was called on or the innermost delegate. The flag
			// is set before the terminal value is published, so a thread
			// woken by wakeWaiters below never observes a stale flag.
			cur.interruptRequested.Store(true)
		}
		cur.result.Store(&o)
		cur.wakeWaiters()
		if o.kind == kindCancelled && o.interrupted && cur.onInterrupt != nil {
			cur.safeInterrupt()
		}

		node := cur.drainListeners()
		for node != nil {
			next := node.next
			if node.parent != nil {
				work = append(work, finalizeItem[T]{f: node.parent, out: o})
			} else {
				safeExecute(node.exec, node.cb)
			}
			node = next
		}
	}
}

func (f *Future[T]) wakeWaiters() {
	head := f.waiters.Swap(&f.sentinelW)
	for head != nil && head != &f.sentinelW {
		next := head.next
		if !head.cleared.Load() {
			close(head.ch)
		}
		head = next
	}
}

// drainListeners atomically takes ownership of the listener stack and
// returns it in insertion (FIFO) order.
func (f *Future[T]) drainListeners() *listenerNode[T] {
	head := f.listeners.Swap(&f.sentinelL)
	if head == &f.sentinelL {
		return nil
	}
	var prev *listenerNode[T]
	for head != nil {
		next := head.next
		head.next = prev
		prev = head
		head = next
	}
	return prev
}

// pushListener adds node to f's listener stack, or dispatches it
// immediately (synchronously, before returning) if f is already terminal —
// matching "listeners attached after completion fire before AddListener
// returns" (spec.md §5, Ordering guarantees).
func (f *Future[T]) pushListener(node *listenerNode[T]) {
	for {
		head := f.listeners.Load()
		if head == &f.sentinelL {
			f.dispatchSingle(node)
			return
		}
		node.next = head
		if f.listeners.CompareAndSwap(head, node) {
			return
		}
	}
}

func (f *Future[T]) dispatchSingle(node *listenerNode[T]) {
	out := f.result.Load()
	if node.parent != nil {
		node.parent.finalize(*out)
		return
	}
	safeExecute(node.exec, node.cb)
}

// Set transitions the future to SUCCESS(v), if and only if it is still
// PENDING or PENDING-DELEGATED. Returns whether this call performed the
// transition.
func (f *Future[T]) Set(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.finalize(outcome[T]{kind: kindSuccess, value: v})
	return true
}

// SetError transitions the future to FAILURE(err).
func (f *Future[T]) SetError(err error) bool {
	if err == nil {
		panic("future: nil error")
	}
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.finalize(outcome[T]{kind: kindFailure, err: err})
	return true
}

// SetFuture installs other as this future's delegate: this future's
// completion will mirror other's. If other is already terminal, this
// future completes immediately with the same outcome (spec.md §4.2 item 6).
// If subscribing to other panics, this future fails with that panic as its
// cause (item 7) rather than propagating the panic to the caller.
func (f *Future[T]) SetFuture(other *Future[T]) (ok bool) {
	if other == nil {
		panic("future: nil delegate")
	}
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	if out := other.result.Load(); out != nil {
		f.finalize(*out)
		return true
	}
	f.delegate.Store(other)
	defer func() {
		if r := recover(); r != nil {
			f.finalize(outcome[T]{kind: kindFailure, err: newPanicError("delegate subscription", r)})
		}
	}()
	other.pushListener(&listenerNode[T]{parent: f})
	return true
}

// Cancel transitions the future to CANCELLED, whether it is still plainly
// PENDING or already PENDING-DELEGATED (spec.md §4.2 item 3, the "cancel on
// a cell in PENDING-DELEGATED(other)" rule): settled alone cannot gate this
// call, since SetFuture also flips settled to claim the right to delegate,
// and a delegated-but-not-yet-terminal future must still be cancellable.
// Cancellation walks down the delegate chain (iteratively, so chain depth
// never grows the call stack) and cancels the innermost still-pending
// future; that future's completion then propagates back up through the
// same finalize mechanism used by SetFuture, completing every cell along
// the chain, including f.
func (f *Future[T]) Cancel(interrupt bool) bool {
	out := outcome[T]{kind: kindCancelled, interrupted: interrupt}
	if shouldCaptureCancellationStack() {
		out.err = newCancellationTrace()
	}

	if f.settled.CompareAndSwap(false, true) {
		// f was genuinely pending, with no Set/SetError/SetFuture/Cancel
		// having claimed it yet: this call decides its fate directly.
		f.finalize(out)
		return true
	}

	if f.result.Load() != nil {
		// already terminal: a prior Set/SetError/Cancel, or a delegate that
		// has since completed, already decided f's fate.
		return false
	}

	// f's fate is claimed, but not yet terminal: it must be
	// PENDING-DELEGATED. Walk to the innermost non-delegated cell and try to
	// cancel that instead; its completion reaches f through the listener
	// chain SetFuture already installed.
	cur := f
	for {
		d := cur.delegate.Load()
		if d == nil {
			break
		}
		cur = d
	}
	if cur == f {
		// lost a race with SetFuture's own claim-then-store-delegate window;
		// nothing concrete to cancel yet.
		return false
	}
	if cur.settled.CompareAndSwap(false, true) {
		cur.finalize(out)
		return true
	}
	return false
}

// IsDone reports whether the future has reached a terminal state.
func (f *Future[T]) IsDone() bool { return f.result.Load() != nil }

// IsCancelled reports whether the future's terminal state is CANCELLED.
func (f *Future[T]) IsCancelled() bool {
	if out := f.result.Load(); out != nil {
		return out.kind == kindCancelled
	}
	return false
}

// WasInterrupted reports whether Cancel(true) ever won this future's
// transition (or was requested on a delegate that subsequently cancelled
// it). The flag is set as part of the cancellation itself, so it reports
// false while the future is still pending.
func (f *Future[T]) WasInterrupted() bool { return f.interruptRequested.Load() }

// AddListener registers cb to run on exec once the future settles. If the
// future is already settled, cb is handed to exec before AddListener
// returns; with DirectExecutor it therefore runs on the calling goroutine.
func (f *Future[T]) AddListener(cb func(), exec Executor) {
	if cb == nil {
		panic("future: nil callback")
	}
	if exec == nil {
		exec = DirectExecutor
	}
	f.pushListener(&listenerNode[T]{cb: cb, exec: exec})
}

func (f *Future[T]) resultToValue(out outcome[T]) (T, error) {
	switch out.kind {
	case kindSuccess:
		return out.value, nil
	case kindFailure:
		var zero T
		return zero, out.err
	default:
		var zero T
		if out.err != nil {
			return zero, fmt.Errorf("%w: %v", ErrCancelled, out.err)
		}
		return zero, ErrCancelled
	}
}

// Get blocks until the future settles or ctx is done, whichever comes
// first. A nil ctx is treated as context.Background(). On success it
// returns the value; on failure it returns the cause given to SetError; on
// cancellation it returns an error wrapping ErrCancelled; if ctx expires
// first it returns an error wrapping ErrTimeout, without altering the
// future's state.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	if out := f.result.Load(); out != nil {
		return f.resultToValue(*out)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := &waiterNode{ch: make(chan struct{})}
	for {
		head := f.waiters.Load()
		if head == &f.sentinelW {
			// settled between the initial check and now.
			out := f.result.Load()
			return f.resultToValue(*out)
		}
		w.next = head
		if f.waiters.CompareAndSwap(head, w) {
			break
		}
	}

	select {
	case <-w.ch:
		out := f.result.Load()
		return f.resultToValue(*out)
	case <-ctx.Done():
		// best-effort: mark the node cleared so wakeWaiters skips it; no
		// structural unlink is attempted, per spec.md §4.1 ("correctness
		// does not depend on the node actually being removed").
		w.cleared.Store(true)
		if out := f.result.Load(); out != nil {
			return f.resultToValue(*out)
		}
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// String renders a compact debug form: "[status=PENDING]",
// "[status=PENDING, info=[reason]]", "[status=SUCCESS, result=[v]]",
// "[status=FAILURE, cause=[err]]" or "[status=CANCELLED]". While pending, a
// caller-supplied pending-reason
// hook (see WithPendingReason) may be consulted; if it panics, String
// recovers rather than propagating the panic.
func (f *Future[T]) String() string {
	out := f.result.Load()
	if out == nil {
		reason := f.safePendingReason()
		if reason == "" {
			return "[status=PENDING]"
		}
		return fmt.Sprintf("[status=PENDING, info=[%s]]", reason)
	}
	switch out.kind {
	case kindSuccess:
		return fmt.Sprintf("[status=SUCCESS, result=[%v]]", out.value)
	case kindFailure:
		return fmt.Sprintf("[status=FAILURE, cause=[%v]]", out.err)
	default:
		return "[status=CANCELLED]"
	}
}

func (f *Future[T]) safePendingReason() (reason string) {
	if f.pendingReason == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			reason = ""
		}
	}()
	return f.pendingReason()
}

type cancellationTrace struct{ stack []byte }

func (c *cancellationTrace) Error() string { return "future: cancelled at:\n" + string(c.stack) }

func newCancellationTrace() error {
	buf := make([]byte, 4096)
	n := callersStack(buf)
	return &cancellationTrace{stack: buf[:n]}
}
