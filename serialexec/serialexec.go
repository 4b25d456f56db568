// Package serialexec provides a FIFO-serializing wrapper around an
// Executor: tasks submitted to it always run in submission order, at most
// one at a time, on the delegate's own goroutines rather than the
// caller's. It is the concurrency primitive backing per-listener dispatch
// in [github.com/joeycumines/concurcore/service], grounded on eventloop's
// FastState CAS state-machine idiom, adapted to a mutex-guarded variant
// since the worker handoff here needs the queue-empty check and the
// running-to-idle transition to be a single atomic step.
package serialexec

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// Executor runs a task, typically on a new or pooled goroutine. It has the
// same method set as future.Executor, so a value of either type satisfies
// both; this package does not import future.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(task func())

// Execute implements Executor.
func (f ExecutorFunc) Execute(task func()) { f(task) }

// GoExecutor runs every task on its own goroutine.
var GoExecutor Executor = ExecutorFunc(func(task func()) { go task() })

type workerState int

const (
	stateIdle workerState = iota
	stateRunning
)

// Serializer wraps a delegate Executor and guarantees FIFO, non-concurrent
// execution of everything submitted to it via Execute (spec.md §4.5).
type Serializer struct {
	delegate Executor

	mu    sync.Mutex
	state workerState
	queue list.List // of func()

	currentTask atomic.Pointer[string] // String() of the task running right now, if any
}

// New wraps delegate in a Serializer.
func New(delegate Executor) *Serializer {
	return &Serializer{delegate: delegate}
}

// Execute enqueues task; it (and every other task submitted to this
// Serializer) will run in FIFO order, at most one at a time, on the
// delegate's goroutines. If the delegate panics while being asked to run
// the worker, this task (and only this task) is removed from the queue
// and the panic is re-raised to the caller.
func (s *Serializer) Execute(task func()) {
	s.mu.Lock()
	elem := s.queue.PushBack(task)
	needsWorker := s.state == stateIdle
	if needsWorker {
		s.state = stateRunning
	}
	s.mu.Unlock()

	if !needsWorker {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				s.queue.Remove(elem)
				s.state = stateIdle
				s.mu.Unlock()
				panic(r)
			}
		}()
		s.delegate.Execute(s.runWorker)
	}()
}

func (s *Serializer) runWorker() {
	for {
		s.mu.Lock()
		front := s.queue.Front()
		var task func()
		if front != nil {
			task = front.Value.(func())
			s.queue.Remove(front)
		} else {
			// Nothing left: hand off to idle while still holding the lock,
			// so a concurrent Execute either observes Idle (and submits a
			// fresh worker) or loses the race and lands in our queue before
			// we release the lock (and we'll see it on the next iteration).
			s.state = stateIdle
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		clearInterrupt()
		s.currentTask.Store(taskString(task))
		runTaskRecovering(task)
		s.currentTask.Store(nil)
		restoreInterrupt()
	}
}

func runTaskRecovering(task func()) {
	defer func() {
		recover() //nolint:errcheck // a single bad task must not halt FIFO progress for later tasks.
	}()
	task()
}

func taskString(task func()) *string {
	var s string
	if stringer, ok := any(task).(fmt.Stringer); ok {
		s = stringer.String()
	} else {
		s = "func()"
	}
	return &s
}

// String includes the delegate's own String(), per spec.md §4.5 ("toString
// must include the delegate's toString"), plus the currently-running
// task's description, if any.
func (s *Serializer) String() string {
	delegateStr := fmt.Sprintf("%v", s.delegate)
	if cur := s.currentTask.Load(); cur != nil {
		return fmt.Sprintf("serialexec.Serializer[delegate=%s, running=%s]", delegateStr, *cur)
	}
	return fmt.Sprintf("serialexec.Serializer[delegate=%s]", delegateStr)
}

// clearInterrupt and restoreInterrupt are no-ops on goroutines, which have
// no analogue of Java's per-thread interrupt flag; kept as named functions
// so the worker loop's structure mirrors the delegate-thread interrupt
// save/restore contract described in spec.md §4.5.
func clearInterrupt()   {}
func restoreInterrupt() {}
