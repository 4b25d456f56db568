package serialexec

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializer_FIFOOrder(t *testing.T) {
	s := New(GoExecutor)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		s.Execute(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerializer_AtMostOneConcurrent(t *testing.T) {
	s := New(GoExecutor)
	var running atomic.Int32
	var maxRunning atomic.Int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		s.Execute(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := maxRunning.Load()
				if n <= old || maxRunning.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	require.Equal(t, int32(1), maxRunning.Load())
}

func TestSerializer_BadTaskDoesNotHaltQueue(t *testing.T) {
	s := New(GoExecutor)
	var ran []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)

	s.Execute(func() {
		defer wg.Done()
		mu.Lock()
		ran = append(ran, 1)
		mu.Unlock()
		panic("evil task")
	})
	s.Execute(func() {
		defer wg.Done()
		mu.Lock()
		ran = append(ran, 2)
		mu.Unlock()
	})
	s.Execute(func() {
		defer wg.Done()
		mu.Lock()
		ran = append(ran, 3)
		mu.Unlock()
	})
	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, ran)
}

func TestSerializer_RunsOnDelegateNotCaller(t *testing.T) {
	s := New(GoExecutor)
	callerDone := make(chan struct{})
	taskRan := make(chan struct{})
	s.Execute(func() {
		<-callerDone
		close(taskRan)
	})
	close(callerDone)
	select {
	case <-taskRan:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSerializer_DelegateRejectionRemovesOnlyThatTask(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	delegate := ExecutorFunc(func(task func()) {
		if reject.Load() {
			panic("delegate rejected")
		}
		go task()
	})
	s := New(delegate)
	var rejectedRan atomic.Bool
	require.Panics(t, func() { s.Execute(func() { rejectedRan.Store(true) }) })

	// The serializer must recover: once the delegate accepts work again, a
	// later Execute on the same serializer should succeed cleanly, and the
	// rejected task must not run.
	reject.Store(false)
	done := make(chan struct{})
	s.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serializer left in a broken state after delegate rejection")
	}
	require.False(t, rejectedRan.Load())
}
