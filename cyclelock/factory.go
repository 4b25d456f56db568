// Package cyclelock provides reentrant mutexes wrapped with a
// cross-goroutine lock-ordering observer that raises (or logs) a
// potential-deadlock diagnosis as soon as a cycle would form, instead of
// actually deadlocking. It mirrors Guava's CycleDetectingLockFactory,
// using internal/gid to stand in for Java's per-thread identity.
package cyclelock

import (
	"sync"

	"github.com/joeycumines/concurcore/internal/gid"
)

func currentGoroutine() int64 { return gid.Current() }

// Policy governs what happens when observeAcquire detects a potential
// deadlock or rank violation (spec.md §4.6, "Policy").
type Policy int

const (
	// Throw raises the detected error instead of acquiring the lock.
	Throw Policy = iota
	// Warn logs the detected error and proceeds with the acquisition.
	Warn
	// Disabled skips all observation; locks behave as plain mutexes.
	Disabled
)

// Factory creates locks that participate in one global lock-ordering
// graph. The Policy that governs a given acquisition is always the
// policy of the factory that created the lock being acquired, not any
// predecessor's factory (spec.md §4.6, "Policy").
type Factory struct {
	policy Policy
}

// NewFactory builds a Factory enforcing policy on every lock it creates.
func NewFactory(policy Policy) *Factory {
	return &Factory{policy: policy}
}

// NewMutex creates an unranked reentrant mutex named name (used only in
// diagnostic messages).
func (f *Factory) NewMutex(name string) *Mutex {
	return &Mutex{node: &node{factory: f, name: name}}
}

// NewRankedMutex creates a reentrant mutex participating in explicit-rank
// ordering (spec.md §4.6, "Explicit ordering"): acquiring ranks out of
// order against another ranked mutex from the same factory is flagged.
func (f *Factory) NewRankedMutex(name string, rank int) *Mutex {
	return &Mutex{node: &node{factory: f, name: name, hasRank: true, rank: rank}}
}

// NewRWMutex creates an unranked reentrant read/write lock pair; the read
// side and write side share one graph node (spec.md §4.6, "Downgrade").
func (f *Factory) NewRWMutex(name string) *RWMutex {
	return &RWMutex{node: &node{factory: f, name: name}}
}

// Mutex is a reentrant mutex instrumented with cycle detection.
type Mutex struct {
	node *node
	mu   sync.Mutex

	stateMu  sync.Mutex
	holder   int64
	held     bool
	reentry  int
}

const noHolder = -1

// Lock acquires m, reentrantly for the calling goroutine. It returns a
// *PotentialDeadlockError or *IllegalLockStateError under Throw policy
// instead of acquiring, and never blocks when returning an error.
func (m *Mutex) Lock() error {
	return m.lock(m.node.factory.policy)
}

func (m *Mutex) lock(policy Policy) error {
	if err := observeAcquire(m.node, policy); err != nil {
		return err
	}
	if m.tryReentrant() {
		return nil
	}
	m.mu.Lock()
	m.stateMu.Lock()
	m.holder = currentGoroutine()
	m.held = true
	m.reentry = 1
	m.stateMu.Unlock()
	return nil
}

// Unlock releases one level of m's reentrant hold, or the underlying
// mutex entirely once the outermost Lock call is matched.
func (m *Mutex) Unlock() {
	m.stateMu.Lock()
	m.reentry--
	outermost := m.reentry == 0
	if outermost {
		m.held = false
		m.holder = noHolder
	}
	m.stateMu.Unlock()
	if outermost {
		release(m.node, m.node.factory.policy)
		m.mu.Unlock()
	}
}

func (m *Mutex) tryReentrant() bool {
	g := currentGoroutine()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.held && m.holder == g {
		m.reentry++
		return true
	}
	return false
}

// String renders the wrapped node's description.
func (m *Mutex) String() string { return m.node.String() }

// RWMutex is a reentrant read/write lock pair sharing one graph node with
// its read and write sides (spec.md §4.6).
type RWMutex struct {
	node *node
	mu   sync.RWMutex

	stateMu sync.Mutex
	writer  int64
	writing bool
	reentry int

	readers map[int64]int
}

// Lock acquires the write side, reentrantly for the calling goroutine.
func (rw *RWMutex) Lock() error {
	policy := rw.node.factory.policy
	if err := observeAcquire(rw.node, policy); err != nil {
		return err
	}
	g := currentGoroutine()
	rw.stateMu.Lock()
	if rw.writing && rw.writer == g {
		rw.reentry++
		rw.stateMu.Unlock()
		return nil
	}
	rw.stateMu.Unlock()

	rw.mu.Lock()
	rw.stateMu.Lock()
	rw.writer = g
	rw.writing = true
	rw.reentry = 1
	rw.stateMu.Unlock()
	return nil
}

// Unlock releases the write side.
func (rw *RWMutex) Unlock() {
	rw.stateMu.Lock()
	rw.reentry--
	outermost := rw.reentry == 0
	if outermost {
		rw.writing = false
	}
	rw.stateMu.Unlock()
	if outermost {
		release(rw.node, rw.node.factory.policy)
		rw.mu.Unlock()
	}
}

// RLock acquires the read side. Acquiring it while already holding the
// write side is treated as reentrant on the shared node -- the downgrade
// case -- and does not take the underlying RWMutex's read lock (which
// would otherwise be redundant given the write lock already held).
func (rw *RWMutex) RLock() error {
	policy := rw.node.factory.policy
	g := currentGoroutine()

	rw.stateMu.Lock()
	if rw.writing && rw.writer == g {
		// downgrade: already holds the write side.
		rw.stateMu.Unlock()
		return observeAcquire(rw.node, policy)
	}
	rw.stateMu.Unlock()

	if err := observeAcquire(rw.node, policy); err != nil {
		return err
	}
	rw.mu.RLock()
	rw.stateMu.Lock()
	if rw.readers == nil {
		rw.readers = map[int64]int{}
	}
	rw.readers[g]++
	rw.stateMu.Unlock()
	return nil
}

// RUnlock releases the read side acquired via RLock.
func (rw *RWMutex) RUnlock() {
	g := currentGoroutine()
	rw.stateMu.Lock()
	if rw.writing && rw.writer == g {
		// downgrade case: RLock was a no-op against the underlying lock and
		// was ignored by the observer, so there is nothing to release.
		rw.stateMu.Unlock()
		return
	}
	rw.readers[g]--
	last := rw.readers[g] == 0
	if last {
		delete(rw.readers, g)
	}
	rw.stateMu.Unlock()
	if last {
		release(rw.node, rw.node.factory.policy)
	}
	rw.mu.RUnlock()
}

// String renders the wrapped node's description.
func (rw *RWMutex) String() string { return rw.node.String() }
