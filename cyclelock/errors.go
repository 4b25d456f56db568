package cyclelock

import "fmt"

// PotentialDeadlockError is raised (or logged, under WARN) when acquiring
// a lock would complete a cycle in the global lock-ordering graph, or
// would violate an explicit rank ordering (spec.md §4.6).
type PotentialDeadlockError struct {
	Message string
}

func (e *PotentialDeadlockError) Error() string {
	return fmt.Sprintf("cyclelock: potential deadlock: %s", e.Message)
}

// IllegalLockStateError is raised when acquiring a second, distinct lock
// of the same explicit rank while already holding one, non-reentrantly
// (spec.md §4.6, "Explicit ordering").
type IllegalLockStateError struct {
	Message string
}

func (e *IllegalLockStateError) Error() string {
	return fmt.Sprintf("cyclelock: illegal lock state: %s", e.Message)
}
