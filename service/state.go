// Package service provides a lifecycle state machine for long-running
// components, plus a Manager that coordinates a fleet of them. It mirrors
// Guava's Service/AbstractService/ServiceManager, redesigned around Go
// channels and contexts instead of listenable futures.
package service

import "sync/atomic"

// State is a point in a Service's lifecycle.
type State uint32

const (
	// New indicates the service has been constructed but not started.
	New State = iota
	// Starting indicates startAsync has been called; startUp is running.
	Starting
	// Running indicates the service has started and is operating normally.
	Running
	// Stopping indicates stopAsync has been called on a Running service, or
	// a Starting service whose startup has since finished.
	Stopping
	// Terminated indicates the service has stopped cleanly. A terminal state.
	Terminated
	// Failed indicates the service has failed in some state. A terminal state.
	Failed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Terminated:
		return "TERMINATED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is a terminal state (Terminated or Failed).
func (s State) IsTerminal() bool {
	return s == Terminated || s == Failed
}

// fastState is a lock-free holder for a State, CAS-based like
// eventloop.FastState, since transitions here are similarly validated by
// the caller rather than by the primitive itself.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
