package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/concurcore/internal/xlog"
	"github.com/joeycumines/concurcore/serialexec"
)

// Listener observes a Service's lifecycle transitions. Every method is
// optional: embed NoopListener to avoid implementing methods a particular
// observer doesn't care about.
type Listener interface {
	Starting()
	Running()
	Stopping(from State)
	Terminated(from State)
	Failed(from State, cause error)
}

// NoopListener is embeddable by callers that only care about a subset of
// Listener's callbacks.
type NoopListener struct{}

func (NoopListener) Starting()           {}
func (NoopListener) Running()            {}
func (NoopListener) Stopping(State)      {}
func (NoopListener) Terminated(State)    {}
func (NoopListener) Failed(State, error) {}

// Hooks are the user-supplied lifecycle callbacks for a plain Service,
// the direct analogue of Guava's AbstractService.doStart/doStop: startUp
// is expected to kick off whatever asynchronous work the service performs
// and eventually call the Service's NotifyStarted/NotifyFailed; shutDown
// likewise must eventually call NotifyStopped/NotifyFailed. Both may
// instead simply run to completion and return, in which case the Service
// wrapper calls NotifyStarted/NotifyStopped for them.
type Hooks struct {
	// StartUp is invoked once, on its own goroutine, when StartAsync is
	// called. Returning an error fails the service.
	StartUp func() error
	// ShutDown is invoked once, on its own goroutine, after the service
	// enters Stopping: from Running when StopAsync is called, or from
	// Starting once StartUp returns if StopAsync arrived during startup.
	// Matching Guava, ShutDown is NOT called if StartUp itself errors.
	ShutDown func() error
}

// Service is a component with an explicit start/stop lifecycle, mirroring
// Guava's Service/AbstractService (spec.md §4.4.1). Listener dispatch for
// a single Service is itself serialized (via serialexec.Serializer) so
// that a slow or blocking listener never reorders callbacks relative to
// one another, while never requiring the Service's own state lock to be
// held during listener dispatch (spec.md §4.4.1, "Reentrancy").
type Service struct {
	hooks Hooks

	mu                          sync.Mutex
	state                       State
	shutdownWhenStartupFinishes bool
	reachedRunning              bool
	failureCause                error
	runningCh, terminalCh       chan struct{}

	listeners []registeredListener
}

type registeredListener struct {
	l        Listener
	dispatch *serialexec.Serializer
}

// NewService constructs a Service in state New, driven by hooks.
func NewService(hooks Hooks) *Service {
	return &Service{
		hooks:      hooks,
		state:      New,
		runningCh:  make(chan struct{}),
		terminalCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureCause returns the cause passed to the first NotifyFailed call, or
// nil if the service has not failed.
func (s *Service) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCause
}

// String renders "service.Service[state]" in the style of Guava's
// Service.toString.
func (s *Service) String() string {
	return fmt.Sprintf("service.Service[%s]", s.State())
}

// AddListener registers l to observe every future state transition,
// dispatched on exec, serialized per-listener so callbacks for the same
// listener are never reordered or run concurrently with each other.
func (s *Service) AddListener(l Listener, exec serialexec.Executor) {
	s.mu.Lock()
	s.listeners = append(s.listeners, registeredListener{l: l, dispatch: serialexec.New(exec)})
	s.mu.Unlock()
}

func (s *Service) notify(fn func(Listener)) {
	s.mu.Lock()
	ls := append([]registeredListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, rl := range ls {
		rl := rl
		rl.dispatch.Execute(func() { fn(rl.l) })
	}
}

// StartAsync triggers startUp() on a fresh goroutine and returns
// immediately. Panics if the service is not New.
func (s *Service) StartAsync() *Service {
	s.mu.Lock()
	if s.state != New {
		s.mu.Unlock()
		panic(&IllegalStateError{Op: "StartAsync", State: s.state})
	}
	s.state = Starting
	s.mu.Unlock()

	s.notify(func(l Listener) { l.Starting() })

	go s.runStartUp()
	return s
}

func (s *Service) runStartUp() {
	var err error
	if s.hooks.StartUp != nil {
		err = safeCall(s.hooks.StartUp)
	}
	if err != nil {
		s.NotifyFailed(err)
		return
	}
	s.NotifyStarted()
}

// NotifyStarted transitions Starting -> Running (or, if a stopAsync
// arrived during Starting, directly begins shutdown instead of exposing
// Running at all). Returns an error if called from any state but
// Starting.
func (s *Service) NotifyStarted() error {
	s.mu.Lock()
	if s.state != Starting {
		st := s.state
		s.mu.Unlock()
		return &IllegalStateError{Op: "NotifyStarted", State: st}
	}
	deferred := s.shutdownWhenStartupFinishes
	if deferred {
		// this cell never becomes Running -- close runningCh here too, so
		// AwaitRunning (service.go, below) unblocks instead of hanging until
		// its context expires (spec.md §4.4.1, "deferred stop").
		s.state = Stopping
		close(s.runningCh)
	} else {
		s.state = Running
		s.reachedRunning = true
		close(s.runningCh)
	}
	s.mu.Unlock()

	if deferred {
		s.notify(func(l Listener) { l.Stopping(Starting) })
		go s.runShutDown(Starting)
		return nil
	}
	s.notify(func(l Listener) { l.Running() })
	return nil
}

// StopAsync requests the service stop. From New, it shortcuts directly to
// Terminated without invoking either hook (spec.md §4.4.1). From Starting,
// it defers: exactly one Stopping callback fires once NotifyStarted is
// eventually called. From Running, it transitions to Stopping and invokes
// shutDown(). It is a no-op from any terminal state or from Stopping.
func (s *Service) StopAsync() *Service {
	s.mu.Lock()
	switch s.state {
	case New:
		s.state = Terminated
		close(s.runningCh)
		close(s.terminalCh)
		s.mu.Unlock()
		s.notify(func(l Listener) { l.Terminated(New) })
		return s
	case Starting:
		if s.shutdownWhenStartupFinishes {
			s.mu.Unlock()
			return s
		}
		s.shutdownWhenStartupFinishes = true
		s.mu.Unlock()
		return s
	case Running:
		s.state = Stopping
		s.mu.Unlock()
		s.notify(func(l Listener) { l.Stopping(Running) })
		go s.runShutDown(Running)
		return s
	default:
		s.mu.Unlock()
		return s
	}
}

func (s *Service) runShutDown(from State) {
	var err error
	if s.hooks.ShutDown != nil {
		err = safeCall(s.hooks.ShutDown)
	}
	if err != nil {
		s.NotifyFailed(err)
		return
	}
	s.NotifyStopped()
}

// NotifyStopped transitions Stopping -> Terminated. Returns an error if
// called from any state but Stopping.
func (s *Service) NotifyStopped() error {
	s.mu.Lock()
	if s.state != Stopping {
		st := s.state
		s.mu.Unlock()
		return &IllegalStateError{Op: "NotifyStopped", State: st}
	}
	from := Stopping
	s.state = Terminated
	close(s.terminalCh)
	s.mu.Unlock()

	s.notify(func(l Listener) { l.Terminated(from) })
	return nil
}

// NotifyFailed records cause as the failure reason and transitions to
// Failed. Only the first call has effect (spec.md §4.4.1, "Failure
// idempotence"): from Failed it is a no-op returning nil. It is illegal to
// call from New or Terminated.
func (s *Service) NotifyFailed(cause error) error {
	s.mu.Lock()
	from := s.state
	if from == Failed {
		// already failed: a no-op, not illegal-state -- the first cause
		// stands (spec.md §4.4.1, "Failure idempotence").
		s.mu.Unlock()
		return nil
	}
	if from == New || from == Terminated {
		s.mu.Unlock()
		return &IllegalStateError{Op: "NotifyFailed", State: from}
	}
	s.failureCause = cause
	s.state = Failed
	if from == Starting {
		close(s.runningCh)
	}
	close(s.terminalCh)
	s.mu.Unlock()

	xlog.Default().Error("service failed", xlog.F("from", from.String()), xlog.F("cause", cause))
	s.notify(func(l Listener) { l.Failed(from, cause) })
	return nil
}

// AwaitRunning blocks until the service reaches Running, or returns
// ctx.Err() if ctx expires first. Once Running has actually been reached,
// later calls always succeed even if the service has since moved on,
// matching Guava's one-shot runningFuture. If the service instead fails
// while starting, it returns a *FailedServiceError; if a StopAsync during
// Starting skips Running entirely (spec.md §4.4.1, "deferred stop"), it
// returns an *IllegalStateError rather than reporting success for a state
// the service never actually reached.
func (s *Service) AwaitRunning(ctx context.Context) error {
	select {
	case <-s.runningCh:
		s.mu.Lock()
		reached, st, cause := s.reachedRunning, s.state, s.failureCause
		s.mu.Unlock()
		if reached {
			return nil
		}
		if st == Failed {
			return &FailedServiceError{Cause: cause}
		}
		return &IllegalStateError{Op: "AwaitRunning", State: st}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitTerminated blocks until the service reaches a terminal state. If it
// terminates via Failed, the error returned wraps the failure cause.
func (s *Service) AwaitTerminated(ctx context.Context) error {
	select {
	case <-s.terminalCh:
		if st := s.State(); st == Failed {
			return &FailedServiceError{Cause: s.FailureCause()}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("service: hook panicked: %v", r)
			}
		}
	}()
	return fn()
}
