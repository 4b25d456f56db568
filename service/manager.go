package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/concurcore/serialexec"
)

// ManagerListener observes fleet-wide transitions. Each callback fires at
// most once, on the same logical transition, for the Manager's lifetime
// (spec.md §4.4.4).
type ManagerListener interface {
	// Healthy fires the first time every managed service is
	// simultaneously Running. It never fires if any service fails before
	// that point.
	Healthy()
	// Stopped fires once every managed service has reached a terminal
	// state (Terminated or Failed).
	Stopped()
	// Failure fires once per service that ever enters Failed.
	Failure(s *Service)
}

// NoopManagerListener is embeddable by observers only interested in a
// subset of ManagerListener's callbacks.
type NoopManagerListener struct{}

func (NoopManagerListener) Healthy()         {}
func (NoopManagerListener) Stopped()         {}
func (NoopManagerListener) Failure(*Service) {}

// Manager coordinates the lifecycle of a fixed fleet of services,
// mirroring Guava's ServiceManager (spec.md §4.4.4).
type Manager struct {
	services []*Service

	mu          sync.Mutex
	states      map[*Service]State
	startingAt  map[*Service]time.Time
	startupTime map[*Service]time.Duration

	healthyFired bool
	stoppedFired bool
	anyFailed    bool
	healthyCh    chan struct{}
	stoppedCh    chan struct{}
	failedCh     chan struct{}

	listeners []registeredManagerListener
}

type registeredManagerListener struct {
	l        ManagerListener
	dispatch *serialexec.Serializer
}

// NewManager builds a Manager over services, registering an internal
// listener on each to track fleet-wide state.
func NewManager(services ...*Service) *Manager {
	m := &Manager{
		services:    services,
		states:      make(map[*Service]State, len(services)),
		startingAt:  make(map[*Service]time.Time, len(services)),
		startupTime: make(map[*Service]time.Duration, len(services)),
		healthyCh:   make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		failedCh:    make(chan struct{}),
	}
	for _, s := range services {
		m.states[s] = s.State()
	}
	if len(services) == 0 {
		close(m.healthyCh)
		close(m.stoppedCh)
		m.healthyFired = true
		m.stoppedFired = true
	}
	for _, s := range services {
		s.AddListener(&managerServiceObserver{m: m, s: s}, serialexec.GoExecutor)
	}
	return m
}

// managerServiceObserver relays one service's transitions into the
// Manager's aggregate bookkeeping.
type managerServiceObserver struct {
	NoopListener
	m *Manager
	s *Service
}

func (o *managerServiceObserver) Starting() {
	o.m.mu.Lock()
	o.m.startingAt[o.s] = time.Now()
	o.m.states[o.s] = Starting
	o.m.mu.Unlock()
}

func (o *managerServiceObserver) Running() {
	o.m.mu.Lock()
	if begin, ok := o.m.startingAt[o.s]; ok {
		o.m.startupTime[o.s] = time.Since(begin)
	}
	o.m.states[o.s] = Running
	o.m.checkHealthyLocked()
	o.m.mu.Unlock()
}

func (o *managerServiceObserver) Stopping(from State) {
	o.m.mu.Lock()
	if from == Starting {
		if begin, ok := o.m.startingAt[o.s]; ok {
			o.m.startupTime[o.s] = time.Since(begin)
		}
	}
	o.m.states[o.s] = Stopping
	o.m.mu.Unlock()
}

func (o *managerServiceObserver) Terminated(State) {
	o.m.mu.Lock()
	o.m.states[o.s] = Terminated
	o.m.checkStoppedLocked()
	o.m.mu.Unlock()
}

func (o *managerServiceObserver) Failed(from State, cause error) {
	o.m.mu.Lock()
	o.m.states[o.s] = Failed
	o.m.checkStoppedLocked()
	if !o.m.anyFailed {
		o.m.anyFailed = true
		close(o.m.failedCh)
	}
	ls := append([]registeredManagerListener(nil), o.m.listeners...)
	o.m.mu.Unlock()

	for _, rl := range ls {
		rl := rl
		s := o.s
		rl.dispatch.Execute(func() { rl.l.Failure(s) })
	}
}

// checkHealthyLocked must be called with m.mu held.
func (m *Manager) checkHealthyLocked() {
	if m.healthyFired {
		return
	}
	for _, s := range m.services {
		if m.states[s] != Running {
			return
		}
	}
	m.healthyFired = true
	close(m.healthyCh)
	ls := append([]registeredManagerListener(nil), m.listeners...)
	for _, rl := range ls {
		rl := rl
		rl.dispatch.Execute(func() { rl.l.Healthy() })
	}
}

// checkStoppedLocked must be called with m.mu held.
func (m *Manager) checkStoppedLocked() {
	if m.stoppedFired {
		return
	}
	for _, s := range m.services {
		if !m.states[s].IsTerminal() {
			return
		}
	}
	m.stoppedFired = true
	close(m.stoppedCh)
	ls := append([]registeredManagerListener(nil), m.listeners...)
	for _, rl := range ls {
		rl := rl
		rl.dispatch.Execute(func() { rl.l.Stopped() })
	}
}

// AddListener registers l to observe fleet transitions, dispatched on
// exec, serialized per-listener. If Healthy or Stopped has already fired,
// l is invoked immediately for the events it missed; Failure events that
// happened before registration are not replayed.
func (m *Manager) AddListener(l ManagerListener, exec serialexec.Executor) {
	m.mu.Lock()
	rl := registeredManagerListener{l: l, dispatch: serialexec.New(exec)}
	m.listeners = append(m.listeners, rl)
	healthy, stopped := m.healthyFired, m.stoppedFired
	m.mu.Unlock()

	if healthy {
		rl.dispatch.Execute(func() { l.Healthy() })
	}
	if stopped {
		rl.dispatch.Execute(func() { l.Stopped() })
	}
}

// StartAsync starts every managed service concurrently and returns
// immediately.
func (m *Manager) StartAsync() *Manager {
	var g errgroup.Group
	for _, s := range m.services {
		s := s
		g.Go(func() error {
			s.StartAsync()
			return nil
		})
	}
	_ = g.Wait()
	return m
}

// StopAsync requests every managed service stop and returns immediately.
func (m *Manager) StopAsync() *Manager {
	var g errgroup.Group
	for _, s := range m.services {
		s := s
		g.Go(func() error {
			s.StopAsync()
			return nil
		})
	}
	_ = g.Wait()
	return m
}

// AwaitHealthy blocks until Healthy would fire, or returns a
// *ManagerHealthError the instant any service fails first -- Failed is a
// terminal state (spec.md §4.4.1), so a failed service can never later
// become Running and there is no need to wait for more of them to settle
// (spec.md §4.4.4, "raise illegal-state").
func (m *Manager) AwaitHealthy(ctx context.Context) error {
	select {
	case <-m.healthyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.failedCh:
		select {
		case <-m.healthyCh:
			// healthy won the race against the failure notification.
			return nil
		default:
			return &ManagerHealthError{Failed: m.failedServiceNames()}
		}
	}
}

func (m *Manager) failedServiceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedServiceNamesLocked()
}

func (m *Manager) failedServiceNamesLocked() []string {
	var out []string
	for _, s := range m.services {
		if m.states[s] == Failed {
			out = append(out, s.String())
		}
	}
	slices.Sort(out) // deterministic ordering for ManagerHealthError messages.
	return out
}

// AwaitStopped blocks until every managed service has reached a terminal
// state.
func (m *Manager) AwaitStopped(ctx context.Context) error {
	select {
	case <-m.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsHealthy reports whether every managed service is Running right now.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if m.states[s] != Running {
			return false
		}
	}
	return true
}

// ServicesByState returns a snapshot mapping each observed state to the
// services currently in it.
func (m *Manager) ServicesByState() map[State][]*Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State][]*Service, len(m.states))
	for _, s := range m.services {
		st := m.states[s]
		out[st] = append(out[st], s)
	}
	return out
}

// StartupTimes returns, per service, the duration spent in Starting.
// Services that have not yet finished starting are omitted.
func (m *Manager) StartupTimes() map[*Service]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.startupTime)
}
