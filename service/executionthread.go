package service

import "context"

// Runnable is the body of an execution-thread Service: its entire
// lifecycle IS a single worker (spec.md §4.4.2).
type Runnable interface {
	// StartUp runs once before Run. An error here fails the service
	// without Run or ShutDown ever being called.
	StartUp(ctx context.Context) error
	// Run is the service body; it should return (possibly with an error)
	// once ctx is cancelled. A non-nil return fails the service, but
	// ShutDown still runs; if ShutDown also errors, Run's cause wins
	// (spec.md §4.4.2).
	Run(ctx context.Context) error
	// ShutDown runs once, after Run has returned by any means.
	ShutDown(ctx context.Context) error
}

type executionThreadWorker struct {
	r       Runnable
	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// NewExecutionThreadService builds a Service whose entire lifecycle is
// driven by r: StartUp, then Run on its own goroutine (until StopAsync or
// a spontaneous return), then ShutDown. StopAsync cancels the
// context passed to Run -- r's triggerShutdown signal (spec.md §4.4.2).
func NewExecutionThreadService(r Runnable) *Service {
	w := &executionThreadWorker{r: r, runDone: make(chan struct{})}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	svc := NewService(Hooks{})
	svc.hooks.StartUp = func() error {
		if err := w.r.StartUp(w.ctx); err != nil {
			w.cancel()
			return err
		}
		go w.runLoop(svc)
		return nil
	}
	svc.hooks.ShutDown = w.shutDown
	return svc
}

func (w *executionThreadWorker) runLoop(svc *Service) {
	w.runErr = w.r.Run(w.ctx)
	close(w.runDone)
	// Drives the Running -> Stopping transition if the worker finished on
	// its own, without StopAsync ever being called; a no-op if StopAsync
	// already won that race (Service.StopAsync is itself idempotent).
	svc.StopAsync()
}

func (w *executionThreadWorker) shutDown() error {
	w.cancel()
	<-w.runDone
	shutErr := w.r.ShutDown(w.ctx)
	if w.runErr != nil {
		return w.runErr
	}
	return shutErr
}
