package service

import "fmt"

// IllegalStateError reports an operation attempted from a State that
// forbids it, e.g. calling notifyFailed on a New service.
type IllegalStateError struct {
	Op    string
	State State
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("service: illegal state for %s: %s", e.Op, e.State)
}

// FailedServiceError is returned by AwaitRunning/AwaitTerminated when the
// service under observation has transitioned to Failed instead of the
// state the caller awaited.
type FailedServiceError struct {
	Cause error
}

func (e *FailedServiceError) Error() string {
	return fmt.Sprintf("service: terminated with failure: %v", e.Cause)
}

func (e *FailedServiceError) Unwrap() error { return e.Cause }

// ManagerHealthError is raised by Manager.AwaitHealthy when a service
// fails before the fleet ever reaches healthy.
type ManagerHealthError struct {
	Failed []string
}

func (e *ManagerHealthError) Error() string {
	return fmt.Sprintf("service: manager failed to become healthy, failed services: %v", e.Failed)
}
