package future

import "fmt"

// Unrecoverable marks a failure cause as arising from a programming error
// (a recovered panic) rather than ordinary business-logic failure. It is
// the Go stand-in for Guava's RuntimeException/Error vs. checked-exception
// split: AllSuccessful logs causes satisfying this interface at Error,
// and silently swallows everything else (spec.md §4.3, "Successful-as-list").
type Unrecoverable interface {
	error
	Unrecoverable() bool
}

// PanicError wraps a value recovered from a panic inside user-supplied
// code (a transform function, a fallback, a delegate subscription).
// Grounded on eventloop.PanicError's Unwrap-for-errors.Is/As pattern.
type PanicError struct {
	Op    string
	Value any
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("future: %s panicked: %v", e.Op, e.Value)
}

// Unrecoverable implements Unrecoverable; panics are always unrecoverable.
func (e *PanicError) Unrecoverable() bool { return true }

// Unwrap returns the recovered value if it was itself an error, enabling
// errors.Is/errors.As to see through to the original panic cause.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(op string, r any) *PanicError {
	return &PanicError{Op: op, Value: r}
}
