package future

import "runtime"

// callersStack fills buf with the current goroutine's stack trace,
// including the frames internal to this package, and returns the number of
// bytes written. Used only when CONCURCORE_CANCELLATION_TRACE is set.
func callersStack(buf []byte) int {
	return runtime.Stack(buf, false)
}
