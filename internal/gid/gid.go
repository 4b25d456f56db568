// Package gid provides a best-effort per-goroutine identity, used where a
// component needs thread-local-shaped state (e.g. cyclelock's per-goroutine
// holder stack) and a context.Context isn't available at every call site.
//
// Go deliberately has no supported API for this; the technique below (parse
// the "goroutine N [...]" header out of a runtime.Stack dump) is the common
// workaround, and is only ever used as a map key — never for anything
// safety-critical on its own.
package gid

import (
	"runtime"
	"strconv"
	"sync"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// Current returns an identifier for the calling goroutine. It is stable for
// the lifetime of the goroutine and is not reused until the runtime reuses
// the underlying goroutine slot, which in practice means it's safe to use as
// a map key for "this thread of control" bookkeeping.
//
// Returns 0 if the identifier could not be parsed; callers must treat 0 as a
// valid (if unlucky) id rather than an error, since runtime.Stack's output
// format is not a committed API.
func Current() int64 {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	b := *bp
	for {
		n := runtime.Stack(b, false)
		if n < len(b) {
			b = b[:n]
			break
		}
		b = make([]byte, len(b)*2)
	}
	// expected prefix: "goroutine 123 [running]:\n"
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
