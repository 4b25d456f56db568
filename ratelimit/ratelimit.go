// Package ratelimit implements a smooth, optionally warming-up token
// bucket rate limiter, mirroring Guava's RateLimiter (spec.md §4.7).
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// for testing purposes; grounded on catrate.limiter.go's package-level
// timeNow/timeNewTicker injection idiom.
var timeNow = time.Now

const coldFactor = 3.0

// Limiter is a token-bucket rate limiter. The zero value is not usable;
// construct with New or NewWarmingUp.
type Limiter struct {
	mu sync.Mutex

	infinite bool
	rate     float64 // permits/second

	stableIntervalMicros float64
	maxPermits           float64
	slope                float64 // 0 for a non-warming-up limiter
	warmupPeriod         time.Duration

	storedPermits  float64
	nextFreeTicket time.Time
	initialized    bool
}

// New builds a Limiter with no warm-up: every permit costs exactly
// 1/rate seconds once the bucket runs out of initial credit.
func New(rate float64) *Limiter {
	l := &Limiter{}
	l.SetRate(rate)
	return l
}

// NewWarmingUp builds a Limiter that starts "cold": permits initially
// cost up to 3x the stable interval, decreasing linearly to the stable
// interval as the bucket is used, per the schedule in spec.md §4.7.
func NewWarmingUp(rate float64, warmupPeriod time.Duration) *Limiter {
	l := &Limiter{warmupPeriod: warmupPeriod}
	l.SetRate(rate)
	return l
}

func (l *Limiter) now() time.Time {
	if !l.initialized {
		l.nextFreeTicket = timeNow()
		l.initialized = true
	}
	return timeNow()
}

// SetRate updates the permit rate without discarding stored-permit state;
// debts already reserved under the old rate are settled at the old rate,
// since only the fields used by future reservations change here
// (spec.md §4.7, "setRate").
func (l *Limiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.resyncLocked(now)

	if math.IsInf(rate, 1) {
		l.infinite = true
		l.rate = rate
		l.stableIntervalMicros = 0
		l.maxPermits = 0
		l.slope = 0
		l.storedPermits = 0
		return
	}

	oldMaxPermits := l.maxPermits
	l.infinite = false
	l.rate = rate
	l.stableIntervalMicros = 1e6 / rate

	if l.warmupPeriod > 0 {
		l.maxPermits = 0.5 * l.warmupPeriod.Seconds() * 1e6 / l.stableIntervalMicros
		coldIntervalMicros := coldFactor * l.stableIntervalMicros
		l.slope = (coldIntervalMicros - l.stableIntervalMicros) / l.maxPermits
	} else {
		l.maxPermits = 0
		l.slope = 0
	}

	if oldMaxPermits > 0 {
		l.storedPermits = l.storedPermits * l.maxPermits / oldMaxPermits
	} else if l.warmupPeriod > 0 {
		// a warming-up limiter starts cold: a full bucket of stored permits.
		l.storedPermits = l.maxPermits
	} else {
		l.storedPermits = math.Min(l.storedPermits, l.maxPermits)
	}
}

// Rate returns the currently configured permits/second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// resyncLocked adds back any permits earned since nextFreeTicket, clamped
// to maxPermits, and advances nextFreeTicket to now if it had fallen
// behind. l.mu must be held. All differencing is done via time.Time.Sub,
// which uses the monotonic reading on both operands, so this is safe
// near any wall-clock wraparound point (spec.md §4.7, "Time wraparound").
func (l *Limiter) resyncLocked(now time.Time) {
	if now.After(l.nextFreeTicket) {
		elapsedSeconds := now.Sub(l.nextFreeTicket).Seconds()
		newPermits := elapsedSeconds * l.rate
		l.storedPermits = math.Min(l.maxPermits, l.storedPermits+newPermits)
		l.nextFreeTicket = now
	}
}

// storedPermitsToWaitMicros computes the microseconds needed to draw
// permitsToTake from storedPermits (out of storedPermits available
// before the draw), per the linear cost schedule described in spec.md
// §4.7 ("Warm-up variant"): cost per permit rises linearly from the
// stable interval to coldFactor times the stable interval across
// [0, maxPermits] stored permits.
func (l *Limiter) storedPermitsToWaitMicros(storedPermits, permitsToTake float64) float64 {
	if l.slope == 0 {
		return 0
	}
	permitToTime := func(p float64) float64 {
		return l.stableIntervalMicros + l.slope*p
	}
	heightBefore := permitToTime(storedPermits)
	heightAfter := permitToTime(storedPermits - permitsToTake)
	return permitsToTake * (heightBefore + heightAfter) / 2
}

// reserve advances the bucket state for permits and returns the instant
// at which the caller may actually begin using them.
func (l *Limiter) reserve(now time.Time, permits float64) time.Time {
	l.resyncLocked(now)

	momentAvailable := l.nextFreeTicket
	storedToSpend := math.Min(permits, l.storedPermits)
	freshPermits := permits - storedToSpend

	waitMicros := l.storedPermitsToWaitMicros(l.storedPermits, storedToSpend) + freshPermits*l.stableIntervalMicros

	l.storedPermits -= storedToSpend
	l.nextFreeTicket = momentAvailable.Add(time.Duration(waitMicros) * time.Microsecond)
	return momentAvailable
}

// Acquire blocks (uninterruptibly with respect to ctx -- see
// AcquireContext for a cancellable variant) until n permits are
// available, then returns how long the call actually waited. A limiter
// configured with an infinite rate never waits (spec.md §4.7, "Infinite
// rate").
func (l *Limiter) Acquire(n int) time.Duration {
	d, _ := l.acquire(context.Background(), n, false)
	return d
}

// AcquireContext is Acquire, except the wait can be aborted by ctx; on
// cancellation, the reservation already made is NOT undone (permits were
// already committed to this caller, matching acquire's "reserve first,
// sleep outside the lock" contract), and ctx.Err() is returned.
func (l *Limiter) AcquireContext(ctx context.Context, n int) (time.Duration, error) {
	return l.acquire(ctx, n, true)
}

func (l *Limiter) acquire(ctx context.Context, n int, interruptible bool) (time.Duration, error) {
	l.mu.Lock()
	now := l.now()
	if l.infinite {
		l.mu.Unlock()
		return 0, nil
	}
	momentAvailable := l.reserve(now, float64(n))
	l.mu.Unlock()

	wait := momentAvailable.Sub(now)
	if wait <= 0 {
		return 0, nil
	}
	if !interruptible {
		time.Sleep(wait)
		return wait, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return wait, nil
	case <-ctx.Done():
		return wait, ctx.Err()
	}
}

// TryAcquire attempts to reserve n permits without exceeding timeout of
// wait, sleeping for that wait if successful. It returns false (and
// reserves nothing) if satisfying the request would require waiting
// longer than timeout (spec.md §4.7, "tryAcquire").
func (l *Limiter) TryAcquire(n int, timeout time.Duration) bool {
	l.mu.Lock()
	now := l.now()
	if l.infinite {
		l.mu.Unlock()
		return true
	}
	l.resyncLocked(now)

	current := l.nextFreeTicket
	storedToSpend := math.Min(float64(n), l.storedPermits)
	freshPermits := float64(n) - storedToSpend
	waitMicros := l.storedPermitsToWaitMicros(l.storedPermits, storedToSpend) + freshPermits*l.stableIntervalMicros
	momentAvailable := current.Add(time.Duration(waitMicros) * time.Microsecond)
	requiredWait := current.Sub(now)

	if requiredWait > timeout {
		l.mu.Unlock()
		return false
	}

	l.storedPermits -= storedToSpend
	l.nextFreeTicket = momentAvailable
	l.mu.Unlock()

	if requiredWait > 0 {
		time.Sleep(requiredWait)
	}
	return true
}
