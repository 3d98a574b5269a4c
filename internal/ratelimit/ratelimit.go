// Package ratelimit paces byte streams with a fixed-slice token budget.
//
// A Limiter grants up to rate*slice bytes per time slice. When the budget of
// the current slice is spent, Reserve reports how long to wait until the next
// slice begins instead of sleeping, so callers running on an event loop can
// defer their I/O interest with a timer.
//
// A Limiter is safe for concurrent use; one instance may be shared by every
// session of a server to enforce a global limit.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultSlice is the time slice used by New.
const DefaultSlice = 100 * time.Millisecond

// Limiter implements the fixed-slice budget.
type Limiter struct {
	rate     int64 // bytes per second
	slice    time.Duration
	perSlice int64

	mu         sync.Mutex
	sliceStart time.Time
	used       int64
	now        func() time.Time
}

// New creates a limiter for the given bytes per second using DefaultSlice.
// It returns nil for a non-positive rate; a nil Limiter grants everything.
func New(bytesPerSecond int64) *Limiter {
	return NewWithSlice(bytesPerSecond, DefaultSlice)
}

// NewWithSlice creates a limiter with a custom time slice.
func NewWithSlice(bytesPerSecond int64, slice time.Duration) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if slice <= 0 {
		slice = DefaultSlice
	}
	perSlice := bytesPerSecond * int64(slice) / int64(time.Second)
	if perSlice < 1 {
		perSlice = 1
	}
	return &Limiter{
		rate:     bytesPerSecond,
		slice:    slice,
		perSlice: perSlice,
		now:      time.Now,
	}
}

// Rate returns the configured bytes per second, or 0 for a nil limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return l.rate
}

// Reserve consumes up to n bytes of the current slice budget.
//
// It returns the number of bytes granted. When nothing could be granted,
// wait is the time until the next slice starts.
func (l *Limiter) Reserve(n int) (granted int, wait time.Duration) {
	if l == nil {
		return n, 0
	}
	if n <= 0 {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	left, wait := l.availableLocked(l.now())
	if left <= 0 {
		return 0, wait
	}
	if int64(n) > left {
		n = int(left)
	}
	l.used += int64(n)
	return n, 0
}

// Available reports how many of n bytes the current slice could grant
// without consuming them, or the wait until the next slice when none could.
// Pair it with Charge when the real byte count is only known afterwards.
func (l *Limiter) Available(n int) (int, time.Duration) {
	if l == nil {
		return n, 0
	}
	if n <= 0 {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	left, wait := l.availableLocked(l.now())
	if left <= 0 {
		return 0, wait
	}
	return int(min(int64(n), left)), 0
}

// Charge consumes n bytes that were already transferred. It may overdraw the
// current slice; the excess is repaid from the following slices.
func (l *Limiter) Charge(n int) {
	if l == nil || n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.availableLocked(l.now())
	l.used += int64(n)
}

// availableLocked returns the bytes left in the current slice, rolling the
// slice forward when it has elapsed. Bytes used beyond the budget are carried
// into the following slices. Caller holds l.mu.
func (l *Limiter) availableLocked(now time.Time) (int64, time.Duration) {
	if l.sliceStart.IsZero() {
		l.sliceStart = now
	} else if elapsed := now.Sub(l.sliceStart); elapsed >= l.slice {
		n := int64(elapsed / l.slice)
		l.sliceStart = l.sliceStart.Add(time.Duration(n) * l.slice)
		l.used -= n * l.perSlice
		if l.used < 0 {
			l.used = 0
		}
	}
	left := l.perSlice - l.used
	if left <= 0 {
		return 0, l.sliceStart.Add(l.slice).Sub(now)
	}
	return left, 0
}

// Group applies several limiters at once; the most restrictive wins.
// Nil entries are ignored.
type Group []*Limiter

// Reserve grants the minimum budget available across the group and
// consumes it from every member. Members are not locked together, so
// concurrent groups sharing a limiter may overshoot one slice; the excess is
// repaid from the next slices.
func (g Group) Reserve(n int) (int, time.Duration) {
	if len(g) == 1 {
		return g[0].Reserve(n)
	}
	if n <= 0 {
		return 0, 0
	}
	granted := int64(n)
	var wait time.Duration

	active := g[:0:0]
	for _, l := range g {
		if l == nil {
			continue
		}
		active = append(active, l)
		l.mu.Lock()
		left, w := l.availableLocked(l.now())
		l.mu.Unlock()
		if left < granted {
			granted = left
		}
		if w > wait {
			wait = w
		}
	}
	if granted <= 0 {
		return 0, wait
	}

	for _, l := range active {
		l.mu.Lock()
		l.used += granted
		l.mu.Unlock()
	}
	return int(granted), 0
}

// Available is the group form of Limiter.Available: the smallest grant and
// the longest wait across members.
func (g Group) Available(n int) (int, time.Duration) {
	if n <= 0 {
		return 0, 0
	}
	granted := n
	var wait time.Duration
	for _, l := range g {
		got, w := l.Available(n)
		granted = min(granted, got)
		wait = max(wait, w)
	}
	if granted <= 0 {
		return 0, wait
	}
	return granted, 0
}

// Charge consumes n bytes from every member.
func (g Group) Charge(n int) {
	for _, l := range g {
		l.Charge(n)
	}
}
