package reactor

import (
	"container/heap"
	"time"
)

// Timer is a callback scheduled on the loop goroutine.
type Timer struct {
	r     *Reactor
	when  time.Time
	fn    func()
	owner *Channel // aborted when fn fails; nil for reactor timers
	index int      // position in the heap, -1 once fired or canceled
}

// Cancel prevents the timer from firing. It reports whether the timer was
// still pending. Loop goroutine only.
func (t *Timer) Cancel() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.r.timers, t.index)
	t.index = -1
	return true
}

// Pending reports whether the timer has neither fired nor been canceled.
func (t *Timer) Pending() bool {
	return t != nil && t.index >= 0
}

// Reset reschedules a pending or expired timer to fire after d.
func (t *Timer) Reset(d time.Duration) {
	t.Cancel()
	t.when = time.Now().Add(d)
	heap.Push(&t.r.timers, t)
}

// Schedule runs fn on the loop goroutine once delay has elapsed. Loop
// goroutine only.
func (r *Reactor) Schedule(delay time.Duration, fn func()) *Timer {
	t := &Timer{
		r:    r,
		when: time.Now().Add(delay),
		fn:   fn,
	}
	heap.Push(&r.timers, t)
	return t
}

// Schedule runs fn on the loop goroutine once delay has elapsed. A panic in
// fn aborts the channel. Loop goroutine only.
func (c *Channel) Schedule(delay time.Duration, fn func()) *Timer {
	t := c.r.Schedule(delay, fn)
	t.owner = c
	return t
}

func (r *Reactor) runTimers(now time.Time) {
	for len(r.timers) > 0 {
		t := r.timers[0]
		if t.when.After(now) {
			return
		}
		heap.Pop(&r.timers)
		r.protect(t.owner, func() error {
			t.fn()
			return nil
		})
	}
}

// timerHeap is a min-heap ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h timerHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].when, true
}

func (h *timerHeap) clear() {
	for _, t := range *h {
		t.index = -1
	}
	*h = nil
}
