// Package reactor implements a single-goroutine, cooperative I/O dispatcher.
//
// A Reactor owns a set of Channels. Socket reads and writes are performed by
// small pump goroutines, one pair per channel, which never touch channel
// state: they post completion events to the reactor queue. Every handler
// callback, timer and submitted function runs on the goroutine that calls
// RunOnce, so code reacting to events needs no locking.
//
// Concurrency model:
//
//  1. Loop goroutine: the caller of RunOnce (usually a worker.Worker poll
//     hook). It owns the channel registry, the timer heap and all Channel
//     fields. Register, Schedule, Listen, Dial and every Channel method must
//     be called from it.
//
//  2. Pump goroutines: a reader and a writer per channel, plus one per
//     Acceptor or pending Dial. A reader only reads after the loop armed it
//     (read interest); a writer only writes a chunk handed to it by the loop
//     (write interest). Neither blocks the loop.
//
//  3. Other goroutines: they may only call Submit and Wake. Submitted
//     functions run at the start of the next iteration.
//
// A handler that returns an error or panics is logged and its channel is
// aborted; other channels of the same iteration are unaffected.
package reactor

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when operating on a closed Reactor.
var ErrClosed = errors.New("reactor: closed")

const (
	// DefaultReadSize is the largest read handed to a reader pump.
	DefaultReadSize = 32 * 1024
	// DefaultWriteSize is the largest chunk handed to a writer pump.
	DefaultWriteSize = 64 * 1024
	// DefaultPollTimeout bounds a single RunOnce wait in Run.
	DefaultPollTimeout = 100 * time.Millisecond

	eventQueueSize = 4096
	maxBatch       = 1024
)

// Handle identifies a channel within its reactor. Handles are never reused.
type Handle uint64

// event is a completion posted by a pump goroutine.
type event struct {
	ch *Channel // nil for acceptor and dial completions
	fn func()
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithLogger sets the reactor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) {
		r.logger = logger
	}
}

// WithName sets the name attached to log records.
func WithName(name string) Option {
	return func(r *Reactor) {
		r.name = name
	}
}

// WithReadSize sets the largest single read.
func WithReadSize(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.readSize = n
		}
	}
}

// WithWriteSize sets the largest single write.
func WithWriteSize(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.writeSize = n
		}
	}
}

// Reactor multiplexes channel events onto one goroutine.
type Reactor struct {
	name      string
	logger    *slog.Logger
	readSize  int
	writeSize int

	events chan event
	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	mu      sync.Mutex // guards pending
	pending []func()

	// Loop goroutine only.
	channels   map[Handle]*Channel
	acceptors  map[*Acceptor]struct{}
	dials      map[*Dialing]struct{}
	nextHandle Handle
	timers     timerHeap
	serviced   map[Handle]struct{}
}

// New returns an idle Reactor.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		name:      "reactor",
		logger:    slog.Default(),
		readSize:  DefaultReadSize,
		writeSize: DefaultWriteSize,
		events:    make(chan event, eventQueueSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		channels:  make(map[Handle]*Channel),
		acceptors: make(map[*Acceptor]struct{}),
		dials:     make(map[*Dialing]struct{}),
		serviced:  make(map[Handle]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the reactor name.
func (r *Reactor) Name() string {
	return r.name
}

// Logger returns the reactor logger.
func (r *Reactor) Logger() *slog.Logger {
	return r.logger
}

// Len returns the number of registered channels. Loop goroutine only.
func (r *Reactor) Len() int {
	return len(r.channels)
}

// Closed reports whether Close was called. Safe from any goroutine.
func (r *Reactor) Closed() bool {
	return r.closed.Load()
}

// Submit queues fn to run on the loop goroutine at the start of the next
// iteration. Safe from any goroutine.
func (r *Reactor) Submit(fn func()) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
	r.Wake()
	return nil
}

// Wake interrupts a RunOnce blocked waiting for events. Safe from any
// goroutine.
func (r *Reactor) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// post hands an event to the loop. It gives up when quit or the reactor is
// closed, reporting whether the event was queued.
func (r *Reactor) post(ev event, quit <-chan struct{}) bool {
	select {
	case r.events <- ev:
		return true
	case <-quit:
		return false
	case <-r.done:
		return false
	}
}

// RunOnce performs one wait-and-dispatch pass.
//
// It runs submitted functions, waits up to timeout (less if a timer is due
// sooner) for pump events, dispatches every queued event, then fires due
// timers. It returns the number of distinct channels serviced.
func (r *Reactor) RunOnce(timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	clear(r.serviced)

	r.runPending()

	wait := timeout
	if due, ok := r.timers.next(); ok {
		if d := time.Until(due); d < wait {
			wait = d
		}
	}

	if wait > 0 && len(r.events) == 0 {
		t := time.NewTimer(wait)
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.wake:
		case <-t.C:
		case <-r.done:
		}
		t.Stop()
	}

drain:
	for i := 0; i < maxBatch; i++ {
		select {
		case ev := <-r.events:
			r.handle(ev)
		default:
			break drain
		}
	}

	r.runPending()
	r.runTimers(time.Now())

	return len(r.serviced), nil
}

// Run calls RunOnce until the reactor is closed or stop is closed.
func (r *Reactor) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if _, err := r.RunOnce(DefaultPollTimeout); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (r *Reactor) handle(ev event) {
	if ev.ch != nil {
		if r.channels[ev.ch.h] != ev.ch {
			// Stale completion for a channel closed in the meantime.
			return
		}
		r.serviced[ev.ch.h] = struct{}{}
	}
	r.protect(ev.ch, func() error {
		ev.fn()
		return nil
	})
}

func (r *Reactor) runPending() {
	r.mu.Lock()
	fns := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, fn := range fns {
		r.protect(nil, func() error {
			fn()
			return nil
		})
	}
}

// protect runs fn, recovering panics. A failure aborts ch when given.
func (r *Reactor) protect(ch *Channel, fn func() error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				r.logger.Debug("reactor_panic_stack",
					"reactor", r.name,
					"stack", string(debug.Stack()),
				)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	if ch == nil {
		r.logger.Error("reactor_callback_failed",
			"reactor", r.name,
			"error", err,
		)
		return
	}
	r.logger.Error("channel_handler_failed",
		"reactor", r.name,
		"handle", uint64(ch.h),
		"remote_addr", addrString(ch.RemoteAddr()),
		"error", err,
	)
	ch.terminate(err)
}

// Register adds conn to the reactor and starts its pumps. Loop goroutine
// only; other goroutines wrap the call in Submit.
func (r *Reactor) Register(conn net.Conn, h Handler, opts ...ChannelOption) *Channel {
	r.nextHandle++
	c := newChannel(r, r.nextHandle, conn, h)
	for _, opt := range opts {
		opt(c)
	}
	if r.closed.Load() {
		c.terminate(ErrClosed)
		return c
	}
	r.channels[c.h] = c
	go c.readLoop()
	go c.writeLoop()
	c.armRead()
	return c
}

// Channel returns the registered channel for h, or nil.
func (r *Reactor) Channel(h Handle) *Channel {
	return r.channels[h]
}

// Channels calls fn for every registered channel. Loop goroutine only.
func (r *Reactor) Channels(fn func(*Channel)) {
	for _, c := range r.channels {
		fn(c)
	}
}

// CloseAll closes every channel and acceptor and cancels pending dials.
// Loop goroutine only.
func (r *Reactor) CloseAll(flush bool) {
	for a := range r.acceptors {
		a.Close()
	}
	for d := range r.dials {
		d.Cancel()
	}
	for _, c := range r.channels {
		c.Close(flush)
	}
}

// Close aborts every channel and stops accepting work. Loop goroutine only.
func (r *Reactor) Close() {
	if r.closed.Load() {
		return
	}
	r.closed.Store(true)
	// Work submitted before Close still runs; a Register in it sees the
	// reactor closed and terminates its channel.
	r.runPending()
	r.CloseAll(false)
	close(r.done)
	r.timers.clear()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
