// Package worker runs a unit of repeatable work on a dedicated goroutine
// with ordered lifecycle hooks.
//
// Each start/stop cycle fires the hooks in exactly this order:
//
//	BeforeStart, Poll (one or more times), BeforeStop, AfterStop
//
// no matter how many goroutines call Start or Stop concurrently. Stop blocks
// until AfterStop has returned, so a caller that sees Stop return can rely on
// every side effect of the cycle being visible.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Worker.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrAlreadyStarted is returned by Start when the worker is running.
var ErrAlreadyStarted = errors.New("worker: already started")

// Hooks is the strategy a Worker drives.
//
// BeforeStart, BeforeStop and AfterStop errors are returned to the caller of
// the lifecycle operation that triggered them. Poll errors are logged and the
// loop keeps going.
type Hooks interface {
	BeforeStart() error
	Poll() error
	BeforeStop() error
	AfterStop() error
}

// Waker is implemented by hooks whose Poll may block for a bounded time.
// Wake is called from the goroutine requesting the stop so that a pending
// Poll returns early.
type Waker interface {
	Wake()
}

// Funcs adapts plain functions to Hooks. Nil fields are no-ops.
type Funcs struct {
	OnBeforeStart func() error
	OnPoll        func() error
	OnBeforeStop  func() error
	OnAfterStop   func() error
	OnWake        func()
}

func (f Funcs) BeforeStart() error { return call(f.OnBeforeStart) }
func (f Funcs) Poll() error        { return call(f.OnPoll) }
func (f Funcs) BeforeStop() error  { return call(f.OnBeforeStop) }
func (f Funcs) AfterStop() error   { return call(f.OnAfterStop) }

func (f Funcs) Wake() {
	if f.OnWake != nil {
		f.OnWake()
	}
}

func call(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the minimum delay between two Poll calls.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithLogger sets the logger used for Poll failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithName sets the name attached to log records.
func WithName(name string) Option {
	return func(w *Worker) {
		w.name = name
	}
}

// Worker drives Hooks on a background goroutine.
type Worker struct {
	hooks    Hooks
	interval time.Duration
	logger   *slog.Logger
	name     string

	// mu guards every field below; cond signals state changes.
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	cycle *cycle
}

// cycle holds the per start/stop round data.
type cycle struct {
	stop    chan struct{}
	done    chan struct{}
	stopped bool // stop already closed
	err     error
}

// New returns a Worker in the NotStarted state.
func New(hooks Hooks, opts ...Option) *Worker {
	w := &Worker{
		hooks:  hooks,
		logger: slog.Default(),
		name:   "worker",
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start spawns the worker goroutine and returns once BeforeStart completed.
// If BeforeStart fails the worker returns to Stopped and the error is
// returned; no other hook runs for that cycle.
func (w *Worker) Start() error {
	w.mu.Lock()
	for w.state == Starting || w.state == Stopping {
		w.cond.Wait()
	}
	if w.state == Running {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}

	c := &cycle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.cycle = c
	w.state = Starting
	w.mu.Unlock()

	started := make(chan error, 1)
	go w.run(c, started)

	if err := <-started; err != nil {
		return err
	}
	return nil
}

// Stop requests termination and blocks until BeforeStop and AfterStop have
// returned. Calling Stop on a worker that is not running returns nil.
//
// Stop must not be called from inside a hook; use RequestStop there.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for w.state == Starting {
		w.cond.Wait()
	}
	if w.state != Running && w.state != Stopping {
		w.mu.Unlock()
		return nil
	}
	c := w.cycle
	w.requestStopLocked(c)
	// A later Start may replace w.cycle once this one reached Stopped.
	for w.cycle == c && w.state != Stopped {
		w.cond.Wait()
	}
	err := c.err
	w.mu.Unlock()
	return err
}

// RequestStop asks the worker to stop without waiting. It is safe to call
// from inside a hook.
func (w *Worker) RequestStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Running {
		return
	}
	w.requestStopLocked(w.cycle)
}

func (w *Worker) requestStopLocked(c *cycle) {
	if c.stopped {
		return
	}
	c.stopped = true
	w.state = Stopping
	close(c.stop)
	w.cond.Broadcast()
	if waker, ok := w.hooks.(Waker); ok {
		waker.Wake()
	}
}

// Done returns a channel closed when the current cycle reaches Stopped.
// It returns a closed channel if the worker never started.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cycle == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.cycle.done
}

func (w *Worker) run(c *cycle, started chan<- error) {
	if err := guard(w.hooks.BeforeStart); err != nil {
		w.mu.Lock()
		w.state = Stopped
		c.err = err
		close(c.done)
		w.cond.Broadcast()
		w.mu.Unlock()
		started <- fmt.Errorf("%s: before start: %w", w.name, err)
		return
	}

	w.mu.Lock()
	// Stop callers wait out Starting, so no stop is pending yet.
	w.state = Running
	w.cond.Broadcast()
	w.mu.Unlock()
	started <- nil

	for {
		w.poll()

		if w.interval > 0 {
			t := time.NewTimer(w.interval)
			select {
			case <-c.stop:
				t.Stop()
			case <-t.C:
			}
		}

		select {
		case <-c.stop:
		default:
			continue
		}
		break
	}

	var errs []error
	if err := guard(w.hooks.BeforeStop); err != nil {
		errs = append(errs, fmt.Errorf("%s: before stop: %w", w.name, err))
	}
	if err := guard(w.hooks.AfterStop); err != nil {
		errs = append(errs, fmt.Errorf("%s: after stop: %w", w.name, err))
	}

	w.mu.Lock()
	c.err = errors.Join(errs...)
	w.state = Stopped
	close(c.done)
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Worker) poll() {
	err := guard(w.hooks.Poll)
	if err != nil {
		w.logger.Error("worker_poll_failed",
			"worker", w.name,
			"error", err,
		)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
