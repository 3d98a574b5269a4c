// Package portpool hands out passive-mode ports from a fixed range.
//
// A Pool never gives the same port to two holders at once. Ports are handed
// out round-robin so a just-released port is the last to be reused while
// others are free, which keeps a late client from reaching a listener meant
// for somebody else.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Acquire when every port is reserved.
var ErrExhausted = errors.New("portpool: no free port in range")

// Pool tracks reserved ports in [min, max].
type Pool struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]struct{}
	next  int // offset of the next candidate
}

// New returns a pool for the inclusive range [min, max].
func New(min, max int) (*Pool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("portpool: invalid range [%d, %d]", min, max)
	}
	return &Pool{
		min:   min,
		max:   max,
		inUse: make(map[int]struct{}),
	}, nil
}

// Range returns the bounds of the pool.
func (p *Pool) Range() (min, max int) {
	return p.min, p.max
}

// Size returns the number of ports in the range.
func (p *Pool) Size() int {
	return p.max - p.min + 1
}

// InUse returns the number of reserved ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Acquire reserves a free port.
func (p *Pool) Acquire() (int, error) {
	return p.AcquireFunc(func(int) error { return nil })
}

// AcquireFunc reserves the first free port for which try succeeds.
//
// try typically binds a listener; ports it rejects (already bound by another
// process) are skipped and stay free in the pool. The pool lock is not held
// while try runs, but the candidate port is reserved, so concurrent callers
// never try the same port.
func (p *Pool) AcquireFunc(try func(port int) error) (int, error) {
	size := p.Size()
	var lastErr error
	for attempt := 0; attempt < size; attempt++ {
		port, ok := p.reserveNext()
		if !ok {
			break
		}
		if err := try(port); err != nil {
			lastErr = err
			p.Release(port)
			continue
		}
		return port, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	}
	return 0, ErrExhausted
}

func (p *Pool) reserveNext() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.Size()
	for i := 0; i < size; i++ {
		port := p.min + (p.next+i)%size
		if _, busy := p.inUse[port]; busy {
			continue
		}
		p.inUse[port] = struct{}{}
		p.next = (p.next + i + 1) % size
		return port, true
	}
	return 0, false
}

// Release returns a port to the pool. Releasing a free or foreign port is a
// no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}
