package reactor

import (
	"context"
	"net"
	"time"
)

// Acceptor delivers connections accepted on a listener to the loop.
type Acceptor struct {
	r       *Reactor
	ln      net.Listener
	quit    chan struct{}
	closed  bool
	onConn  func(net.Conn)
	onError func(error)
}

// Listen starts accepting on ln. onConn runs on the loop goroutine for every
// accepted connection; onError, if set, runs once when Accept fails for a
// reason other than Close. Loop goroutine only.
func (r *Reactor) Listen(ln net.Listener, onConn func(net.Conn), onError func(error)) *Acceptor {
	a := &Acceptor{
		r:       r,
		ln:      ln,
		quit:    make(chan struct{}),
		onConn:  onConn,
		onError: onError,
	}
	r.acceptors[a] = struct{}{}
	go a.loop()
	return a
}

// Addr returns the listener address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Close stops accepting and closes the listener. Loop goroutine only.
func (a *Acceptor) Close() {
	if a.closed {
		return
	}
	a.closed = true
	close(a.quit)
	delete(a.r.acceptors, a)
	a.ln.Close()
}

// Closed reports whether Close was called.
func (a *Acceptor) Closed() bool {
	return a.closed
}

func (a *Acceptor) loop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			a.r.post(event{fn: func() {
				if a.closed {
					return
				}
				a.Close()
				if a.onError != nil {
					a.onError(err)
				}
			}}, a.quit)
			return
		}
		ok := a.r.post(event{fn: func() {
			if a.closed {
				conn.Close()
				return
			}
			a.onConn(conn)
		}}, a.quit)
		if !ok {
			conn.Close()
			return
		}
	}
}

// Dialing is an outbound connection attempt in progress.
type Dialing struct {
	r      *Reactor
	cancel context.CancelFunc
	done   bool
}

// Dial connects to address in the background and calls cb on the loop
// goroutine with the result. If laddr is set it is used as the local address.
// cb is not called after Cancel. Loop goroutine only.
func (r *Reactor) Dial(network, address string, laddr net.Addr, timeout time.Duration, cb func(net.Conn, error)) *Dialing {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	d := &Dialing{r: r, cancel: cancel}
	r.dials[d] = struct{}{}

	dialer := net.Dialer{LocalAddr: laddr}
	go func() {
		conn, err := dialer.DialContext(ctx, network, address)
		ok := r.post(event{fn: func() {
			if d.done {
				if conn != nil {
					conn.Close()
				}
				return
			}
			d.finish()
			cb(conn, err)
		}}, nil)
		if !ok && conn != nil {
			conn.Close()
		}
	}()
	return d
}

// Cancel abandons the attempt. A connection established in the meantime is
// closed. Loop goroutine only.
func (d *Dialing) Cancel() {
	if d.done {
		return
	}
	d.finish()
}

func (d *Dialing) finish() {
	d.done = true
	d.cancel()
	delete(d.r.dials, d)
}
