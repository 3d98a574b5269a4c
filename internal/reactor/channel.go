package reactor

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Handler receives channel events on the loop goroutine.
type Handler interface {
	// HandleRead is called with bytes read from the peer. The slice is owned
	// by the handler. A returned error aborts the channel.
	HandleRead(ch *Channel, data []byte) error

	// HandleClose is called exactly once when the channel is gone. err is
	// nil for a local close, io.EOF when the peer closed, or the I/O or
	// handler error that ended the channel.
	HandleClose(ch *Channel, err error)
}

// Drainer is implemented by handlers that want to know when every queued
// byte has been handed to the kernel.
type Drainer interface {
	HandleDrain(ch *Channel) error
}

// ChannelOption configures a channel at registration.
type ChannelOption func(*Channel)

// WithReadingPaused registers the channel without read interest.
func WithReadingPaused() ChannelOption {
	return func(c *Channel) {
		c.paused = true
	}
}

// WithLimiters paces the channel's reads and writes.
func WithLimiters(limiters ...*ratelimit.Limiter) ChannelOption {
	return func(c *Channel) {
		c.SetLimiters(limiters...)
	}
}

// WithServerTLS runs the channel over server-side TLS from the first byte.
// The handshake happens lazily on the first read or write.
func WithServerTLS(cfg *tls.Config) ChannelOption {
	return func(c *Channel) {
		c.conn = tls.Server(c.raw, cfg)
	}
}

type readReq struct {
	conn net.Conn
	max  int
}

type writeReq struct {
	conn net.Conn
	buf  []byte
}

// Channel is a buffered, non-blocking view of one connection.
//
// Every method must be called on the loop goroutine of the owning reactor.
type Channel struct {
	r       *Reactor
	h       Handle
	raw     net.Conn
	conn    net.Conn // raw, or the TLS layer over it
	handler Handler
	quit    chan struct{}

	readReq  chan readReq
	writeReq chan writeReq

	out      []byte // pending output; never compacted in place
	writing  bool   // a chunk is with the writer pump
	reading  bool   // the reader pump has read interest
	paused   bool
	closing  bool // close once out drains
	closed   bool
	tlsCfg   *tls.Config
	limiters ratelimit.Group

	readWait  *Timer
	writeWait *Timer

	bytesIn  int64
	bytesOut int64
	created  time.Time
}

func newChannel(r *Reactor, h Handle, conn net.Conn, handler Handler) *Channel {
	return &Channel{
		r:        r,
		h:        h,
		raw:      conn,
		conn:     conn,
		handler:  handler,
		quit:     make(chan struct{}),
		readReq:  make(chan readReq, 1),
		writeReq: make(chan writeReq, 1),
		created:  time.Now(),
	}
}

// Handle returns the channel handle.
func (c *Channel) Handle() Handle { return c.h }

// Reactor returns the owning reactor.
func (c *Channel) Reactor() *Reactor { return c.r }

// Conn returns the current connection, which is a *tls.Conn after StartTLS.
func (c *Channel) Conn() net.Conn { return c.conn }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Channel) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Buffered returns the number of queued bytes not yet handed to the writer.
func (c *Channel) Buffered() int { return len(c.out) }

// Idle reports whether nothing is queued or being written.
func (c *Channel) Idle() bool { return len(c.out) == 0 && !c.writing }

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool { return c.closed }

// Closing reports whether a flushing close is in progress.
func (c *Channel) Closing() bool { return c.closing }

// BytesIn returns the number of bytes read so far.
func (c *Channel) BytesIn() int64 { return c.bytesIn }

// BytesOut returns the number of bytes written so far.
func (c *Channel) BytesOut() int64 { return c.bytesOut }

// Created returns the registration time.
func (c *Channel) Created() time.Time { return c.created }

// IsTLS reports whether the channel runs over TLS.
func (c *Channel) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// SetLimiters replaces the pacing limiters. Nil entries are ignored.
func (c *Channel) SetLimiters(limiters ...*ratelimit.Limiter) {
	c.limiters = c.limiters[:0]
	for _, l := range limiters {
		if l != nil {
			c.limiters = append(c.limiters, l)
		}
	}
}

// Send queues b for writing. The bytes are copied. Sends after Close are
// dropped.
func (c *Channel) Send(b []byte) {
	if c.closed || c.closing || len(b) == 0 {
		return
	}
	c.out = append(c.out, b...)
	c.flush()
}

// SendString queues s for writing.
func (c *Channel) SendString(s string) {
	if c.closed || c.closing || len(s) == 0 {
		return
	}
	c.out = append(c.out, s...)
	c.flush()
}

// PauseReading drops read interest. A read already in flight still
// completes and is delivered.
func (c *Channel) PauseReading() {
	c.paused = true
}

// ResumeReading restores read interest.
func (c *Channel) ResumeReading() {
	c.paused = false
	c.armRead()
}

// StartTLS upgrades the connection to TLS in server mode once the queued
// output has been written. Reading stays paused until the upgrade. It must be
// called from HandleRead so no plaintext read is in flight.
func (c *Channel) StartTLS(cfg *tls.Config) {
	if c.closed || c.closing {
		return
	}
	c.tlsCfg = cfg
	if c.Idle() {
		c.upgrade()
	}
}

// Close closes the channel. With flush set, queued output is written first
// and reading stops immediately; otherwise queued output is discarded.
func (c *Channel) Close(flush bool) {
	if c.closed {
		return
	}
	if flush && !c.Idle() {
		c.closing = true
		c.paused = true
		c.readWait.Cancel()
		c.readWait = nil
		return
	}
	c.terminate(nil)
}

func (c *Channel) upgrade() {
	cfg := c.tlsCfg
	c.tlsCfg = nil
	c.conn = tls.Server(c.raw, cfg)
	c.armRead()
}

func (c *Channel) armRead() {
	if c.closed || c.closing || c.reading || c.paused || c.tlsCfg != nil || c.readWait != nil {
		return
	}
	limit := c.r.readSize
	if len(c.limiters) > 0 {
		// The read is charged in onRead with what actually arrived.
		granted, wait := c.limiters.Available(limit)
		if granted == 0 {
			c.readWait = c.Schedule(wait, func() {
				c.readWait = nil
				c.armRead()
			})
			return
		}
		limit = granted
	}
	c.reading = true
	c.readReq <- readReq{conn: c.conn, max: limit}
}

func (c *Channel) flush() {
	if c.closed || c.writing || c.writeWait != nil || len(c.out) == 0 {
		return
	}
	n := min(len(c.out), c.r.writeSize)
	if len(c.limiters) > 0 {
		granted, wait := c.limiters.Reserve(n)
		if granted == 0 {
			c.writeWait = c.Schedule(wait, func() {
				c.writeWait = nil
				c.flush()
			})
			return
		}
		n = granted
	}
	chunk := c.out[:n:n]
	c.out = c.out[n:]
	if len(c.out) == 0 {
		c.out = nil
	}
	c.writing = true
	c.writeReq <- writeReq{conn: c.conn, buf: chunk}
}

func (c *Channel) onRead(data []byte, err error) {
	c.reading = false
	if c.closed {
		return
	}
	if len(data) > 0 {
		c.bytesIn += int64(len(data))
		c.limiters.Charge(len(data))
		c.r.protect(c, func() error {
			return c.handler.HandleRead(c, data)
		})
		if c.closed {
			return
		}
	}
	if err != nil {
		c.terminate(err)
		return
	}
	c.armRead()
}

func (c *Channel) onWritten(n int, err error) {
	c.writing = false
	if c.closed {
		return
	}
	c.bytesOut += int64(n)
	if err != nil {
		c.terminate(err)
		return
	}
	if len(c.out) > 0 {
		c.flush()
		return
	}
	if c.tlsCfg != nil {
		c.upgrade()
	}
	if c.closing {
		c.terminate(nil)
		return
	}
	if d, ok := c.handler.(Drainer); ok {
		c.r.protect(c, func() error {
			return d.HandleDrain(c)
		})
	}
}

// terminate tears the channel down and notifies the handler once.
func (c *Channel) terminate(err error) {
	if c.closed {
		return
	}
	graceful := err == nil && c.closing
	c.closed = true
	c.closing = false
	close(c.quit)
	c.readWait.Cancel()
	c.writeWait.Cancel()
	c.readWait, c.writeWait = nil, nil
	c.out = nil
	delete(c.r.channels, c.h)

	if tc, ok := c.conn.(*tls.Conn); ok && graceful {
		// close_notify may block on a slow peer; keep it off the loop.
		go tc.Close()
	} else {
		c.raw.Close()
	}

	h := c.handler
	func() {
		defer func() {
			if p := recover(); p != nil {
				c.r.logger.Error("channel_close_handler_panicked",
					"reactor", c.r.name,
					"handle", uint64(c.h),
					"panic", p,
				)
			}
		}()
		h.HandleClose(c, err)
	}()
}

func (c *Channel) readLoop() {
	buf := make([]byte, c.r.readSize)
	for {
		var req readReq
		select {
		case req = <-c.readReq:
		case <-c.quit:
			return
		}
		n, err := req.conn.Read(buf[:req.max])
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}
		ev := event{ch: c, fn: func() { c.onRead(data, err) }}
		if !c.r.post(ev, c.quit) || err != nil {
			return
		}
	}
}

func (c *Channel) writeLoop() {
	for {
		var req writeReq
		select {
		case req = <-c.writeReq:
		case <-c.quit:
			return
		}
		n, err := req.conn.Write(req.buf)
		ev := event{ch: c, fn: func() { c.onWritten(n, err) }}
		if !c.r.post(ev, c.quit) || err != nil {
			return
		}
	}
}
