package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gonzalop/ftpd/internal/reactor"
)

// transferChunkSize is how much a download reads from its source per drain.
const transferChunkSize = 64 * 1024

// outcome is how a transfer ended.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeComplete
	outcomeAborted
	outcomeStalled
	outcomeLocalError
	outcomeRemoteError
	outcomeNoConnection
	outcomeDropped
)

// transfer is one RETR, STOR, APPE, STOU, LIST, NLST or MLSD.
type transfer struct {
	cmd      string
	name     string // virtual path
	preamble string // text of the 150 reply
	upload   bool
	ascii    bool

	src  io.ReadCloser  // downloads
	sink io.WriteCloser // uploads

	enc asciiEncoder
	dec asciiDecoder
	buf []byte
	out []byte

	started time.Time
	bytes   int64
}

// finishUpload writes the decoder's held-back byte and closes the sink.
func (x *transfer) finishUpload() error {
	if x.ascii {
		if tail := x.dec.flush(nil); len(tail) > 0 {
			if _, err := x.sink.Write(tail); err != nil {
				x.sink.Close()
				x.sink = nil
				return err
			}
		}
	}
	err := x.sink.Close()
	x.sink = nil
	return err
}

// release closes whatever the transfer still holds.
func (x *transfer) release() {
	if x.src != nil {
		x.src.Close()
		x.src = nil
	}
	if x.sink != nil {
		x.sink.Close()
		x.sink = nil
	}
}

// dataChannel is the data connection negotiated for the next transfer.
//
// It starts out listening (passive) or connected (active, the session waits
// for the dial), holds a transfer command that arrives before the
// connection does, then streams exactly one transfer.
type dataChannel struct {
	sess    *session
	passive bool

	port     int // reserved pool port, 0 when none
	acceptor *reactor.Acceptor
	deadline *reactor.Timer
	dialing  *reactor.Dialing

	conn net.Conn         // established, not yet streaming
	ch   *reactor.Channel // streaming
	xfer *transfer

	stall        *reactor.Timer
	lastProgress time.Time

	outcome outcome
	err     error
	done    bool
}

// listenPassive binds a passive listener on ip. With a port range the port
// comes from the pool and must be released by the caller.
func (s *Server) listenPassive(ip net.IP) (net.Listener, int, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	host := ip.String()
	if s.ports == nil {
		ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, "0"))
		return ln, 0, err
	}

	var ln net.Listener
	port, err := s.ports.AcquireFunc(func(port int) error {
		l, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ln, port, nil
}

// openPassive replaces the data channel with a new passive listener and
// answers 227 or, when extended, 229.
func (s *session) openPassive(extended bool) {
	local, _ := s.ch.LocalAddr().(*net.TCPAddr)
	if local == nil {
		s.reply(425, "Can't open passive connection.")
		return
	}

	var advertised net.IP
	if !extended {
		advertised = local.IP.To4()
		if s.server.publicIP != nil {
			advertised = s.server.publicIP.To4()
		}
		if advertised == nil {
			s.reply(425, "You cannot use PASV on IPv6 connections. Use EPSV instead.")
			return
		}
	}

	s.dropData()
	ln, poolPort, err := s.server.listenPassive(local.IP)
	if err != nil {
		s.server.logger.Warn("passive_listen_failed",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"error", err,
		)
		s.reply(425, "Can't open passive connection.")
		return
	}

	dc := &dataChannel{sess: s, passive: true, port: poolPort}
	s.dc = dc
	dc.acceptor = s.loop.r.Listen(ln, dc.accepted, dc.acceptFailed)
	dc.deadline = s.ch.Schedule(s.server.passiveTimeout, dc.timeout)

	port := ln.Addr().(*net.TCPAddr).Port
	s.server.logger.Debug("passive_listening",
		"session_id", s.sessionID,
		"port", port,
	)
	if extended {
		s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|).", port))
		return
	}
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		advertised[0], advertised[1], advertised[2], advertised[3], port>>8, port&0xff))
}

// connectActive dials the client for PORT and EPRT. Command processing
// waits for the outcome so the next transfer command finds the connection.
func (s *session) connectActive(ip net.IP, port int) {
	if !s.server.permitForeignAddresses && ip.String() != s.remoteIP {
		s.server.logger.Warn("foreign_address_rejected",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"target_ip", s.redactIP(ip.String()),
		)
		s.reply(501, "Rejected data connection to foreign address.")
		return
	}
	if port < 1024 && !s.server.permitPrivilegedPorts {
		s.reply(501, fmt.Sprintf("PORT against the privileged port %d refused.", port))
		return
	}

	s.dropData()
	dc := &dataChannel{sess: s}
	s.dc = dc

	var laddr net.Addr
	if local, ok := s.ch.LocalAddr().(*net.TCPAddr); ok && (local.IP.To4() == nil) == (ip.To4() == nil) {
		laddr = &net.TCPAddr{IP: local.IP}
	}

	s.block()
	target := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	dc.dialing = s.loop.r.Dial("tcp", target, laddr, s.server.activeTimeout, func(conn net.Conn, err error) {
		dc.dialing = nil
		if err != nil {
			s.server.logger.Warn("active_connect_failed",
				"session_id", s.sessionID,
				"remote_ip", s.redactIP(s.remoteIP),
				"error", err,
			)
			dc.done = true
			if s.dc == dc {
				s.dc = nil
			}
			s.reply(425, "Can't open data connection.")
			s.unblock()
			return
		}
		dc.conn = conn
		s.reply(200, "Active data connection established.")
		s.unblock()
	})
}

// accepted runs on the loop when the passive listener gets a connection.
func (dc *dataChannel) accepted(conn net.Conn) {
	s := dc.sess
	if !s.server.permitForeignAddresses && remoteIP(conn.RemoteAddr()) != s.remoteIP {
		s.server.logger.Warn("foreign_data_connection_refused",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"peer_ip", s.redactIP(remoteIP(conn.RemoteAddr())),
		)
		conn.Close()
		return
	}

	dc.stopListening()
	dc.deadline.Cancel()
	dc.deadline = nil
	dc.conn = conn
	if dc.xfer != nil {
		dc.begin()
	}
}

func (dc *dataChannel) acceptFailed(err error) {
	dc.sess.server.logger.Warn("passive_accept_failed",
		"session_id", dc.sess.sessionID,
		"error", err,
	)
	dc.acceptor = nil
	dc.close(outcomeNoConnection)
}

// timeout fires when nobody connected to the passive listener in time.
func (dc *dataChannel) timeout() {
	dc.deadline = nil
	dc.sess.server.logger.Info("passive_timeout",
		"session_id", dc.sess.sessionID,
		"remote_ip", dc.sess.redactIP(dc.sess.remoteIP),
	)
	dc.close(outcomeNoConnection)
}

// stopListening closes the passive listener and frees its port.
func (dc *dataChannel) stopListening() {
	if dc.acceptor != nil {
		dc.acceptor.Close()
		dc.acceptor = nil
	}
	if dc.port > 0 {
		dc.sess.server.ports.Release(dc.port)
		dc.port = 0
	}
}

// close ends the data channel. o decides the reply to an issued transfer
// command; outcomeDropped never replies.
func (dc *dataChannel) close(o outcome) {
	if dc.done {
		return
	}
	if dc.ch != nil {
		// Streaming: HandleClose finishes the job.
		dc.outcome = o
		dc.ch.Close(o == outcomeComplete)
		return
	}

	dc.done = true
	dc.stopListening()
	dc.deadline.Cancel()
	dc.deadline = nil
	if dc.dialing != nil {
		dc.dialing.Cancel()
		dc.dialing = nil
	}
	if dc.conn != nil {
		dc.conn.Close()
		dc.conn = nil
	}

	s := dc.sess
	if s.dc == dc {
		s.dc = nil
	}
	if x := dc.xfer; x != nil {
		dc.xfer = nil
		x.release()
		s.transferDone(x, o, nil)
	}
}

// begin starts streaming the pending transfer over the established
// connection.
func (dc *dataChannel) begin() {
	s := dc.sess
	x := dc.xfer
	conn := dc.conn
	dc.conn = nil

	x.started = time.Now()
	dc.lastProgress = x.started
	s.reply(150, x.preamble)

	opts := []reactor.ChannelOption{
		reactor.WithLimiters(s.limiter, s.server.globalLimiter),
	}
	if s.prot == "P" {
		opts = append(opts, reactor.WithServerTLS(s.server.tlsConfig))
	}
	if !x.upload {
		opts = append(opts, reactor.WithReadingPaused())
	}
	if d := s.server.dataStallTimeout; d > 0 {
		dc.stall = s.ch.Schedule(d, dc.checkStall)
	}

	ch := s.loop.r.Register(conn, dc, opts...)
	if dc.done {
		return
	}
	dc.ch = ch
	if !x.upload {
		dc.pump()
	}
}

func (dc *dataChannel) touch() {
	dc.lastProgress = time.Now()
}

// checkStall aborts a transfer that made no progress for the stall timeout.
func (dc *dataChannel) checkStall() {
	dc.stall = nil
	if dc.done {
		return
	}
	d := dc.sess.server.dataStallTimeout
	if idle := time.Since(dc.lastProgress); idle < d {
		dc.stall = dc.sess.ch.Schedule(d-idle, dc.checkStall)
		return
	}
	dc.sess.server.logger.Warn("transfer_stalled",
		"session_id", dc.sess.sessionID,
		"idle", d,
	)
	dc.close(outcomeStalled)
}

// pump moves the next chunk of a download into the channel.
func (dc *dataChannel) pump() {
	x := dc.xfer
	if x == nil || dc.done || dc.outcome != outcomeNone {
		return
	}
	if x.buf == nil {
		x.buf = make([]byte, transferChunkSize)
	}

	var n int
	var err error
	for range 100 {
		if n, err = x.src.Read(x.buf); n > 0 || err != nil {
			break
		}
	}
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}

	if n > 0 {
		x.bytes += int64(n)
		dc.touch()
		p := x.buf[:n]
		if x.ascii {
			x.out = x.enc.encode(x.out[:0], p)
			p = x.out
		}
		dc.ch.Send(p)
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		dc.close(outcomeComplete)
	default:
		dc.err = err
		dc.close(outcomeLocalError)
	}
}

// HandleRead stores upload data.
func (dc *dataChannel) HandleRead(ch *reactor.Channel, data []byte) error {
	x := dc.xfer
	if x == nil || !x.upload {
		return nil
	}
	x.bytes += int64(len(data))
	dc.touch()

	p := data
	if x.ascii {
		x.out = x.dec.decode(x.out[:0], data)
		p = x.out
	}
	if _, err := x.sink.Write(p); err != nil {
		dc.err = err
		dc.close(outcomeLocalError)
	}
	return nil
}

// HandleDrain feeds a download whenever the previous chunk went out.
func (dc *dataChannel) HandleDrain(_ *reactor.Channel) error {
	dc.pump()
	return nil
}

// HandleClose reports the end of the transfer to the session.
func (dc *dataChannel) HandleClose(_ *reactor.Channel, err error) {
	dc.done = true
	dc.stall.Cancel()
	dc.stall = nil

	s := dc.sess
	if s.dc == dc {
		s.dc = nil
	}
	x := dc.xfer
	dc.xfer = nil
	if x == nil {
		return
	}

	o, cause := dc.outcome, dc.err
	switch {
	case o == outcomeNone && x.upload && (err == nil || errors.Is(err, io.EOF)):
		o = outcomeComplete
	case o == outcomeNone, o == outcomeComplete && err != nil:
		o, cause = outcomeRemoteError, err
	}
	if o == outcomeComplete && x.upload {
		if err := x.finishUpload(); err != nil {
			o, cause = outcomeLocalError, err
		}
	}
	x.release()
	s.transferDone(x, o, cause)
}

// transferDone sends the final reply of a transfer and records it.
func (s *session) transferDone(x *transfer, o outcome, cause error) {
	status := "failed"
	switch o {
	case outcomeComplete:
		status = "complete"
		s.reply(226, "Transfer complete.")
	case outcomeAborted:
		status = "aborted"
		s.reply(426, "Transfer aborted. Data connection closed.")
	case outcomeStalled:
		status = "aborted"
		s.reply(426, "Data connection stalled; transfer aborted.")
	case outcomeLocalError:
		s.reply(451, "Local error in processing; transfer aborted.")
	case outcomeRemoteError:
		s.reply(426, "Connection closed; transfer aborted.")
	case outcomeNoConnection:
		s.reply(425, "Can't open data connection.")
	case outcomeDropped:
		status = "aborted"
	}

	duration := time.Duration(0)
	if !x.started.IsZero() {
		duration = time.Since(x.started)
	}
	if status == "complete" {
		s.server.logger.Info("transfer_complete",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"cmd", x.cmd,
			"path", s.redactPath(x.name),
			"bytes", x.bytes,
			"duration", duration,
		)
	} else {
		s.server.logger.Warn("transfer_failed",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"cmd", x.cmd,
			"path", s.redactPath(x.name),
			"bytes", x.bytes,
			"status", status,
			"error", cause,
		)
	}
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(x.cmd, status, x.bytes, duration)
	}
	if x.cmd != "LIST" && x.cmd != "NLST" && x.cmd != "MLSD" {
		s.logTransfer(x.cmd, x.name, x.bytes, duration, status == "complete")
	}

	if s.closed || o == outcomeDropped {
		return
	}
	if s.quitPending {
		// handleABOR says goodbye after its own 226.
		if o != outcomeAborted {
			s.goodbye()
		}
		return
	}
	s.armIdle()
}
