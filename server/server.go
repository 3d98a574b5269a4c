package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpd/internal/portpool"
	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Server is the FTP server.
//
// Control connections are accepted on the caller's goroutine and handed to
// a reactor chosen by the distribution policy. Everything a session does,
// including its data transfers, then runs on that reactor's goroutine.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown() (graceful) or Close() (abrupt)
//
// Basic example:
//
//	auth := server.NewUserAuthorizer()
//	auth.AddAnonymous("/srv/ftp", server.ReadPerms)
//	s, err := server.NewServer(":21", server.WithAuthorizer(auth))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// With graceful shutdown:
//
//	go func() {
//	    <-ctx.Done()
//	    shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	    defer cancel()
//	    s.Shutdown(shutdownCtx)
//	}()
//	if err := s.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
//	    log.Fatal(err)
//	}
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	authorizer Authorizer
	fsFactory  FilesystemFactory
	logger     *slog.Logger

	// tlsConfig enables AUTH TLS when set.
	tlsConfig *tls.Config

	// welcomeMessage is the banner sent to clients on connection.
	// Defaults to "220 FTP Server Ready".
	welcomeMessage string

	// serverName is the system type returned by the SYST command.
	serverName string

	maxIdleTime      time.Duration
	passiveTimeout   time.Duration
	activeTimeout    time.Duration
	dataStallTimeout time.Duration

	// maxConnections is the maximum number of simultaneous connections.
	// If 0, there is no limit.
	maxConnections int

	// maxConnectionsPerIP is the maximum number of simultaneous connections per IP.
	// If 0, there is no per-IP limit.
	maxConnectionsPerIP int

	maxLoginAttempts int
	authFailedDelay  time.Duration
	maxCommandLength int

	pasvMinPort int
	pasvMaxPort int
	publicHost  string
	publicIP    net.IP
	ports       *portpool.Pool

	permitForeignAddresses bool
	permitPrivilegedPorts  bool
	readOnly               bool

	bandwidthLimitGlobal     int64
	bandwidthLimitPerSession int64
	globalLimiter            *ratelimit.Limiter

	transferLog      io.Writer
	transferLogMu    sync.Mutex
	metricsCollector MetricsCollector
	pathRedactor     PathRedactor
	redactIPs        bool
	disabledCommands map[string]bool

	distribution Distribution
	reactors     int

	// activeConns tracks the number of admitted control connections.
	activeConns atomic.Int32

	// connsByIP tracks the number of active connections per IP address.
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	// mu guards the fields below.
	mu         sync.Mutex
	listener   net.Listener
	loops      []*loop
	dedicated  map[*loop]struct{}
	nextLoop   int
	loopSeq    int
	started    bool
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown or Close.
var ErrServerClosed = errors.New("ftp: Server closed")

// shutdownPollInterval is how often Shutdown checks for remaining sessions.
const shutdownPollInterval = 20 * time.Millisecond

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// The authorizer must be provided via the WithAuthorizer option.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - Data timeouts: 30s passive, 10s active
//   - MaxConnections: 0 (unlimited)
//   - Login attempts: 3
//   - Distribution: one shared reactor
//   - TLS: disabled
//
// With connection limits and a reactor pool:
//
//	s, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithMaxConnections(100, 10),
//	    server.WithDistribution(server.DistributeRoundRobin, runtime.NumCPU()),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:             addr,
		fsFactory:        OSFilesystemFactory,
		logger:           slog.Default(),
		welcomeMessage:   "220 FTP Server Ready",
		serverName:       "UNIX Type: L8",
		maxIdleTime:      5 * time.Minute,
		passiveTimeout:   30 * time.Second,
		activeTimeout:    10 * time.Second,
		dataStallTimeout: 5 * time.Minute,
		maxLoginAttempts: 3,
		maxCommandLength: DefaultMaxCommandLength,
		disabledCommands: make(map[string]bool),
		connsByIP:        make(map[string]int32),
		dedicated:        make(map[*loop]struct{}),
		distribution:     DistributeShared,
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.authorizer == nil {
		return nil, fmt.Errorf("authorizer is required (use WithAuthorizer option)")
	}

	if s.publicHost != "" {
		ip, err := resolvePublicHost(s.publicHost)
		if err != nil {
			return nil, err
		}
		s.publicIP = ip
	}

	if s.pasvMinPort > 0 {
		pool, err := portpool.New(s.pasvMinPort, s.pasvMaxPort)
		if err != nil {
			return nil, err
		}
		s.ports = pool
	}
	s.globalLimiter = ratelimit.New(s.bandwidthLimitGlobal)

	n := 1
	if s.distribution == DistributeRoundRobin {
		n = s.reactors
	}
	if s.distribution != DistributePerConnection {
		for i := range n {
			s.loops = append(s.loops, s.newLoop(i, false))
		}
	}
	s.loopSeq = len(s.loops)

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening",
		"addr", ln.Addr().String(),
		"distribution", s.distribution.String(),
		"reactors", max(len(s.loops), 1),
	)
	return s.Serve(ln)
}

// Serve accepts incoming connections on the listener l.
// It blocks until the listener is closed or the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	if err := s.startLoopsLocked(); err != nil {
		s.mu.Unlock()
		l.Close()
		return err
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = max(5*time.Millisecond, min(2*tempDelay, time.Second))
				s.logger.Warn("accept_error", "error", err, "retry_in", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		s.handleConnection(conn)
	}
}

func (s *Server) startLoopsLocked() error {
	if s.started {
		return nil
	}
	for _, l := range s.loops {
		if err := l.w.Start(); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// handleConnection applies the admission limits and hands conn to a reactor.
func (s *Server) handleConnection(conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())

	if s.maxConnections > 0 && int(s.activeConns.Load()) >= s.maxConnections {
		s.reject(conn, ip, "global_limit_reached", s.maxConnections, "421 Too many users, sorry.\r\n")
		return
	}

	if !s.trackIP(ip) {
		s.reject(conn, ip, "per_ip_limit_reached", s.maxConnectionsPerIP, "421 Too many connections from your IP address.\r\n")
		return
	}
	n := s.activeConns.Add(1)

	l, err := s.pickLoop()
	if err == nil {
		err = l.r.Submit(func() { s.startSession(l, conn, ip) })
	}
	if err != nil {
		s.release(ip)
		s.reject(conn, ip, "shutting_down", 0, "421 Service not available, closing control connection.\r\n")
		return
	}

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
		s.metricsCollector.RecordActiveSessions(int(n))
	}
}

// reject answers 421 on a connection that is not admitted. The write is
// bounded so a client that never reads cannot stall the accept loop.
func (s *Server) reject(conn net.Conn, ip, reason string, limit int, msg string) {
	s.logger.Warn("connection_rejected",
		"remote_ip", s.redactIP(ip),
		"reason", reason,
		"limit", limit,
	)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(false, reason)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = io.WriteString(conn, msg)
	conn.Close()
}

// trackIP counts a new connection from ip, reporting false when the per-IP
// limit is already reached.
func (s *Server) trackIP(ip string) bool {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
		return false
	}
	s.connsByIP[ip]++
	return true
}

// release undoes the accounting of an admitted connection.
func (s *Server) release(ip string) {
	s.connsByIPMu.Lock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
	s.connsByIPMu.Unlock()

	n := s.activeConns.Add(-1)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordActiveSessions(int(n))
	}
}

// Shutdown stops the server gracefully.
//
// It stops accepting, tells every session "421" and closes it once its
// queued replies are written, then waits for the sessions to go away or ctx
// to end before stopping the reactors. Transfers in flight are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := s.closeListener(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, l := range s.allLoops() {
		// ErrClosed means the loop is already gone along with its sessions.
		_ = l.r.Submit(func() {
			for sess := range l.sessions {
				sess.shutdown()
			}
		})
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
wait:
	for s.activeConns.Load() > 0 {
		select {
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
			break wait
		case <-ticker.C:
		}
	}

	if err := s.stopLoops(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close stops the server immediately. Sessions are aborted without their
// pending output.
func (s *Server) Close() error {
	var result *multierror.Error
	if err := s.closeListener(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.stopLoops(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// stopLoops stops every reactor worker. Stopping a reactor aborts whatever
// it still owns.
func (s *Server) stopLoops() error {
	var result *multierror.Error
	for _, l := range s.allLoops() {
		if err := l.w.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Addr returns the listening address, or nil when not serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of admitted control connections.
func (s *Server) ActiveSessions() int {
	return int(s.activeConns.Load())
}

// redactPath returns the path with redaction applied if enabled.
func (s *Server) redactPath(path string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(path)
	}
	return path
}

// redactIP masks the last octet (IPv4) or group (IPv6) if enabled.
func (s *Server) redactIP(ip string) string {
	if !s.redactIPs || ip == "" {
		return ip
	}
	if strings.Contains(ip, ":") {
		if i := strings.LastIndex(ip, ":"); i >= 0 {
			return ip[:i+1] + "xxx"
		}
	}
	if i := strings.LastIndex(ip, "."); i >= 0 {
		return ip[:i+1] + "xxx"
	}
	return ip
}

// resolvePublicHost returns the IPv4 address advertised in 227 replies.
func resolvePublicHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("public host %s is not an IPv4 address", host)
		}
		return ip.To4(), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve public host %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("public host %s has no IPv4 address", host)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
