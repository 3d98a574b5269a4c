package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/reactor"
)

// DefaultMaxCommandLength is the command line limit unless
// WithMaxCommandLength says otherwise.
const DefaultMaxCommandLength = 4096

type authState int

const (
	stateConnected authState = iota
	stateAwaitingPassword
	stateAuthenticated
)

func (a authState) String() string {
	switch a {
	case stateConnected:
		return "connected"
	case stateAwaitingPassword:
		return "awaiting_password"
	default:
		return "authenticated"
	}
}

// session is the state machine of one control connection.
//
// A session lives on a single reactor. Every method runs on that reactor's
// goroutine, so none of the fields need locking.
type session struct {
	server *Server
	loop   *loop
	ch     *reactor.Channel

	// Session tracking
	sessionID string
	remoteIP  string
	started   time.Time

	// Login
	state         authState
	user          string
	fs            Filesystem
	loginFailures int

	// State
	cwd           string
	transferType  string // "A" or "I"
	renameFrom    string // For RNFR/RNTO
	restartOffset int64  // For REST command
	prot          string // PROT P or C
	pbsz          bool
	epsvAll       bool

	// dc is the negotiated data connection, if any. It is consumed by the
	// next transfer command.
	dc      *dataChannel
	limiter *ratelimit.Limiter

	// Input framing
	tnet       telnetFilter
	inbuf      []byte
	line       []byte
	discarding bool
	blocked    bool

	quitPending bool
	closed      bool
	idle        *reactor.Timer
	lastCode    int
}

// commandSpec describes how the dispatcher treats a verb.
type commandSpec struct {
	fn       func(*session, string)
	auth     bool // requires login
	arg      bool // requires an argument
	transfer bool // allowed while a transfer runs
	keepRest bool // does not clear a pending REST
}

// commands maps FTP verbs to their handlers.
// All handlers have the signature: func(s *session, arg string)
var commands map[string]commandSpec

func init() {
	commands = map[string]commandSpec{
		// Access control
		"USER": {fn: (*session).handleUSER, arg: true},
		"PASS": {fn: (*session).handlePASS},
		"QUIT": {fn: (*session).handleQUIT, transfer: true},
		"ACCT": {fn: (*session).handleACCT},

		// Security
		"AUTH": {fn: (*session).handleAUTH, arg: true},
		"PBSZ": {fn: (*session).handlePBSZ, arg: true},
		"PROT": {fn: (*session).handlePROT, arg: true},

		// Navigation and file management
		"PWD":  {fn: (*session).handlePWD, auth: true},
		"XPWD": {fn: (*session).handlePWD, auth: true},
		"CWD":  {fn: (*session).handleCWD, auth: true},
		"XCWD": {fn: (*session).handleCWD, auth: true},
		"CDUP": {fn: (*session).handleCDUP, auth: true},
		"XCUP": {fn: (*session).handleCDUP, auth: true},
		"MKD":  {fn: (*session).handleMKD, auth: true, arg: true},
		"XMKD": {fn: (*session).handleMKD, auth: true, arg: true},
		"RMD":  {fn: (*session).handleRMD, auth: true, arg: true},
		"XRMD": {fn: (*session).handleRMD, auth: true, arg: true},
		"DELE": {fn: (*session).handleDELE, auth: true, arg: true},
		"RNFR": {fn: (*session).handleRNFR, auth: true, arg: true},
		"RNTO": {fn: (*session).handleRNTO, auth: true, arg: true},
		"SITE": {fn: (*session).handleSITE, auth: true, arg: true},
		"MFMT": {fn: (*session).handleMFMT, auth: true, arg: true},

		// Transfer parameters
		"TYPE": {fn: (*session).handleTYPE, auth: true, arg: true, keepRest: true},
		"MODE": {fn: (*session).handleMODE, auth: true, arg: true},
		"STRU": {fn: (*session).handleSTRU, auth: true, arg: true},
		"ALLO": {fn: (*session).handleALLO, auth: true},
		"REST": {fn: (*session).handleREST, auth: true, arg: true, keepRest: true},
		"PASV": {fn: (*session).handlePASV, auth: true, keepRest: true},
		"EPSV": {fn: (*session).handleEPSV, auth: true, keepRest: true},
		"PORT": {fn: (*session).handlePORT, auth: true, arg: true, keepRest: true},
		"EPRT": {fn: (*session).handleEPRT, auth: true, arg: true, keepRest: true},

		// Transfers
		"RETR": {fn: (*session).handleRETR, auth: true, arg: true},
		"STOR": {fn: (*session).handleSTOR, auth: true, arg: true},
		"APPE": {fn: (*session).handleAPPE, auth: true, arg: true},
		"STOU": {fn: (*session).handleSTOU, auth: true},
		"LIST": {fn: (*session).handleLIST, auth: true},
		"NLST": {fn: (*session).handleNLST, auth: true},
		"MLSD": {fn: (*session).handleMLSD, auth: true},
		"ABOR": {fn: (*session).handleABOR, auth: true, transfer: true},

		// Information
		"SIZE": {fn: (*session).handleSIZE, auth: true, arg: true},
		"MDTM": {fn: (*session).handleMDTM, auth: true, arg: true},
		"MLST": {fn: (*session).handleMLST, auth: true},
		"FEAT": {fn: (*session).handleFEAT},
		"OPTS": {fn: (*session).handleOPTS, arg: true},
		"SYST": {fn: (*session).handleSYST},
		"STAT": {fn: (*session).handleSTAT, transfer: true},
		"HELP": {fn: (*session).handleHELP},
		"NOOP": {fn: (*session).handleNOOP, transfer: true},
	}
}

// startSession registers conn on l and sends the banner. It runs on the
// loop goroutine.
func (s *Server) startSession(l *loop, conn net.Conn, ip string) {
	sess := &session{
		server:       s,
		loop:         l,
		sessionID:    uuid.NewString()[:8],
		remoteIP:     ip,
		started:      time.Now(),
		cwd:          "/",
		transferType: "I",
		prot:         "C",
		limiter:      ratelimit.New(s.bandwidthLimitPerSession),
	}
	l.addSession(sess)
	sess.ch = l.r.Register(conn, sess)
	if sess.closed {
		return
	}

	s.logger.Info("session_started",
		"session_id", sess.sessionID,
		"remote_ip", s.redactIP(ip),
		"reactor", l.r.Name(),
	)

	if s.inShutdown.Load() {
		sess.shutdown()
		return
	}
	sess.sendWelcome()
	sess.armIdle()
}

func (s *session) sendWelcome() {
	msg := s.server.welcomeMessage
	switch {
	case strings.HasPrefix(msg, "220 "):
		s.ch.SendString(msg + "\r\n")
	case strings.HasPrefix(msg, "220"):
		s.ch.SendString("220 " + msg[3:] + "\r\n")
	default:
		s.reply(220, msg)
	}
}

// HandleRead frames command lines out of the control stream.
func (s *session) HandleRead(_ *reactor.Channel, data []byte) error {
	s.inbuf = append(s.inbuf, s.tnet.filter(data)...)
	s.processInput()
	return nil
}

// processInput runs every complete line in inbuf until the session blocks.
func (s *session) processInput() {
	for !s.blocked && !s.closed && !s.ch.Closing() && len(s.inbuf) > 0 {
		i := bytes.IndexByte(s.inbuf, '\n')
		if i < 0 {
			s.keepPartial()
			break
		}
		chunk := s.inbuf[:i]
		s.inbuf = s.inbuf[i+1:]

		if s.discarding {
			s.discarding = false
			s.line = s.line[:0]
			continue
		}
		if len(s.line)+len(chunk) > s.server.maxCommandLength {
			s.line = s.line[:0]
			s.reply(500, "Command line too long.")
			continue
		}
		line := string(append(s.line, chunk...))
		s.line = s.line[:0]
		s.handleCommand(strings.TrimRight(line, "\r"))
	}
	if len(s.inbuf) == 0 {
		s.inbuf = nil
	}
}

// keepPartial moves an unterminated line out of inbuf. An overlong one is
// answered right away and the rest of it is dropped.
func (s *session) keepPartial() {
	defer func() { s.inbuf = nil }()
	if s.discarding {
		return
	}
	if len(s.line)+len(s.inbuf) > s.server.maxCommandLength {
		s.line = s.line[:0]
		s.discarding = true
		s.reply(500, "Command line too long.")
		return
	}
	s.line = append(s.line, s.inbuf...)
}

// block suspends command processing; input stays buffered.
func (s *session) block() {
	s.blocked = true
	s.ch.PauseReading()
}

func (s *session) unblock() {
	if s.closed {
		return
	}
	s.blocked = false
	if !s.quitPending {
		s.ch.ResumeReading()
	}
	s.processInput()
}

// handleCommand parses and dispatches a command.
func (s *session) handleCommand(line string) {
	if line == "" {
		return
	}

	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	} else if arg != "" {
		logArg = s.server.redactPath(arg)
	}
	s.server.logger.Debug("command_received",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"cmd", cmd,
		"arg", logArg,
	)

	start := time.Now()
	s.lastCode = 0
	defer func() {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordCommand(cmd, s.lastCode < 400, time.Since(start))
		}
	}()

	spec, ok := commands[cmd]
	switch {
	case s.server.disabledCommands[cmd]:
		s.reply(502, "Command disabled.")
		return
	case !ok:
		s.reply(502, "Command not implemented.")
		return
	case s.transferring() && !spec.transfer:
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	case spec.auth && s.state != stateAuthenticated:
		s.reply(530, "Log in with USER and PASS first.")
		return
	case spec.arg && strings.TrimSpace(arg) == "":
		s.reply(501, "Syntax error: command needs an argument.")
		return
	}

	if cmd != "RNTO" {
		s.renameFrom = ""
	}
	if !spec.keepRest && cmd != "RETR" && cmd != "STOR" {
		s.restartOffset = 0
	}

	s.armIdle()
	spec.fn(s, arg)
}

// transferring reports whether a transfer command has been accepted and not
// finished yet.
func (s *session) transferring() bool {
	return s.dc != nil && s.dc.xfer != nil
}

// armIdle (re)starts the control idle timer. It is not armed during a
// transfer; the data stall timer covers that time.
func (s *session) armIdle() {
	d := s.server.maxIdleTime
	if d <= 0 || s.closed || s.transferring() {
		s.idle.Cancel()
		return
	}
	if s.idle != nil {
		s.idle.Reset(d)
		return
	}
	s.idle = s.ch.Schedule(d, s.idleTimeout)
}

func (s *session) idleTimeout() {
	s.idle = nil
	if s.closed || s.transferring() {
		return
	}
	s.server.logger.Info("session_idle_timeout",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
	s.reply(421, "Control connection timed out.")
	s.ch.Close(true)
}

// shutdown says goodbye during a graceful server shutdown.
func (s *session) shutdown() {
	if s.closed {
		return
	}
	s.dropData()
	s.reply(421, "Server shutting down.")
	s.ch.Close(true)
}

// HandleClose releases everything the session owns.
func (s *session) HandleClose(_ *reactor.Channel, err error) {
	s.closed = true
	s.idle.Cancel()
	s.idle = nil
	s.dropData()
	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.loop.removeSession(s)
	s.server.release(s.remoteIP)

	s.server.logger.Debug("session_closed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"duration", time.Since(s.started),
		"error", err,
	)
}

// dropData closes the negotiated data connection without any reply.
func (s *session) dropData() {
	if s.dc != nil {
		s.dc.close(outcomeDropped)
		s.dc = nil
	}
}

// resolve turns a client path into a clean virtual absolute path.
func (s *session) resolve(p string) string {
	if p == "" {
		return s.cwd
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

// allowed checks perm on a virtual path for the logged in user.
func (s *session) allowed(perm Perm, vpath string) bool {
	if s.server.readOnly && perm.IsWrite() {
		return false
	}
	return s.server.authorizer.HasPermission(s.user, perm, vpath)
}

// checkPerm replies 550 and logs when perm is denied.
func (s *session) checkPerm(perm Perm, vpath string) bool {
	if s.allowed(perm, vpath) {
		return true
	}
	s.server.logger.Warn("permission_denied",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"perm", perm.String(),
		"path", s.redactPath(vpath),
	)
	s.reply(550, "Permission denied.")
	return false
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "No such file or directory.")
	case errors.Is(err, os.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	case errors.Is(err, errIsDir):
		s.reply(550, "Is a directory.")
	case errors.Is(err, errNotDir):
		s.reply(550, "Not a directory.")
	default:
		s.server.logger.Warn("filesystem_error",
			"session_id", s.sessionID,
			"user", s.user,
			"error", err,
		)
		s.reply(550, "Requested action not taken.")
	}
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.lastCode = code
	s.ch.SendString(fmt.Sprintf("%d %s\r\n", code, message))
}

// replyLines sends a multi-line response. Body lines are indented by one
// space so they can never be mistaken for the final line.
func (s *session) replyLines(code int, first string, lines []string, last string) {
	s.lastCode = code
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s\r\n", code, first)
	for _, l := range lines {
		b.WriteString(" ")
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, last)
	s.ch.SendString(b.String())
}

// redactPath returns the path with redaction applied if enabled.
func (s *session) redactPath(path string) string {
	return s.server.redactPath(path)
}

// redactIP returns the IP with redaction applied if enabled.
func (s *session) redactIP(ip string) string {
	return s.server.redactIP(ip)
}

// logTransfer logs a file transfer in standard xferlog format.
// Format: current-time transfer-time remote-host file-size filename transfer-type special-action-flag direction access-mode username service-name authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration, complete bool) {
	w := s.server.transferLog
	if w == nil {
		return
	}

	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	// Transfer type: a (ascii), b (binary)
	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}

	// Direction: o (outgoing/download), i (incoming/upload)
	direction := "o"
	if isUpload(cmd) {
		direction = "i"
	}

	// Access mode: a (anonymous), r (real user)
	accessMode := "r"
	if s.user == AnonymousUser {
		accessMode = "a"
	}

	// Completion status: c (complete), i (incomplete)
	status := "i"
	if complete {
		status = "c"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * %s\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.redactIP(s.remoteIP),
		bytes,
		s.redactPath(filename),
		tType,
		direction,
		accessMode,
		s.user,
		status,
	)

	// Sessions on different reactors share the writer.
	s.server.transferLogMu.Lock()
	_, _ = w.Write([]byte(line))
	s.server.transferLogMu.Unlock()
}
