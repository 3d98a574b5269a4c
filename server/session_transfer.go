package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

func isUpload(cmd string) bool {
	return cmd == "STOR" || cmd == "APPE" || cmd == "STOU"
}

// needData replies 425 when no data connection was negotiated.
func (s *session) needData() bool {
	if s.dc != nil {
		return true
	}
	s.reply(425, "Use PORT or PASV first.")
	return false
}

// refuse answers a transfer command that will not run. The negotiated data
// connection is single use and goes away with it.
func (s *session) refuse(err error) {
	s.dropData()
	s.replyError(err)
}

// startTransfer hands x to the data channel. It streams right away when the
// connection is up, or as soon as the client connects.
func (s *session) startTransfer(x *transfer) {
	x.ascii = x.ascii && s.transferType == "A"
	s.dc.xfer = x
	s.idle.Cancel()
	s.server.logger.Debug("transfer_requested",
		"session_id", s.sessionID,
		"cmd", x.cmd,
		"path", s.redactPath(x.name),
	)
	if s.dc.conn != nil {
		s.dc.begin()
	}
}

func (s *session) handleRETR(arg string) {
	offset := s.restartOffset
	s.restartOffset = 0
	if !s.needData() {
		return
	}

	target := s.resolve(arg)
	if !s.allowed(PermRetrieve, target) {
		s.dropData()
		s.checkPerm(PermRetrieve, target)
		return
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		s.refuse(err)
		return
	}
	if info.IsDir() {
		s.refuse(errIsDir)
		return
	}
	if offset > info.Size() {
		s.dropData()
		s.reply(550, "Invalid REST parameter.")
		return
	}
	rc, err := s.fs.OpenForRead(target, offset)
	if err != nil {
		s.refuse(err)
		return
	}

	preamble := fmt.Sprintf("Opening data connection for %s (%d bytes).", arg, info.Size()-offset)
	if offset > 0 {
		preamble = fmt.Sprintf("Opening data connection for %s (restarting at %d).", arg, offset)
	}
	s.startTransfer(&transfer{
		cmd:      "RETR",
		name:     target,
		preamble: preamble,
		ascii:    true,
		src:      rc,
	})
}

func (s *session) handleSTOR(arg string) {
	offset := s.restartOffset
	s.restartOffset = 0
	s.store("STOR", s.resolve(arg), offset, false, "")
}

func (s *session) handleAPPE(arg string) {
	s.store("APPE", s.resolve(arg), 0, true, "")
}

// handleSTOU stores under a name the server picks.
func (s *session) handleSTOU(arg string) {
	prefix := "stou"
	if arg = strings.TrimSpace(arg); arg != "" {
		prefix = path.Base(arg)
	}
	for range 10 {
		target := s.resolve(prefix + "." + uuid.NewString()[:8])
		if _, err := s.fs.Stat(target); errors.Is(err, os.ErrNotExist) {
			s.store("STOU", target, 0, false, "FILE: "+path.Base(target))
			return
		}
	}
	s.dropData()
	s.reply(450, "No usable unique file name found.")
}

func (s *session) store(cmd, target string, offset int64, appendMode bool, preamble string) {
	if !s.needData() {
		return
	}
	perm := PermStore
	if appendMode {
		perm = PermAppend
	}
	if !s.allowed(perm, target) {
		s.dropData()
		s.checkPerm(perm, target)
		return
	}
	if info, err := s.fs.Stat(target); err == nil && info.IsDir() {
		s.refuse(errIsDir)
		return
	}
	wc, err := s.fs.OpenForWrite(target, offset, appendMode)
	if err != nil {
		s.refuse(err)
		return
	}

	if preamble == "" {
		preamble = "Ok to send data."
		if offset > 0 {
			preamble = fmt.Sprintf("Ok to send data (restarting at %d).", offset)
		}
	}
	s.startTransfer(&transfer{
		cmd:      cmd,
		name:     target,
		preamble: preamble,
		upload:   true,
		ascii:    true,
		sink:     wc,
	})
}

// stripListFlags drops "ls" style options that some clients send.
func stripListFlags(arg string) string {
	arg = strings.TrimSpace(arg)
	for strings.HasPrefix(arg, "-") {
		_, rest, _ := strings.Cut(arg, " ")
		arg = strings.TrimSpace(rest)
	}
	return arg
}

func (s *session) handleLIST(arg string) {
	s.list("LIST", stripListFlags(arg))
}

func (s *session) handleNLST(arg string) {
	s.list("NLST", stripListFlags(arg))
}

func (s *session) handleMLSD(arg string) {
	s.list("MLSD", strings.TrimSpace(arg))
}

func (s *session) list(cmd, arg string) {
	if !s.needData() {
		return
	}
	target := s.resolve(arg)
	if !s.allowed(PermList, target) {
		s.dropData()
		s.checkPerm(PermList, target)
		return
	}
	if cmd == "MLSD" {
		info, err := s.fs.Stat(target)
		if err != nil {
			s.refuse(err)
			return
		}
		if !info.IsDir() {
			s.dropData()
			s.reply(501, "No such directory.")
			return
		}
	}
	entries, err := s.fs.List(target)
	if err != nil {
		s.refuse(err)
		return
	}
	s.startTransfer(&transfer{
		cmd:      cmd,
		name:     target,
		preamble: "Here comes the directory listing.",
		src:      io.NopCloser(bytes.NewReader(s.listing(cmd, target, entries))),
	})
}

func (s *session) handleABOR(_ string) {
	switch {
	case s.dc == nil:
		s.reply(225, "No transfer to abort.")
	case s.dc.xfer == nil:
		s.dropData()
		s.reply(225, "ABOR command successful; data channel closed.")
	default:
		s.server.logger.Info("transfer_abort_requested",
			"session_id", s.sessionID,
			"cmd", s.dc.xfer.cmd,
		)
		// Replies 426 for the transfer before we answer for ABOR.
		s.dc.close(outcomeAborted)
		s.reply(226, "ABOR command successful.")
		if s.quitPending {
			s.goodbye()
		}
	}
}

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(strings.Join(strings.Fields(arg), " ")) {
	case "A", "A N":
		s.transferType = "A"
		s.restartOffset = 0
		s.reply(200, "Type set to: ASCII.")
	case "I", "L 8":
		s.transferType = "I"
		s.reply(200, "Type set to: Binary.")
	default:
		s.reply(504, "Unsupported type \""+arg+"\".")
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid parameter.")
		return
	}
	// Offsets count stored bytes, which differ from wire bytes in ASCII.
	if s.transferType == "A" && offset > 0 {
		s.reply(501, "Resuming transfers not allowed in ASCII mode.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at position %d.", offset))
}

func (s *session) handlePASV(_ string) {
	if s.epsvAll {
		s.reply(501, "PASV not allowed after EPSV ALL.")
		return
	}
	s.openPassive(false)
}

func (s *session) handleEPSV(arg string) {
	arg = strings.ToUpper(strings.TrimSpace(arg))
	switch arg {
	case "":
	case "ALL":
		s.epsvAll = true
		s.reply(200, "EPSV ALL command successful.")
		return
	case "1", "2":
		if arg != s.addressFamily() {
			s.reply(522, "Network protocol not supported, use ("+s.addressFamily()+").")
			return
		}
	default:
		s.reply(501, "Unknown network protocol.")
		return
	}
	s.openPassive(true)
}

// addressFamily returns the RFC 2428 protocol number of the control
// connection: "1" for IPv4, "2" for IPv6.
func (s *session) addressFamily() string {
	if local, ok := s.ch.LocalAddr().(*net.TCPAddr); ok && local.IP.To4() == nil {
		return "2"
	}
	return "1"
}

// handlePORT handles "PORT h1,h2,h3,h4,p1,p2".
func (s *session) handlePORT(arg string) {
	if s.epsvAll {
		s.reply(501, "PORT not allowed after EPSV ALL.")
		return
	}
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		s.reply(501, "Invalid PORT format.")
		return
	}
	var nums [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			s.reply(501, "Invalid PORT format.")
			return
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3])).To4()
	port := nums[4]<<8 | nums[5]
	if s.addressFamily() != "1" {
		s.reply(425, "You cannot use PORT on IPv6 connections. Use EPRT instead.")
		return
	}
	s.connectActive(ip, port)
}

// handleEPRT handles "EPRT |proto|addr|port|" (RFC 2428).
func (s *session) handleEPRT(arg string) {
	if s.epsvAll {
		s.reply(501, "EPRT not allowed after EPSV ALL.")
		return
	}
	arg = strings.TrimSpace(arg)
	if len(arg) < 7 {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	fields := strings.Split(arg[1:len(arg)-1], arg[:1])
	if len(fields) != 3 || arg[len(arg)-1] != arg[0] {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	proto, addr, portStr := fields[0], fields[1], fields[2]
	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}
	ip := net.ParseIP(addr)
	port, err := strconv.Atoi(portStr)
	if ip == nil || err != nil || port <= 0 || port > 65535 {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	if (proto == "1") != (ip.To4() != nil) {
		s.reply(501, "Address does not match the network protocol.")
		return
	}
	if proto != s.addressFamily() {
		s.reply(522, "Network protocol not supported, use ("+s.addressFamily()+").")
		return
	}
	s.connectActive(ip, port)
}
