package server

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// handleACCT handles the ACCT command.
// RFC 1123 requires this command, but most modern servers don't need it.
func (s *session) handleACCT(_ string) {
	s.reply(202, "Command not implemented, superfluous at this site.")
}

// handleMODE handles the MODE command.
// RFC 1123 requires Stream mode support.
func (s *session) handleMODE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		s.reply(200, "Mode set to Stream.")
	case "B", "C":
		s.reply(504, "Unimplemented MODE type.")
	default:
		s.reply(501, "Unrecognized MODE type.")
	}
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (s *session) handleSTRU(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		s.reply(200, "File transfer structure set to: F.")
	case "P", "R":
		s.reply(504, "Unimplemented STRU type.")
	default:
		s.reply(501, "Unrecognized STRU type.")
	}
}

// handleALLO is a no-op: storage is never preallocated.
func (s *session) handleALLO(_ string) {
	s.reply(202, "No storage allocation necessary.")
}

func (s *session) handleSYST(_ string) {
	s.reply(215, s.server.serverName)
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "I successfully done nothin'.")
}

// handleSTAT reports the session status, or lists a path over the control
// connection when given one.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.statPath(arg)
		return
	}

	lines := []string{
		fmt.Sprintf("Connected to: %s", s.ch.LocalAddr()),
		fmt.Sprintf("Connected from: %s", s.redactIP(s.remoteIP)),
	}
	if s.state == stateAuthenticated {
		lines = append(lines, "Logged in as: "+s.user)
	} else {
		lines = append(lines, "Waiting for username.")
	}
	typ := "Binary"
	if s.transferType == "A" {
		typ = "ASCII"
	}
	lines = append(lines, fmt.Sprintf("TYPE: %s; STRUcture: File; MODE: Stream", typ))
	if s.ch.IsTLS() {
		lines = append(lines, fmt.Sprintf("Control connection is TLS; data PROT %s", s.prot))
	}

	switch {
	case s.dc == nil:
		lines = append(lines, "Data connection closed.")
	case s.dc.xfer != nil:
		x := s.dc.xfer
		lines = append(lines, fmt.Sprintf("%s %s in progress.", x.cmd, x.name))
		if x.started.IsZero() {
			lines = append(lines, "Waiting for the data connection.")
		} else {
			lines = append(lines, fmt.Sprintf("%d bytes transferred in %s.", x.bytes, time.Since(x.started).Round(time.Second)))
		}
	case s.dc.passive:
		lines = append(lines, "Passive data channel waiting for connection.")
	default:
		lines = append(lines, "Data connection established.")
	}
	lines = append(lines, fmt.Sprintf("Session time: %s", time.Since(s.started).Round(time.Second)))
	s.replyLines(211, "FTP server status:", lines, "End of status.")
}

func (s *session) statPath(arg string) {
	if s.state != stateAuthenticated {
		s.reply(530, "Log in with USER and PASS first.")
		return
	}
	if s.transferring() {
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	}
	target := s.resolve(stripListFlags(arg))
	if !s.checkPerm(PermList, target) {
		return
	}
	entries, err := s.fs.List(target)
	if err != nil {
		s.replyError(err)
		return
	}
	now := time.Now()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, listLine(e, now))
	}
	s.replyLines(213, "Status of \""+target+"\":", lines, "End of status.")
}

// handleHELP handles the HELP command.
// Returns a list of supported commands.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		cmd := strings.ToUpper(strings.TrimSpace(arg))
		if _, ok := commands[cmd]; !ok || s.server.disabledCommands[cmd] {
			s.reply(501, "Unrecognized command.")
			return
		}
		s.reply(214, fmt.Sprintf("Syntax: %s (see RFC 959).", cmd))
		return
	}

	var verbs []string
	for _, v := range slices.Sorted(maps.Keys(commands)) {
		if !s.server.disabledCommands[v] {
			verbs = append(verbs, v)
		}
	}
	var lines []string
	for chunk := range slices.Chunk(verbs, 8) {
		lines = append(lines, strings.Join(chunk, " "))
	}
	s.replyLines(214, "The following commands are recognized:", lines, "Help command successful.")
}
