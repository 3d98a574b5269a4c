package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func (s *session) handlePWD(_ string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCWD(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermChangeDir, target) {
		return
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = target
	s.reply(250, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermMakeDir, target) {
		return
	}
	if err := s.fs.MakeDir(target); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_created",
		"session_id", s.sessionID,
		"user", s.user,
		"path", s.redactPath(target),
	)
	// RFC 959: doubled quotes inside the quoted name.
	s.reply(257, fmt.Sprintf("\"%s\" directory created.", strings.ReplaceAll(target, `"`, `""`)))
}

func (s *session) handleRMD(arg string) {
	target := s.resolve(arg)
	if target == "/" {
		s.reply(550, "Can't remove root directory.")
		return
	}
	if !s.checkPerm(PermDelete, target) {
		return
	}
	if err := s.fs.RemoveDir(target); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"user", s.user,
		"path", s.redactPath(target),
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermDelete, target) {
		return
	}
	if err := s.fs.Remove(target); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"user", s.user,
		"path", s.redactPath(target),
	)
	s.reply(250, "File removed.")
}

func (s *session) handleRNFR(arg string) {
	source := s.resolve(arg)
	if source == "/" {
		s.reply(550, "Can't rename home directory.")
		return
	}
	if !s.checkPerm(PermRename, source) {
		return
	}
	if _, err := s.fs.Stat(source); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = source
	s.reply(350, "Ready for destination name.")
}

func (s *session) handleRNTO(arg string) {
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence of commands: use RNFR first.")
		return
	}
	source := s.renameFrom
	s.renameFrom = ""

	target := s.resolve(arg)
	if !s.checkPerm(PermRename, target) {
		return
	}
	if err := s.fs.Rename(source, target); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"user", s.user,
		"from", s.redactPath(source),
		"to", s.redactPath(target),
	)
	s.reply(250, "Renaming ok.")
}

// handleSITE handles the SITE command.
// Provides server-specific commands (RFC 959).
func (s *session) handleSITE(arg string) {
	parts := strings.Fields(arg)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "HELP":
		s.replyLines(214, "The following SITE commands are recognized:",
			[]string{"CHMOD", "HELP"}, "Help SITE command successful.")
	case "CHMOD":
		// Syntax: SITE CHMOD <mode> <file>
		if len(parts) < 3 {
			s.reply(501, "Syntax error in parameters or arguments.")
			return
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			s.reply(501, "Invalid SITE CHMOD format.")
			return
		}
		// Validate mode: only allow standard permission bits (0-777)
		if mode > 0o777 {
			s.reply(501, "Invalid mode: special bits not allowed.")
			return
		}
		// path might contain spaces
		_, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
		_, rest, _ = strings.Cut(strings.TrimSpace(rest), " ")
		target := s.resolve(strings.TrimSpace(rest))
		if !s.checkPerm(PermChmod, target) {
			return
		}
		if err := s.fs.Chmod(target, os.FileMode(mode)); err != nil {
			s.replyError(err)
			return
		}
		s.reply(200, "SITE CHMOD successful.")
	default:
		s.reply(500, "Command SITE "+cmd+" not understood.")
	}
}

// handleMFMT sets a file's modification time (draft-somers-ftp-mfxx).
func (s *session) handleMFMT(arg string) {
	timeStr, name, ok := strings.Cut(strings.TrimSpace(arg), " ")
	if !ok || name == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	// Format: YYYYMMDDHHMMSS, always UTC
	t, err := time.Parse("20060102150405", timeStr)
	if err != nil {
		s.reply(501, "Invalid time format.")
		return
	}

	target := s.resolve(name)
	if !s.checkPerm(PermChtimes, target) {
		return
	}
	if err := s.fs.Chtimes(target, t); err != nil {
		s.replyError(err)
		return
	}

	// Response format: "Modify=YYYYMMDDHHMMSS; /path"
	s.reply(213, fmt.Sprintf("Modify=%s; %s", timeStr, name))
}
