package server

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"
)

func (s *session) handleSIZE(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermList, target) {
		return
	}
	// The size on the wire differs from the stored size in ASCII mode.
	if s.transferType == "A" {
		s.reply(550, "SIZE not allowed in ASCII mode.")
		return
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, fmt.Sprintf("%s is not retrievable.", arg))
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermList, target) {
		return
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, fmt.Sprintf("%s is not retrievable.", arg))
		return
	}
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleFEAT(_ string) {
	features := []string{
		"EPRT",
		"EPSV",
		"MDTM",
		"MFMT",
		"MLST type*;size*;modify*;perm*;",
		"REST STREAM",
		"SIZE",
		"TVFS",
		"UTF8",
	}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	s.replyLines(211, "Features supported:", features, "End FEAT.")
}

func (s *session) handleOPTS(arg string) {
	opt, value, _ := strings.Cut(strings.TrimSpace(arg), " ")
	switch strings.ToUpper(opt) {
	case "UTF8", "UTF-8":
		if strings.EqualFold(strings.TrimSpace(value), "OFF") {
			s.reply(504, "UTF8 cannot be disabled.")
			return
		}
		s.reply(200, "Always in UTF8 mode.")
	case "MLST":
		// Every fact is always sent.
		s.reply(200, "MLST OPTS type;size;modify;perm;")
	default:
		s.reply(501, "Option not understood.")
	}
}

// handleMLST describes one path over the control connection.
func (s *session) handleMLST(arg string) {
	target := s.resolve(arg)
	if !s.checkPerm(PermList, target) {
		return
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	s.replyLines(250, "Listing "+target,
		[]string{s.mlsxFacts(target, info) + " " + target}, "End MLST.")
}

// mlsxFacts formats the RFC 3659 facts of one entry, without the name.
func (s *session) mlsxFacts(vpath string, info fs.FileInfo) string {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	return fmt.Sprintf("type=%s;size=%d;modify=%s;perm=%s;",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), s.mlsxPerm(vpath, info.IsDir()))
}

// mlsxPerm translates the user's permissions into the "perm" fact.
func (s *session) mlsxPerm(vpath string, dir bool) string {
	var b strings.Builder
	add := func(p Perm, fact string) {
		if s.allowed(p, vpath) {
			b.WriteString(fact)
		}
	}
	if dir {
		add(PermChangeDir, "e")
		add(PermList, "l")
		add(PermStore, "c")
		add(PermDelete, "d")
		add(PermRename, "f")
		add(PermMakeDir, "m")
		return b.String()
	}
	add(PermRetrieve, "r")
	add(PermAppend, "a")
	add(PermStore, "w")
	add(PermDelete, "d")
	add(PermRename, "f")
	return b.String()
}

// listLine formats one entry the way "ls -l" does.
func listLine(info fs.FileInfo, now time.Time) string {
	mode := info.Mode()
	perm := mode.Perm().String()[1:]
	kind := "-"
	switch {
	case mode.IsDir():
		kind = "d"
	case mode&os.ModeSymlink != 0:
		kind = "l"
	}

	mtime := info.ModTime()
	stamp := mtime.Format("Jan _2 15:04")
	if now.Sub(mtime) > 180*24*time.Hour || mtime.After(now.Add(time.Hour)) {
		stamp = mtime.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s%s %3d %-8s %-8s %12d %s %s",
		kind, perm, 1, "owner", "group", info.Size(), stamp, info.Name())
}

// listing renders entries for LIST, NLST or MLSD. dir is the virtual
// directory that was listed.
func (s *session) listing(cmd, dir string, entries []fs.FileInfo) []byte {
	var b strings.Builder
	now := time.Now()
	for _, e := range entries {
		switch cmd {
		case "NLST":
			b.WriteString(e.Name())
		case "MLSD":
			b.WriteString(s.mlsxFacts(path.Join(dir, e.Name()), e))
			b.WriteString(" ")
			b.WriteString(e.Name())
		default:
			b.WriteString(listLine(e, now))
		}
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
