package server

import (
	"errors"
	"io"
	"os"
	"time"
)

// ErrAuthFailed is returned by an Authorizer for bad credentials.
var ErrAuthFailed = errors.New("authentication failed")

// Perm is a single permission letter, in the classic notation:
//
//	Read permissions:
//	  e  change directory (CWD, CDUP)
//	  l  list files (LIST, NLST, MLSD, MLST, SIZE, MDTM, STAT path)
//	  r  retrieve a file (RETR)
//
//	Write permissions:
//	  a  append to a file (APPE)
//	  d  delete a file or directory (DELE, RMD)
//	  f  rename (RNFR, RNTO)
//	  m  create a directory (MKD)
//	  w  store a file (STOR, STOU)
//	  M  change mode (SITE CHMOD)
//	  T  change modification time (MFMT)
type Perm byte

const (
	PermChangeDir Perm = 'e'
	PermList      Perm = 'l'
	PermRetrieve  Perm = 'r'
	PermAppend    Perm = 'a'
	PermDelete    Perm = 'd'
	PermRename    Perm = 'f'
	PermMakeDir   Perm = 'm'
	PermStore     Perm = 'w'
	PermChmod     Perm = 'M'
	PermChtimes   Perm = 'T'
)

const (
	// ReadPerms grants browsing and downloads.
	ReadPerms = "elr"
	// WritePerms grants every modifying operation.
	WritePerms = "adfmwMT"
)

// IsWrite reports whether p modifies the filesystem.
func (p Perm) IsWrite() bool {
	switch p {
	case PermChangeDir, PermList, PermRetrieve:
		return false
	}
	return true
}

func (p Perm) String() string {
	return string(rune(p))
}

// Authorizer validates credentials and answers permission questions.
//
// Paths handed to HasPermission are virtual absolute paths, cleaned and
// rooted at the user's home ("/" is the home itself).
//
// Implementations must be safe for concurrent use: sessions on different
// reactors call them in parallel.
type Authorizer interface {
	// Validate checks the password. It returns ErrAuthFailed (possibly
	// wrapped) for bad credentials.
	Validate(user, pass string) error

	// HasPermission reports whether user may perform perm on path.
	HasPermission(user string, perm Perm, path string) bool

	// HomeDir returns the directory the user is jailed into.
	HomeDir(user string) (string, error)
}

// Filesystem is a user's view of storage, jailed at its home.
//
// All paths are virtual absolute paths using forward slashes. Errors should
// wrap os.ErrNotExist, os.ErrExist or os.ErrPermission where they apply so
// the session can choose a reply.
//
// A Filesystem is used by one session at a time, always from that
// session's reactor goroutine.
type Filesystem interface {
	// OpenForRead opens a file positioned at offset.
	OpenForRead(path string, offset int64) (io.ReadCloser, error)

	// OpenForWrite opens or creates a file for writing. With append set
	// writes go to the end; otherwise a zero offset truncates and a positive
	// offset resumes at that position.
	OpenForWrite(path string, offset int64, append bool) (io.WriteCloser, error)

	List(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Rename(from, to string) error
	Remove(path string) error
	RemoveDir(path string) error
	MakeDir(path string) error
	Chmod(path string, mode os.FileMode) error
	Chtimes(path string, mtime time.Time) error

	// Close releases resources when the session ends or logs in again.
	Close() error
}

// FilesystemFactory builds the Filesystem of an authenticated user.
type FilesystemFactory func(user, home string) (Filesystem, error)
