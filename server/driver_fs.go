package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// OSFilesystem implements Filesystem on a local directory.
//
// All operations go through an os.Root, so neither ".." components nor
// symlinks pointing outside the directory can escape it.
type OSFilesystem struct {
	root *os.Root
}

// NewOSFilesystem opens dir as a jailed filesystem.
func NewOSFilesystem(dir string) (*OSFilesystem, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open root %s: %w", dir, err)
	}
	return &OSFilesystem{root: root}, nil
}

// OSFilesystemFactory is the default FilesystemFactory: it jails every user
// into their home directory.
func OSFilesystemFactory(_, home string) (Filesystem, error) {
	return NewOSFilesystem(home)
}

// rel maps a virtual absolute path to a path relative to the root.
func (fs *OSFilesystem) rel(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}

// OpenForRead opens a regular file positioned at offset.
func (fs *OSFilesystem) OpenForRead(p string, offset int64) (io.ReadCloser, error) {
	f, err := fs.root.Open(fs.rel(p))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p, errIsDir)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// OpenForWrite opens p for an upload.
func (fs *OSFilesystem) OpenForWrite(p string, offset int64, appendMode bool) (io.WriteCloser, error) {
	flag := os.O_WRONLY | os.O_CREATE
	switch {
	case appendMode:
		flag |= os.O_APPEND
	case offset == 0:
		flag |= os.O_TRUNC
	}
	f, err := fs.root.OpenFile(fs.rel(p), flag, 0o644)
	if err != nil {
		return nil, err
	}
	if offset > 0 && !appendMode {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// List returns the entries of a directory sorted by name. Listing a file
// returns just that file.
func (fs *OSFilesystem) List(p string) ([]os.FileInfo, error) {
	f, err := fs.root.Open(fs.rel(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []os.FileInfo{info}, nil
	}

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// Stat returns file metadata.
func (fs *OSFilesystem) Stat(p string) (os.FileInfo, error) {
	return fs.root.Stat(fs.rel(p))
}

// Rename moves a file or directory within the root.
func (fs *OSFilesystem) Rename(from, to string) error {
	return fs.root.Rename(fs.rel(from), fs.rel(to))
}

// Remove deletes a file. Directories are refused.
func (fs *OSFilesystem) Remove(p string) error {
	info, err := fs.root.Lstat(fs.rel(p))
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", p, errIsDir)
	}
	return fs.root.Remove(fs.rel(p))
}

// RemoveDir deletes an empty directory.
func (fs *OSFilesystem) RemoveDir(p string) error {
	info, err := fs.root.Lstat(fs.rel(p))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", p, errNotDir)
	}
	return fs.root.Remove(fs.rel(p))
}

// MakeDir creates a directory with 0755 permissions.
func (fs *OSFilesystem) MakeDir(p string) error {
	return fs.root.Mkdir(fs.rel(p), 0o755)
}

// Chmod changes permission bits. Special bits are refused.
func (fs *OSFilesystem) Chmod(p string, mode os.FileMode) error {
	if mode > 0o777 {
		return os.ErrInvalid
	}
	return fs.root.Chmod(fs.rel(p), mode)
}

// Chtimes sets the modification time, leaving access time alone.
func (fs *OSFilesystem) Chtimes(p string, mtime time.Time) error {
	return fs.root.Chtimes(fs.rel(p), time.Time{}, mtime)
}

// Close releases the root handle.
func (fs *OSFilesystem) Close() error {
	return fs.root.Close()
}

var (
	errIsDir  = errors.New("is a directory")
	errNotDir = errors.New("not a directory")
)

// AnonymousUser is the login name of the anonymous account. "ftp" is
// accepted as an alias.
const AnonymousUser = "anonymous"

// User is an account known to a UserAuthorizer.
type User struct {
	Name     string
	Password string
	Home     string
	Perm     string
}

type permOverride struct {
	dir       string // virtual absolute directory
	perm      string
	recursive bool
}

// UserAuthorizer is an in-memory Authorizer.
//
// Every user has a home directory and a permission string built from the
// letters documented on Perm. Permissions can be overridden below a
// directory with OverridePerm.
type UserAuthorizer struct {
	mu        sync.RWMutex
	users     map[string]User
	overrides map[string][]permOverride
}

// NewUserAuthorizer returns an authorizer with no users.
func NewUserAuthorizer() *UserAuthorizer {
	return &UserAuthorizer{
		users:     make(map[string]User),
		overrides: make(map[string][]permOverride),
	}
}

// AddUser registers a user. home must be an existing directory.
func (a *UserAuthorizer) AddUser(name, password, home, perm string) error {
	if name == "" {
		return errors.New("user name is empty")
	}
	name = canonicalUser(name)
	if err := validatePerm(perm); err != nil {
		return err
	}
	home, err := checkHome(home)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[name]; ok {
		return fmt.Errorf("user %q already exists", name)
	}
	a.users[name] = User{Name: name, Password: password, Home: home, Perm: perm}
	return nil
}

// AddAnonymous enables anonymous logins, with any password, into home.
// perm defaults to ReadPerms when empty.
func (a *UserAuthorizer) AddAnonymous(home, perm string) error {
	if perm == "" {
		perm = ReadPerms
	}
	return a.AddUser(AnonymousUser, "", home, perm)
}

// RemoveUser deletes a user and its overrides.
func (a *UserAuthorizer) RemoveUser(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, canonicalUser(name))
	delete(a.overrides, canonicalUser(name))
}

// HasUser reports whether name is registered.
func (a *UserAuthorizer) HasUser(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[canonicalUser(name)]
	return ok
}

// OverridePerm replaces the permissions of user inside dir, a virtual
// absolute path. Without recursive the override only applies to dir itself
// and the files directly in it.
func (a *UserAuthorizer) OverridePerm(user, dir, perm string, recursive bool) error {
	if err := validatePerm(perm); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user = canonicalUser(user)
	if _, ok := a.users[user]; !ok {
		return fmt.Errorf("no such user %q", user)
	}
	a.overrides[user] = append(a.overrides[user], permOverride{
		dir:       path.Clean("/" + dir),
		perm:      perm,
		recursive: recursive,
	})
	return nil
}

// Validate implements Authorizer.
func (a *UserAuthorizer) Validate(user, pass string) error {
	a.mu.RLock()
	u, ok := a.users[canonicalUser(user)]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown user %q: %w", user, ErrAuthFailed)
	}
	if u.Name == AnonymousUser {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(pass)) != 1 {
		return fmt.Errorf("bad password for %q: %w", user, ErrAuthFailed)
	}
	return nil
}

// HasPermission implements Authorizer.
func (a *UserAuthorizer) HasPermission(user string, perm Perm, p string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	user = canonicalUser(user)
	u, ok := a.users[user]
	if !ok {
		return false
	}
	granted := u.Perm
	if o, ok := bestOverride(a.overrides[user], path.Clean("/"+p)); ok {
		granted = o.perm
	}
	return strings.IndexByte(granted, byte(perm)) >= 0
}

// HomeDir implements Authorizer.
func (a *UserAuthorizer) HomeDir(user string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[canonicalUser(user)]
	if !ok {
		return "", fmt.Errorf("unknown user %q", user)
	}
	return u.Home, nil
}

// bestOverride picks the deepest override covering p.
func bestOverride(overrides []permOverride, p string) (permOverride, bool) {
	var best permOverride
	found := false
	for _, o := range overrides {
		covered := p == o.dir || path.Dir(p) == o.dir
		if o.recursive {
			covered = p == o.dir || o.dir == "/" || strings.HasPrefix(p, o.dir+"/")
		}
		if covered && (!found || len(o.dir) > len(best.dir)) {
			best, found = o, true
		}
	}
	return best, found
}

func canonicalUser(name string) string {
	if name == "ftp" {
		return AnonymousUser
	}
	return name
}

func validatePerm(perm string) error {
	for _, c := range perm {
		if !strings.ContainsRune(ReadPerms+WritePerms, c) {
			return fmt.Errorf("invalid permission %q", c)
		}
	}
	return nil
}

func checkHome(home string) (string, error) {
	info, err := os.Stat(home)
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("home directory %s is not a directory", home)
	}
	return filepath.Abs(home)
}
