package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "alice"
	testPass = "secret"
)

// testServer is a running server with one read-write user and read-only
// anonymous access, both rooted at root.
type testServer struct {
	*Server
	addr string
	root string
}

func startServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	root := t.TempDir()
	auth := NewUserAuthorizer()
	require.NoError(t, auth.AddUser(testUser, testPass, root, ReadPerms+WritePerms))
	require.NoError(t, auth.AddAnonymous(root, ReadPerms))

	opts = append([]Option{
		WithAuthorizer(auth),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	s, err := NewServer("127.0.0.1:0", opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case err := <-served:
			if err != nil && !errors.Is(err, ErrServerClosed) {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return &testServer{Server: s, addr: ln.Addr().String(), root: root}
}

func (ts *testServer) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, name), []byte(content), 0o644))
}

func (ts *testServer) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ts.root, name))
	require.NoError(t, err)
	return string(data)
}

// dialFTP connects a full client and logs in as the read-write user.
func (ts *testServer) dialFTP(t *testing.T, opts ...ftp.DialOption) *ftp.ServerConn {
	t.Helper()
	opts = append([]ftp.DialOption{ftp.DialWithTimeout(5 * time.Second)}, opts...)
	c, err := ftp.Dial(ts.addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Quit() })
	require.NoError(t, c.Login(testUser, testPass))
	return c
}

// rawClient speaks the control protocol line by line.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	*textproto.Conn
}

func (ts *testServer) dialRaw(t *testing.T) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &rawClient{t: t, conn: conn, Conn: textproto.NewConn(conn)}
	c.expect(220)
	return c
}

func (ts *testServer) dialRawLoggedIn(t *testing.T) *rawClient {
	t.Helper()
	c := ts.dialRaw(t)
	c.cmd(331, "USER "+testUser)
	c.cmd(230, "PASS "+testPass)
	return c
}

// expect reads one response and requires its code.
func (c *rawClient) expect(code int) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, msg, err := c.ReadResponse(0)
	require.NoError(c.t, err)
	require.Equal(c.t, code, got, "reply: %s", msg)
	return msg
}

// cmd sends a command and requires the reply code.
func (c *rawClient) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	c.send(format, args...)
	return c.expect(code)
}

func (c *rawClient) send(format string, args ...any) {
	c.t.Helper()
	_, err := c.Cmd(format, args...)
	require.NoError(c.t, err)
}

// expectClosed requires the server to close the control connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.R.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

var epsvPort = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)

// passive issues EPSV and returns the advertised port.
func (c *rawClient) passive() int {
	c.t.Helper()
	msg := c.cmd(229, "EPSV")
	m := epsvPort.FindStringSubmatch(msg)
	require.NotNil(c.t, m, "reply: %s", msg)
	port, err := strconv.Atoi(m[1])
	require.NoError(c.t, err)
	return port
}

// openData issues EPSV and connects to the advertised port.
func (c *rawClient) openData() net.Conn {
	c.t.Helper()
	port := c.passive()
	data, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { data.Close() })
	return data
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
