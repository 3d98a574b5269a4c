package server

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandDispatch(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRaw(t)

	c.cmd(502, "BOGUS")
	c.cmd(530, "PWD")
	c.cmd(530, "RETR x")
	c.cmd(503, "PASS secret")
	c.cmd(501, "USER")
	c.cmd(200, "NOOP")
	c.cmd(200, "noop")

	c.cmd(331, "USER "+testUser)
	c.cmd(230, "PASS "+testPass)
	c.cmd(503, "PASS "+testPass)
	c.cmd(501, "MKD")
	c.cmd(257, "PWD")
	c.cmd(550, "CWD /nope")
	c.cmd(202, "ALLO 100")
	c.cmd(200, "MODE S")
	c.cmd(504, "MODE B")
	c.cmd(200, "STRU F")
	c.cmd(504, "TYPE E")
	c.cmd(221, "QUIT")
	c.expectClosed()
}

func TestRenameSequence(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "a.txt", "a")

	c := ts.dialRawLoggedIn(t)
	c.cmd(503, "RNTO b.txt")
	c.cmd(350, "RNFR a.txt")
	c.cmd(250, "RNTO b.txt")
	assert.Equal(t, "a", ts.readFile(t, "b.txt"))

	// Any command in between cancels the pending rename.
	c.cmd(350, "RNFR b.txt")
	c.cmd(200, "NOOP")
	c.cmd(503, "RNTO c.txt")
	c.cmd(550, "RNFR missing.txt")
}

func TestRestartOffsetLifetime(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "f.txt", "0123456789")

	c := ts.dialRawLoggedIn(t)
	c.cmd(501, "REST -1")
	c.cmd(501, "REST abc")
	c.cmd(350, "REST 20")
	c.openData()
	c.cmd(550, "RETR f.txt")

	// NOOP clears the offset, so the whole file comes back.
	c.cmd(350, "REST 5")
	c.cmd(200, "NOOP")
	data := c.openData()
	c.cmd(150, "RETR f.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "0123456789", string(got))

	// Negotiation commands keep it.
	c.cmd(350, "REST 5")
	data = c.openData()
	c.cmd(150, "RETR f.txt")
	got, err = io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "56789", string(got))
}

func TestOverlongCommandLine(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRaw(t)

	c.cmd(500, "NOOP %s", strings.Repeat("x", DefaultMaxCommandLength+100))
	c.cmd(200, "NOOP")
}

func TestConfiguredCommandLength(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithMaxCommandLength(600))
	c := ts.dialRaw(t)

	c.cmd(500, "NOOP %s", strings.Repeat("x", 700))
	c.cmd(200, "NOOP %s", strings.Repeat("x", 500))

	_, err := NewServer(":0", WithAuthorizer(NewUserAuthorizer()), WithMaxCommandLength(100))
	assert.ErrorContains(t, err, "max command length")
}

func TestTelnetSequencesAreIgnored(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRaw(t)

	// IAC IP, IAC DO ECHO, then the command split around them.
	_, err := c.conn.Write([]byte("NO\xff\xf4\xff\xfd\x01OP\r\n"))
	require.NoError(t, err)
	c.expect(200)
}

func TestPipelinedCommands(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRaw(t)

	_, err := c.conn.Write([]byte("USER " + testUser + "\r\nPASS " + testPass + "\r\nPWD\r\nSYST\r\n"))
	require.NoError(t, err)
	c.expect(331)
	c.expect(230)
	c.expect(257)
	c.expect(215)
}

// bigFile writes a file larger than socket buffers so a download stays in
// progress until the client reads it.
func bigFile(t *testing.T, ts *testServer, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(ts.root, name))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64<<20))
	require.NoError(t, f.Close())
}

func TestCommandsDuringTransfer(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	bigFile(t, ts, "big.bin")

	c := ts.dialRawLoggedIn(t)
	data := c.openData()
	c.cmd(150, "RETR big.bin")

	c.cmd(503, "CWD /")
	c.cmd(503, "PASV")
	c.cmd(200, "NOOP")
	stat := c.cmd(211, "STAT")
	assert.Contains(t, stat, "RETR /big.bin in progress")

	c.send("ABOR")
	c.expect(426)
	c.expect(226)

	require.NoError(t, data.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.Copy(io.Discard, data)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "data connection closes after ABOR")

	// The session is usable again.
	c.cmd(250, "CWD /")
	c.cmd(225, "ABOR")
}

func TestAbortBeforeDataConnection(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "f.txt", "x")

	c := ts.dialRawLoggedIn(t)
	// Nobody connects, so the transfer waits without a 150.
	c.passive()
	c.send("RETR f.txt")
	c.send("ABOR")
	c.expect(426)
	c.expect(226)

	c.passive()
	c.cmd(225, "ABOR")
	c.cmd(425, "RETR f.txt")
}

func TestQuitDuringTransfer(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.dialRawLoggedIn(t)
	data := c.openData()
	c.cmd(150, "STOR up.txt")
	_, err := data.Write([]byte("partial"))
	require.NoError(t, err)

	c.send("QUIT")
	require.NoError(t, data.Close())
	c.expect(226)
	c.expect(221)
	c.expectClosed()
	assert.Equal(t, "partial", ts.readFile(t, "up.txt"))
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithMaxIdleTime(200*time.Millisecond))
	c := ts.dialRaw(t)

	c.expect(421)
	c.expectClosed()
	eventually(t, func() bool { return ts.ActiveSessions() == 0 })
}

func TestDataStallTimeout(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDataStallTimeout(300*time.Millisecond))

	c := ts.dialRawLoggedIn(t)
	data := c.openData()
	c.cmd(150, "STOR stall.txt")
	_, err := data.Write([]byte("a"))
	require.NoError(t, err)

	c.expect(426)
	c.cmd(200, "NOOP")
}

func TestSiteAndMFMT(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "f.txt", "x")

	c := ts.dialRawLoggedIn(t)
	c.cmd(214, "SITE HELP")
	c.cmd(200, "SITE CHMOD 600 f.txt")
	info, err := os.Stat(filepath.Join(ts.root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c.cmd(501, "SITE CHMOD 999 f.txt")
	c.cmd(500, "SITE EXEC ls")
	c.cmd(501, "MFMT 2020 f.txt")
}

func TestReloginFlushesAccount(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.dialRawLoggedIn(t)
	c.cmd(250, "CWD /")
	c.cmd(331, "USER anonymous")
	c.cmd(530, "PWD")
	c.cmd(230, "PASS x")
	c.cmd(257, "PWD")
}

func TestActiveMode(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "f.txt", "active data")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c := ts.dialRawLoggedIn(t)
	c.cmd(501, "PORT 127,0,0,1,0,21")
	c.cmd(501, "PORT 1,2,3")
	c.cmd(200, "EPRT |1|127.0.0.1|%d|", port)

	data, err := ln.Accept()
	require.NoError(t, err)
	defer data.Close()

	c.cmd(150, "RETR f.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "active data", string(got))

	c.cmd(200, "PORT 127,0,0,1,%d,%d", port>>8, port&0xff)
	data2, err := ln.Accept()
	require.NoError(t, err)
	defer data2.Close()
	c.cmd(150, "LIST")
	got, err = io.ReadAll(data2)
	require.NoError(t, err)
	c.expect(226)
	assert.Contains(t, string(got), "f.txt")
}

func TestActiveModeRefusesForeignAddress(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRawLoggedIn(t)

	c.cmd(501, "EPRT |1|10.255.255.1|2121|")
	c.cmd(522, "EPRT |3|127.0.0.1|2121|")
	c.cmd(501, "EPRT |2|127.0.0.1|2121|")
}

func TestActiveModeConnectFailure(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := ts.dialRawLoggedIn(t)
	c.cmd(425, "EPRT |1|127.0.0.1|%d|", port)
	c.cmd(425, "RETR f.txt")
}

func TestEPSVAll(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRawLoggedIn(t)

	c.cmd(522, "EPSV 2")
	c.cmd(501, "EPSV 9")
	c.cmd(200, "EPSV ALL")
	c.cmd(501, "PASV")
	c.cmd(501, "PORT 127,0,0,1,10,10")
	c.passive()
}

func TestPASVReply(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithPublicHost("203.0.113.10"))
	c := ts.dialRawLoggedIn(t)

	msg := c.cmd(227, "PASV")
	assert.Contains(t, msg, "(203,0,113,10,")
}
