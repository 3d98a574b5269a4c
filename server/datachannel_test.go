package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestPassiveTimeout(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ts := startServer(t,
		WithPassivePortRange(port, port),
		WithDataTimeouts(200*time.Millisecond, time.Second),
	)
	ts.writeFile(t, "f.txt", "x")

	c := ts.dialRawLoggedIn(t)
	assert.Equal(t, port, c.passive())
	c.send("RETR f.txt")
	c.expect(425)

	// The port went back to the pool and serves another session.
	other := ts.dialRawLoggedIn(t)
	assert.Equal(t, port, other.passive())
	data, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	defer data.Close()
	other.cmd(150, "RETR f.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	other.expect(226)
	assert.Equal(t, "x", string(got))

	// The first session is still usable.
	c.cmd(200, "NOOP")
}

func TestPassiveTimeoutWithoutTransfer(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ts := startServer(t,
		WithPassivePortRange(port, port),
		WithDataTimeouts(100*time.Millisecond, time.Second),
	)

	c := ts.dialRawLoggedIn(t)
	c.passive()
	// The idle listener goes away silently.
	eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	})
	c.cmd(200, "NOOP")
	c.cmd(425, "LIST")
}

func TestPassivePortExhaustion(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ts := startServer(t, WithPassivePortRange(port, port))

	c1 := ts.dialRawLoggedIn(t)
	c2 := ts.dialRawLoggedIn(t)
	c1.passive()
	c2.cmd(425, "EPSV")

	// A new PASV from the owner replaces its own listener.
	assert.Equal(t, port, c1.passive())
}

func TestPassiveUpload(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRawLoggedIn(t)

	payload := bytes.Repeat([]byte("upload "), 50_000)
	data := c.openData()
	c.cmd(150, "STOR up.bin")
	_, err := data.Write(payload)
	require.NoError(t, err)
	require.NoError(t, data.Close())
	c.expect(226)
	assert.Equal(t, string(payload), ts.readFile(t, "up.bin"))

	data = c.openData()
	msg := c.cmd(150, "STOU")
	_, err = data.Write([]byte("unique"))
	require.NoError(t, err)
	require.NoError(t, data.Close())
	c.expect(226)
	assert.Contains(t, msg, "FILE: stou.")
}

func TestTransferToDirectoryRefused(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	c := ts.dialRawLoggedIn(t)
	c.cmd(257, "MKD d")

	c.passive()
	c.cmd(550, "RETR d")
	c.passive()
	c.cmd(550, "STOR d")
	c.passive()
	c.cmd(550, "RETR missing")
	ts.writeFile(t, "plain.txt", "x")
	c.passive()
	c.cmd(501, "MLSD plain.txt")
}

func TestBandwidthLimit(t *testing.T) {
	t.Parallel()
	const rate = 100_000
	ts := startServer(t, WithBandwidthLimit(0, rate))
	ts.writeFile(t, "f.bin", string(bytes.Repeat([]byte{'z'}, 2*rate)))

	c := ts.dialRawLoggedIn(t)
	data := c.openData()
	start := time.Now()
	c.cmd(150, "RETR f.bin")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Len(t, got, 2*rate)
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)

	// Control traffic is not paced.
	start = time.Now()
	c.cmd(200, "NOOP")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbortAfterQuit(t *testing.T) {
	t.Parallel()
	// Slow enough that the transfer is still running when ABOR arrives.
	ts := startServer(t, WithBandwidthLimit(0, 10_000))
	ts.writeFile(t, "big.bin", string(bytes.Repeat([]byte{'q'}, 100_000)))

	c := ts.dialRawLoggedIn(t)
	data := c.openData()
	c.cmd(150, "RETR big.bin")
	go io.Copy(io.Discard, data)

	_, err := c.conn.Write([]byte("QUIT\r\nABOR\r\n"))
	require.NoError(t, err)
	c.expect(426)
	c.expect(226)
	c.expect(221)
	c.expectClosed()
}

func TestStatBeforeDataConnection(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "f.txt", "x")

	c := ts.dialRawLoggedIn(t)
	port := c.passive()
	// 150 waits for the data connection.
	c.send("RETR f.txt")

	msg := c.cmd(211, "STAT")
	assert.Contains(t, msg, "RETR /f.txt in progress.")
	assert.Contains(t, msg, "Waiting for the data connection.")
	assert.NotContains(t, msg, "bytes transferred")

	data, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	defer data.Close()
	c.expect(150)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "x", string(got))
}
