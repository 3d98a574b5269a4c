package server

import (
	"bytes"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCollector is a MetricsCollector that keeps what it was told.
type recordingCollector struct {
	mu          sync.Mutex
	commands    map[string]int
	failures    map[string]int
	transfers   []string
	connections map[string]int
	logins      map[bool]int
	active      int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		commands:    make(map[string]int),
		failures:    make(map[string]int),
		connections: make(map[string]int),
		logins:      make(map[bool]int),
	}
}

func (r *recordingCollector) RecordCommand(cmd string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd]++
	if !success {
		r.failures[cmd]++
	}
}

func (r *recordingCollector) RecordTransfer(op, status string, _ int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, op+":"+status)
}

func (r *recordingCollector) RecordConnection(_ bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[reason]++
}

func (r *recordingCollector) RecordAuthentication(success bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins[success]++
}

func (r *recordingCollector) RecordActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *recordingCollector) snapshot(fn func(r *recordingCollector)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// dialRejected connects and returns the first reply, which should be the
// 421 of a refused admission.
func dialRejected(t *testing.T, addr string) (int, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	code, msg, err := textproto.NewConn(conn).ReadResponse(0)
	require.NoError(t, err)
	return code, msg
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	mc := newRecordingCollector()
	ts := startServer(t, WithMaxConnections(1, 0), WithMetricsCollector(mc))

	c1 := ts.dialRaw(t)

	code, msg := dialRejected(t, ts.addr)
	assert.Equal(t, 421, code)
	assert.Contains(t, msg, "Too many users")

	c1.cmd(221, "QUIT")
	c1.expectClosed()
	eventually(t, func() bool { return ts.ActiveSessions() == 0 })

	ts.dialRaw(t)
	eventually(t, func() bool {
		var accepted, rejected int
		mc.snapshot(func(r *recordingCollector) {
			accepted, rejected = r.connections["accepted"], r.connections["global_limit_reached"]
		})
		return accepted == 2 && rejected == 1
	})
}

func TestMaxConnectionsPerIP(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithMaxConnections(0, 2))

	ts.dialRaw(t)
	ts.dialRaw(t)
	code, msg := dialRejected(t, ts.addr)
	assert.Equal(t, 421, code)
	assert.Contains(t, msg, "from your IP")
	assert.Equal(t, 2, ts.ActiveSessions())
}

func TestMaxLoginAttempts(t *testing.T) {
	t.Parallel()
	mc := newRecordingCollector()
	ts := startServer(t, WithLoginPolicy(2, 0), WithMetricsCollector(mc))

	c := ts.dialRaw(t)
	c.cmd(331, "USER "+testUser)
	c.cmd(530, "PASS wrong")
	// A failure resets the login, so PASS needs a new USER.
	c.cmd(503, "PASS wrong")
	c.cmd(331, "USER "+testUser)
	c.cmd(530, "PASS wrong")
	c.expectClosed()

	mc.snapshot(func(r *recordingCollector) {
		assert.Equal(t, 2, r.logins[false])
		assert.Equal(t, 0, r.logins[true])
		assert.Equal(t, 3, r.failures["PASS"])
	})
}

func TestAuthFailedDelay(t *testing.T) {
	t.Parallel()
	delay := 300 * time.Millisecond
	ts := startServer(t, WithLoginPolicy(3, delay))

	c := ts.dialRaw(t)
	c.cmd(331, "USER "+testUser)

	start := time.Now()
	c.send("PASS wrong")
	// Pipelined commands wait behind the delayed reply.
	c.send("NOOP")
	c.expect(530)
	assert.GreaterOrEqual(t, time.Since(start), delay)
	c.expect(200)

	// Other sessions on the same reactor are not held up.
	other := ts.dialRaw(t)
	c.cmd(331, "USER "+testUser)
	c.send("PASS wrong")
	start = time.Now()
	other.cmd(200, "NOOP")
	assert.Less(t, time.Since(start), delay)
	c.expect(530)
}

func TestTransferMetricsAndLog(t *testing.T) {
	t.Parallel()
	mc := newRecordingCollector()
	var log syncBuffer
	ts := startServer(t, WithMetricsCollector(mc), WithTransferLog(&log))
	ts.writeFile(t, "f.txt", "hello")

	c := ts.dialFTP(t)
	r, err := c.Retr("f.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = c.List("/")
	require.NoError(t, err)

	eventually(t, func() bool {
		var n int
		mc.snapshot(func(r *recordingCollector) { n = len(r.transfers) })
		return n == 2
	})
	mc.snapshot(func(r *recordingCollector) {
		assert.Equal(t, "RETR:complete", r.transfers[0])
		assert.Equal(t, "MLSD:complete", r.transfers[1])
		assert.Equal(t, 1, r.logins[true])
	})

	// Listings are not written to the transfer log.
	line := log.String()
	assert.Contains(t, line, " 5 /f.txt b _ o r "+testUser+" ftp 0 * c\n")
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
