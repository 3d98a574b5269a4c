package server

import (
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerDefaults(t *testing.T) {
	t.Parallel()
	s, err := NewServer(":0", WithAuthorizer(NewUserAuthorizer()))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, s.maxIdleTime)
	assert.Equal(t, 30*time.Second, s.passiveTimeout)
	assert.Equal(t, 10*time.Second, s.activeTimeout)
	assert.Equal(t, 3, s.maxLoginAttempts)
	assert.Equal(t, DistributeShared, s.distribution)
	assert.Len(t, s.loops, 1)
	assert.Nil(t, s.ports)
	assert.Nil(t, s.globalLimiter)
	assert.Nil(t, s.Addr())
}

func TestNewServerRequiresAuthorizer(t *testing.T) {
	t.Parallel()
	_, err := NewServer(":0")
	assert.Error(t, err)

	auth := NewUserAuthorizer()
	_, err = NewServer(":0", WithAuthorizer(auth), WithAuthorizer(auth))
	assert.Error(t, err, "authorizer set twice")
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opt  Option
	}{
		{"Zero data timeout", WithDataTimeouts(0, time.Second)},
		{"Negative connection limit", WithMaxConnections(-1, 0)},
		{"Zero login attempts", WithLoginPolicy(0, 0)},
		{"Inverted port range", WithPassivePortRange(3000, 2000)},
		{"Port range beyond 65535", WithPassivePortRange(65000, 70000)},
		{"Negative bandwidth", WithBandwidthLimit(-1, 0)},
		{"Round robin without reactors", WithDistribution(DistributeRoundRobin, 0)},
		{"Unknown distribution", WithDistribution(Distribution(7), 1)},
		{"IPv6 public host", WithPublicHost("2001:db8::1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(":0", WithAuthorizer(NewUserAuthorizer()), tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestOptionsApply(t *testing.T) {
	t.Parallel()
	s, err := NewServer(":0",
		WithAuthorizer(NewUserAuthorizer()),
		WithWelcomeMessage("220 Welcome"),
		WithMaxIdleTime(time.Minute),
		WithDataTimeouts(time.Second, 2*time.Second),
		WithDataStallTimeout(0),
		WithMaxConnections(10, 2),
		WithLoginPolicy(5, time.Second),
		WithPassivePortRange(40000, 40010),
		WithPublicHost("192.0.2.7"),
		WithPermitForeignAddresses(true),
		WithPermitPrivilegedPorts(true),
		WithReadOnly(true),
		WithBandwidthLimit(1<<20, 1<<16),
		WithDisableCommands("site", "Port"),
		WithDistribution(DistributeRoundRobin, 4),
	)
	require.NoError(t, err)

	assert.Equal(t, "220 Welcome", s.welcomeMessage)
	assert.Equal(t, time.Minute, s.maxIdleTime)
	assert.Equal(t, time.Second, s.passiveTimeout)
	assert.Equal(t, 2*time.Second, s.activeTimeout)
	assert.Zero(t, s.dataStallTimeout)
	assert.Equal(t, 10, s.maxConnections)
	assert.Equal(t, 2, s.maxConnectionsPerIP)
	assert.Equal(t, 5, s.maxLoginAttempts)
	assert.Equal(t, time.Second, s.authFailedDelay)
	assert.NotNil(t, s.ports)
	assert.Equal(t, "192.0.2.7", s.publicIP.String())
	assert.True(t, s.permitForeignAddresses)
	assert.True(t, s.permitPrivilegedPorts)
	assert.True(t, s.readOnly)
	assert.Equal(t, int64(1<<20), s.globalLimiter.Rate())
	assert.Equal(t, int64(1<<16), s.bandwidthLimitPerSession)
	assert.True(t, s.disabledCommands["SITE"])
	assert.True(t, s.disabledCommands["PORT"])
	assert.Len(t, s.loops, 4)
}

func TestWelcomeMessage(t *testing.T) {
	t.Parallel()
	for _, banner := range []string{"Private server", "220 Private server"} {
		ts := startServer(t, WithWelcomeMessage(banner))
		conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
		require.NoError(t, err)
		code, msg, err := textproto.NewConn(conn).ReadResponse(220)
		conn.Close()
		require.NoError(t, err)
		assert.Equal(t, 220, code)
		assert.Equal(t, "Private server", msg)
	}
}

func TestDisabledCommandGroups(t *testing.T) {
	t.Parallel()
	write, ok := CommandGroup("WRITE")
	require.True(t, ok)
	assert.Contains(t, write, "MFMT")
	_, ok = CommandGroup("admin")
	assert.False(t, ok)

	ts := startServer(t, WithDisableCommands(append(LegacyCommands, ActiveModeCommands...)...))
	c := ts.dialRawLoggedIn(t)

	c.cmd(502, "XPWD")
	c.cmd(502, "PORT 127,0,0,1,10,10")
	c.cmd(502, "EPRT |1|127.0.0.1|2570|")
	c.cmd(257, "PWD")
	c.passive()
}
