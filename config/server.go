package config

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/gonzalop/ftpd/server"
)

// ParseDistribution maps a reactors.distribution value to its policy.
func ParseDistribution(s string) (server.Distribution, error) {
	for _, d := range []server.Distribution{
		server.DistributeShared,
		server.DistributeRoundRobin,
		server.DistributePerConnection,
	} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown distribution %q", s)
}

// expandCommands replaces "@group" entries with the verbs of that group.
func expandCommands(entries []string) ([]string, error) {
	var cmds []string
	for _, e := range entries {
		name, isGroup := strings.CutPrefix(e, "@")
		if !isGroup {
			cmds = append(cmds, e)
			continue
		}
		group, ok := server.CommandGroup(name)
		if !ok {
			return nil, fmt.Errorf("unknown command group %q", e)
		}
		cmds = append(cmds, group...)
	}
	return cmds, nil
}

// Authorizer builds the account table from the users and anonymous
// sections.
func (c *Config) Authorizer() (*server.UserAuthorizer, error) {
	auth := server.NewUserAuthorizer()
	for _, u := range c.Users {
		if err := auth.AddUser(u.Name, u.Password, u.Home, u.Perm); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.Name, err)
		}
	}
	if c.Anonymous.Enabled {
		if err := auth.AddAnonymous(c.Anonymous.Home, c.Anonymous.Perm); err != nil {
			return nil, fmt.Errorf("anonymous: %w", err)
		}
	}
	return auth, nil
}

// TLSConfig loads the certificate pair, or returns nil when FTPS is off.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerOptions translates the configuration into server options. The
// logger, metrics collector and transfer log are left to the caller since
// they own external resources.
func (c *Config) ServerOptions() ([]server.Option, error) {
	auth, err := c.Authorizer()
	if err != nil {
		return nil, err
	}
	dist, err := ParseDistribution(c.Reactors.Distribution)
	if err != nil {
		return nil, err
	}

	opts := []server.Option{
		server.WithAuthorizer(auth),
		server.WithMaxIdleTime(c.Timeouts.Idle),
		server.WithDataTimeouts(c.Timeouts.Passive, c.Timeouts.Active),
		server.WithDataStallTimeout(c.Timeouts.DataStall),
		server.WithMaxConnections(c.Limits.MaxConnections, c.Limits.MaxConnectionsPerIP),
		server.WithLoginPolicy(c.Limits.MaxLoginAttempts, c.Timeouts.AuthFailedDelay),
		server.WithBandwidthLimit(int64(c.Limits.BandwidthGlobal), int64(c.Limits.BandwidthPerSession)),
		server.WithReadOnly(c.ReadOnly),
		server.WithRedactIPs(c.Privacy.RedactIPs),
		server.WithDistribution(dist, c.Reactors.Count),
	}
	if c.Limits.MaxCommandLength > 0 {
		opts = append(opts, server.WithMaxCommandLength(c.Limits.MaxCommandLength))
	}
	if c.Welcome != "" {
		opts = append(opts, server.WithWelcomeMessage(c.Welcome))
	}
	if c.Passive.PortMin != 0 {
		opts = append(opts, server.WithPassivePortRange(c.Passive.PortMin, c.Passive.PortMax))
	}
	if c.Passive.PublicHost != "" {
		opts = append(opts, server.WithPublicHost(c.Passive.PublicHost))
	}
	if len(c.DisabledCommands) > 0 {
		cmds, err := expandCommands(c.DisabledCommands)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithDisableCommands(cmds...))
	}

	tlsCfg, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, server.WithTLS(tlsCfg))
	}
	return opts, nil
}
