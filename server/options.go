package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithAuthorizer sets the authentication and permission backend.
// This option is required and can only be set once.
//
// Example:
//
//	auth := server.NewUserAuthorizer()
//	auth.AddUser("alice", "secret", "/srv/ftp/alice", server.ReadPerms+server.WritePerms)
//	auth.AddAnonymous("/srv/ftp/pub", server.ReadPerms)
//	s, _ := server.NewServer(":21", server.WithAuthorizer(auth))
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) error {
		if s.authorizer != nil {
			return errors.New("authorizer already set")
		}
		s.authorizer = a
		return nil
	}
}

// WithFilesystemFactory sets how a logged-in user's Filesystem is built.
// Defaults to OSFilesystemFactory.
func WithFilesystemFactory(f FilesystemFactory) Option {
	return func(s *Server) error {
		s.fsFactory = f
		return nil
	}
}

// WithTLS enables explicit FTPS (AUTH TLS, PROT P) with the provided
// configuration.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the 220 banner.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets how long a control connection may sit without a
// command. Idle time is not counted while a transfer runs. Defaults to
// 5 minutes; 0 disables the timeout.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithDataTimeouts sets how long a passive listener waits for the client
// (default 30s) and how long an active connection attempt may take
// (default 10s).
func WithDataTimeouts(passive, active time.Duration) Option {
	return func(s *Server) error {
		if passive <= 0 || active <= 0 {
			return errors.New("data timeouts must be positive")
		}
		s.passiveTimeout = passive
		s.activeTimeout = active
		return nil
	}
}

// WithDataStallTimeout aborts a transfer that makes no progress for d.
// Defaults to 5 minutes; 0 disables it.
func WithDataStallTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataStallTimeout = d
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous control
// connections, in total and per client IP. 0 means no limit.
//
// Connections over a limit are accepted, told "421 Too many ..." and closed.
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return errors.New("connection limits must not be negative")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithLoginPolicy sets the number of failed PASS attempts before the
// connection is closed (default 3) and the delay before each 530 reply
// (default none).
func WithLoginPolicy(maxAttempts int, failedDelay time.Duration) Option {
	return func(s *Server) error {
		if maxAttempts <= 0 {
			return errors.New("max login attempts must be positive")
		}
		s.maxLoginAttempts = maxAttempts
		s.authFailedDelay = failedDelay
		return nil
	}
}

// WithMaxCommandLength sets the longest accepted command line in bytes.
// Longer lines are answered with 500 and discarded.
func WithMaxCommandLength(n int) Option {
	return func(s *Server) error {
		if n < 512 {
			return fmt.Errorf("max command length %d is below 512", n)
		}
		s.maxCommandLength = n
		return nil
	}
}

// WithPassivePortRange restricts passive listeners to [min, max].
// Without it the operating system picks the port.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min <= 0 || max < min || max > 65535 {
			return fmt.Errorf("invalid passive port range [%d, %d]", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the address advertised in 227 replies. Use it behind
// NAT. A hostname is resolved once to its first IPv4 address.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithPermitForeignAddresses allows data connections with a peer other than
// the control connection's peer (FXP). Off by default to block bounce
// attacks.
func WithPermitForeignAddresses(permit bool) Option {
	return func(s *Server) error {
		s.permitForeignAddresses = permit
		return nil
	}
}

// WithPermitPrivilegedPorts allows PORT/EPRT to ports below 1024.
func WithPermitPrivilegedPorts(permit bool) Option {
	return func(s *Server) error {
		s.permitPrivilegedPorts = permit
		return nil
	}
}

// WithReadOnly masks every write permission regardless of the Authorizer.
func WithReadOnly(readOnly bool) Option {
	return func(s *Server) error {
		s.readOnly = readOnly
		return nil
	}
}

// WithBandwidthLimit paces data connections. global is shared by every
// session of the server, perSession applies to each session separately;
// the most restrictive wins. Values are bytes per second, 0 for unlimited.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		if global < 0 || perSession < 0 {
			return errors.New("bandwidth limits must not be negative")
		}
		s.bandwidthLimitGlobal = global
		s.bandwidthLimitPerSession = perSession
		return nil
	}
}

// WithTransferLog writes one xferlog line per completed transfer to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithMetricsCollector reports commands, transfers, connections and logins
// to mc.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = mc
		return nil
	}
}

// WithPathRedactor rewrites paths before they are logged.
func WithPathRedactor(fn PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = fn
		return nil
	}
}

// WithRedactIPs masks the last part of client addresses in logs.
func WithRedactIPs(redact bool) Option {
	return func(s *Server) error {
		s.redactIPs = redact
		return nil
	}
}

// WithDisableCommands makes the listed commands answer 502. See the command
// groups in commands.go.
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		for _, c := range cmds {
			s.disabledCommands[strings.ToUpper(c)] = true
		}
		return nil
	}
}

// WithDistribution chooses how sessions are spread over reactors. reactors
// is the pool size for DistributeRoundRobin and is ignored otherwise.
func WithDistribution(policy Distribution, reactors int) Option {
	return func(s *Server) error {
		switch policy {
		case DistributeShared, DistributePerConnection:
		case DistributeRoundRobin:
			if reactors <= 0 {
				return errors.New("round robin needs at least one reactor")
			}
		default:
			return fmt.Errorf("unknown distribution policy %d", policy)
		}
		s.distribution = policy
		s.reactors = reactors
		return nil
	}
}
