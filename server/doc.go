// Package server implements an event-driven FTP server.
//
// # Overview
//
// Connections are served by reactors: single goroutines that own a set of
// channels and run every callback for them in turn. A control session and
// all of its data connections live on the same reactor, so session state
// needs no locking. Parallelism comes from running several reactors, each
// driven by its own worker (see WithDistribution).
//
// Nothing blocks a reactor on the network. Reads and writes happen on small
// per-connection pump goroutines, bandwidth limits defer I/O interest with
// timers instead of sleeping, and timeouts (idle control connections,
// passive accept, active connect, stalled transfers) are reactor timers.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    auth := server.NewUserAuthorizer()
//	    if err := auth.AddUser("alice", "secret", "/srv/ftp/alice", server.ReadPerms+server.WritePerms); err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := auth.AddAnonymous("/srv/ftp/pub", server.ReadPerms); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":2121", server.WithAuthorizer(auth))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # FTPS Support
//
// Explicit FTPS (RFC 4217) is enabled by WithTLS. AUTH TLS upgrades the
// control connection in place; PBSZ 0 followed by PROT P protects data
// connections.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
//
// # Custom Backends
//
// Authentication and storage are pluggable. Implement Authorizer for
// credentials and permissions, and supply a FilesystemFactory returning a
// Filesystem for cloud storage, a database or anything else. Filesystem
// methods are called on the reactor goroutine, so slow backends slow every
// session sharing that reactor; prefer DistributeRoundRobin for them.
//
// # Passive Mode Configuration
//
// Behind NAT, advertise the public address and pin the port range:
//
//	s, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithPublicHost("203.0.113.10"),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//
// Ports in the range are handed out round-robin and never to two sessions
// at once. A listener nobody connects to within the passive timeout is
// closed and its port returned to the pool.
//
// # Shutdown
//
// Shutdown stops accepting, says "421 Server shutting down." to every
// session, lets queued replies drain and then stops the reactors. Close
// drops everything at once, including replies not yet written.
//
// # RFC Compliance
//
// This server implements the following RFCs:
//   - RFC 959 (Base FTP)
//   - RFC 1123 (Requirements for Internet Hosts - minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (IPv6 / NAT)
//   - RFC 3659 (Extensions: SIZE, MDTM, MLSD, MLST, REST)
//   - RFC 4217 (Securing FTP with TLS)
//   - draft-somers-ftp-mfxx (MFMT Command)
package server
