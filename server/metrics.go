package server

import "time"

// PathRedactor rewrites a file path before it is logged.
//
//	// Hide user directories
//	func(path string) string {
//	    return regexp.MustCompile(`^/home/[^/]+/`).ReplaceAllString(path, "/home/*/")
//	}
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// The metrics package provides a Prometheus implementation.
//
// Methods are called from reactor goroutines and from the accept loop, so
// implementations must be safe for concurrent use and must not block.
type MetricsCollector interface {
	// RecordCommand records one command. success is false when the reply
	// code was 4xx or 5xx.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a finished transfer. operation is the command
	// that started it (RETR, STOR, APPE, STOU, LIST, NLST, MLSD) and status
	// is "complete", "aborted" or "failed".
	RecordTransfer(operation, status string, bytes int64, duration time.Duration)

	// RecordConnection records an admission decision. reason is "accepted",
	// "global_limit_reached", "per_ip_limit_reached" or "shutting_down".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS attempt.
	RecordAuthentication(success bool, user string)

	// RecordActiveSessions reports the current number of sessions.
	RecordActiveSessions(n int)
}
