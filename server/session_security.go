package server

import "strings"

// handleAUTH upgrades the control connection to TLS (RFC 4217).
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if s.ch.IsTLS() {
		s.reply(503, "Already using TLS.")
		return
	}
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "TLS", "TLS-C", "SSL", "TLS-P":
	default:
		s.reply(504, "Unrecognized AUTH type.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	// Anything the client sent after AUTH was plaintext it should not have
	// pipelined; it must not be executed as if it came over TLS.
	s.inbuf = nil
	s.line = s.line[:0]
	s.discarding = false
	s.tnet = telnetFilter{}
	s.ch.StartTLS(s.server.tlsConfig)

	s.server.logger.Debug("tls_upgrade",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)
}

func (s *session) handlePBSZ(arg string) {
	if !s.ch.IsTLS() {
		s.reply(503, "PBSZ not allowed on insecure control connection.")
		return
	}
	// RFC 4217: only a zero buffer size makes sense for stream TLS.
	s.pbsz = true
	s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) {
	if !s.ch.IsTLS() {
		s.reply(503, "PROT not allowed on insecure control connection.")
		return
	}
	if !s.pbsz {
		s.reply(503, "You must issue the PBSZ command prior to PROT.")
		return
	}
	// RFC 4217
	// P - Private (TLS)
	// C - Clear (No TLS)
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "P":
		s.prot = "P"
		s.reply(200, "Protection set to Private.")
	case "C":
		s.prot = "C"
		s.reply(200, "Protection set to Clear.")
	case "S", "E":
		s.reply(521, "PROT "+strings.ToUpper(arg)+" unsupported (use C or P).")
	default:
		s.reply(504, "Unrecognized PROT type.")
	}
}
