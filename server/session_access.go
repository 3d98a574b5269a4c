package server

import "errors"

func (s *session) handleUSER(user string) {
	if s.state == stateAuthenticated {
		s.logout()
		s.user = canonicalUser(user)
		s.state = stateAwaitingPassword
		s.reply(331, "Previous account information was flushed, send password.")
		return
	}
	s.user = canonicalUser(user)
	s.state = stateAwaitingPassword
	if s.user == AnonymousUser {
		s.reply(331, "Guest login ok, send your e-mail address as password.")
		return
	}
	s.reply(331, "User name okay, need password.")
}

// logout forgets the current login.
func (s *session) logout() {
	s.dropData()
	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.state = stateConnected
	s.cwd = "/"
	s.user = ""
}

func (s *session) handlePASS(pass string) {
	switch s.state {
	case stateAuthenticated:
		s.reply(503, "User already authenticated.")
		return
	case stateConnected:
		s.reply(503, "Login with USER first.")
		return
	}

	if err := s.login(pass); err != nil {
		s.loginFailed(err)
		return
	}

	s.state = stateAuthenticated
	s.loginFailures = 0
	s.cwd = "/"
	// Security audit: successful authentication
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.user)
	}
	s.reply(230, "User logged in, proceed.")
}

// login validates the password and builds the user's filesystem.
func (s *session) login(pass string) error {
	if err := s.server.authorizer.Validate(s.user, pass); err != nil {
		return err
	}
	home, err := s.server.authorizer.HomeDir(s.user)
	if err != nil {
		return err
	}
	fs, err := s.server.fsFactory(s.user, home)
	if err != nil {
		return err
	}
	s.fs = fs
	return nil
}

func (s *session) loginFailed(err error) {
	s.loginFailures++
	user := s.user
	s.state = stateConnected
	s.user = ""

	// Security audit: failed authentication
	level := "bad_credentials"
	if !errors.Is(err, ErrAuthFailed) {
		level = "backend_error"
	}
	s.server.logger.Warn("authentication_failed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", user,
		"reason", level,
		"error", err,
		"attempt", s.loginFailures,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(false, user)
	}

	answer := func() {
		if s.loginFailures >= s.server.maxLoginAttempts {
			s.reply(530, "Maximum login attempts. Disconnecting.")
			s.ch.Close(true)
			return
		}
		s.reply(530, "Authentication failed.")
	}

	if s.server.authFailedDelay <= 0 {
		answer()
		return
	}
	// Slow down guessing without holding the reactor.
	s.block()
	s.ch.Schedule(s.server.authFailedDelay, func() {
		if s.closed {
			return
		}
		answer()
		s.unblock()
	})
}

func (s *session) handleQUIT(_ string) {
	if s.transferring() {
		// Finish the transfer first; its final reply precedes ours.
		s.quitPending = true
		s.ch.PauseReading()
		return
	}
	s.goodbye()
}

func (s *session) goodbye() {
	s.quitPending = false
	s.reply(221, "Goodbye.")
	s.ch.Close(true)
}
