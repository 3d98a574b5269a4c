package server

import (
	"fmt"

	"github.com/gonzalop/ftpd/internal/reactor"
	"github.com/gonzalop/ftpd/internal/worker"
)

// Distribution decides which reactor serves a new control connection.
// A session and its data connections always share one reactor.
type Distribution int

const (
	// DistributeShared runs every session on one reactor.
	DistributeShared Distribution = iota
	// DistributeRoundRobin spreads sessions over a fixed pool of reactors.
	DistributeRoundRobin
	// DistributePerConnection gives each session its own reactor, stopped
	// when the session ends. Suited to small deployments.
	DistributePerConnection
)

func (d Distribution) String() string {
	switch d {
	case DistributeShared:
		return "shared"
	case DistributeRoundRobin:
		return "round-robin"
	case DistributePerConnection:
		return "per-connection"
	default:
		return fmt.Sprintf("Distribution(%d)", int(d))
	}
}

// loop is a reactor driven by its own worker goroutine.
type loop struct {
	id        int
	r         *reactor.Reactor
	w         *worker.Worker
	dedicated bool

	// sessions is owned by the reactor goroutine.
	sessions map[*session]struct{}
}

func (s *Server) newLoop(id int, dedicated bool) *loop {
	name := fmt.Sprintf("reactor-%d", id)
	l := &loop{
		id:        id,
		dedicated: dedicated,
		sessions:  make(map[*session]struct{}),
	}
	l.r = reactor.New(
		reactor.WithLogger(s.logger),
		reactor.WithName(name),
	)
	l.w = worker.New(worker.Funcs{
		OnPoll: func() error {
			_, err := l.r.RunOnce(reactor.DefaultPollTimeout)
			return err
		},
		OnBeforeStop: func() error {
			// The worker goroutine is the reactor goroutine.
			l.r.Close()
			return nil
		},
		OnWake: l.r.Wake,
	},
		worker.WithLogger(s.logger),
		worker.WithName(name),
	)
	return l
}

// addSession and removeSession run on the loop goroutine.
func (l *loop) addSession(sess *session) {
	l.sessions[sess] = struct{}{}
}

func (l *loop) removeSession(sess *session) {
	delete(l.sessions, sess)
	if l.dedicated && len(l.sessions) == 0 {
		l.w.RequestStop()
	}
}

// pickLoop returns the loop for a new session, starting a dedicated one when
// the policy asks for it. It returns nil once the server is shutting down.
func (s *Server) pickLoop() (*loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return nil, ErrServerClosed
	}

	if s.distribution != DistributePerConnection {
		l := s.loops[s.nextLoop%len(s.loops)]
		s.nextLoop++
		return l, nil
	}

	s.loopSeq++
	l := s.newLoop(s.loopSeq, true)
	if err := l.w.Start(); err != nil {
		return nil, err
	}
	s.dedicated[l] = struct{}{}
	go func() {
		<-l.w.Done()
		s.mu.Lock()
		delete(s.dedicated, l)
		s.mu.Unlock()
	}()
	return l, nil
}

// allLoops returns a snapshot of every running loop.
func (s *Server) allLoops() []*loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	loops := make([]*loop, 0, len(s.loops)+len(s.dedicated))
	loops = append(loops, s.loops...)
	for l := range s.dedicated {
		loops = append(loops, l)
	}
	return loops
}
