package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/ev3c/ev3tunnel/relay"
	"github.com/ev3c/ev3tunnel/remote"
)

// Gate admits a remote connection to the relay. arbiter.Client and
// arbiter.Announcer implement it.
type Gate interface {
	Acquire(ctx context.Context, t arbiter.Transport) (*arbiter.ControlSession, error)
}

// RunFunc is one attempt of a session. It returns when the session ended.
type RunFunc func(ctx context.Context, s *Session) error

// Session is one supervised tunnel session.
//
// The accessors are safe for concurrent use and back the metrics of the session.
type Session struct {
	name   string
	run    RunFunc
	logger logger.Logger

	running  atomic.Bool
	restarts atomic.Uint64

	engine  atomic.Pointer[relay.Engine]
	control atomic.Pointer[arbiter.ControlSession]

	mu        sync.Mutex // protects below
	remote    *remote.Conn
	pingsBase uint64
	lastErr   error
}

// New creates a Session running fn on every attempt.
func New(name string, fn RunFunc, l logger.Logger) *Session {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Session{
		name:   name,
		run:    fn,
		logger: l.With("session", name),
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Logger returns the logger of the session.
func (s *Session) Logger() logger.Logger { return s.logger }

// Running reports whether an attempt is in progress.
func (s *Session) Running() bool { return s.running.Load() }

// Restarts returns how often the session was restarted after a failure.
func (s *Session) Restarts() uint64 { return s.restarts.Load() }

// RelayMetrics returns the counters of the current relay engine, or nil.
func (s *Session) RelayMetrics() *relay.Metrics {
	if e := s.engine.Load(); e != nil {
		return e.Metrics()
	}

	return nil
}

// RelayState returns the state of the current relay engine.
func (s *Session) RelayState() relay.State {
	if e := s.engine.Load(); e != nil {
		return e.State()
	}

	return relay.Idle
}

// Control returns the arbitration state of the current attempt, or nil.
func (s *Session) Control() *arbiter.ControlSession {
	return s.control.Load()
}

// KeepAlives returns the number of keep-alive pings answered, over all attempts.
func (s *Session) KeepAlives() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.pingsBase
	if s.remote != nil {
		n += s.remote.Pings()
	}

	return n
}

// Err returns the terminal error of the last attempt.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// Info is a point-in-time view of a session.
type Info struct {
	Name     string
	Running  bool
	Restarts uint64
	Device   string
	Status   arbiter.Status
	Relay    relay.State
	LastErr  error
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	info := Info{
		Name:     s.name,
		Running:  s.Running(),
		Restarts: s.Restarts(),
		Status:   arbiter.Closed,
		Relay:    s.RelayState(),
		LastErr:  s.Err(),
	}
	if cs := s.Control(); cs != nil {
		info.Device = cs.DeviceID()
		info.Status = cs.Status()
	}

	return info
}

// attempt runs one attempt and records its outcome.
func (s *Session) attempt(ctx context.Context) (err error) {
	s.running.Store(true)
	defer s.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session", "panic", r)
			err = fmt.Errorf("session %s: panic: %v", s.name, r)
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if cs := s.control.Load(); cs != nil {
			cs.ToClosed()
		}
	}()

	return s.run(ctx, s)
}

func (s *Session) setEngine(e *relay.Engine) { s.engine.Store(e) }

func (s *Session) setControl(cs *arbiter.ControlSession) { s.control.Store(cs) }

func (s *Session) setRemote(c *remote.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != nil {
		s.pingsBase += s.remote.Pings()
	}
	s.remote = c
}
