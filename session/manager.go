package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/internal/pool"
	"github.com/ev3c/ev3tunnel/internal/task"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrDuplicate is returned by Start for a name that is already registered.
var ErrDuplicate = errors.New("session already registered")

// DefaultRetryInterval is the pause before a failed session is restarted.
const DefaultRetryInterval = 5 * time.Second

// Manager supervises a set of sessions indexed by name.
type Manager struct {
	tasks         *task.Manager
	sessions      *xsync.MapOf[string, *Session]
	retryInterval time.Duration
	logger        logger.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryInterval sets the pause before a failed session restarts.
// A negative value disables restarts.
//
// The default value is 5 seconds.
func WithRetryInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryInterval = d }
}

// WithManagerLogger sets the logger of the manager.
func WithManagerLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager whose sessions end when ctx is done.
func NewManager(ctx context.Context, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      xsync.NewMapOf[string, *Session](),
		retryInterval: DefaultRetryInterval,
		logger:        logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tasks = task.NewManager(ctx, m.logger)

	return m
}

// Start registers s and runs it in its own task.
func (m *Manager) Start(s *Session) error {
	if _, loaded := m.sessions.LoadOrStore(s.name, s); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.name)
	}

	if _, err := m.tasks.Go("session:"+s.name, func(ctx context.Context) error {
		return m.supervise(ctx, s)
	}); err != nil {
		m.sessions.Delete(s.name)
		return err
	}

	return nil
}

// supervise runs attempts of s until ctx is done, the session is rejected, or
// restarts are disabled.
func (m *Manager) supervise(ctx context.Context, s *Session) error {
	for {
		err := s.attempt(ctx)

		if ctx.Err() != nil {
			s.logger.Info("session stopped")
			return nil
		}

		switch {
		case err == nil:
			s.logger.Info("session ended")
		case errors.Is(err, arbiter.ErrRejected):
			s.logger.Error("session rejected", "error", err)
			return err
		default:
			s.logger.Error("session failed", "error", err)
		}

		if m.retryInterval < 0 {
			return err
		}

		if !pool.Sleep(ctx, m.retryInterval) {
			return nil
		}
		s.restarts.Add(1)
		s.logger.Info("restart session", "restarts", s.Restarts())
	}
}

// Get returns the session registered under name.
func (m *Manager) Get(name string) (*Session, bool) {
	return m.sessions.Load(name)
}

// Snapshot returns the state of all sessions sorted by name.
func (m *Manager) Snapshot() []Info {
	infos := make([]Info, 0, m.sessions.Size())
	m.sessions.Range(func(_ string, s *Session) bool {
		infos = append(infos, s.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// Stop cancels all sessions. Their transports are closed before Wait returns.
func (m *Manager) Stop() {
	m.tasks.Stop()
}

// Wait blocks until every session task has returned.
func (m *Manager) Wait() {
	m.tasks.Wait()
}
