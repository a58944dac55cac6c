package arbiter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Status is the arbitration status of a ControlSession.
type Status uint32

const (
	// Requesting means the request was sent and no answer is known yet.
	Requesting Status = iota
	// Queued means the coordinator put the operator in its wait queue.
	Queued
	// Controlling means control of DeviceID was granted.
	Controlling
	// Rejected means the coordinator denied control.
	Rejected
	// Closed means the transport of the session went away.
	Closed
)

// IsTerminal reports whether no further transition other than to Closed is possible.
func (s Status) IsTerminal() bool { return s == Controlling || s == Rejected || s == Closed }

// String returns string representation of the status.
func (s Status) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Queued:
		return "queued"
	case Controlling:
		return "controlling"
	case Rejected:
		return "rejected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusChangeHandler is invoked after every status change of a ControlSession.
//
// Note: the handler is invoked in a blocking mode, from the goroutine driving the handshake.
type StatusChangeHandler func(cs *ControlSession, prev Status, cur Status)

// ControlSession is the arbitration state of one remote operator.
//
// Status changes are safe for concurrent use.
type ControlSession struct {
	// ID identifies the session in logs.
	ID uuid.UUID
	// Peer is the address of the coordinator the session talks to.
	Peer string
	// PreferredDevice is the device asked for, empty for any.
	PreferredDevice string

	mu       sync.Mutex
	cond     *sync.Cond
	status   atomic.Uint32
	deviceID atomic.Pointer[string]
	reason   atomic.Pointer[string]
	handlers []StatusChangeHandler
}

// NewControlSession creates a session in Requesting status.
func NewControlSession(peer string, preferredDevice string, handlers ...StatusChangeHandler) *ControlSession {
	cs := &ControlSession{
		ID:              uuid.New(),
		Peer:            peer,
		PreferredDevice: preferredDevice,
		handlers:        handlers,
	}
	cs.cond = sync.NewCond(&cs.mu)
	cs.status.Store(uint32(Requesting))

	return cs
}

// Status returns the current status.
func (cs *ControlSession) Status() Status {
	return Status(cs.status.Load())
}

// DeviceID returns the id of the granted device, empty until Controlling.
func (cs *ControlSession) DeviceID() string {
	if p := cs.deviceID.Load(); p != nil {
		return *p
	}

	return ""
}

// Reason returns the rejection reason supplied by the coordinator.
func (cs *ControlSession) Reason() string {
	if p := cs.reason.Load(); p != nil {
		return *p
	}

	return ""
}

// WaitStatus waits until the session reaches status or ctx is done.
func (cs *ControlSession) WaitStatus(ctx context.Context, status Status) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.Status() == status {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.Status() != status {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs.cond.Wait()
	}

	return nil
}

// ToQueued transitions from Requesting to Queued. It is a no-op when already Queued.
func (cs *ControlSession) ToQueued() error {
	return cs.transition(Queued, func(cur Status) (bool, error) {
		switch cur {
		case Queued:
			return false, nil
		case Requesting:
			return true, nil
		default:
			return false, ErrInvalidTransition
		}
	})
}

// ToControlling records the granted device and transitions from Requesting or Queued to Controlling.
func (cs *ControlSession) ToControlling(deviceID string) error {
	return cs.transition(Controlling, func(cur Status) (bool, error) {
		if cur != Requesting && cur != Queued {
			return false, ErrInvalidTransition
		}
		cs.deviceID.Store(&deviceID)

		return true, nil
	})
}

// ToRejected records the reason and transitions from Requesting to Rejected.
func (cs *ControlSession) ToRejected(reason string) error {
	return cs.transition(Rejected, func(cur Status) (bool, error) {
		if cur != Requesting {
			return false, ErrInvalidTransition
		}
		cs.reason.Store(&reason)

		return true, nil
	})
}

// ToClosed transitions to Closed. It is allowed from every status.
func (cs *ControlSession) ToClosed() {
	_ = cs.transition(Closed, func(cur Status) (bool, error) {
		return cur != Closed, nil
	})
}

func (cs *ControlSession) transition(to Status, check func(cur Status) (bool, error)) error {
	cs.mu.Lock()
	cur := cs.Status()
	change, err := check(cur)
	if err != nil || !change {
		cs.mu.Unlock()
		return err
	}

	cs.status.Store(uint32(to))
	handlers := make([]StatusChangeHandler, len(cs.handlers))
	copy(handlers, cs.handlers)
	cs.cond.Broadcast()
	cs.mu.Unlock()

	for _, h := range handlers {
		h(cs, cur, to)
	}

	return nil
}
