package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ev3c/ev3tunnel/logger"
)

// DefaultDeviceKind names the device kind in the request key "preferred_<kind>".
const DefaultDeviceKind = "ev3"

// Transport is the control plane of a remote connection.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	ReadText(ctx context.Context) ([]byte, error)
}

// reply is one coordinator message. Exactly one field is expected to be set.
type reply struct {
	Control  *string `json:"Control"`
	Queue    *bool   `json:"Queue"`
	Rejected *string `json:"Rejected"`
}

// Client requests control of a device for an operator.
type Client struct {
	preferred string
	kind      string
	handlers  []StatusChangeHandler
	logger    logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDeviceKind sets the device kind used in the request key.
//
// The default value is "ev3".
func WithDeviceKind(kind string) ClientOption {
	return func(c *Client) {
		if kind != "" {
			c.kind = kind
		}
	}
}

// WithStatusHandler adds a handler to every ControlSession created by the client.
func WithStatusHandler(h StatusChangeHandler) ClientOption {
	return func(c *Client) { c.handlers = append(c.handlers, h) }
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client asking for preferred, or for any device if preferred is empty.
func NewClient(preferred string, opts ...ClientOption) *Client {
	c := &Client{
		preferred: preferred,
		kind:      DefaultDeviceKind,
		logger:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// request returns {"preferred_<kind>": "<id>"}, or {} without a preference.
func (c *Client) request() map[string]string {
	req := map[string]string{}
	if c.preferred != "" {
		req["preferred_"+c.kind] = c.preferred
	}

	return req
}

// Acquire runs the handoff on t and returns once control was granted.
//
// It returns a *RejectedError if the coordinator denied control. On any error the
// returned session is Closed.
func (c *Client) Acquire(ctx context.Context, t Transport) (*ControlSession, error) {
	cs := NewControlSession(peerOf(t), c.preferred, c.handlers...)
	l := c.logger.With("control_session", cs.ID.String())

	if err := t.WriteJSON(ctx, c.request()); err != nil {
		cs.ToClosed()
		return cs, fmt.Errorf("send control request: %w", err)
	}
	l.Debug("control requested", "preferred", c.preferred, "peer", cs.Peer)

	for {
		data, err := t.ReadText(ctx)
		if err != nil {
			cs.ToClosed()
			return cs, fmt.Errorf("read control reply: %w", err)
		}

		var msg reply
		if err := json.Unmarshal(data, &msg); err != nil {
			l.Warn("ignore undecodable control message", "len", len(data), "error", err)
			continue
		}

		done, err := c.handle(cs, &msg, l)
		if err != nil {
			return cs, err
		}
		if done {
			return cs, nil
		}
	}
}

// handle applies one coordinator message. A rejection is checked before a grant.
func (c *Client) handle(cs *ControlSession, msg *reply, l logger.Logger) (bool, error) {
	status := cs.Status()

	if msg.Rejected != nil && status == Requesting {
		_ = cs.ToRejected(*msg.Rejected)
		cs.ToClosed()
		l.Error("control rejected", "reason", *msg.Rejected)

		return true, &RejectedError{Reason: *msg.Rejected}
	}

	if msg.Control != nil {
		if err := cs.ToControlling(*msg.Control); err != nil {
			return false, err
		}
		l.Info("control granted", "device", *msg.Control, "status_before", status)

		return true, nil
	}

	if msg.Queue != nil && *msg.Queue && status == Requesting {
		_ = cs.ToQueued()
		l.Info("control request queued")

		return false, nil
	}

	l.Debug("ignore control message", "status", status)

	return false, nil
}

// Announcer registers a device with the coordinator under a fixed name.
type Announcer struct {
	name   string
	logger logger.Logger
}

// NewAnnouncer creates an Announcer for the device name.
func NewAnnouncer(name string, l logger.Logger) *Announcer {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Announcer{name: name, logger: l}
}

// Acquire sends {"id": "<name>"} and returns a session controlling the device.
func (a *Announcer) Acquire(ctx context.Context, t Transport) (*ControlSession, error) {
	if a.name == "" {
		return nil, errors.New("announce: device name is empty")
	}

	cs := NewControlSession(peerOf(t), a.name)
	if err := t.WriteJSON(ctx, map[string]string{"id": a.name}); err != nil {
		cs.ToClosed()
		return cs, fmt.Errorf("announce %s: %w", a.name, err)
	}
	_ = cs.ToControlling(a.name)
	a.logger.Info("device announced", "device", a.name, "peer", cs.Peer)

	return cs, nil
}

func peerOf(t Transport) string {
	if ra, ok := t.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}

	return ""
}
