package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrReplyTimeout indicates that the destination did not reply within the reply timeout.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrSourceGone indicates that the source disconnected while its request awaited a reply.
	ErrSourceGone = errors.New("source disconnected while awaiting reply")

	// ErrEndpointNil indicates that an engine was created without source or destination.
	ErrEndpointNil = errors.New("relay endpoint is nil")

	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("relay config is nil")
)

// Side names one of the two endpoints of an Engine.
type Side uint8

const (
	// SourceSide is the endpoint requests are read from.
	SourceSide Side = iota + 1
	// DestinationSide is the endpoint requests are forwarded to.
	DestinationSide
)

func (s Side) String() string {
	switch s {
	case SourceSide:
		return "source"
	case DestinationSide:
		return "destination"
	default:
		return "unknown"
	}
}

// TransportError is a read or write failure of one endpoint.
// It is fatal to the engine; the session decides whether that side can be re-established.
type TransportError struct {
	Relay string
	Side  Side
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %s %s: %v", e.Relay, e.Side, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsSide reports whether err is a *TransportError of the given side.
func IsSide(err error, side Side) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Side == side
}

// FaultError is a protocol fault that terminated the engine under TerminatePolicy.
// Err wraps the *frame.FrameFault.
type FaultError struct {
	Relay     string
	Direction string
	Len       int
	Err       error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("relay %s: %s frame of %d bytes: %v", e.Relay, e.Direction, e.Len, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }
