package frame

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// LengthFieldSize is the size of the length prefix in bytes.
	LengthFieldSize = 2
	// HeaderSize is the size of the length, sequence and type fields.
	HeaderSize = 5
	// MaxPayloadSize is the largest value of the length field.
	MaxPayloadSize = 0xFFFF
	// MaxFrameSize is the largest frame the header can describe.
	MaxFrameSize = LengthFieldSize + MaxPayloadSize
)

// CommandType classifies a request frame by its reply semantics.
type CommandType uint8

// Request tags of the EV3 communication protocol (c_com.h).
const (
	DirectReply   CommandType = 0x00
	SystemReply   CommandType = 0x01
	DirectNoReply CommandType = 0x80
	SystemNoReply CommandType = 0x81
)

// ExpectsReply returns true if the brick answers a request of this type.
func (ct CommandType) ExpectsReply() bool {
	return ct == DirectReply || ct == SystemReply
}

func (ct CommandType) String() string {
	switch ct {
	case DirectReply:
		return "direct-reply"
	case SystemReply:
		return "system-reply"
	case DirectNoReply:
		return "direct-no-reply"
	case SystemNoReply:
		return "system-no-reply"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(ct))
	}
}

// ReplyType is the type byte of a frame sent back by the brick.
// Replies are never classified, the names only serve logging.
type ReplyType uint8

const (
	DirectReplyOK    ReplyType = 0x02
	SystemReplyOK    ReplyType = 0x03
	DirectReplyError ReplyType = 0x04
	SystemReplyError ReplyType = 0x05
)

func (rt ReplyType) String() string {
	switch rt {
	case DirectReplyOK:
		return "direct-reply-ok"
	case SystemReplyOK:
		return "system-reply-ok"
	case DirectReplyError:
		return "direct-reply-error"
	case SystemReplyError:
		return "system-reply-error"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(rt))
	}
}

// Classify returns the CommandType of a request frame.
//
// It fails with a FaultTruncated fault if the frame is shorter than the header and
// with a FaultUnknownTag fault if byte 4 is not a request tag. Both match
// ErrMalformedFrame with errors.Is.
func Classify(b []byte) (CommandType, error) {
	if len(b) < HeaderSize {
		return 0, &FrameFault{Kind: FaultTruncated, Len: len(b)}
	}

	switch ct := CommandType(b[4]); ct {
	case DirectReply, SystemReply, DirectNoReply, SystemNoReply:
		return ct, nil
	default:
		return 0, &FrameFault{Kind: FaultUnknownTag, Len: len(b), Tag: b[4]}
	}
}

// Validate checks the length field against the frame size.
//
// It returns a FaultTruncated fault if the length field itself is missing, and a
// FaultLengthMismatch fault (matching ErrLengthMismatch) when
// len(b)-2 != Length(b).
func Validate(b []byte) error {
	if len(b) < LengthFieldSize {
		return &FrameFault{Kind: FaultTruncated, Len: len(b)}
	}

	expected := int(binary.LittleEndian.Uint16(b))
	actual := len(b) - LengthFieldSize
	if expected != actual {
		fault := &FrameFault{Kind: FaultLengthMismatch, Expected: expected, Actual: actual, Len: len(b)}
		if len(b) >= HeaderSize {
			fault.Tag = b[4]
		}

		return fault
	}

	return nil
}

// Length returns the value of the length field, or 0 if the frame is too short.
func Length(b []byte) uint16 {
	if len(b) < LengthFieldSize {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

// Sequence returns the message counter of the frame.
func Sequence(b []byte) (uint16, bool) {
	if len(b) < 4 {
		return 0, false
	}

	return binary.LittleEndian.Uint16(b[2:4]), true
}

// New builds a frame from a sequence number, a type byte and a body.
func New(seq uint16, typ byte, body []byte) ([]byte, error) {
	payload := 3 + len(body)
	if payload > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFrameTooLarge, payload)
	}

	b := make([]byte, LengthFieldSize+payload)
	binary.LittleEndian.PutUint16(b, uint16(payload)) //nolint:gosec // bounded above
	binary.LittleEndian.PutUint16(b[2:], seq)
	b[4] = typ
	copy(b[HeaderSize:], body)

	return b, nil
}

// HexString renders b as colon separated upper-case hex bytes, e.g. "03:00:00:00:80".
func HexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}

	return sb.String()
}
