package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame indicates a frame whose header is too short to classify or whose
	// command-type tag is not a known request tag.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrLengthMismatch indicates that the header length does not match the frame size.
	ErrLengthMismatch = errors.New("frame length mismatch")

	// ErrFrameTooLarge indicates a frame that cannot be described by a 16-bit length field.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FaultKind enumerates the protocol faults detected by the codec.
type FaultKind uint8

const (
	// FaultTruncated means the frame is shorter than the 5-byte header.
	FaultTruncated FaultKind = iota + 1
	// FaultUnknownTag means byte 4 is not one of the request tags.
	FaultUnknownTag
	// FaultLengthMismatch means the header length disagrees with the frame size.
	FaultLengthMismatch
)

func (k FaultKind) String() string {
	switch k {
	case FaultTruncated:
		return "truncated"
	case FaultUnknownTag:
		return "unknown-tag"
	case FaultLengthMismatch:
		return "length-mismatch"
	default:
		return "unknown"
	}
}

// FrameFault describes a protocol fault found in a single frame.
//
// Expected and Actual are only meaningful for FaultLengthMismatch: Expected is
// the length declared in the header and Actual is len(frame)-2. Len is always the
// size of the offending frame and Tag is byte 4 when present.
type FrameFault struct {
	Kind     FaultKind
	Expected int
	Actual   int
	Len      int
	Tag      byte
}

func (f *FrameFault) Error() string {
	switch f.Kind {
	case FaultLengthMismatch:
		return fmt.Sprintf("frame length mismatch: expected %d, actual %d", f.Expected, f.Actual)
	case FaultTruncated:
		return fmt.Sprintf("malformed frame: %d bytes is shorter than the %d-byte header", f.Len, HeaderSize)
	case FaultUnknownTag:
		return fmt.Sprintf("malformed frame: unknown command type 0x%02X", f.Tag)
	default:
		return "malformed frame"
	}
}

// Is reports whether target is the sentinel matching the fault kind.
func (f *FrameFault) Is(target error) bool {
	switch target {
	case ErrLengthMismatch:
		return f.Kind == FaultLengthMismatch
	case ErrMalformedFrame:
		return f.Kind == FaultTruncated || f.Kind == FaultUnknownTag
	}

	return false
}

// AsFault returns the *FrameFault wrapped in err, if any.
func AsFault(err error) (*FrameFault, bool) {
	var fault *FrameFault
	if errors.As(err, &fault) {
		return fault, true
	}

	return nil, false
}
