package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads length-prefixed frames from a byte stream such as the local TCP
// connection or an RFCOMM link.
//
// The length prefix is trusted for framing, so a stream can never desynchronize
// on a frame boundary: each call consumes exactly one frame. Frames that are too
// short to carry a full header are still returned so the caller can apply its
// fault policy to them.
//
// Reader is NOT goroutine-safe.
type Reader struct {
	r      io.Reader
	lenBuf [LengthFieldSize]byte
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads one complete frame, including its length prefix.
//
// It returns io.EOF if the stream ended cleanly between frames and
// io.ErrUnexpectedEOF if it ended inside one.
func (fr *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lenBuf[:]); err != nil {
		return nil, err
	}

	payloadLen := int(binary.LittleEndian.Uint16(fr.lenBuf[:]))

	buf := make([]byte, LengthFieldSize+payloadLen)
	copy(buf, fr.lenBuf[:])

	if _, err := io.ReadFull(fr.r, buf[LengthFieldSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return nil, fmt.Errorf("read frame payload of %d bytes: %w", payloadLen, err)
	}

	return buf, nil
}
