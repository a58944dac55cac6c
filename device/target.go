package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Transport kinds accepted by Target.Transport.
const (
	TransportRFCOMM = "rfcomm"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// DefaultRFCOMMChannel is the RFCOMM channel of the EV3 serial port profile.
const DefaultRFCOMMChannel = 1

// DefaultBaud is the serial speed used when none is configured.
const DefaultBaud = 115200

// ErrUnsupported is returned for a transport this platform cannot open.
var ErrUnsupported = errors.New("device transport not supported on this platform")

// Target describes how to reach a device.
type Target struct {
	// Transport is one of "rfcomm", "serial" or "tcp".
	Transport string
	// Addr is the Bluetooth address for rfcomm, or host:port for tcp.
	Addr string
	// Channel is the RFCOMM channel.
	Channel uint8
	// Path is the serial device, e.g. /dev/rfcomm0.
	Path string
	// Baud is the serial speed.
	Baud int
	// Serial is the brick serial number used to unlock a Wi-Fi connection.
	Serial string
}

// Open connects the transport described by t.
func Open(ctx context.Context, t Target) (io.ReadWriteCloser, error) {
	switch strings.ToLower(t.Transport) {
	case TransportRFCOMM, "bluetooth", "":
		addr, err := ParseBtAddr(t.Addr)
		if err != nil {
			return nil, err
		}
		channel := t.Channel
		if channel == 0 {
			channel = DefaultRFCOMMChannel
		}

		return DialRFCOMM(ctx, addr, channel)
	case TransportSerial:
		return OpenSerial(t.Path, t.Baud)
	case TransportTCP:
		return DialTCP(ctx, t.Addr, t.Serial)
	default:
		return nil, fmt.Errorf("unknown device transport %q", t.Transport)
	}
}
