//go:build !linux

package device

import (
	"context"
	"io"
)

// DialRFCOMM is only available on Linux. Bind the brick to a serial device and
// use OpenSerial elsewhere.
func DialRFCOMM(_ context.Context, _ BtAddr, _ uint8) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
