package device

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// OpenSerial opens a serial port such as a bound /dev/rfcomm0.
// A non-positive baud selects DefaultBaud.
//
// Reads block until data arrives; cancelling a Link read closes the port.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("serial: device path is empty")
	}
	if baud <= 0 {
		baud = DefaultBaud
	}

	port, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}

	return port, nil
}
