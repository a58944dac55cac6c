package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrUnlockRejected is returned when a Wi-Fi brick does not accept the unlock request.
var ErrUnlockRejected = errors.New("device did not accept the connection")

// AcceptToken is the answer of a brick to a successful unlock request.
const AcceptToken = "Accept:EV340\r\n\r\n"

const unlockTimeout = 5 * time.Second

// UnlockRequest returns the line that unlocks the TCP port of the brick with the given serial number.
func UnlockRequest(serial string) string {
	return fmt.Sprintf("GET /target?sn=%s VMTP1.0\r\nProtocol: EV3\r\n\r\n", serial)
}

// DialTCP connects to a brick on the network at addr (host:port, usually port 5555).
// A non-empty serial sends the unlock request first and waits for AcceptToken.
func DialTCP(ctx context.Context, addr string, serial string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial device %s: %w", addr, err)
	}

	if serial == "" {
		return conn, nil
	}

	if err := unlock(conn, serial); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unlock device %s: %w", addr, err)
	}

	return conn, nil
}

func unlock(conn net.Conn, serial string) error {
	_ = conn.SetDeadline(time.Now().Add(unlockTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if _, err := io.WriteString(conn, UnlockRequest(serial)); err != nil {
		return err
	}

	// read byte by byte so no frame data is consumed past the token
	var resp []byte
	one := make([]byte, 1)
	for !bytes.HasSuffix(resp, []byte("\r\n\r\n")) {
		if len(resp) > 256 {
			return ErrUnlockRejected
		}
		if _, err := io.ReadFull(conn, one); err != nil {
			return err
		}
		resp = append(resp, one[0])
	}

	if !bytes.HasPrefix(resp, []byte("Accept:")) {
		return fmt.Errorf("%w: %q", ErrUnlockRejected, resp)
	}

	return nil
}
