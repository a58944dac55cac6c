package local

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ev3c/ev3tunnel/device"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *Listener {
	t.Helper()

	ln, err := Listen(context.Background(), "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	return ln
}

func acceptAsync(ln *Listener) (<-chan *Conn, <-chan error) {
	connCh := make(chan *Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	return connCh, errCh
}

func TestListener_HandshakeAndFrames(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	connCh, errCh := acceptAsync(ln)

	// the Wi-Fi unlock of the device package is what the control software sends
	client, err := device.DialTCP(context.Background(), ln.Addr().String(), "001612345678")
	require.NoError(err)
	defer client.Close()

	var conn *Conn
	select {
	case conn = <-connCh:
	case err := <-errCh:
		require.FailNow("accept failed", err.Error())
	}
	defer conn.Close()
	require.Equal("GET /target?sn=001612345678 VMTP1.0", conn.Request())

	req := []byte{0x03, 0x00, 0x00, 0x00, 0x80}
	_, err = client.Write(req)
	require.NoError(err)

	got, err := conn.ReadFrame(context.Background())
	require.NoError(err)
	require.Equal(req, got)

	reply := []byte{0x03, 0x00, 0x00, 0x00, 0x02}
	require.NoError(conn.WriteFrame(context.Background(), reply))

	buf := make([]byte, len(reply))
	_, err = io.ReadFull(client, buf)
	require.NoError(err)
	require.Equal(reply, buf)
}

func TestListener_SingleLine(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	connCh, _ := acceptAsync(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()

	_, err = io.WriteString(nc, "hello\n")
	require.NoError(err)

	buf := make([]byte, len(AcceptToken))
	_, err = io.ReadFull(nc, buf)
	require.NoError(err)
	require.Equal(AcceptToken, string(buf))

	conn := <-connCh
	defer conn.Close()
	require.Equal("hello", conn.Request())
}

func TestListener_Reaccept(t *testing.T) {
	require := require.New(t)

	ln := listen(t)

	for i := 0; i < 2; i++ {
		connCh, errCh := acceptAsync(ln)

		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(err)
		_, err = io.WriteString(nc, "GET /target?sn=1 VMTP1.0\r\nProtocol: EV3\r\n\r\n")
		require.NoError(err)

		token := make([]byte, len(AcceptToken))
		_, err = io.ReadFull(nc, token)
		require.NoError(err)
		require.Equal(AcceptToken, string(token))

		var conn *Conn
		select {
		case conn = <-connCh:
		case err := <-errCh:
			require.FailNow("accept failed", err.Error())
		}
		require.NoError(nc.Close())

		select {
		case <-conn.Done():
		case <-time.After(2 * time.Second):
			require.FailNow("disconnect not reported")
		}
		_, err = conn.ReadFrame(context.Background())
		require.ErrorIs(err, io.EOF)
		require.NoError(conn.Close())
	}
}

func TestListener_HeadersInSeparateSegments(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	connCh, errCh := acceptAsync(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()

	_, err = io.WriteString(nc, "GET /target?sn=1 VMTP1.0\r\nProtocol: EV3\r\n")
	require.NoError(err)

	// no token before the blank line
	require.NoError(nc.SetReadDeadline(time.Now().Add(50 * time.Millisecond)))
	one := make([]byte, 1)
	_, err = nc.Read(one)
	require.Error(err)
	require.NoError(nc.SetReadDeadline(time.Time{}))

	req := []byte{0x03, 0x00, 0x00, 0x00, 0x80}
	_, err = nc.Write(append([]byte("\r\n"), req...))
	require.NoError(err)

	token := make([]byte, len(AcceptToken))
	_, err = io.ReadFull(nc, token)
	require.NoError(err)
	require.Equal(AcceptToken, string(token))

	var conn *Conn
	select {
	case conn = <-connCh:
	case err := <-errCh:
		require.FailNow("accept failed", err.Error())
	}
	defer conn.Close()

	got, err := conn.ReadFrame(context.Background())
	require.NoError(err)
	require.Equal(req, got)
}

func TestConn_ReadFrameContext(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	connCh, _ := acceptAsync(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()
	_, err = io.WriteString(nc, "x\n")
	require.NoError(err)
	conn := <-connCh

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.ReadFrame(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	// a deadline leaves the connection usable
	req := []byte{0x03, 0x00, 0x00, 0x00, 0x80}
	_, err = nc.Write(req)
	require.NoError(err)
	got, err := conn.ReadFrame(context.Background())
	require.NoError(err)
	require.Equal(req, got)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	_, err = conn.ReadFrame(cctx)
	require.ErrorIs(err, context.Canceled)
	_, err = conn.ReadFrame(context.Background())
	require.ErrorIs(err, net.ErrClosed)
}

func TestListener_AcceptCancelled(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ln.Accept(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	// the listener is still usable
	connCh, _ := acceptAsync(ln)
	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()
	_, err = io.WriteString(nc, "x\n")
	require.NoError(err)
	conn := <-connCh
	require.NoError(conn.Close())
}

func TestListener_LineTooLong(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	_, errCh := acceptAsync(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()
	_, _ = io.WriteString(nc, strings.Repeat("a", 2048)+"\n")

	require.ErrorIs(<-errCh, ErrLineTooLong)
}

func TestListener_TooManyHeaders(t *testing.T) {
	require := require.New(t)

	ln := listen(t)
	_, errCh := acceptAsync(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	defer nc.Close()
	_, _ = io.WriteString(nc, "GET /target?sn=1 VMTP1.0\r\n"+strings.Repeat("X: y\r\n", 40))

	require.ErrorIs(<-errCh, ErrTooManyHeaders)
}

func TestListen_AddrInUse(t *testing.T) {
	ln := listen(t)

	_, err := Listen(context.Background(), ln.Addr().String(), nil)
	require.Error(t, err)
}
