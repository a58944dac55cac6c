package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/device"
	"github.com/ev3c/ev3tunnel/discovery"
	"github.com/ev3c/ev3tunnel/frame"
	"github.com/ev3c/ev3tunnel/internal/testutil"
	"github.com/ev3c/ev3tunnel/relay"
	"github.com/ev3c/ev3tunnel/remote"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var (
	noReplyRequest = []byte{0x05, 0x00, 0x00, 0x00, 0x80, 0xAB, 0xCD}
	replyRequest   = []byte{0x05, 0x00, 0x01, 0x00, 0x00, 0xAB, 0xCD}
	// the fake coordinator never answers heldRequest
	heldRequest = []byte{0x05, 0x00, 0x09, 0x00, 0x00, 0xAB, 0xCD}
)

// answer returns the DirectReplyOK frame for req, or nil if req expects no reply.
func answer(req []byte) []byte {
	ct, err := frame.Classify(req)
	if err != nil || !ct.ExpectsReply() {
		return nil
	}
	seq, _ := frame.Sequence(req)
	reply, _ := frame.New(seq, byte(frame.DirectReplyOK), []byte{0xFF})

	return reply
}

func serveBrick(conn net.Conn, requests chan<- []byte) {
	r := frame.NewReader(conn)
	for {
		req, err := r.ReadFrame()
		if err != nil {
			return
		}
		requests <- req
		if reply := answer(req); reply != nil {
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out")
	}

	var zero T
	return zero
}

func TestDeviceSession(t *testing.T) {
	require := require.New(t)

	client, brick := net.Pipe()
	defer brick.Close()
	brickRequests := make(chan []byte, 4)
	go serveBrick(brick, brickRequests)

	registered := make(chan string, 1)
	replies := make(chan []byte, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		registered <- string(data)

		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{})
		_ = ws.WriteMessage(websocket.BinaryMessage, noReplyRequest)
		_ = ws.WriteMessage(websocket.BinaryMessage, replyRequest)
		_, reply, err := ws.ReadMessage()
		if err != nil {
			return
		}
		replies <- reply
		_, _, _ = ws.ReadMessage()
	})

	s := NewDeviceSession(DeviceConfig{
		Name: "EV3",
		OpenDevice: func(context.Context) (io.ReadWriteCloser, error) {
			return client, nil
		},
		DialRemote: func(ctx context.Context) (*remote.Conn, error) {
			return remote.Dial(ctx, srv.URL("ev3c"))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.attempt(ctx) }()

	require.JSONEq(`{"id":"EV3"}`, recv(t, registered))
	require.Equal(noReplyRequest, recv(t, brickRequests))
	require.Equal(replyRequest, recv(t, brickRequests))
	require.Equal([]byte{0x04, 0x00, 0x01, 0x00, 0x02, 0xFF}, recv(t, replies))

	require.Eventually(func() bool { return s.RelayMetrics().ReplyCount.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(uint64(2), s.RelayMetrics().RequestCount.Load())
	require.Equal(uint64(1), s.RelayMetrics().NoReplyCount.Load())

	info := s.Info()
	require.True(info.Running)
	require.Equal("EV3", info.Device)
	require.Equal(arbiter.Controlling, info.Status)

	cancel()
	require.ErrorIs(recv(t, errCh), context.Canceled)
	require.Equal(arbiter.Closed, s.Info().Status)

	// the device link was closed with the session
	_, err := brick.Write([]byte{0x00})
	require.Error(err)
}

func TestDeviceSession_DeviceUnavailable(t *testing.T) {
	require := require.New(t)

	var dials atomic.Int32
	s := NewDeviceSession(DeviceConfig{
		Name: "EV3",
		OpenDevice: func(context.Context) (io.ReadWriteCloser, error) {
			return nil, device.ErrUnsupported
		},
		DialRemote: func(context.Context) (*remote.Conn, error) {
			dials.Add(1)
			return nil, net.ErrClosed
		},
	})

	require.ErrorIs(s.attempt(context.Background()), device.ErrUnsupported)
	require.Zero(dials.Load(), "the remote is dialled after the device link")
	require.Nil(s.RelayMetrics())
}

func TestOperatorSession(t *testing.T) {
	require := require.New(t)

	control := make(chan string, 1)
	forwarded := make(chan []byte, 8)
	pongs := make(chan string, 8)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn) {
		ws.SetPongHandler(func(data string) error {
			pongs <- data
			return nil
		})

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		control <- string(data)

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"Queue": true}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"Control": "r1"}`))
		// the session is waiting for the control software now
		_ = ws.WriteControl(websocket.PingMessage, []byte("accept"), time.Now().Add(time.Second))

		for {
			_, req, err := ws.ReadMessage()
			if err != nil {
				return
			}
			forwarded <- req
			if bytes.Equal(req, heldRequest) {
				continue
			}
			if reply := answer(req); reply != nil {
				_ = ws.WriteMessage(websocket.BinaryMessage, reply)
				continue
			}
			// nothing reads the remote while only no-reply commands flow
			_ = ws.WriteControl(websocket.PingMessage, []byte("no-reply"), time.Now().Add(time.Second))
		}
	})

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer udp.Close()

	var dials atomic.Int32
	grants := make(chan string, 1)
	listenAddr := freeAddr(t)

	s := NewOperatorSession(OperatorConfig{
		Name: "entry",
		DialRemote: func(ctx context.Context) (*remote.Conn, error) {
			dials.Add(1)
			return remote.Dial(ctx, srv.URL("ev3c"))
		},
		Gate:       arbiter.NewClient("r1"),
		OnGrant:    func(cs *arbiter.ControlSession) { grants <- cs.DeviceID() },
		ListenAddr: listenAddr,
		Discovery: func(name string) (*discovery.Config, error) {
			return discovery.NewConfig("0016534c0221", name,
				discovery.WithBroadcastAddr(udp.LocalAddr().String()),
				discovery.WithBindAddr("127.0.0.1:0"),
				discovery.WithReceiveTimeout(50*time.Millisecond),
			)
		},
		ReconnectLocal: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.attempt(ctx) }()

	require.JSONEq(`{"preferred_ev3":"r1"}`, recv(t, control))
	require.Equal("r1", recv(t, grants))

	// the broadcast announces the granted device
	buf := make([]byte, 256)
	require.NoError(udp.SetReadDeadline(time.Now().Add(2 * time.Second)))
	n, _, err := udp.ReadFrom(buf)
	require.NoError(err)
	require.Equal("Serial-Number: 0016534c0221\r\nPort: 5555\r\nName: r1\r\nProtocol: EV3\r\n", string(buf[:n]))

	// keep-alive answered before any local connection exists
	require.Equal("accept", recv(t, pongs))

	dialLocal := func() io.ReadWriteCloser {
		var conn io.ReadWriteCloser
		require.Eventually(func() bool {
			c, err := device.DialTCP(ctx, listenAddr, "0016534c0221")
			if err != nil {
				return false
			}
			conn = c
			return true
		}, 2*time.Second, 10*time.Millisecond)

		return conn
	}

	labview := dialLocal()

	_, err = labview.Write(noReplyRequest)
	require.NoError(err)
	require.Equal(noReplyRequest, recv(t, forwarded))
	require.Equal("no-reply", recv(t, pongs))
	require.Eventually(func() bool { return s.RelayState() == relay.Idle }, time.Second, 5*time.Millisecond)

	_, err = labview.Write(replyRequest)
	require.NoError(err)
	require.Equal(replyRequest, recv(t, forwarded))

	reply := make([]byte, 6)
	_, err = io.ReadFull(labview, reply)
	require.NoError(err)
	require.Equal([]byte{0x04, 0x00, 0x01, 0x00, 0x02, 0xFF}, reply)

	// the control software leaves while its request waits for a reply, with no
	// reply timeout configured, and reconnects without a new coordinator connection
	_, err = labview.Write(heldRequest)
	require.NoError(err)
	require.Equal(heldRequest, recv(t, forwarded))
	require.Eventually(func() bool { return s.RelayState() == relay.AwaitingReply }, time.Second, 5*time.Millisecond)
	require.NoError(labview.Close())
	labview = dialLocal()
	defer labview.Close()

	_, err = labview.Write(noReplyRequest)
	require.NoError(err)
	require.Equal(noReplyRequest, recv(t, forwarded))
	require.Equal(int32(1), dials.Load())

	cancel()
	require.ErrorIs(recv(t, errCh), context.Canceled)
	require.False(s.Running())
}

func TestOperatorSession_Rejected(t *testing.T) {
	require := require.New(t)

	srv := testutil.NewWSServer(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"Rejected": "r9 is not connected"}`))
		_, _, _ = ws.ReadMessage()
	})

	s := NewOperatorSession(OperatorConfig{
		Name: "entry",
		DialRemote: func(ctx context.Context) (*remote.Conn, error) {
			return remote.Dial(ctx, srv.URL("ev3c"))
		},
		Gate:       arbiter.NewClient("r9"),
		OnGrant:    func(*arbiter.ControlSession) { require.FailNow("granted") },
		ListenAddr: freeAddr(t),
	})

	err := s.attempt(context.Background())
	require.ErrorIs(err, arbiter.ErrRejected)
	require.EqualError(err, "control rejected by coordinator: r9 is not connected")
	require.Equal(arbiter.Closed, s.Info().Status)
	require.Nil(s.RelayMetrics(), "the relay never starts without a grant")
}
