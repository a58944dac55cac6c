package device

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ev3c/ev3tunnel/frame"
	"github.com/stretchr/testify/require"
)

// fakeBrick answers every reply-expecting request read from conn with a
// DirectReplyOK frame carrying the same sequence number.
func fakeBrick(t *testing.T, conn net.Conn, requests chan<- []byte) {
	t.Helper()

	go func() {
		r := frame.NewReader(conn)
		for {
			req, err := r.ReadFrame()
			if err != nil {
				return
			}
			requests <- req

			ct, err := frame.Classify(req)
			if err != nil || !ct.ExpectsReply() {
				continue
			}
			seq, _ := frame.Sequence(req)
			reply, _ := frame.New(seq, byte(frame.DirectReplyOK), []byte{0xFF})
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()
}

func TestLink_Send(t *testing.T) {
	require := require.New(t)

	client, brick := net.Pipe()
	defer brick.Close()

	requests := make(chan []byte, 4)
	fakeBrick(t, brick, requests)

	link := NewLink("EV3", client, nil)
	defer link.Close()

	t.Run("No reply expected", func(t *testing.T) {
		req := []byte{0x03, 0x00, 0x00, 0x00, 0x80}
		reply, err := link.Send(context.Background(), req)
		require.NoError(err)
		require.Nil(reply)
		require.Equal(req, <-requests)
	})

	t.Run("One reply", func(t *testing.T) {
		req, _ := frame.New(9, byte(frame.DirectReply), []byte{0x01, 0x02})
		reply, err := link.Send(context.Background(), req)
		require.NoError(err)
		require.Equal([]byte{0x04, 0x00, 0x09, 0x00, 0x02, 0xFF}, reply)
		require.Equal(req, <-requests)
	})

	t.Run("Unclassifiable request is not written", func(t *testing.T) {
		_, err := link.Send(context.Background(), []byte{0x03, 0x00, 0x00, 0x00, 0x42})
		require.ErrorIs(err, frame.ErrMalformedFrame)
		require.Empty(requests)
	})
}

func TestLink_ContextAndClose(t *testing.T) {
	t.Run("Deadline", func(t *testing.T) {
		require := require.New(t)

		client, brick := net.Pipe()
		defer brick.Close()
		go func() { _, _ = io.Copy(io.Discard, brick) }()

		link := NewLink("EV3", client, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := link.Send(ctx, []byte{0x03, 0x00, 0x00, 0x00, 0x00})
		require.ErrorIs(err, context.DeadlineExceeded)
		require.ErrorIs(link.WriteFrame(context.Background(), []byte{0x01}), ErrLinkClosed)
	})

	t.Run("Peer gone", func(t *testing.T) {
		require := require.New(t)

		client, brick := net.Pipe()
		link := NewLink("EV3", client, nil)
		defer link.Close()
		require.NoError(brick.Close())

		_, err := link.ReadFrame(context.Background())
		require.ErrorIs(err, io.EOF)
		require.ErrorContains(err, "read EV3")
	})

	t.Run("Close twice", func(t *testing.T) {
		require := require.New(t)

		client, _ := net.Pipe()
		link := NewLink("EV3", client, nil)
		require.NoError(link.Close())
		require.NoError(link.Close())

		_, err := link.ReadFrame(context.Background())
		require.ErrorIs(err, ErrLinkClosed)
	})
}

func TestBtAddr(t *testing.T) {
	require := require.New(t)

	a, err := ParseBtAddr("00:16:53:4c:02:21")
	require.NoError(err)
	require.Equal("00:16:53:4C:02:21", a.String())
	require.Equal(a, BtAddrFromNapSap(0x0016, 0x534C0221))
	require.Equal([6]byte{0x21, 0x02, 0x4C, 0x53, 0x16, 0x00}, a.littleEndian())

	b, err := ParseBtAddr("0016534C0221")
	require.NoError(err)
	require.Equal(a, b)

	_, err = ParseBtAddr("00:16:53")
	require.Error(err)
	_, err = ParseBtAddr("zz:16:53:4c:02:21")
	require.Error(err)
}

func TestDialTCP(t *testing.T) {
	t.Run("Unlock accepted", func(t *testing.T) {
		require := require.New(t)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(err)
		defer ln.Close()

		unlockLine := make(chan string, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()

			br := bufio.NewReader(conn)
			line, _ := br.ReadString('\n')
			unlockLine <- line
			for {
				l, err := br.ReadString('\n')
				if err != nil || l == "\r\n" {
					break
				}
			}
			_, _ = io.WriteString(conn, AcceptToken)
			_, _ = conn.Write([]byte{0x03, 0x00, 0x01, 0x00, 0x02})
			time.Sleep(100 * time.Millisecond)
		}()

		rwc, err := DialTCP(context.Background(), ln.Addr().String(), "0016534c0221")
		require.NoError(err)

		link := NewLink("EV3", rwc, nil)
		defer link.Close()

		require.Equal("GET /target?sn=0016534c0221 VMTP1.0\r\n", <-unlockLine)
		reply, err := link.ReadFrame(context.Background())
		require.NoError(err)
		require.Equal([]byte{0x03, 0x00, 0x01, 0x00, 0x02}, reply)
	})

	t.Run("Unlock rejected", func(t *testing.T) {
		require := require.New(t)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = io.WriteString(conn, "Denied\r\n\r\n")
		}()

		_, err = DialTCP(context.Background(), ln.Addr().String(), "0016534c0221")
		require.ErrorIs(err, ErrUnlockRejected)
	})

	t.Run("Connection refused", func(t *testing.T) {
		_, err := DialTCP(context.Background(), "127.0.0.1:1", "")
		require.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	require := require.New(t)

	_, err := Open(context.Background(), Target{Transport: "usb"})
	require.ErrorContains(err, `unknown device transport "usb"`)

	_, err = Open(context.Background(), Target{Transport: TransportRFCOMM, Addr: "bad"})
	require.ErrorContains(err, "invalid bluetooth address")

	_, err = Open(context.Background(), Target{Transport: TransportSerial})
	require.ErrorContains(err, "device path is empty")

	require.True(strings.HasPrefix(UnlockRequest("x"), "GET /target?sn=x "))
}
