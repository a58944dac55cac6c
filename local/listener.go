package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ev3c/ev3tunnel/frame"
	"github.com/ev3c/ev3tunnel/logger"
)

// AcceptToken is written after the initial request line.
const AcceptToken = "Accept:EV340\r\n\r\n"

// DefaultHandshakeTimeout bounds reading the request line and writing the token.
const DefaultHandshakeTimeout = 10 * time.Second

const (
	maxRequestLine = 1024
	maxHeaderLines = 32
	frameQueueSize = 16
)

var (
	// ErrLineTooLong is returned when a handshake line exceeds 1024 bytes.
	ErrLineTooLong = errors.New("handshake request line too long")

	// ErrTooManyHeaders is returned when a request block has more than 32 header lines.
	ErrTooManyHeaders = errors.New("handshake has too many header lines")
)

// Listener accepts local connections one at a time.
type Listener struct {
	ln      *net.TCPListener
	timeout time.Duration
	logger  logger.Logger
}

// Listen binds addr, e.g. "0.0.0.0:5555".
func Listen(ctx context.Context, addr string, l logger.Logger) (*Listener, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: not a tcp listener", addr)
	}

	return &Listener{
		ln:      tcpLn,
		timeout: DefaultHandshakeTimeout,
		logger:  l.With("local", tcpLn.Addr().String()),
	}, nil
}

// Addr returns the bound address.
func (ln *Listener) Addr() net.Addr { return ln.ln.Addr() }

// Close stops listening. Accepted connections stay open.
func (ln *Listener) Close() error { return ln.ln.Close() }

// Accept waits for one connection and completes the handshake on it.
func (ln *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = ln.ln.SetDeadline(time.Now()) })
	nc, err := ln.ln.AcceptTCP()
	stop()
	_ = ln.ln.SetDeadline(time.Time{})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, fmt.Errorf("accept: %w", err)
	}

	conn, err := ln.handshake(ctx, nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	return conn, nil
}

func (ln *Listener) handshake(ctx context.Context, nc *net.TCPConn) (*Conn, error) {
	_ = nc.SetDeadline(time.Now().Add(ln.timeout))
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	defer stop()

	br := bufio.NewReaderSize(nc, maxRequestLine)

	line, err := readLine(br)
	if err != nil {
		return nil, ln.handshakeErr(ctx, err)
	}

	// a GET request line starts a header block ending with a blank line
	if strings.HasPrefix(line, "GET ") {
		if err := skipHeaders(br); err != nil {
			return nil, ln.handshakeErr(ctx, err)
		}
	}

	if _, err := io.WriteString(nc, AcceptToken); err != nil {
		return nil, ln.handshakeErr(ctx, err)
	}
	_ = nc.SetDeadline(time.Time{})

	ln.logger.Info("local control software connected", "remote", nc.RemoteAddr().String(), "request", line)

	return newConn(nc, line, br, ln.logger), nil
}

func (ln *Listener) handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("local handshake: %w", err)
}

// readLine returns the next line without its CRLF terminator.
func readLine(br *bufio.Reader) (string, error) {
	b, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(b), "\r\n"), nil
}

// skipHeaders reads header lines up to and including the blank line.
func skipHeaders(br *bufio.Reader) error {
	for range maxHeaderLines {
		next, err := readLine(br)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
	}

	return ErrTooManyHeaders
}

// Conn is an accepted local connection after the handshake.
//
// Frames are read by a goroutine running until the connection fails, so Done
// reports a disconnected peer even while nobody calls ReadFrame.
type Conn struct {
	nc      *net.TCPConn
	request string
	logger  logger.Logger

	frames   chan []byte
	readDone chan struct{}
	readErr  error
	closing  chan struct{}

	rmu sync.Mutex
	wmu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(nc *net.TCPConn, request string, br *bufio.Reader, l logger.Logger) *Conn {
	c := &Conn{
		nc:       nc,
		request:  request,
		logger:   l,
		frames:   make(chan []byte, frameQueueSize),
		readDone: make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go c.readLoop(frame.NewReader(br))

	return c
}

func (c *Conn) readLoop(r *frame.Reader) {
	defer close(c.readDone)

	for {
		b, err := r.ReadFrame()
		if err != nil {
			c.readErr = err
			return
		}

		select {
		case c.frames <- b:
		case <-c.closing:
			return
		}
	}
}

// Done is closed once the connection can deliver no more frames, e.g. after the
// control software disconnected. Frames already received are still returned by ReadFrame.
func (c *Conn) Done() <-chan struct{} { return c.readDone }

// Request returns the initial request line sent by the control software.
func (c *Conn) Request() string { return c.request }

// RemoteAddr returns the address of the control software.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// ReadFrame returns the next frame sent by the control software.
//
// Cancelling ctx closes the connection, a ctx deadline only ends this read.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.closed.Load() {
		return nil, net.ErrClosed
	}

	select {
	case b := <-c.frames:
		return b, nil
	case <-c.readDone:
		select {
		case b := <-c.frames:
			return b, nil
		default:
		}

		return nil, c.wrapErr(ctx, c.readErr)
	case <-ctx.Done():
		err := ctx.Err()
		if !errors.Is(err, context.DeadlineExceeded) {
			_ = c.Close()
		}

		return nil, err
	}
}

// WriteFrame writes b to the control software.
func (c *Conn) WriteFrame(ctx context.Context, b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if _, err := c.nc.Write(b); err != nil {
		return c.wrapErr(ctx, err)
	}

	return nil
}

// Close closes the connection. It is safe to call Close more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.closeErr = c.nc.Close()
	})

	return c.closeErr
}

func (c *Conn) wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if c.closed.Load() {
		return net.ErrClosed
	}

	return err
}
